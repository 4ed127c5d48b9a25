package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFirehose rejects the first reject[n] records of the n-th call.
type fakeFirehose struct {
	reject    []int
	err       error
	calls     int
	batchSize []int
	accepted  [][]byte
}

func (f *fakeFirehose) PutRecordBatch(_ context.Context, in *firehose.PutRecordBatchInput, _ ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := 0
	if f.calls < len(f.reject) {
		n = min(f.reject[f.calls], len(in.Records))
	}
	f.calls++
	f.batchSize = append(f.batchSize, len(in.Records))

	out := &firehose.PutRecordBatchOutput{FailedPutCount: aws.Int32(int32(n))}
	for i, r := range in.Records {
		if i < n {
			out.RequestResponses = append(out.RequestResponses, fhtypes.PutRecordBatchResponseEntry{
				ErrorCode:    aws.String("ServiceUnavailableException"),
				ErrorMessage: aws.String("slow down"),
			})
			continue
		}
		f.accepted = append(f.accepted, r.Data)
		out.RequestResponses = append(out.RequestResponses, fhtypes.PutRecordBatchResponseEntry{RecordId: aws.String("id")})
	}
	return out, nil
}

func noBackoff(t *testing.T) {
	t.Helper()
	prev := sendBackoff
	sendBackoff = 0
	t.Cleanup(func() { sendBackoff = prev })
}

func TestReadRecords(t *testing.T) {
	in := strings.Join([]string{
		`{"src_ip":"10.0.0.1","dst_port":443}`,
		``,
		`not json`,
		`  {"src_ip":"10.0.0.2"}  `,
		`[1,2,3]`,
	}, "\n")

	records, skipped, err := readRecords(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "{\"src_ip\":\"10.0.0.1\",\"dst_port\":443}\n", string(records[0]))
	assert.Equal(t, "{\"src_ip\":\"10.0.0.2\"}\n", string(records[1]))
}

func TestReadRecordsSkipsOversized(t *testing.T) {
	fits := `{"k":"` + strings.Repeat("a", maxRecordBytes-9) + `"}`
	require.Len(t, fits, maxRecordBytes-1)
	atLimit := `{"k":"` + strings.Repeat("a", maxRecordBytes-8) + `"}`
	huge := `{"k":"` + strings.Repeat("a", 2*maxRecordBytes) + `"}`

	in := strings.Join([]string{huge, `{"n":1}`, atLimit, fits, `{"n":2}`}, "\n")
	records, skipped, err := readRecords(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, records, 3)
	assert.Equal(t, "{\"n\":1}\n", string(records[0]))
	assert.Len(t, records[1], maxRecordBytes)
	assert.Equal(t, "{\"n\":2}\n", string(records[2]))
}

func TestTestRecords(t *testing.T) {
	records := testRecords(3, time.Unix(1700000000, 0))
	require.Len(t, records, 3)

	ids := map[string]bool{}
	for _, r := range records {
		assert.True(t, bytes.HasSuffix(r, []byte("\n")))
		var obj map[string]any
		require.NoError(t, json.Unmarshal(r, &obj))
		assert.Equal(t, true, obj["test"])
		ids[obj["id"].(string)] = true
	}
	assert.Len(t, ids, 3)
}

func TestBatchRecords(t *testing.T) {
	t.Run("record limit", func(t *testing.T) {
		records := make([][]byte, 1201)
		for i := range records {
			records[i] = []byte("{}\n")
		}
		batches := batchRecords(records)
		require.Len(t, batches, 3)
		assert.Len(t, batches[0], 500)
		assert.Len(t, batches[1], 500)
		assert.Len(t, batches[2], 201)
	})

	t.Run("byte limit", func(t *testing.T) {
		big := bytes.Repeat([]byte("x"), 900<<10)
		records := [][]byte{big, big, big, big, big, big}
		batches := batchRecords(records)
		require.Len(t, batches, 2)
		assert.Len(t, batches[0], 4)
		assert.Len(t, batches[1], 2)
	})

	assert.Empty(t, batchRecords(nil))
}

func TestSendRecordsRetriesRejected(t *testing.T) {
	noBackoff(t)
	fh := &fakeFirehose{reject: []int{2, 1}}

	records := testRecords(5, time.Now())
	sent, failed, err := sendRecords(context.Background(), fh, "MercurySensorStream", records)
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []int{5, 2, 1}, fh.batchSize)
	assert.Len(t, fh.accepted, 5)
}

func TestSendRecordsGivesUp(t *testing.T) {
	noBackoff(t)
	fh := &fakeFirehose{reject: []int{2, 2, 2, 2, 2}}

	sent, failed, err := sendRecords(context.Background(), fh, "MercurySensorStream", testRecords(4, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1+maxSendAttempts, fh.calls)
}

func TestSendRecordsError(t *testing.T) {
	fh := &fakeFirehose{err: errors.New("ResourceNotFoundException")}

	sent, failed, err := sendRecords(context.Background(), fh, "missing", testRecords(3, time.Now()))
	require.Error(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 3, failed)
}
