package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/google/uuid"

	"github.com/layertwo/mercury-fleet/log"
)

// FirehoseAPI delivers record batches.
type FirehoseAPI interface {
	PutRecordBatch(ctx context.Context, in *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// PutRecordBatch limits.
const (
	maxBatchRecords = 500
	maxBatchBytes   = 4 << 20
	maxRecordBytes  = 1000 << 10
	maxSendAttempts = 3
)

// sendBackoff is the pause before resending failed records.
var sendBackoff = time.Second

// readRecords reads NDJSON from r. Lines that are not a JSON object, or that
// would exceed the per-record limit, are reported and skipped. Each returned
// record ends in a newline so delivered objects stay line-delimited.
func readRecords(r io.Reader) (records [][]byte, skipped int, err error) {
	logger := log.WithComponent("telemetry")
	br := bufio.NewReaderSize(r, 64<<10)

	for line := 1; ; line++ {
		raw, tooLong, err := nextLine(br, maxRecordBytes)
		if err == io.EOF {
			return records, skipped, nil
		}
		if err != nil {
			return records, skipped, fmt.Errorf("read records: %w", err)
		}
		text := bytes.TrimSpace(raw)
		if tooLong || len(text) >= maxRecordBytes {
			logger.Warn().Int("line", line).Int("limit", maxRecordBytes).Msg("skipping oversized record")
			skipped++
			continue
		}
		if len(text) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(text, &obj); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("skipping malformed record")
			skipped++
			continue
		}
		rec := make([]byte, 0, len(text)+1)
		rec = append(append(rec, text...), '\n')
		records = append(records, rec)
	}
}

// nextLine returns the next line of br without its terminator. A line longer
// than limit is consumed whole and returned empty with tooLong set.
func nextLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// testRecords generates n synthetic fingerprint records.
func testRecords(n int, now time.Time) [][]byte {
	records := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		data, _ := json.Marshal(map[string]any{
			"id":          uuid.NewString(),
			"event_start": float64(now.UnixMilli()) / 1000,
			"src_ip":      "10.0.0.1",
			"dst_ip":      "192.0.2.1",
			"protocol":    6,
			"src_port":    40000 + i,
			"dst_port":    443,
			"test":        true,
		})
		records = append(records, append(data, '\n'))
	}
	return records
}

// batchRecords splits records into PutRecordBatch-sized batches.
func batchRecords(records [][]byte) [][][]byte {
	var batches [][][]byte
	var cur [][]byte
	size := 0
	for _, r := range records {
		if len(cur) == maxBatchRecords || (len(cur) > 0 && size+len(r) > maxBatchBytes) {
			batches = append(batches, cur)
			cur, size = nil, 0
		}
		cur = append(cur, r)
		size += len(r)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// sendBatch delivers one batch, resending the entries Firehose rejected.
// It returns the number of records that were never accepted.
func sendBatch(ctx context.Context, client FirehoseAPI, stream string, batch [][]byte) (int, error) {
	logger := log.WithComponent("telemetry")
	pending := batch
	for attempt := 1; ; attempt++ {
		entries := make([]fhtypes.Record, len(pending))
		for i, r := range pending {
			entries[i] = fhtypes.Record{Data: r}
		}
		out, err := client.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
			DeliveryStreamName: aws.String(stream),
			Records:            entries,
		})
		if err != nil {
			return len(pending), fmt.Errorf("put record batch: %w", err)
		}
		if aws.ToInt32(out.FailedPutCount) == 0 {
			return 0, nil
		}

		var retry [][]byte
		for i, resp := range out.RequestResponses {
			if resp.ErrorCode != nil && i < len(pending) {
				retry = append(retry, pending[i])
			}
		}
		logger.Warn().Int("failed", len(retry)).Int("attempt", attempt).Msg("records rejected")
		pending = retry
		if len(pending) == 0 || attempt > maxSendAttempts {
			return len(pending), nil
		}

		select {
		case <-ctx.Done():
			return len(pending), ctx.Err()
		case <-time.After(sendBackoff * time.Duration(attempt)):
		}
	}
}

// sendRecords delivers all records and reports how many were accepted.
func sendRecords(ctx context.Context, client FirehoseAPI, stream string, records [][]byte) (sent, failed int, err error) {
	for _, batch := range batchRecords(records) {
		n, err := sendBatch(ctx, client, stream, batch)
		failed += n
		sent += len(batch) - n
		if err != nil {
			return sent, failed, err
		}
	}
	return sent, failed, nil
}

func runTelemetrySend(ctx context.Context, file string, count int) error {
	logger := log.WithComponent("telemetry")

	var records [][]byte
	if file == "" {
		records = testRecords(count, time.Now())
	} else {
		var r io.Reader = os.Stdin
		if file != "-" {
			f, err := os.Open(file) //nolint:gosec // operator-supplied path
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		var skipped int
		var err error
		records, skipped, err = readRecords(r)
		if err != nil {
			return err
		}
		if skipped > 0 {
			logger.Warn().Int("skipped", skipped).Msg("malformed records skipped")
		}
	}
	if len(records) == 0 {
		return fmt.Errorf("no records to send")
	}

	client, err := clients.Firehose(ctx)
	if err != nil {
		return err
	}
	sent, failed, err := sendRecords(ctx, client, cfg.StreamName, records)
	logger.Info().Str("stream", cfg.StreamName).Int("sent", sent).Int("failed", failed).Msg("telemetry sent")
	if err != nil {
		return describeError(err)
	}
	if failed > 0 {
		return fmt.Errorf("%d records were not accepted", failed)
	}
	return nil
}
