package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"github.com/layertwo/mercury-fleet/infra"
)

// datalakePrefix picks the partition listed by `datalake ls`. An empty date
// means today (UTC).
func datalakePrefix(date, errorKind string, now time.Time) (string, error) {
	day := now
	if date != "" {
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return "", fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
		}
		day = t
	}
	if errorKind != "" {
		return infra.ErrorPartitionPrefix(errorKind, day), nil
	}
	return infra.PartitionPrefix(day), nil
}

// listDatalake writes one line per object under prefix.
func listDatalake(ctx context.Context, client s3.ListObjectsV2APIClient, bucket, prefix string, w io.Writer) (int, error) {
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	n := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			fmt.Fprintf(w, "%s  %10d  %s\n",
				aws.ToTime(o.LastModified).UTC().Format(time.RFC3339),
				aws.ToInt64(o.Size),
				aws.ToString(o.Key))
			n++
		}
	}
	return n, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// decodeRecords writes each NDJSON record of a delivered object on its own
// line. GZIP objects are decompressed; anything else is copied as is.
func decodeRecords(data []byte, w io.Writer) (int, error) {
	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxRecordBytes)
	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("decode records: %w", err)
	}
	return n, nil
}

// fetchObject downloads an object into memory with the transfer manager.
func fetchObject(ctx context.Context, client manager.DownloadAPIClient, bucket, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	d := manager.NewDownloader(client)
	if _, err := d.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func runDatalakeList(ctx context.Context, date, errorKind string, w io.Writer) error {
	prefix, err := datalakePrefix(date, errorKind, time.Now())
	if err != nil {
		return err
	}
	client, err := clients.S3(ctx)
	if err != nil {
		return err
	}
	n, err := listDatalake(ctx, client, cfg.DatalakeBucket, prefix, w)
	if err != nil {
		return describeError(err)
	}
	if n == 0 {
		fmt.Fprintf(w, "no objects under s3://%s/%s\n", cfg.DatalakeBucket, prefix)
	}
	return nil
}

func runDatalakeCat(ctx context.Context, key string, w io.Writer) error {
	client, err := clients.S3(ctx)
	if err != nil {
		return err
	}
	data, err := fetchObject(ctx, client, cfg.DatalakeBucket, key)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3://%s/%s does not exist", cfg.DatalakeBucket, key)
		}
		return describeError(err)
	}
	_, err = decodeRecords(data, w)
	return err
}
