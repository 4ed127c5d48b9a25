package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/layertwo/mercury-fleet/infra"
)

// artifactLocation reads the location the last pipeline build recorded.
func artifactLocation(ctx context.Context, client infra.ParameterAPI) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(cfg.ArtifactParameter)})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("parameter %s does not exist; run 'mercury up' first", cfg.ArtifactParameter)
		}
		return "", fmt.Errorf("read %s: %w", cfg.ArtifactParameter, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// packageObject is one published rpm.
type packageObject struct {
	Key      string
	Size     int64
	Modified time.Time
}

// listPackages lists the published packages of each architecture.
func listPackages(ctx context.Context, client s3.ListObjectsV2APIClient, arches []string) ([]packageObject, error) {
	var objects []packageObject
	for _, arch := range arches {
		prefix := path.Dir(infra.PackageKey(arch)) + "/"
		p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
			Bucket: aws.String(cfg.PackageBucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", prefix, err)
			}
			for _, o := range page.Contents {
				objects = append(objects, packageObject{
					Key:      aws.ToString(o.Key),
					Size:     aws.ToInt64(o.Size),
					Modified: aws.ToTime(o.LastModified),
				})
			}
		}
	}
	return objects, nil
}

func printPackages(w io.Writer, objects []packageObject) {
	if len(objects) == 0 {
		fmt.Fprintln(w, "no packages published yet")
		return
	}
	for _, o := range objects {
		fmt.Fprintf(w, "%-45s %10d  %s\n", o.Key, o.Size, o.Modified.UTC().Format(time.RFC3339))
	}
}

func runArtifact(ctx context.Context, w io.Writer) error {
	if cfg.Trigger == infra.TriggerPipeline {
		client, err := clients.SSM(ctx)
		if err != nil {
			return err
		}
		loc, err := artifactLocation(ctx, client)
		if err != nil {
			return describeError(err)
		}
		fmt.Fprintln(w, loc)
		return nil
	}

	client, err := clients.S3(ctx)
	if err != nil {
		return err
	}
	objects, err := listPackages(ctx, client, cfg.Architectures)
	if err != nil {
		return describeError(err)
	}
	printPackages(w, objects)
	return nil
}
