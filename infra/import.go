package infra

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optimport"

	"github.com/layertwo/mercury-fleet/log"
)

// BucketHeadAPI is the S3 call used to detect retained buckets.
type BucketHeadAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// ParameterAPI reads SSM parameters.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Pulumi type tokens of the resources that can outlive a stack.
const (
	bucketType    = "aws:s3/bucketV2:BucketV2"
	parameterType = "aws:ssm/parameter:Parameter"
)

// DetectExistingResources checks in parallel for retained buckets and, in
// pipeline mode, the artifact parameter, and returns import specs for those
// that exist. A nil client skips its checks.
func DetectExistingResources(ctx context.Context, cfg *InfraConfig, s3c BucketHeadAPI, ssmc ParameterAPI) []*optimport.ImportResource {
	logger := log.WithComponent("import")
	var resources []*optimport.ImportResource
	var mu sync.Mutex
	var wg sync.WaitGroup

	add := func(typ, name, id string) {
		mu.Lock()
		resources = append(resources, &optimport.ImportResource{
			Type: typ,
			Name: name,
			ID:   id,
		})
		mu.Unlock()
		logger.Info().Str("resource", name).Str("id", id).Msg("found existing resource")
	}

	if s3c != nil {
		buckets := []struct {
			name   string
			bucket string
		}{
			{"artifact-bucket", cfg.ArtifactBucket},
			{"package-bucket", cfg.PackageBucket},
			{"datalake-bucket", cfg.DatalakeBucket},
		}
		for _, b := range buckets {
			wg.Add(1)
			go func(name, bucket string) {
				defer wg.Done()
				_, err := s3c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
				if err == nil {
					add(bucketType, name, bucket)
				}
			}(b.name, b.bucket)
		}
	}

	if ssmc != nil && cfg.Trigger == TriggerPipeline {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(cfg.ArtifactParameter)})
			if err == nil {
				add(parameterType, "artifact-parameter", cfg.ArtifactParameter)
			}
		}()
	}

	wg.Wait()

	if len(resources) > 0 {
		logger.Info().Int("count", len(resources)).Msg("detected existing resources")
	}
	return resources
}

// adoptable returns the detected resources that may be imported ahead of an
// operation. Imported state carries no retain-on-delete flag, so buckets are
// never adopted ahead of a destroy.
func adoptable(existing []*optimport.ImportResource, destroy bool) []*optimport.ImportResource {
	if !destroy {
		return existing
	}
	var out []*optimport.ImportResource
	for _, r := range existing {
		if r.Type != bucketType {
			out = append(out, r)
		}
	}
	return out
}
