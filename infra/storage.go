package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Transition moves objects to StorageClass Days after creation, or after they
// become noncurrent when Noncurrent is set.
type Transition struct {
	Days         int
	StorageClass string
	Noncurrent   bool
}

// SecureBucket is a bucket built by newSecureBucket. Every one of them is
// encrypted, versioned, TLS-only and public-access-blocked.
type SecureBucket struct {
	Name   string
	Bucket *s3.BucketV2
}

var (
	artifactTransitions = []Transition{{Days: 30, StorageClass: "ONEZONE_IA"}}
	packageTransitions  = []Transition{{Days: 30, StorageClass: "STANDARD_IA", Noncurrent: true}}
	datalakeTransitions = []Transition{
		{Days: 30, StorageClass: "STANDARD_IA"},
		{Days: 90, StorageClass: "GLACIER_IR"},
	}
)

func provisionStorage(ctx *pulumi.Context, cfg *InfraConfig) (*StorageResult, error) {
	artifact, err := newSecureBucket(ctx, cfg, "artifact-bucket", cfg.ArtifactBucket, artifactTransitions)
	if err != nil {
		return nil, err
	}
	pkg, err := newSecureBucket(ctx, cfg, "package-bucket", cfg.PackageBucket, packageTransitions)
	if err != nil {
		return nil, err
	}
	datalake, err := newSecureBucket(ctx, cfg, "datalake-bucket", cfg.DatalakeBucket, datalakeTransitions)
	if err != nil {
		return nil, err
	}
	return &StorageResult{Artifact: artifact, Package: pkg, Datalake: datalake}, nil
}

// newSecureBucket is the only way buckets are created. The bucket itself is
// retained when the stack is destroyed; only manual intervention deletes it.
func newSecureBucket(ctx *pulumi.Context, cfg *InfraConfig, logical, name string, transitions []Transition) (*SecureBucket, error) {
	bucket, err := s3.NewBucketV2(ctx, logical, &s3.BucketV2Args{
		Bucket:       pulumi.String(name),
		ForceDestroy: pulumi.Bool(false),
		Tags:         nameTags(cfg, logical),
	}, pulumi.RetainOnDelete(true))
	if err != nil {
		return nil, err
	}
	child := pulumi.Parent(bucket)

	_, err = s3.NewBucketVersioningV2(ctx, logical+"-versioning", &s3.BucketVersioningV2Args{
		Bucket: bucket.Bucket,
		VersioningConfiguration: &s3.BucketVersioningV2VersioningConfigurationArgs{
			Status: pulumi.String("Enabled"),
		},
	}, child)
	if err != nil {
		return nil, err
	}

	_, err = s3.NewBucketServerSideEncryptionConfigurationV2(ctx, logical+"-sse", &s3.BucketServerSideEncryptionConfigurationV2Args{
		Bucket: bucket.Bucket,
		Rules: s3.BucketServerSideEncryptionConfigurationV2RuleArray{
			&s3.BucketServerSideEncryptionConfigurationV2RuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationV2RuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm: pulumi.String("AES256"),
				},
			},
		},
	}, child)
	if err != nil {
		return nil, err
	}

	pab, err := s3.NewBucketPublicAccessBlock(ctx, logical+"-public-access", &s3.BucketPublicAccessBlockArgs{
		Bucket:                bucket.Bucket,
		BlockPublicAcls:       pulumi.Bool(true),
		BlockPublicPolicy:     pulumi.Bool(true),
		IgnorePublicAcls:      pulumi.Bool(true),
		RestrictPublicBuckets: pulumi.Bool(true),
	}, child)
	if err != nil {
		return nil, err
	}

	_, err = s3.NewBucketPolicy(ctx, logical+"-ssl-only", &s3.BucketPolicyArgs{
		Bucket: bucket.Bucket,
		Policy: bucket.Arn.ApplyT(sslOnlyPolicy).(pulumi.StringOutput),
	}, child, pulumi.DependsOn([]pulumi.Resource{pab}))
	if err != nil {
		return nil, err
	}

	if len(transitions) > 0 {
		_, err = s3.NewBucketLifecycleConfigurationV2(ctx, logical+"-lifecycle", &s3.BucketLifecycleConfigurationV2Args{
			Bucket: bucket.Bucket,
			Rules:  lifecycleRules(logical, transitions),
		}, child)
		if err != nil {
			return nil, err
		}
	}

	return &SecureBucket{Name: name, Bucket: bucket}, nil
}

func lifecycleRules(logical string, transitions []Transition) s3.BucketLifecycleConfigurationV2RuleArray {
	var current s3.BucketLifecycleConfigurationV2RuleTransitionArray
	var noncurrent s3.BucketLifecycleConfigurationV2RuleNoncurrentVersionTransitionArray
	for _, t := range transitions {
		if t.Noncurrent {
			noncurrent = append(noncurrent, &s3.BucketLifecycleConfigurationV2RuleNoncurrentVersionTransitionArgs{
				NoncurrentDays: pulumi.Int(t.Days),
				StorageClass:   pulumi.String(t.StorageClass),
			})
			continue
		}
		current = append(current, &s3.BucketLifecycleConfigurationV2RuleTransitionArgs{
			Days:         pulumi.Int(t.Days),
			StorageClass: pulumi.String(t.StorageClass),
		})
	}

	rule := &s3.BucketLifecycleConfigurationV2RuleArgs{
		Id:     pulumi.String(fmt.Sprintf("%s-transitions", logical)),
		Status: pulumi.String("Enabled"),
		Filter: &s3.BucketLifecycleConfigurationV2RuleFilterArgs{
			Prefix: pulumi.String(""),
		},
	}
	if len(current) > 0 {
		rule.Transitions = current
	}
	if len(noncurrent) > 0 {
		rule.NoncurrentVersionTransitions = noncurrent
	}
	return s3.BucketLifecycleConfigurationV2RuleArray{rule}
}
