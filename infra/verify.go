package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BucketAuditAPI is the subset of the S3 client VerifyBuckets needs.
type BucketAuditAPI interface {
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
}

// Violation is one bucket that does not meet the secure-bucket baseline.
type Violation struct {
	Bucket string
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Bucket, v.Reason)
}

// VerifyBuckets audits each bucket through the S3 API and returns every
// baseline violation found. API failures are reported as violations.
func VerifyBuckets(ctx context.Context, client BucketAuditAPI, buckets ...string) []Violation {
	var out []Violation
	for _, b := range buckets {
		out = append(out, verifyBucket(ctx, client, b)...)
	}
	return out
}

func verifyBucket(ctx context.Context, client BucketAuditAPI, bucket string) []Violation {
	var out []Violation
	fail := func(format string, args ...any) {
		out = append(out, Violation{Bucket: bucket, Reason: fmt.Sprintf(format, args...)})
	}

	ver, err := client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	switch {
	case err != nil:
		fail("versioning: %v", err)
	case ver.Status != types.BucketVersioningStatusEnabled:
		fail("versioning is %q", string(ver.Status))
	}

	enc, err := client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(bucket)})
	switch {
	case err != nil:
		fail("encryption: %v", err)
	case enc.ServerSideEncryptionConfiguration == nil || len(enc.ServerSideEncryptionConfiguration.Rules) == 0:
		fail("no default encryption rule")
	}

	pab, err := client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(bucket)})
	switch {
	case err != nil:
		fail("public access block: %v", err)
	case !publicAccessBlocked(pab.PublicAccessBlockConfiguration):
		fail("public access is not fully blocked")
	}

	pol, err := client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	switch {
	case err != nil:
		fail("policy: %v", err)
	case !strings.Contains(aws.ToString(pol.Policy), "aws:SecureTransport"):
		fail("policy does not enforce TLS")
	}

	return out
}

func publicAccessBlocked(c *types.PublicAccessBlockConfiguration) bool {
	if c == nil {
		return false
	}
	return aws.ToBool(c.BlockPublicAcls) &&
		aws.ToBool(c.BlockPublicPolicy) &&
		aws.ToBool(c.IgnorePublicAcls) &&
		aws.ToBool(c.RestrictPublicBuckets)
}
