package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
)

type fakeAudit struct {
	versioning types.BucketVersioningStatus
	rules      int
	blocked    bool
	policy     string
	policyErr  error
}

func (f *fakeAudit) GetBucketVersioning(context.Context, *s3.GetBucketVersioningInput, ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	return &s3.GetBucketVersioningOutput{Status: f.versioning}, nil
}

func (f *fakeAudit) GetBucketEncryption(context.Context, *s3.GetBucketEncryptionInput, ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	cfg := &types.ServerSideEncryptionConfiguration{}
	for i := 0; i < f.rules; i++ {
		cfg.Rules = append(cfg.Rules, types.ServerSideEncryptionRule{
			ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{SSEAlgorithm: types.ServerSideEncryptionAes256},
		})
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: cfg}, nil
}

func (f *fakeAudit) GetPublicAccessBlock(context.Context, *s3.GetPublicAccessBlockInput, ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(f.blocked),
		BlockPublicPolicy:     aws.Bool(true),
		IgnorePublicAcls:      aws.Bool(true),
		RestrictPublicBuckets: aws.Bool(true),
	}}, nil
}

func (f *fakeAudit) GetBucketPolicy(context.Context, *s3.GetBucketPolicyInput, ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	if f.policyErr != nil {
		return nil, f.policyErr
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(f.policy)}, nil
}

func compliantAudit(t *testing.T) *fakeAudit {
	policy, err := sslOnlyPolicy("arn:aws:s3:::bucket")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeAudit{
		versioning: types.BucketVersioningStatusEnabled,
		rules:      1,
		blocked:    true,
		policy:     policy,
	}
}

func TestVerifyBuckets(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeAudit)
		reasons []string
	}{
		{name: "compliant", mutate: func(*fakeAudit) {}},
		{
			name:    "suspended versioning",
			mutate:  func(f *fakeAudit) { f.versioning = types.BucketVersioningStatusSuspended },
			reasons: []string{`versioning is "Suspended"`},
		},
		{
			name:    "no encryption",
			mutate:  func(f *fakeAudit) { f.rules = 0 },
			reasons: []string{"no default encryption rule"},
		},
		{
			name:    "public acls allowed",
			mutate:  func(f *fakeAudit) { f.blocked = false },
			reasons: []string{"public access is not fully blocked"},
		},
		{
			name: "everything wrong",
			mutate: func(f *fakeAudit) {
				f.versioning = ""
				f.rules = 0
				f.blocked = false
				f.policyErr = errors.New("NoSuchBucketPolicy")
			},
			reasons: []string{
				`versioning is ""`,
				"no default encryption rule",
				"public access is not fully blocked",
				"policy: NoSuchBucketPolicy",
			},
		},
		{
			name:    "policy without tls",
			mutate:  func(f *fakeAudit) { f.policy = `{"Version":"2012-10-17","Statement":[]}` },
			reasons: []string{"policy does not enforce TLS"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := compliantAudit(t)
			tt.mutate(fake)

			got := VerifyBuckets(context.Background(), fake, "mercury-datalake")
			var reasons []string
			for _, v := range got {
				assert.Equal(t, "mercury-datalake", v.Bucket)
				reasons = append(reasons, v.Reason)
			}
			assert.Equal(t, tt.reasons, reasons)
		})
	}
}

func TestViolationString(t *testing.T) {
	v := Violation{Bucket: "b", Reason: "r"}
	assert.Equal(t, "b: r", v.String())
}
