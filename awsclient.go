package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/layertwo/mercury-fleet/log"
)

// awsClients loads the shared AWS config once and caches service clients
// built from it.
type awsClients struct {
	mu     sync.Mutex
	region string
	cfg    *aws.Config

	s3       *s3.Client
	ssm      *ssm.Client
	sts      *sts.Client
	build    *codebuild.Client
	pipeline *codepipeline.Client
	firehose *firehose.Client
}

// clients is the global cached client pool.
var clients awsClients

var loadAWSConfig = awsconfig.LoadDefaultConfig

// config returns the shared config, loading it once per pinned region.
func (a *awsClients) config(ctx context.Context) (aws.Config, error) {
	if a.cfg != nil {
		return *a.cfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if a.region != "" {
		opts = append(opts, awsconfig.WithRegion(a.region))
	}
	c, err := loadAWSConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	acLog := log.WithComponent("awsclient")
	acLog.Debug().Str("region", c.Region).Msg("loaded aws config")
	a.cfg = &c
	return c, nil
}

// SetRegion pins the region for clients created afterwards. Cached clients
// for another region are dropped.
func (a *awsClients) SetRegion(region string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.region == region {
		return
	}
	a.region = region
	a.cfg = nil
	a.s3, a.ssm, a.sts = nil, nil, nil
	a.build, a.pipeline, a.firehose = nil, nil, nil
}

// S3 returns a cached S3 client, creating it on first call.
func (a *awsClients) S3(ctx context.Context) (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.s3 != nil {
		return a.s3, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.s3 = s3.NewFromConfig(c)
	return a.s3, nil
}

// SSM returns a cached SSM client.
func (a *awsClients) SSM(ctx context.Context) (*ssm.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ssm != nil {
		return a.ssm, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.ssm = ssm.NewFromConfig(c)
	return a.ssm, nil
}

// STS returns a cached STS client.
func (a *awsClients) STS(ctx context.Context) (*sts.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sts != nil {
		return a.sts, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.sts = sts.NewFromConfig(c)
	return a.sts, nil
}

// CodeBuild returns a cached CodeBuild client.
func (a *awsClients) CodeBuild(ctx context.Context) (*codebuild.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.build != nil {
		return a.build, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.build = codebuild.NewFromConfig(c)
	return a.build, nil
}

// CodePipeline returns a cached CodePipeline client.
func (a *awsClients) CodePipeline(ctx context.Context) (*codepipeline.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.pipeline = codepipeline.NewFromConfig(c)
	return a.pipeline, nil
}

// Firehose returns a cached Firehose client.
func (a *awsClients) Firehose(ctx context.Context) (*firehose.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firehose != nil {
		return a.firehose, nil
	}
	c, err := a.config(ctx)
	if err != nil {
		return nil, err
	}
	a.firehose = firehose.NewFromConfig(c)
	return a.firehose, nil
}

// callerAccount returns the account id of the active credentials, or "" when
// none are configured.
func callerAccount(ctx context.Context) string {
	c, err := clients.STS(ctx)
	if err != nil {
		return ""
	}
	out, err := c.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return ""
	}
	return aws.ToString(out.Account)
}

var authErrorCodes = map[string]bool{
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"SignatureDoesNotMatch":       true,
}

// isAuthError returns true if the error indicates expired or invalid AWS credentials.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && authErrorCodes[apiErr.ErrorCode()] {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "failed to refresh cached credentials") ||
		strings.Contains(msg, "no EC2 IMDS role found") ||
		strings.Contains(msg, "token is expired")
}

// isNotFound reports whether the API said the target does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey", "NoSuchBucket", "ParameterNotFound", "ResourceNotFoundException", "PipelineNotFoundException":
		return true
	}
	return false
}

// describeError adds a hint for credential failures.
func describeError(err error) error {
	if isAuthError(err) {
		return fmt.Errorf("%w\nAWS credentials are missing or expired; run 'aws sso login' or export a profile", err)
	}
	return err
}
