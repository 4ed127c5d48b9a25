package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"

	"github.com/layertwo/mercury-fleet/infra"
	"github.com/layertwo/mercury-fleet/log"
)

// BuildAPI is the part of CodeBuild the build command drives.
type BuildAPI interface {
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
}

// PipelineAPI starts pipeline executions.
type PipelineAPI interface {
	StartPipelineExecution(ctx context.Context, in *codepipeline.StartPipelineExecutionInput, optFns ...func(*codepipeline.Options)) (*codepipeline.StartPipelineExecutionOutput, error)
}

// buildPollInterval is how often --wait checks build status.
var buildPollInterval = 10 * time.Second

// buildArches resolves the --arch flag against the configured architectures.
func buildArches(arch string) ([]string, error) {
	if arch == "" {
		return cfg.Architectures, nil
	}
	if !slices.Contains(cfg.Architectures, arch) {
		return nil, fmt.Errorf("architecture %q is not configured (have %v)", arch, cfg.Architectures)
	}
	return []string{arch}, nil
}

// startBuilds starts one CodeBuild build per architecture and returns the build ids.
func startBuilds(ctx context.Context, client BuildAPI, arches []string, sourceVersion string) ([]string, error) {
	logger := log.WithComponent("build")
	var ids []string
	for _, arch := range arches {
		in := &codebuild.StartBuildInput{ProjectName: aws.String(infra.ProjectName(cfg.Project, arch))}
		if sourceVersion != "" {
			in.SourceVersion = aws.String(sourceVersion)
		}
		out, err := client.StartBuild(ctx, in)
		if err != nil {
			return ids, fmt.Errorf("start build for %s: %w", arch, err)
		}
		id := aws.ToString(out.Build.Id)
		logger.Info().Str("arch", arch).Str("id", id).Msg("build started")
		ids = append(ids, id)
	}
	return ids, nil
}

// startPipeline starts an execution of the fleet pipeline.
func startPipeline(ctx context.Context, client PipelineAPI) (string, error) {
	out, err := client.StartPipelineExecution(ctx, &codepipeline.StartPipelineExecutionInput{
		Name: aws.String(infra.PipelineName(cfg.Project)),
	})
	if err != nil {
		return "", fmt.Errorf("start pipeline: %w", err)
	}
	id := aws.ToString(out.PipelineExecutionId)
	buildLog := log.WithComponent("build")
	buildLog.Info().Str("execution", id).Msg("pipeline started")
	return id, nil
}

// waitForBuilds polls until every build reaches a terminal state. It returns
// an error naming each build that did not succeed.
func waitForBuilds(ctx context.Context, client BuildAPI, ids []string) error {
	logger := log.WithComponent("build")
	pending := slices.Clone(ids)
	var failed []string

	for len(pending) > 0 {
		out, err := client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{Ids: pending})
		if err != nil {
			return fmt.Errorf("get build status: %w", err)
		}

		var next []string
		for _, b := range out.Builds {
			id := aws.ToString(b.Id)
			switch b.BuildStatus {
			case cbtypes.StatusTypeSucceeded:
				logger.Info().Str("id", id).Msg("build succeeded")
			case cbtypes.StatusTypeFailed, cbtypes.StatusTypeFault, cbtypes.StatusTypeTimedOut, cbtypes.StatusTypeStopped:
				logger.Error().Str("id", id).Str("status", string(b.BuildStatus)).Str("phase", aws.ToString(b.CurrentPhase)).Msg("build did not succeed")
				failed = append(failed, fmt.Sprintf("%s (%s)", id, b.BuildStatus))
			default:
				logger.Debug().Str("id", id).Str("phase", aws.ToString(b.CurrentPhase)).Msg("build in progress")
				next = append(next, id)
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(buildPollInterval):
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("builds failed: %v", failed)
	}
	return nil
}

func runBuild(ctx context.Context, arch, sourceVersion string, wait bool) error {
	if cfg.Trigger == infra.TriggerPipeline {
		if arch != "" || sourceVersion != "" {
			buildLog := log.WithComponent("build")
			buildLog.Warn().Msg("--arch and --source-version are ignored in pipeline mode")
		}
		client, err := clients.CodePipeline(ctx)
		if err != nil {
			return err
		}
		id, err := startPipeline(ctx, client)
		if err != nil {
			return describeError(err)
		}
		fmt.Println(id)
		return nil
	}

	arches, err := buildArches(arch)
	if err != nil {
		return err
	}
	client, err := clients.CodeBuild(ctx)
	if err != nil {
		return err
	}
	ids, err := startBuilds(ctx, client, arches, sourceVersion)
	if err != nil {
		return describeError(err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	if !wait {
		return nil
	}
	return waitForBuilds(ctx, client, ids)
}
