package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/codebuild"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// buildImage returns the CodeBuild image and environment type for arch.
func buildImage(arch string) (image, envType string) {
	if arch == ArchARM64 {
		return "aws/codebuild/amazonlinux2-aarch64-standard:2.0", "ARM_CONTAINER"
	}
	return "aws/codebuild/amazonlinux2-x86_64-standard:4.0", "LINUX_CONTAINER"
}

// ProjectName is the CodeBuild project name for arch.
func ProjectName(project, arch string) string {
	return fmt.Sprintf("%s-codebuild-%s", project, arch)
}

func sourceURL(cfg *InfraConfig) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", cfg.SourceOwner, cfg.SourceRepo)
}

// provisionBuild creates one project per architecture that publishes straight
// to the package bucket, plus the weekly schedule that starts them.
func provisionBuild(ctx *pulumi.Context, cfg *InfraConfig, storage *StorageResult, roles *IAMResult) (*BuildResult, error) {
	if cfg.GitHubToken != "" {
		_, err := codebuild.NewSourceCredential(ctx, "github-credential", &codebuild.SourceCredentialArgs{
			AuthType:   pulumi.String("PERSONAL_ACCESS_TOKEN"),
			ServerType: pulumi.String("GITHUB"),
			Token:      pulumi.ToSecret(pulumi.String(cfg.GitHubToken)).(pulumi.StringOutput),
		})
		if err != nil {
			return nil, err
		}
	}

	spec, err := MercuryBuildSpec(false).Render()
	if err != nil {
		return nil, err
	}

	result := &BuildResult{Projects: make(map[string]*codebuild.Project)}
	for _, arch := range cfg.Architectures {
		image, envType := buildImage(arch)
		project, err := codebuild.NewProject(ctx, "build-"+arch, &codebuild.ProjectArgs{
			Name:                 pulumi.String(ProjectName(cfg.Project, arch)),
			Description:          pulumi.Sprintf("Build the %s mercury package", arch),
			ServiceRole:          roles.BuildRole.Arn,
			ConcurrentBuildLimit: pulumi.Int(ConcurrentBuildLimit),
			SourceVersion:        pulumi.String(cfg.SourceBranch),
			Source: &codebuild.ProjectSourceArgs{
				Type:          pulumi.String("GITHUB"),
				Location:      pulumi.String(sourceURL(cfg)),
				GitCloneDepth: pulumi.Int(1),
				Buildspec:     pulumi.String(spec),
			},
			Environment: buildEnvironment(cfg, image, envType, storage, nil),
			Artifacts: &codebuild.ProjectArtifactsArgs{
				Type:                 pulumi.String("S3"),
				Location:             storage.Package.Bucket.Bucket,
				Path:                 pulumi.String(arch),
				Name:                 pulumi.String(ArtifactName),
				NamespaceType:        pulumi.String("NONE"),
				Packaging:            pulumi.String("NONE"),
				OverrideArtifactName: pulumi.Bool(true),
			},
			Cache: &codebuild.ProjectCacheArgs{
				Type:  pulumi.String("LOCAL"),
				Modes: pulumi.StringArray{pulumi.String("LOCAL_SOURCE_CACHE")},
			},
			LogsConfig: buildLogs(storage),
			Tags:       nameTags(cfg, "build-"+arch),
		})
		if err != nil {
			return nil, err
		}
		result.Projects[arch] = project
	}

	if err := provisionSchedule(ctx, cfg, roles.EventsRole, result); err != nil {
		return nil, err
	}
	return result, nil
}

func buildEnvironment(cfg *InfraConfig, image, envType string, storage *StorageResult, extra codebuild.ProjectEnvironmentEnvironmentVariableArray) *codebuild.ProjectEnvironmentArgs {
	vars := codebuild.ProjectEnvironmentEnvironmentVariableArray{
		&codebuild.ProjectEnvironmentEnvironmentVariableArgs{
			Name:  pulumi.String(envPackageBucket),
			Value: storage.Package.Bucket.Bucket,
		},
	}
	vars = append(vars, extra...)
	return &codebuild.ProjectEnvironmentArgs{
		ComputeType:              pulumi.String(cfg.BuildComputeType),
		Image:                    pulumi.String(image),
		Type:                     pulumi.String(envType),
		ImagePullCredentialsType: pulumi.String("CODEBUILD"),
		EnvironmentVariables:     vars,
	}
}

func buildLogs(storage *StorageResult) *codebuild.ProjectLogsConfigArgs {
	return &codebuild.ProjectLogsConfigArgs{
		CloudwatchLogs: &codebuild.ProjectLogsConfigCloudwatchLogsArgs{
			Status: pulumi.String("ENABLED"),
		},
		S3Logs: &codebuild.ProjectLogsConfigS3LogsArgs{
			Status:   pulumi.String("ENABLED"),
			Location: pulumi.Sprintf("%s/build-logs", storage.Artifact.Bucket.Bucket),
		},
	}
}

// provisionSchedule starts every project on the configured recurrence,
// independent of source changes.
func provisionSchedule(ctx *pulumi.Context, cfg *InfraConfig, role *iam.Role, builds *BuildResult) error {
	if role == nil {
		return fmt.Errorf("schedule trigger requires an events role")
	}

	var arns pulumi.StringArray
	for _, arch := range cfg.Architectures {
		arns = append(arns, builds.Projects[arch].Arn)
	}
	_, err := iam.NewRolePolicy(ctx, "events-start-build", &iam.RolePolicyArgs{
		Role: role.ID(),
		Policy: arns.ToStringArrayOutput().ApplyT(func(resources []string) (string, error) {
			return newPolicy(allow([]string{"codebuild:StartBuild"}, resources...)).JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return err
	}

	rule, err := cloudwatch.NewEventRule(ctx, "build-schedule", &cloudwatch.EventRuleArgs{
		Description:        pulumi.String("Periodic mercury package build"),
		ScheduleExpression: pulumi.String(cfg.BuildSchedule),
		Tags:               nameTags(cfg, "build-schedule"),
	})
	if err != nil {
		return err
	}

	for _, arch := range cfg.Architectures {
		_, err := cloudwatch.NewEventTarget(ctx, "build-schedule-"+arch, &cloudwatch.EventTargetArgs{
			Rule:    rule.Name,
			Arn:     builds.Projects[arch].Arn,
			RoleArn: role.Arn,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
