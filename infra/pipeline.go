package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/codebuild"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/codepipeline"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// unsetLocation is the parameter value before the first pipeline build.
const unsetLocation = "unset"

// PipelineName is the CodePipeline name for project.
func PipelineName(project string) string {
	return project + "-pipeline"
}

// provisionPipeline wires source, per-arch build and deploy stages. The build
// stage records where this run's packages belong in the artifact parameter;
// deploy reads it back.
func provisionPipeline(ctx *pulumi.Context, cfg *InfraConfig, storage *StorageResult, roles *IAMResult) (*BuildResult, error) {
	if roles.PipelineRole == nil {
		return nil, fmt.Errorf("pipeline trigger requires a pipeline role")
	}
	if cfg.GitHubToken == "" {
		return nil, fmt.Errorf("pipeline trigger requires a GitHub token")
	}

	param, err := ssm.NewParameter(ctx, "artifact-parameter", &ssm.ParameterArgs{
		Name:        pulumi.String(cfg.ArtifactParameter),
		Type:        pulumi.String("String"),
		Value:       pulumi.String(unsetLocation),
		Description: pulumi.String("Package location of the latest pipeline build"),
		Tags:        nameTags(cfg, "artifact-parameter"),
	}, pulumi.IgnoreChanges([]string{"value"}))
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicy(ctx, "build-artifact-parameter", &iam.RolePolicyArgs{
		Role: roles.BuildRole.ID(),
		Policy: param.Arn.ApplyT(func(arn string) (string, error) {
			return newPolicy(allow([]string{"ssm:GetParameter", "ssm:PutParameter"}, arn)).JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	paramVar := codebuild.ProjectEnvironmentEnvironmentVariableArray{
		&codebuild.ProjectEnvironmentEnvironmentVariableArgs{
			Name:  pulumi.String(envArtifactParameter),
			Value: param.Name,
		},
	}

	spec, err := MercuryBuildSpec(true).Render()
	if err != nil {
		return nil, err
	}

	result := &BuildResult{Projects: make(map[string]*codebuild.Project), Parameter: param}
	for _, arch := range cfg.Architectures {
		image, envType := buildImage(arch)
		project, err := codebuild.NewProject(ctx, "build-"+arch, &codebuild.ProjectArgs{
			Name:                 pulumi.String(ProjectName(cfg.Project, arch)),
			Description:          pulumi.Sprintf("Build the %s mercury package", arch),
			ServiceRole:          roles.BuildRole.Arn,
			ConcurrentBuildLimit: pulumi.Int(ConcurrentBuildLimit),
			Source: &codebuild.ProjectSourceArgs{
				Type:      pulumi.String("CODEPIPELINE"),
				Buildspec: pulumi.String(spec),
			},
			Environment: buildEnvironment(cfg, image, envType, storage, paramVar),
			Artifacts: &codebuild.ProjectArtifactsArgs{
				Type: pulumi.String("CODEPIPELINE"),
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

	deploySpec, err := DeployBuildSpec(cfg.Architectures).Render()
	if err != nil {
		return nil, err
	}
	image, envType := buildImage(ArchX8664)
	deploy, err := codebuild.NewProject(ctx, "deploy", &codebuild.ProjectArgs{
		Name:                 pulumi.String(cfg.Project + "-deploy"),
		Description:          pulumi.String("Publish pipeline packages"),
		ServiceRole:          roles.BuildRole.Arn,
		ConcurrentBuildLimit: pulumi.Int(ConcurrentBuildLimit),
		Source: &codebuild.ProjectSourceArgs{
			Type:      pulumi.String("CODEPIPELINE"),
			Buildspec: pulumi.String(deploySpec),
		},
		Environment: buildEnvironment(cfg, image, envType, storage, paramVar),
		Artifacts: &codebuild.ProjectArtifactsArgs{
			Type: pulumi.String("CODEPIPELINE"),
		},
		LogsConfig: buildLogs(storage),
		Tags:       nameTags(cfg, "deploy"),
	})
	if err != nil {
		return nil, err
	}
	result.Deploy = deploy

	var projectArns pulumi.StringArray
	for _, arch := range cfg.Architectures {
		projectArns = append(projectArns, result.Projects[arch].Arn)
	}
	projectArns = append(projectArns, deploy.Arn)
	_, err = iam.NewRolePolicy(ctx, "pipeline-access", &iam.RolePolicyArgs{
		Role: roles.PipelineRole.ID(),
		Policy: pulumi.All(storage.Artifact.Bucket.Arn, projectArns.ToStringArrayOutput()).ApplyT(
			func(args []interface{}) (string, error) {
				bucket := args[0].(string)
				projects := args[1].([]string)
				return newPolicy(
					allow([]string{"s3:GetObject", "s3:GetObjectVersion", "s3:GetBucketVersioning", "s3:PutObject"},
						bucket, bucket+"/*"),
					allow([]string{"codebuild:StartBuild", "codebuild:BatchGetBuilds"}, projects...),
				).JSON()
			}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	pipeline, err := codepipeline.NewPipeline(ctx, "pipeline", &codepipeline.PipelineArgs{
		Name:    pulumi.String(PipelineName(cfg.Project)),
		RoleArn: roles.PipelineRole.Arn,
		ArtifactStores: codepipeline.PipelineArtifactStoreArray{
			&codepipeline.PipelineArtifactStoreArgs{
				Location: storage.Artifact.Bucket.Bucket,
				Type:     pulumi.String("S3"),
			},
		},
		Stages: pipelineStages(cfg, result),
		Tags:   nameTags(cfg, "pipeline"),
	})
	if err != nil {
		return nil, err
	}
	result.Pipeline = pipeline

	return result, nil
}

func pipelineStages(cfg *InfraConfig, builds *BuildResult) codepipeline.PipelineStageArray {
	source := &codepipeline.PipelineStageArgs{
		Name: pulumi.String("Source"),
		Actions: codepipeline.PipelineStageActionArray{
			&codepipeline.PipelineStageActionArgs{
				Name:     pulumi.String("GitHub"),
				Category: pulumi.String("Source"),
				Owner:    pulumi.String("ThirdParty"),
				Provider: pulumi.String("GitHub"),
				Version:  pulumi.String("1"),
				Configuration: pulumi.StringMap{
					"Owner":                pulumi.String(cfg.SourceOwner),
					"Repo":                 pulumi.String(cfg.SourceRepo),
					"Branch":               pulumi.String(cfg.SourceBranch),
					"OAuthToken":           pulumi.ToSecret(pulumi.String(cfg.GitHubToken)).(pulumi.StringOutput),
					"PollForSourceChanges": pulumi.String("true"),
				},
				OutputArtifacts: pulumi.StringArray{pulumi.String("source")},
			},
		},
	}

	var buildActions codepipeline.PipelineStageActionArray
	deployInputs := pulumi.StringArray{pulumi.String("source")}
	for _, arch := range cfg.Architectures {
		out := packageInputName(arch)
		buildActions = append(buildActions, &codepipeline.PipelineStageActionArgs{
			Name:            pulumi.String("Build-" + arch),
			Category:        pulumi.String("Build"),
			Owner:           pulumi.String("AWS"),
			Provider:        pulumi.String("CodeBuild"),
			Version:         pulumi.String("1"),
			Configuration:   pulumi.StringMap{"ProjectName": builds.Projects[arch].Name},
			InputArtifacts:  pulumi.StringArray{pulumi.String("source")},
			OutputArtifacts: pulumi.StringArray{pulumi.String(out)},
		})
		deployInputs = append(deployInputs, pulumi.String(out))
	}

	deploy := &codepipeline.PipelineStageArgs{
		Name: pulumi.String("Deploy"),
		Actions: codepipeline.PipelineStageActionArray{
			&codepipeline.PipelineStageActionArgs{
				Name:     pulumi.String("Publish"),
				Category: pulumi.String("Build"),
				Owner:    pulumi.String("AWS"),
				Provider: pulumi.String("CodeBuild"),
				Version:  pulumi.String("1"),
				Configuration: pulumi.StringMap{
					"ProjectName":   builds.Deploy.Name,
					"PrimarySource": pulumi.String("source"),
				},
				InputArtifacts: deployInputs,
			},
		},
	}

	return codepipeline.PipelineStageArray{
		source,
		&codepipeline.PipelineStageArgs{Name: pulumi.String("Build"), Actions: buildActions},
		deploy,
	}
}
