package infra

import (
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// nameTags are applied to every taggable resource.
func nameTags(cfg *InfraConfig, name string) pulumi.StringMap {
	return pulumi.StringMap{
		"Name":    pulumi.String(cfg.Project + "-" + name),
		"Project": pulumi.String(cfg.Project),
	}
}

// DefineInfrastructure is the Pulumi program that provisions all resources.
func DefineInfrastructure(cfg *InfraConfig) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		// 1. Network (VPC + public subnets) and the shared security group
		net, err := provisionNetwork(ctx, cfg)
		if err != nil {
			return err
		}
		sg, err := provisionSecurityGroup(ctx, cfg, net)
		if err != nil {
			return err
		}

		// 2. Buckets (artifact, package, datalake)
		storage, err := provisionStorage(ctx, cfg)
		if err != nil {
			return err
		}

		// 3. IAM (fleet, build, firehose + trigger principal)
		roles, err := provisionIAM(ctx, cfg, storage)
		if err != nil {
			return err
		}

		// 4. Telemetry (Firehose into the datalake)
		telemetry, err := provisionTelemetry(ctx, cfg, storage, roles)
		if err != nil {
			return err
		}

		// 5. Builds: exactly one trigger strategy
		var builds *BuildResult
		if cfg.Trigger == TriggerPipeline {
			builds, err = provisionPipeline(ctx, cfg, storage, roles)
		} else {
			builds, err = provisionBuild(ctx, cfg, storage, roles)
		}
		if err != nil {
			return err
		}

		// 6. Fleet (installer object, launch template, autoscaling group)
		installer, err := provisionInstaller(ctx, cfg, storage)
		if err != nil {
			return err
		}
		fleet, err := provisionFleet(ctx, cfg, net, sg, roles, telemetry, installer)
		if err != nil {
			return err
		}

		exportOutputs(ctx, storage, telemetry, builds, fleet)
		return nil
	}
}

// Stack output names read back by the CLI.
const (
	OutputArtifactBucket = "artifactBucket"
	OutputPackageBucket  = "packageBucket"
	OutputDatalakeBucket = "datalakeBucket"
	OutputStream         = "streamName"
	OutputGroup          = "fleetGroup"
	OutputProjects       = "buildProjects"
	OutputPipeline       = "pipelineName"
	OutputParameter      = "artifactParameter"
)

func exportOutputs(ctx *pulumi.Context, storage *StorageResult, telemetry *TelemetryResult, builds *BuildResult, fleet *FleetResult) {
	ctx.Export(OutputArtifactBucket, storage.Artifact.Bucket.Bucket)
	ctx.Export(OutputPackageBucket, storage.Package.Bucket.Bucket)
	ctx.Export(OutputDatalakeBucket, storage.Datalake.Bucket.Bucket)
	ctx.Export(OutputStream, telemetry.Stream.Name)
	ctx.Export(OutputGroup, fleet.Group.Name)

	projects := pulumi.StringMap{}
	for arch, p := range builds.Projects {
		projects[arch] = p.Name
	}
	ctx.Export(OutputProjects, projects)

	if builds.Pipeline != nil {
		ctx.Export(OutputPipeline, builds.Pipeline.Name)
		ctx.Export(OutputParameter, builds.Parameter.Name)
	}
}
