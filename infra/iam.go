package infra

import (
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const ssmManagedCore = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

func provisionIAM(ctx *pulumi.Context, cfg *InfraConfig, storage *StorageResult) (*IAMResult, error) {
	result := &IAMResult{}

	// Fleet instances: read packages, complete their own lifecycle hook.
	fleetRole, err := newServiceRole(ctx, cfg, "fleet-role", "ec2.amazonaws.com")
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicyAttachment(ctx, "fleet-ssm-core", &iam.RolePolicyAttachmentArgs{
		Role:      fleetRole.Name,
		PolicyArn: pulumi.String(ssmManagedCore),
	})
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(ctx, "fleet-packages", &iam.RolePolicyArgs{
		Role: fleetRole.ID(),
		Policy: storage.Package.Bucket.Arn.ApplyT(func(arn string) (string, error) {
			return newPolicy(
				allow([]string{"s3:GetObject"}, arn+"/*"),
				allow([]string{"s3:ListBucket"}, arn),
				allow([]string{"autoscaling:CompleteLifecycleAction"}, "*"),
				allow([]string{"cloudwatch:PutMetricData"}, "*"),
			).JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}
	profile, err := iam.NewInstanceProfile(ctx, "fleet-profile", &iam.InstanceProfileArgs{
		Role: fleetRole.Name,
		Tags: nameTags(cfg, "fleet-profile"),
	})
	if err != nil {
		return nil, err
	}
	result.FleetRole = fleetRole
	result.FleetProfile = profile

	// CodeBuild: logs to CloudWatch and the artifact bucket, packages to the
	// package bucket.
	buildRole, err := newServiceRole(ctx, cfg, "build-role", "codebuild.amazonaws.com")
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(ctx, "build-access", &iam.RolePolicyArgs{
		Role: buildRole.ID(),
		Policy: pulumi.All(storage.Artifact.Bucket.Arn, storage.Package.Bucket.Arn).ApplyT(
			func(args []interface{}) (string, error) {
				artifact, pkg := args[0].(string), args[1].(string)
				return newPolicy(
					allow([]string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"}, "*"),
					allow([]string{"s3:GetObject", "s3:GetObjectVersion", "s3:PutObject", "s3:GetBucketAcl", "s3:GetBucketLocation"},
						artifact, artifact+"/*", pkg, pkg+"/*"),
				).JSON()
			}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}
	result.BuildRole = buildRole

	// Firehose: write the datalake.
	firehoseRole, err := newServiceRole(ctx, cfg, "firehose-role", "firehose.amazonaws.com")
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(ctx, "firehose-datalake", &iam.RolePolicyArgs{
		Role: firehoseRole.ID(),
		Policy: storage.Datalake.Bucket.Arn.ApplyT(func(arn string) (string, error) {
			return newPolicy(
				allow([]string{
					"s3:AbortMultipartUpload",
					"s3:GetBucketLocation",
					"s3:GetObject",
					"s3:ListBucket",
					"s3:ListBucketMultipartUploads",
					"s3:PutObject",
				}, arn, arn+"/*"),
				allow([]string{"logs:PutLogEvents"}, "*"),
			).JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}
	result.FirehoseRole = firehoseRole

	// Trigger-specific principals. Their policies reference the projects and
	// are attached once those exist.
	switch cfg.Trigger {
	case TriggerPipeline:
		result.PipelineRole, err = newServiceRole(ctx, cfg, "pipeline-role", "codepipeline.amazonaws.com")
	default:
		result.EventsRole, err = newServiceRole(ctx, cfg, "events-role", "events.amazonaws.com")
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

func newServiceRole(ctx *pulumi.Context, cfg *InfraConfig, name string, services ...string) (*iam.Role, error) {
	return iam.NewRole(ctx, name, &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(assumeRolePolicy(services...)),
		Tags:             nameTags(cfg, name),
	})
}
