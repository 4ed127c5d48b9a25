package infra

import (
	"encoding/base64"
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// amiParameter is the public SSM parameter holding the latest Amazon Linux 2
// kernel 5.10 image for arch.
func amiParameter(arch string) string {
	return fmt.Sprintf("/aws/service/ami-amazon-linux-latest/amzn2-ami-kernel-5.10-hvm-%s-gp2", arch)
}

// provisionInstaller uploads the script bootstrap pipes into bash.
func provisionInstaller(ctx *pulumi.Context, cfg *InfraConfig, storage *StorageResult) (*s3.BucketObjectv2, error) {
	return s3.NewBucketObjectv2(ctx, "installer", &s3.BucketObjectv2Args{
		Bucket:               storage.Package.Bucket.ID(),
		Key:                  pulumi.String(InstallerKey),
		Content:              pulumi.String(InstallerScript(cfg.PackageBucket)),
		ContentType:          pulumi.String("text/x-shellscript"),
		ServerSideEncryption: pulumi.String("AES256"),
		Tags:                 nameTags(cfg, "installer"),
	})
}

func provisionFleet(ctx *pulumi.Context, cfg *InfraConfig, net *NetworkResult, sg *ec2.SecurityGroup,
	roles *IAMResult, telemetry *TelemetryResult, installer *s3.BucketObjectv2) (*FleetResult, error) {
	ami, err := ssm.LookupParameter(ctx, &ssm.LookupParameterArgs{
		Name: amiParameter(cfg.FleetArch),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s image: %w", cfg.FleetArch, err)
	}

	userData, err := FleetBootstrap(BootstrapParams{
		Region:        cfg.Region,
		StreamName:    cfg.StreamName,
		PackageBucket: cfg.PackageBucket,
		GroupName:     cfg.FleetName,
		HookName:      LifecycleHookName,
	})
	if err != nil {
		return nil, err
	}

	ltArgs := &ec2.LaunchTemplateArgs{
		NamePrefix:   pulumi.String(cfg.FleetName + "-"),
		ImageId:      pulumi.String(ami.Value),
		InstanceType: pulumi.String(cfg.InstanceType),
		UserData:     pulumi.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		IamInstanceProfile: &ec2.LaunchTemplateIamInstanceProfileArgs{
			Arn: roles.FleetProfile.Arn,
		},
		VpcSecurityGroupIds: pulumi.StringArray{sg.ID().ToStringOutput()},
		MetadataOptions: &ec2.LaunchTemplateMetadataOptionsArgs{
			HttpEndpoint:            pulumi.String("enabled"),
			HttpTokens:              pulumi.String("required"),
			HttpPutResponseHopLimit: pulumi.Int(2),
		},
		Monitoring: &ec2.LaunchTemplateMonitoringArgs{
			Enabled: pulumi.Bool(cfg.Monitoring == "detailed"),
		},
		UpdateDefaultVersion: pulumi.Bool(true),
		TagSpecifications: ec2.LaunchTemplateTagSpecificationArray{
			&ec2.LaunchTemplateTagSpecificationArgs{
				ResourceType: pulumi.String("instance"),
				Tags:         nameTags(cfg, cfg.FleetName),
			},
		},
		Tags: nameTags(cfg, "fleet-template"),
	}
	// Without a configured ceiling spot is capped at the on-demand price.
	market := &ec2.LaunchTemplateInstanceMarketOptionsArgs{
		MarketType: pulumi.String("spot"),
	}
	if cfg.SpotMaxPrice != "" {
		market.SpotOptions = &ec2.LaunchTemplateInstanceMarketOptionsSpotOptionsArgs{
			MaxPrice: pulumi.String(cfg.SpotMaxPrice),
		}
	}
	ltArgs.InstanceMarketOptions = market
	lt, err := ec2.NewLaunchTemplate(ctx, "fleet-template", ltArgs,
		pulumi.DependsOn([]pulumi.Resource{installer, telemetry.Stream}))
	if err != nil {
		return nil, err
	}

	var subnets pulumi.StringArray
	for _, s := range net.Subnets {
		subnets = append(subnets, s.ID().ToStringOutput())
	}

	groupArgs := &autoscaling.GroupArgs{
		Name:               pulumi.String(cfg.FleetName),
		MinSize:            pulumi.Int(cfg.MinSize),
		MaxSize:            pulumi.Int(cfg.MaxSize),
		VpcZoneIdentifiers: subnets,
		LaunchTemplate: &autoscaling.GroupLaunchTemplateArgs{
			Id:      lt.ID().ToStringOutput(),
			Version: pulumi.Sprintf("%d", lt.LatestVersion),
		},
		MaxInstanceLifetime: pulumi.Int(int(MaxInstanceLifetime.Seconds())),
		InitialLifecycleHooks: autoscaling.GroupInitialLifecycleHookArray{
			&autoscaling.GroupInitialLifecycleHookArgs{
				Name:                pulumi.String(LifecycleHookName),
				LifecycleTransition: pulumi.String("autoscaling:EC2_INSTANCE_LAUNCHING"),
				HeartbeatTimeout:    pulumi.Int(int(BootstrapTimeout.Seconds())),
				DefaultResult:       pulumi.String("ABANDON"),
			},
		},
		// Running under capacity (spot shortfall, failed bootstrap) is
		// tolerated, so the deployment does not wait on it.
		WaitForCapacityTimeout: pulumi.String("0"),
		Tags: autoscaling.GroupTagArray{
			&autoscaling.GroupTagArgs{
				Key:               pulumi.String("Project"),
				Value:             pulumi.String(cfg.Project),
				PropagateAtLaunch: pulumi.Bool(true),
			},
		},
	}

	opts := []pulumi.ResourceOption{}
	switch cfg.UpdatePolicy {
	case UpdateRolling:
		groupArgs.InstanceRefresh = &autoscaling.GroupInstanceRefreshArgs{
			Strategy: pulumi.String("Rolling"),
			Preferences: &autoscaling.GroupInstanceRefreshPreferencesArgs{
				MinHealthyPercentage: pulumi.Int(0),
			},
		}
	default:
		opts = append(opts,
			pulumi.ReplaceOnChanges([]string{"launchTemplate"}),
			pulumi.DeleteBeforeReplace(true),
		)
	}

	group, err := autoscaling.NewGroup(ctx, "fleet", groupArgs, opts...)
	if err != nil {
		return nil, err
	}

	return &FleetResult{LaunchTemplate: lt, Group: group, Installer: installer}, nil
}
