package infra

import (
	"time"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/codebuild"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/codepipeline"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/kinesis"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ssm"
)

// Build trigger strategies. Exactly one is provisioned per stack.
const (
	TriggerSchedule = "schedule"
	TriggerPipeline = "pipeline"
)

// Fleet update policies.
const (
	UpdateReplace = "replace"
	UpdateRolling = "rolling"
)

// CPU architectures as named by the build and fleet configuration.
const (
	ArchARM64 = "arm64"
	ArchX8664 = "x86_64"
)

const (
	// ConcurrentBuildLimit caps in-flight builds per project so two builds
	// never race on the same artifact key.
	ConcurrentBuildLimit = 1

	// MaxInstanceLifetime is the churn interval for fleet instances.
	MaxInstanceLifetime = 24 * time.Hour

	// BootstrapTimeout is how long a launching instance has to signal that
	// bootstrap finished before it is abandoned.
	BootstrapTimeout = 15 * time.Minute

	// ArtifactName is the build-spec artifact set name.
	ArtifactName = "mercury-package"

	// PackageFile is the flat object name every build publishes.
	PackageFile = "mercury.rpm"

	// InstallerKey is the package bucket key of the fleet install script.
	InstallerKey = "bootstrap/install-mercury.sh"

	// TelemetryPath is where mercury writes NDJSON fingerprints on each instance.
	TelemetryPath = "/usr/local/var/mercury/fingerprint.json"

	// LifecycleHookName is the launch hook completed by bootstrap.
	LifecycleHookName = "mercury-bootstrap"
)

// InfraConfig holds all parameters needed to provision infrastructure.
type InfraConfig struct {
	Project string
	Region  string

	// BackendURL overrides the local file backend, e.g. s3://bucket/prefix.
	BackendURL string

	// Network
	VPCCIDR    string
	MaxAZs     int
	SubnetMask int

	// Buckets. Names are global, so they are configurable.
	ArtifactBucket string
	PackageBucket  string
	DatalakeBucket string

	// Build
	SourceOwner      string
	SourceRepo       string
	SourceBranch     string
	Architectures    []string
	BuildComputeType string
	BuildSchedule    string
	Trigger          string
	// GitHubToken is required by the pipeline source action and optional for
	// the scheduled variant, where it registers a CodeBuild source credential.
	GitHubToken       string
	ArtifactParameter string

	// Fleet
	FleetName    string
	InstanceType string
	FleetArch    string
	MinSize      int
	MaxSize      int
	Monitoring   string
	UpdatePolicy string
	SpotMaxPrice string

	// Telemetry
	StreamName        string
	BufferingInterval int
	LogRetentionDays  int
}

// NetworkResult holds provisioned network resources.
type NetworkResult struct {
	VPC     *ec2.Vpc
	Subnets []*ec2.Subnet
}

// StorageResult holds the three secure buckets.
type StorageResult struct {
	Artifact *SecureBucket
	Package  *SecureBucket
	Datalake *SecureBucket
}

// IAMResult holds roles shared across components.
type IAMResult struct {
	FleetRole    *iam.Role
	FleetProfile *iam.InstanceProfile
	BuildRole    *iam.Role
	FirehoseRole *iam.Role
	EventsRole   *iam.Role // nil in pipeline mode
	PipelineRole *iam.Role // nil in schedule mode
}

// BuildResult holds one CodeBuild project per architecture.
type BuildResult struct {
	Projects  map[string]*codebuild.Project
	Pipeline  *codepipeline.Pipeline // nil in schedule mode
	Deploy    *codebuild.Project     // nil in schedule mode
	Parameter *ssm.Parameter         // nil in schedule mode
}

// TelemetryResult holds the delivery stream.
type TelemetryResult struct {
	Stream *kinesis.FirehoseDeliveryStream
}

// FleetResult holds the fleet's launch template and group.
type FleetResult struct {
	LaunchTemplate *ec2.LaunchTemplate
	Group          *autoscaling.Group
	Installer      *s3.BucketObjectv2
}
