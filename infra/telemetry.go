package infra

import (
	"fmt"
	"time"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/kinesis"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Key prefix templates evaluated by Firehose at delivery time.
const (
	TelemetryPrefix   = "telemetry/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/"
	ErrorOutputPrefix = "errors/!{firehose:error-output-type}/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/"
)

// PartitionPrefix is the concrete datalake prefix holding records delivered on
// the UTC day of t.
func PartitionPrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("telemetry/year=%04d/month=%02d/day=%02d/", t.Year(), int(t.Month()), t.Day())
}

// ErrorPartitionPrefix is the prefix of failed deliveries of the given error
// output type (for example "processing-failed") on the UTC day of t.
func ErrorPartitionPrefix(kind string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("errors/%s/year=%04d/month=%02d/day=%02d/", kind, t.Year(), int(t.Month()), t.Day())
}

func provisionTelemetry(ctx *pulumi.Context, cfg *InfraConfig, storage *StorageResult, roles *IAMResult) (*TelemetryResult, error) {
	logGroup, err := cloudwatch.NewLogGroup(ctx, "firehose-logs", &cloudwatch.LogGroupArgs{
		Name:            pulumi.Sprintf("/aws/kinesisfirehose/%s", cfg.StreamName),
		RetentionInDays: pulumi.Int(cfg.LogRetentionDays),
		Tags:            nameTags(cfg, "firehose-logs"),
	})
	if err != nil {
		return nil, err
	}
	logStream, err := cloudwatch.NewLogStream(ctx, "firehose-delivery", &cloudwatch.LogStreamArgs{
		LogGroupName: logGroup.Name,
		Name:         pulumi.String("DestinationDelivery"),
	})
	if err != nil {
		return nil, err
	}

	stream, err := kinesis.NewFirehoseDeliveryStream(ctx, "telemetry", &kinesis.FirehoseDeliveryStreamArgs{
		Name:        pulumi.String(cfg.StreamName),
		Destination: pulumi.String("extended_s3"),
		ExtendedS3Configuration: &kinesis.FirehoseDeliveryStreamExtendedS3ConfigurationArgs{
			RoleArn:           roles.FirehoseRole.Arn,
			BucketArn:         storage.Datalake.Bucket.Arn,
			Prefix:            pulumi.String(TelemetryPrefix),
			ErrorOutputPrefix: pulumi.String(ErrorOutputPrefix),
			BufferingInterval: pulumi.Int(cfg.BufferingInterval),
			CompressionFormat: pulumi.String("GZIP"),
			CloudwatchLoggingOptions: &kinesis.FirehoseDeliveryStreamExtendedS3ConfigurationCloudwatchLoggingOptionsArgs{
				Enabled:       pulumi.Bool(true),
				LogGroupName:  logGroup.Name,
				LogStreamName: logStream.Name,
			},
		},
		Tags: nameTags(cfg, "telemetry"),
	})
	if err != nil {
		return nil, err
	}

	// Fleet instances push through the kinesis agent.
	_, err = iam.NewRolePolicy(ctx, "fleet-telemetry", &iam.RolePolicyArgs{
		Role: roles.FleetRole.ID(),
		Policy: stream.Arn.ApplyT(func(arn string) (string, error) {
			return newPolicy(allow([]string{"firehose:PutRecord", "firehose:PutRecordBatch"}, arn)).JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	return &TelemetryResult{Stream: stream}, nil
}
