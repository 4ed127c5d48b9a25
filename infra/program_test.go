package infra

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEveryBucketIsSecure(t *testing.T) {
	m := runProgram(t, testConfig())

	buckets := m.byType("aws:s3/bucketV2:BucketV2")
	require.ElementsMatch(t, []string{"artifact-bucket", "package-bucket", "datalake-bucket"}, buckets)

	for _, b := range buckets {
		t.Run(b, func(t *testing.T) {
			assert.True(t, m.retained(b), "bucket must be retain-on-delete")
			assert.False(t, m.get(t, b)["forceDestroy"].BoolValue())

			versioning := m.get(t, b+"-versioning")
			assert.Equal(t, "Enabled", obj(versioning["versioningConfiguration"])["status"].StringValue())

			sse := first(m.get(t, b+"-sse")["rules"])
			assert.Equal(t, "AES256", obj(sse["applyServerSideEncryptionByDefault"])["sseAlgorithm"].StringValue())

			pab := m.get(t, b+"-public-access")
			for _, key := range []string{"blockPublicAcls", "blockPublicPolicy", "ignorePublicAcls", "restrictPublicBuckets"} {
				assert.True(t, pab[resource.PropertyKey(key)].BoolValue(), key)
			}

			var policy PolicyDocument
			require.NoError(t, json.Unmarshal([]byte(m.get(t, b+"-ssl-only")["policy"].StringValue()), &policy))
			require.Len(t, policy.Statement, 1)
			assert.Equal(t, "Deny", policy.Statement[0].Effect)
			assert.Equal(t, map[string]map[string]string{"Bool": {"aws:SecureTransport": "false"}}, policy.Statement[0].Condition)

			rule := first(m.get(t, b+"-lifecycle")["rules"])
			assert.Equal(t, "Enabled", rule["status"].StringValue())
		})
	}
	assert.False(t, m.retained("fleet"))
}

func TestDatalakeLifecycleTransitions(t *testing.T) {
	m := runProgram(t, testConfig())

	rule := first(m.get(t, "datalake-bucket-lifecycle")["rules"])
	transitions := rule["transitions"].ArrayValue()
	require.Len(t, transitions, 2)
	assert.Equal(t, "STANDARD_IA", transitions[0].ObjectValue()["storageClass"].StringValue())
	assert.Equal(t, "GLACIER_IR", transitions[1].ObjectValue()["storageClass"].StringValue())

	pkg := first(m.get(t, "package-bucket-lifecycle")["rules"])
	assert.Len(t, pkg["noncurrentVersionTransitions"].ArrayValue(), 1)
}

func TestBuildProjectsScheduled(t *testing.T) {
	m := runProgram(t, testConfig())

	projects := m.byType("aws:codebuild/project:Project")
	require.ElementsMatch(t, []string{"build-arm64", "build-x86_64"}, projects)

	for _, arch := range []string{ArchARM64, ArchX8664} {
		t.Run(arch, func(t *testing.T) {
			p := m.get(t, "build-"+arch)
			assert.Equal(t, float64(ConcurrentBuildLimit), p["concurrentBuildLimit"].NumberValue())
			assert.Equal(t, ProjectName("mercury", arch), p["name"].StringValue())

			src := obj(p["source"])
			assert.Equal(t, float64(1), src["gitCloneDepth"].NumberValue())
			assert.Equal(t, "https://github.com/cisco/mercury.git", src["location"].StringValue())

			// Flat key, no build id.
			art := obj(p["artifacts"])
			assert.Equal(t, "S3", art["type"].StringValue())
			assert.Equal(t, "NONE", art["namespaceType"].StringValue())
			assert.Equal(t, "NONE", art["packaging"].StringValue())
			assert.Equal(t, arch, art["path"].StringValue())
			assert.Equal(t, ArtifactName, art["name"].StringValue())

			var spec map[string]any
			require.NoError(t, yaml.Unmarshal([]byte(src["buildspec"].StringValue()), &spec))
			artifacts := spec["artifacts"].(map[string]any)
			assert.Equal(t, []any{PackageFile}, artifacts["files"])
			assert.Equal(t, "yes", artifacts["discard-paths"])
		})
	}

	_, envType := buildImage(ArchARM64)
	assert.Equal(t, envType, obj(m.get(t, "build-arm64")["environment"])["type"].StringValue())

	rule := m.get(t, "build-schedule")
	assert.Equal(t, "rate(7 days)", rule["scheduleExpression"].StringValue())
	assert.ElementsMatch(t, []string{"build-schedule-arm64", "build-schedule-x86_64"},
		m.byType("aws:cloudwatch/eventTarget:EventTarget"))

	assert.Empty(t, m.byType("aws:codepipeline/pipeline:Pipeline"))
	assert.Empty(t, m.byType("aws:ssm/parameter:Parameter"))
	assert.Empty(t, m.byType("aws:codebuild/sourceCredential:SourceCredential"))
}

func TestBuildProjectsPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Trigger = TriggerPipeline
	cfg.GitHubToken = "ghp_test"
	m := runProgram(t, cfg)

	require.ElementsMatch(t, []string{"build-arm64", "build-x86_64", "deploy"},
		m.byType("aws:codebuild/project:Project"))
	for _, name := range []string{"build-arm64", "build-x86_64", "deploy"} {
		p := m.get(t, name)
		assert.Equal(t, float64(1), p["concurrentBuildLimit"].NumberValue(), name)
		assert.Equal(t, "CODEPIPELINE", obj(p["artifacts"])["type"].StringValue(), name)
	}

	buildspec := obj(m.get(t, "build-arm64")["source"])["buildspec"].StringValue()
	assert.Contains(t, buildspec, "aws ssm put-parameter")

	param := m.get(t, "artifact-parameter")
	assert.Equal(t, "/mercury/artifact-location", param["name"].StringValue())

	pipeline := m.get(t, "pipeline")
	stages := pipeline["stages"].ArrayValue()
	require.Len(t, stages, 3)
	source := first(stages[0].ObjectValue()["actions"])
	assert.Equal(t, "GitHub", source["provider"].StringValue())
	assert.Equal(t, "true", obj(source["configuration"])["PollForSourceChanges"].StringValue())
	assert.Len(t, stages[1].ObjectValue()["actions"].ArrayValue(), 2)

	assert.Empty(t, m.byType("aws:cloudwatch/eventRule:EventRule"))
}

func TestPipelineRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Trigger = TriggerPipeline
	m := newMocks()
	err := runWith(m, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GitHub token")
}

func TestFleetGroup(t *testing.T) {
	m := runProgram(t, testConfig())

	group := m.get(t, "fleet")
	assert.Equal(t, "mercury-fleet", group["name"].StringValue())
	assert.Equal(t, float64(2), group["minSize"].NumberValue())
	assert.Equal(t, float64(3), group["maxSize"].NumberValue())
	assert.LessOrEqual(t, group["maxInstanceLifetime"].NumberValue(), float64(86400))
	assert.Len(t, group["vpcZoneIdentifiers"].ArrayValue(), 3)

	hook := first(group["initialLifecycleHooks"])
	assert.Equal(t, LifecycleHookName, hook["name"].StringValue())
	assert.Equal(t, float64(900), hook["heartbeatTimeout"].NumberValue())
	assert.Equal(t, "ABANDON", hook["defaultResult"].StringValue())
	assert.False(t, group.HasValue("instanceRefresh"))

	lt := m.get(t, "fleet-template")
	assert.Equal(t, "ami-0123456789abcdef0", lt["imageId"].StringValue())
	assert.Equal(t, "required", obj(lt["metadataOptions"])["httpTokens"].StringValue())
	market := obj(lt["instanceMarketOptions"])
	assert.Equal(t, "spot", market["marketType"].StringValue())
	assert.Equal(t, "0.05", obj(market["spotOptions"])["maxPrice"].StringValue())
	assert.False(t, obj(lt["monitoring"])["enabled"].BoolValue())

	raw, err := base64.StdEncoding.DecodeString(lt["userData"].StringValue())
	require.NoError(t, err)
	script := string(raw)
	require.Contains(t, script, "export REGION='us-east-1'")
	require.Contains(t, script, "export FIREHOSE='MercurySensorStream'")
	fetch := strings.Index(script, InstallerKey)
	require.Positive(t, fetch)
	assert.Less(t, strings.Index(script, "export REGION='us-east-1'"), fetch)
	assert.Less(t, strings.Index(script, "export FIREHOSE='MercurySensorStream'"), fetch)

	installer := m.get(t, "installer")
	assert.Equal(t, InstallerKey, installer["key"].StringValue())
}

func TestFleetSpotWithoutPriceCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.SpotMaxPrice = ""
	m := runProgram(t, cfg)

	market := obj(m.get(t, "fleet-template")["instanceMarketOptions"])
	assert.Equal(t, "spot", market["marketType"].StringValue())
	assert.False(t, market.HasValue("spotOptions"))
}

func TestFleetRollingUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.UpdatePolicy = UpdateRolling
	m := runProgram(t, cfg)

	refresh := obj(m.get(t, "fleet")["instanceRefresh"])
	assert.Equal(t, "Rolling", refresh["strategy"].StringValue())
	assert.Equal(t, float64(0), obj(refresh["preferences"])["minHealthyPercentage"].NumberValue())
	assert.LessOrEqual(t, m.get(t, "fleet")["maxInstanceLifetime"].NumberValue(), float64(86400))
}

func TestTelemetryStream(t *testing.T) {
	m := runProgram(t, testConfig())

	stream := m.get(t, "telemetry")
	assert.Equal(t, "MercurySensorStream", stream["name"].StringValue())
	assert.Equal(t, "extended_s3", stream["destination"].StringValue())

	s3cfg := obj(stream["extendedS3Configuration"])
	prefix := s3cfg["prefix"].StringValue()
	errPrefix := s3cfg["errorOutputPrefix"].StringValue()
	assert.Equal(t, TelemetryPrefix, prefix)
	assert.NotEqual(t, prefix, errPrefix)
	assert.Contains(t, errPrefix, "!{firehose:error-output-type}")
	assert.Equal(t, "GZIP", s3cfg["compressionFormat"].StringValue())
	assert.Equal(t, float64(300), s3cfg["bufferingInterval"].NumberValue())
	assert.False(t, s3cfg.HasValue("bufferingSize"))
}

func TestNetworkAndSecurityGroup(t *testing.T) {
	m := runProgram(t, testConfig())

	assert.Len(t, m.byType("aws:ec2/subnet:Subnet"), 3)
	assert.Equal(t, "10.0.1.0/24", m.get(t, "public-1")["cidrBlock"].StringValue())

	sg := m.get(t, "fleet-sg")
	ingress := first(sg["ingress"])
	assert.Equal(t, "-1", ingress["protocol"].StringValue())
	assert.Equal(t, "0.0.0.0/0", ingress["cidrBlocks"].ArrayValue()[0].StringValue())
}
