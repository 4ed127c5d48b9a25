package infra

import (
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	got := summarize(map[apitype.OpType]int{
		apitype.OpCreate:  4,
		apitype.OpUpdate:  1,
		apitype.OpReplace: 1,
		apitype.OpSame:    20,
	})
	assert.Equal(t, ChangeSummary{Create: 4, Update: 2, Same: 20}, got)
	assert.True(t, got.HasChanges())

	assert.False(t, summarize(map[apitype.OpType]int{apitype.OpSame: 3}).HasChanges())
}

func TestParseOutputs(t *testing.T) {
	out := parseOutputs(auto.OutputMap{
		OutputPackageBucket: {Value: "mercury-installables"},
		OutputStream:        {Value: "MercurySensorStream"},
		OutputProjects: {Value: map[string]interface{}{
			"arm64":  "mercury-codebuild-arm64",
			"x86_64": "mercury-codebuild-x86_64",
		}},
		OutputGroup: {Value: 42},
	})

	assert.Equal(t, "mercury-installables", out.PackageBucket)
	assert.Equal(t, "MercurySensorStream", out.StreamName)
	assert.Equal(t, "mercury-codebuild-arm64", out.Projects["arm64"])
	assert.Empty(t, out.FleetGroup)
	assert.Empty(t, out.Pipeline)
}

func TestBackendURL(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "file:///tmp/state", backendURL(cfg, "/tmp/state"))

	cfg.BackendURL = "s3://mercury-state"
	assert.Equal(t, "s3://mercury-state", backendURL(cfg, "/tmp/state"))
}
