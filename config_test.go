package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layertwo/mercury-fleet/infra"
)

func defaultConfig() Config {
	var c Config
	applyDefaults(&c)
	return c
}

func TestApplyDefaults(t *testing.T) {
	c := defaultConfig()

	assert.Equal(t, "mercury", c.Project)
	assert.Equal(t, "us-east-1", c.Region)
	assert.Equal(t, "mercury-codebuild-artifacts", c.ArtifactBucket)
	assert.Equal(t, "mercury-installables", c.PackageBucket)
	assert.Equal(t, "mercury-datalake", c.DatalakeBucket)
	assert.Equal(t, []string{infra.ArchARM64, infra.ArchX8664}, c.Architectures)
	assert.Equal(t, "rate(7 days)", c.BuildSchedule)
	assert.Equal(t, infra.TriggerSchedule, c.Trigger)
	assert.Equal(t, "/mercury/artifact-location", c.ArtifactParameter)
	assert.Equal(t, 2, c.MinSize)
	assert.Equal(t, 3, c.MaxSize)
	assert.Equal(t, infra.UpdateReplace, c.UpdatePolicy)
	assert.Equal(t, "MercurySensorStream", c.StreamName)
	assert.NoError(t, c.Validate())
}

func TestApplyDefaultsKeepsValues(t *testing.T) {
	c := Config{Project: "edge", MaxSize: 1, PackageBucket: "edge-pkgs"}
	applyDefaults(&c)

	assert.Equal(t, "edge-codebuild-artifacts", c.ArtifactBucket)
	assert.Equal(t, "edge-pkgs", c.PackageBucket)
	assert.Equal(t, "edge-fleet", c.FleetName)
	assert.Equal(t, 0, c.MinSize)
	assert.Equal(t, 1, c.MaxSize)
}

func TestValidate(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "bad cidr", mutate: func(c *Config) { c.VPCCIDR = "10.0.0.0/33" }, field: "vpc_cidr"},
		{name: "too many azs", mutate: func(c *Config) { c.MaxAZs = 4 }, field: "max_azs"},
		{name: "min above max", mutate: func(c *Config) { c.MinSize = 5 }, field: "min_size"},
		{name: "unknown arch", mutate: func(c *Config) { c.Architectures = []string{"riscv64"} }, field: "architectures"},
		{name: "fleet arch not built", mutate: func(c *Config) {
			c.Architectures = []string{infra.ArchX8664}
		}, field: "fleet_arch"},
		{name: "unknown trigger", mutate: func(c *Config) { c.Trigger = "push" }, field: "trigger"},
		{name: "pipeline without token", mutate: func(c *Config) { c.Trigger = infra.TriggerPipeline }, field: "github_token"},
		{name: "bad update policy", mutate: func(c *Config) { c.UpdatePolicy = "blue-green" }, field: "update_policy"},
		{name: "bad monitoring", mutate: func(c *Config) { c.Monitoring = "verbose" }, field: "monitoring"},
		{name: "bad spot price", mutate: func(c *Config) { c.SpotMaxPrice = "cheap" }, field: "spot_max_price"},
		{name: "bad bucket", mutate: func(c *Config) { c.DatalakeBucket = "Mercury_Lake" }, field: "datalake_bucket"},
		{name: "bad backend", mutate: func(c *Config) { c.BackendURL = "gs://state" }, field: "backend_url"},
		{name: "bad retention", mutate: func(c *Config) { c.LogRetentionDays = 10 }, field: "log_retention_days"},
		{name: "instance type for other arch", mutate: func(c *Config) { c.InstanceType = "t3.small" }, field: "instance_type"},
		{name: "relative parameter", mutate: func(c *Config) { c.ArtifactParameter = "artifact" }, field: "artifact_parameter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestInstanceTypeFollowsArch(t *testing.T) {
	c := Config{FleetArch: infra.ArchX8664}
	applyDefaults(&c)
	assert.Equal(t, "t3.small", c.InstanceType)
	assert.NoError(t, c.Validate())

	for arch, types := range instanceTypesForArch {
		for _, it := range types {
			assert.Equal(t, arch, instanceArch(it), it)
		}
	}
	assert.Equal(t, infra.ArchARM64, instanceArch("c7gn.xlarge"))
	assert.Equal(t, infra.ArchX8664, instanceArch("g4dn.xlarge"))

	c = defaultConfig()
	upFlags{fleetArch: infra.ArchX8664, minSize: -1}.apply(&c)
	assert.Equal(t, "t3.small", c.InstanceType)
	assert.NoError(t, c.Validate())

	c = defaultConfig()
	upFlags{fleetArch: infra.ArchX8664, instanceType: "c6i.large", minSize: -1}.apply(&c)
	assert.Equal(t, "c6i.large", c.InstanceType)
}

func TestValidatePipelineTokenFromEnv(t *testing.T) {
	c := defaultConfig()
	c.Trigger = infra.TriggerPipeline

	t.Setenv("GITHUB_TOKEN", "")
	require.Error(t, c.Validate())

	t.Setenv("GITHUB_TOKEN", "ghp_test")
	assert.NoError(t, c.Validate())

	cfg = c
	assert.Equal(t, "ghp_test", newInfraConfig().GitHubToken)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg = defaultConfig()
	cfg.Region = "eu-west-1"
	cfg.SpotMaxPrice = "0.0084"
	require.NoError(t, saveConfig(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg = Config{}
	require.NoError(t, loadConfig(path))
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "0.0084", cfg.SpotMaxPrice)

	ic := newInfraConfig()
	assert.Equal(t, "eu-west-1", ic.Region)
	assert.Equal(t, cfg.Architectures, ic.Architectures)
	assert.Equal(t, "0.0084", ic.SpotMaxPrice)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	err := loadConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mercury configure")
	assert.False(t, loadConfigFile(filepath.Join(dir, "missing.json")))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"max_azs": 9}`), 0600))
	cfg = Config{}
	err = loadConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_azs")
}

func TestUpFlagsApply(t *testing.T) {
	c := defaultConfig()
	upFlags{region: "us-west-2", minSize: 0, maxSize: 6, trigger: infra.TriggerPipeline}.apply(&c)
	assert.Equal(t, "us-west-2", c.Region)
	assert.Equal(t, 0, c.MinSize)
	assert.Equal(t, 6, c.MaxSize)
	assert.Equal(t, infra.TriggerPipeline, c.Trigger)

	c = defaultConfig()
	upFlags{minSize: -1}.apply(&c)
	assert.Equal(t, 2, c.MinSize)
}
