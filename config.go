package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/layertwo/mercury-fleet/infra"
)

const appName = "mercury-fleet"

// Config is the operator configuration stored in config.json.
type Config struct {
	Project    string `json:"project"`
	Region     string `json:"region"`
	BackendURL string `json:"backend_url,omitempty"`
	LogLevel   string `json:"log_level,omitempty"`

	VPCCIDR    string `json:"vpc_cidr"`
	MaxAZs     int    `json:"max_azs"`
	SubnetMask int    `json:"subnet_mask"`

	ArtifactBucket string `json:"artifact_bucket"`
	PackageBucket  string `json:"package_bucket"`
	DatalakeBucket string `json:"datalake_bucket"`

	SourceOwner       string   `json:"source_owner"`
	SourceRepo        string   `json:"source_repo"`
	SourceBranch      string   `json:"source_branch"`
	Architectures     []string `json:"architectures"`
	BuildComputeType  string   `json:"build_compute_type"`
	BuildSchedule     string   `json:"build_schedule"`
	Trigger           string   `json:"trigger"`
	GitHubToken       string   `json:"github_token,omitempty"`
	ArtifactParameter string   `json:"artifact_parameter"`

	FleetName    string `json:"fleet_name"`
	InstanceType string `json:"instance_type"`
	FleetArch    string `json:"fleet_arch"`
	MinSize      int    `json:"min_size"`
	MaxSize      int    `json:"max_size"`
	Monitoring   string `json:"monitoring"`
	UpdatePolicy string `json:"update_policy"`
	SpotMaxPrice string `json:"spot_max_price,omitempty"`

	StreamName        string `json:"stream_name"`
	BufferingInterval int    `json:"buffering_interval"`
	LogRetentionDays  int    `json:"log_retention_days"`
}

var cfg Config

var (
	projectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,30}$`)
	regionPattern  = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)
	bucketPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	pricePattern   = regexp.MustCompile(`^\d+(\.\d+)?$`)
	backendPattern = regexp.MustCompile(`^(s3|file)://.+`)
)

// Retention values CloudWatch Logs accepts.
var retentionDays = []any{1, 3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545, 731, 1827, 3653}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "config.json")
}

func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return defaultConfigPath()
}

// loadConfig loads and validates config from file. Fails if file is missing.
func loadConfig(path string) error {
	path = configPathOrDefault(path)

	data, err := os.ReadFile(path) //nolint:gosec // path from known config dir
	if err != nil {
		return fmt.Errorf("config not found: %s\nRun 'mercury configure' first", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return nil
}

// loadConfigFile loads config from file if it exists. Returns true if loaded.
func loadConfigFile(path string) bool {
	path = configPathOrDefault(path)
	data, err := os.ReadFile(path) //nolint:gosec // path from known config dir
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false
	}
	return true
}

// applyDefaults fills in default values for empty config fields.
func applyDefaults(c *Config) {
	c.Project = orDefault(c.Project, "mercury")
	c.Region = orDefault(c.Region, "us-east-1")

	c.VPCCIDR = orDefault(c.VPCCIDR, "10.0.0.0/16")
	c.MaxAZs = orDefaultInt(c.MaxAZs, 3)
	c.SubnetMask = orDefaultInt(c.SubnetMask, 24)

	c.ArtifactBucket = orDefault(c.ArtifactBucket, c.Project+"-codebuild-artifacts")
	c.PackageBucket = orDefault(c.PackageBucket, c.Project+"-installables")
	c.DatalakeBucket = orDefault(c.DatalakeBucket, c.Project+"-datalake")

	c.SourceOwner = orDefault(c.SourceOwner, "cisco")
	c.SourceRepo = orDefault(c.SourceRepo, "mercury")
	c.SourceBranch = orDefault(c.SourceBranch, "main")
	if len(c.Architectures) == 0 {
		c.Architectures = []string{infra.ArchARM64, infra.ArchX8664}
	}
	c.BuildComputeType = orDefault(c.BuildComputeType, "BUILD_GENERAL1_SMALL")
	c.BuildSchedule = orDefault(c.BuildSchedule, "rate(7 days)")
	c.Trigger = orDefault(c.Trigger, infra.TriggerSchedule)
	c.ArtifactParameter = orDefault(c.ArtifactParameter, "/"+c.Project+"/artifact-location")

	c.FleetName = orDefault(c.FleetName, c.Project+"-fleet")
	c.FleetArch = orDefault(c.FleetArch, infra.ArchARM64)
	c.InstanceType = orDefault(c.InstanceType, defaultInstanceTypes[c.FleetArch])
	if c.MaxSize == 0 {
		c.MaxSize = 3
		c.MinSize = orDefaultInt(c.MinSize, 2)
	}
	c.Monitoring = orDefault(c.Monitoring, "basic")
	c.UpdatePolicy = orDefault(c.UpdatePolicy, infra.UpdateReplace)

	c.StreamName = orDefault(c.StreamName, "MercurySensorStream")
	c.BufferingInterval = orDefaultInt(c.BufferingInterval, 300)
	c.LogRetentionDays = orDefaultInt(c.LogRetentionDays, 14)
}

// Validate checks the config before anything reaches the cloud.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Project, validation.Required, validation.Match(projectPattern)),
		validation.Field(&c.Region, validation.Required, validation.Match(regionPattern)),
		validation.Field(&c.BackendURL, validation.Match(backendPattern)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),

		validation.Field(&c.VPCCIDR, validation.Required, validation.By(isCIDR)),
		validation.Field(&c.MaxAZs, validation.Required, validation.Min(1), validation.Max(3)),
		validation.Field(&c.SubnetMask, validation.Required, validation.Min(16), validation.Max(28)),

		validation.Field(&c.ArtifactBucket, validation.Required, validation.Match(bucketPattern)),
		validation.Field(&c.PackageBucket, validation.Required, validation.Match(bucketPattern)),
		validation.Field(&c.DatalakeBucket, validation.Required, validation.Match(bucketPattern)),

		validation.Field(&c.SourceOwner, validation.Required),
		validation.Field(&c.SourceRepo, validation.Required),
		validation.Field(&c.SourceBranch, validation.Required),
		validation.Field(&c.Architectures, validation.Required,
			validation.Each(validation.In(infra.ArchARM64, infra.ArchX8664))),
		validation.Field(&c.BuildSchedule, validation.Required),
		validation.Field(&c.Trigger, validation.Required, validation.In(infra.TriggerSchedule, infra.TriggerPipeline)),
		validation.Field(&c.GitHubToken, validation.When(c.Trigger == infra.TriggerPipeline && os.Getenv("GITHUB_TOKEN") == "",
			validation.Required.Error("is required for the pipeline trigger (or set GITHUB_TOKEN)"))),
		validation.Field(&c.ArtifactParameter, validation.Required, validation.Match(regexp.MustCompile(`^/`))),

		validation.Field(&c.FleetName, validation.Required),
		validation.Field(&c.InstanceType, validation.Required, validation.By(fitsArch(c.FleetArch))),
		validation.Field(&c.FleetArch, validation.Required,
			validation.In(infra.ArchARM64, infra.ArchX8664),
			validation.By(builtArch(c.Architectures))),
		validation.Field(&c.MinSize, validation.Min(0), validation.Max(c.MaxSize)),
		validation.Field(&c.MaxSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Monitoring, validation.Required, validation.In("basic", "detailed")),
		validation.Field(&c.UpdatePolicy, validation.Required, validation.In(infra.UpdateReplace, infra.UpdateRolling)),
		validation.Field(&c.SpotMaxPrice, validation.Match(pricePattern)),

		validation.Field(&c.StreamName, validation.Required),
		validation.Field(&c.BufferingInterval, validation.Required, validation.Min(60), validation.Max(900)),
		validation.Field(&c.LogRetentionDays, validation.Required, validation.In(retentionDays...)),
	)
}

func isCIDR(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return errors.New("must be a CIDR block")
	}
	return nil
}

// builtArch requires the fleet architecture to be one the builds produce.
func builtArch(arches []string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" || slices.Contains(arches, s) {
			return nil
		}
		return fmt.Errorf("%s is not in architectures", s)
	}
}

// defaultInstanceTypes is the fleet instance type per architecture.
var defaultInstanceTypes = map[string]string{
	infra.ArchARM64: "t4g.small",
	infra.ArchX8664: "t3.small",
}

// gravitonFamily matches arm64 instance families such as t4g, c7gn and r6gd.
var gravitonFamily = regexp.MustCompile(`^(a1|[a-z]+[0-9]+g[a-z]*)$`)

// instanceArch reports the CPU architecture of an EC2 instance type.
func instanceArch(instanceType string) string {
	family, _, _ := strings.Cut(instanceType, ".")
	if gravitonFamily.MatchString(family) {
		return infra.ArchARM64
	}
	return infra.ArchX8664
}

func fitsArch(arch string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if _, known := defaultInstanceTypes[arch]; s == "" || !known || instanceArch(s) == arch {
			return nil
		}
		return fmt.Errorf("%s does not run %s", s, arch)
	}
}

// newInfraConfig maps the operator config onto the provisioning parameters.
// GITHUB_TOKEN in the environment wins over the stored token.
func newInfraConfig() *infra.InfraConfig {
	token := cfg.GitHubToken
	if env := os.Getenv("GITHUB_TOKEN"); env != "" {
		token = env
	}
	return &infra.InfraConfig{
		Project:           cfg.Project,
		Region:            cfg.Region,
		BackendURL:        cfg.BackendURL,
		VPCCIDR:           cfg.VPCCIDR,
		MaxAZs:            cfg.MaxAZs,
		SubnetMask:        cfg.SubnetMask,
		ArtifactBucket:    cfg.ArtifactBucket,
		PackageBucket:     cfg.PackageBucket,
		DatalakeBucket:    cfg.DatalakeBucket,
		SourceOwner:       cfg.SourceOwner,
		SourceRepo:        cfg.SourceRepo,
		SourceBranch:      cfg.SourceBranch,
		Architectures:     cfg.Architectures,
		BuildComputeType:  cfg.BuildComputeType,
		BuildSchedule:     cfg.BuildSchedule,
		Trigger:           cfg.Trigger,
		GitHubToken:       token,
		ArtifactParameter: cfg.ArtifactParameter,
		FleetName:         cfg.FleetName,
		InstanceType:      cfg.InstanceType,
		FleetArch:         cfg.FleetArch,
		MinSize:           cfg.MinSize,
		MaxSize:           cfg.MaxSize,
		Monitoring:        cfg.Monitoring,
		UpdatePolicy:      cfg.UpdatePolicy,
		SpotMaxPrice:      cfg.SpotMaxPrice,
		StreamName:        cfg.StreamName,
		BufferingInterval: cfg.BufferingInterval,
		LogRetentionDays:  cfg.LogRetentionDays,
	}
}

// saveConfig writes the current config to the config file.
func saveConfig(path string) error {
	path = configPathOrDefault(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

// promptString prompts the user for a string value with a default.
func promptString(label, defaultVal string) string {
	reader := bufio.NewReader(os.Stdin)
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

// promptInt prompts the user for an integer value with a default.
func promptInt(label string, defaultVal int) int {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("  %s [%d]: ", label, defaultVal)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		return defaultVal
	}
	return val
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func orDefaultInt(val, def int) int {
	if val == 0 {
		return def
	}
	return val
}

// StateDir returns the local Pulumi state directory path.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "state"), nil
}
