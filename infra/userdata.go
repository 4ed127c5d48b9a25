package infra

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

const heredocMarker = "MERCURY_EOF"

// Bootstrap builds an ordered bash script. Commands run in the order they
// were added and the script stops at the first failure, so a broken step
// never reaches Signal.
type Bootstrap struct {
	lines []string
}

// NewBootstrap returns an empty script.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Run appends shell commands verbatim.
func (b *Bootstrap) Run(cmds ...string) *Bootstrap {
	b.lines = append(b.lines, cmds...)
	return b
}

// Export sets an environment variable for every later command.
func (b *Bootstrap) Export(name, value string) *Bootstrap {
	b.lines = append(b.lines, fmt.Sprintf("export %s=%s", name, shellQuote(value)))
	return b
}

// WriteFile writes content to path, creating the parent directory.
func (b *Bootstrap) WriteFile(filePath, content string) *Bootstrap {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	b.lines = append(b.lines,
		"mkdir -p "+shellQuote(path.Dir(filePath)),
		fmt.Sprintf("cat > %s <<'%s'\n%s%s", shellQuote(filePath), heredocMarker, content, heredocMarker),
	)
	return b
}

// EnableServices enables the units at boot and starts them now.
func (b *Bootstrap) EnableServices(units ...string) *Bootstrap {
	if len(units) == 0 {
		return b
	}
	b.lines = append(b.lines, "systemctl enable --now "+strings.Join(units, " "))
	return b
}

// Signal completes the launch lifecycle hook so the group puts the instance
// in service. Instances that never get here are abandoned when the hook
// times out.
func (b *Bootstrap) Signal(hook, group string) *Bootstrap {
	b.lines = append(b.lines,
		`IMDS_TOKEN=$(curl -sf -X PUT http://169.254.169.254/latest/api/token -H 'X-aws-ec2-metadata-token-ttl-seconds: 300')`,
		`INSTANCE_ID=$(curl -sf -H "X-aws-ec2-metadata-token: $IMDS_TOKEN" http://169.254.169.254/latest/meta-data/instance-id)`,
		fmt.Sprintf(`aws autoscaling complete-lifecycle-action --lifecycle-hook-name %s --auto-scaling-group-name %s --instance-id "$INSTANCE_ID" --lifecycle-action-result CONTINUE --region "$REGION"`,
			shellQuote(hook), shellQuote(group)),
	)
	return b
}

// Render returns the complete script.
func (b *Bootstrap) Render() string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -euo pipefail\n\n")
	for _, line := range b.lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// BootstrapParams are the per-stack values baked into instance user data.
type BootstrapParams struct {
	Region        string
	StreamName    string
	PackageBucket string
	GroupName     string
	HookName      string
}

type agentFlow struct {
	FilePattern    string `json:"filePattern"`
	DeliveryStream string `json:"deliveryStream"`
}

type agentConfig struct {
	CloudWatchEmitMetrics bool        `json:"cloudwatch.emitMetrics"`
	FirehoseEndpoint      string      `json:"firehose.endpoint"`
	Flows                 []agentFlow `json:"flows"`
}

// KinesisAgentConfig renders /etc/aws-kinesis/agent.json, tailing the
// fingerprint file into the delivery stream.
func KinesisAgentConfig(region, stream string) (string, error) {
	b, err := json.MarshalIndent(agentConfig{
		CloudWatchEmitMetrics: true,
		FirehoseEndpoint:      fmt.Sprintf("firehose.%s.amazonaws.com", region),
		Flows:                 []agentFlow{{FilePattern: TelemetryPath, DeliveryStream: stream}},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render kinesis agent config: %w", err)
	}
	return string(b), nil
}

// FleetBootstrap is the user data every fleet instance runs at first boot.
func FleetBootstrap(p BootstrapParams) (string, error) {
	agent, err := KinesisAgentConfig(p.Region, p.StreamName)
	if err != nil {
		return "", err
	}

	script := NewBootstrap().
		Run("yum install -y aws-kinesis-agent").
		Export("REGION", p.Region).
		Export("FIREHOSE", p.StreamName).
		Run(fmt.Sprintf(`aws s3 cp %s - --region "$REGION" | bash`,
			shellQuote(fmt.Sprintf("s3://%s/%s", p.PackageBucket, InstallerKey)))).
		WriteFile("/etc/aws-kinesis/agent.json", agent).
		Run(
			`IFACE=$(ip route show default | awk '/default/ {print $5; exit}')`,
			`sed -i "s/^interface = .*/interface = ${IFACE}/" /etc/mercury/mercury.cfg`,
		).
		EnableServices("aws-kinesis-agent", "mercury").
		Signal(p.HookName, p.GroupName)

	return script.Render(), nil
}

// InstallerScript fetches the latest package for the machine architecture
// and installs it. It expects REGION in the environment.
func InstallerScript(packageBucket string) string {
	return NewBootstrap().
		Run(
			`ARCH=$(uname -m)`,
			`case "$ARCH" in aarch64) ARCH=`+ArchARM64+` ;; esac`,
			fmt.Sprintf(`aws s3 cp "s3://%s/${ARCH}/%s/%s" /tmp/%s --region "$REGION"`,
				packageBucket, ArtifactName, PackageFile, PackageFile),
			"yum install -y /tmp/"+PackageFile,
		).
		Render()
}
