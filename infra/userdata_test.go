package infra

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "us-east-1", want: "'us-east-1'"},
		{in: "", want: "''"},
		{in: "it's", want: `'it'"'"'s'`},
		{in: "$HOME", want: "'$HOME'"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, shellQuote(tt.in))
		})
	}
}

func TestBootstrapBuilder(t *testing.T) {
	script := NewBootstrap().
		Run("echo one").
		Export("NAME", "value").
		WriteFile("/etc/demo/conf", "a=1").
		EnableServices().
		EnableServices("a", "b").
		Render()

	lines := strings.Split(script, "\n")
	assert.Equal(t, "#!/bin/bash", lines[0])
	assert.Equal(t, "set -euo pipefail", lines[1])
	assert.Contains(t, script, "echo one\nexport NAME='value'\nmkdir -p '/etc/demo'\n")
	assert.Contains(t, script, "cat > '/etc/demo/conf' <<'MERCURY_EOF'\na=1\nMERCURY_EOF\n")
	assert.Contains(t, script, "systemctl enable --now a b\n")
	assert.Equal(t, 1, strings.Count(script, "systemctl"))
}

func TestFleetBootstrapOrder(t *testing.T) {
	script, err := FleetBootstrap(BootstrapParams{
		Region:        "us-east-1",
		StreamName:    "MercurySensorStream",
		PackageBucket: "mercury-installables",
		GroupName:     "mercury-fleet",
		HookName:      LifecycleHookName,
	})
	require.NoError(t, err)

	steps := []string{
		"yum install -y aws-kinesis-agent",
		"export REGION='us-east-1'",
		"export FIREHOSE='MercurySensorStream'",
		"aws s3 cp 's3://mercury-installables/bootstrap/install-mercury.sh' - --region \"$REGION\" | bash",
		"cat > '/etc/aws-kinesis/agent.json'",
		"sed -i",
		"systemctl enable --now aws-kinesis-agent mercury",
		"complete-lifecycle-action --lifecycle-hook-name 'mercury-bootstrap' --auto-scaling-group-name 'mercury-fleet'",
	}
	last := -1
	for _, step := range steps {
		idx := strings.Index(script, step)
		require.NotEqual(t, -1, idx, "missing step %q", step)
		assert.Greater(t, idx, last, "step %q out of order", step)
		last = idx
	}
}

func TestKinesisAgentConfig(t *testing.T) {
	out, err := KinesisAgentConfig("eu-west-1", "MercurySensorStream")
	require.NoError(t, err)

	var cfg agentConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "firehose.eu-west-1.amazonaws.com", cfg.FirehoseEndpoint)
	require.Len(t, cfg.Flows, 1)
	assert.Equal(t, TelemetryPath, cfg.Flows[0].FilePattern)
	assert.Equal(t, "MercurySensorStream", cfg.Flows[0].DeliveryStream)
}

func TestInstallerScript(t *testing.T) {
	script := InstallerScript("mercury-installables")
	assert.Contains(t, script, `aarch64) ARCH=arm64`)
	assert.Contains(t, script, `s3://mercury-installables/${ARCH}/mercury-package/mercury.rpm`)
	assert.True(t, strings.HasSuffix(script, "yum install -y /tmp/mercury.rpm\n"))
}
