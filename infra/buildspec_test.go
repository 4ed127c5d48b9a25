package infra

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMercuryBuildSpecRender(t *testing.T) {
	tests := []struct {
		name           string
		recordLocation bool
		wantParam      bool
	}{
		{name: "scheduled", recordLocation: false, wantParam: false},
		{name: "pipeline", recordLocation: true, wantParam: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MercuryBuildSpec(tt.recordLocation).Render()
			require.NoError(t, err)

			var got BuildSpec
			require.NoError(t, yaml.Unmarshal([]byte(out), &got))

			assert.Equal(t, "0.2", got.Version)
			assert.Equal(t, "/usr/bin/gcc10-gcc", got.Env.Variables["CC"])
			assert.Equal(t, "latest", got.Phases.Install.RuntimeVersions["ruby"])
			assert.Contains(t, got.Phases.Install.Commands[1], "squashfs-tools")
			assert.Equal(t, []string{"./configure CC=$CC CXX=$CXX", "make CC=$CC CXX=$CXX V=s"}, got.Phases.Build.Commands)
			assert.Equal(t, "./build_pkg.sh -t rpm", got.Phases.PostBuild.Commands[2])

			assert.Equal(t, "mv *.rpm mercury.rpm", got.Phases.PostBuild.Commands[3])
			assert.Equal(t, []string{PackageFile}, got.Artifacts.Files)
			assert.True(t, strings.HasSuffix(got.Artifacts.Files[0], ".rpm"))
			assert.Equal(t, "yes", got.Artifacts.DiscardPaths)
			assert.Equal(t, ArtifactName, got.Artifacts.Name)

			assert.Equal(t, tt.wantParam, strings.Contains(out, "put-parameter"))
		})
	}
}

func TestBuildSpecPhaseOrder(t *testing.T) {
	out, err := MercuryBuildSpec(false).Render()
	require.NoError(t, err)

	install := strings.Index(out, "install:")
	build := strings.Index(out, "\n  build:")
	post := strings.Index(out, "post_build:")
	require.True(t, install >= 0 && build >= 0 && post >= 0, out)
	assert.Less(t, install, build)
	assert.Less(t, build, post)
}

func TestDeployBuildSpec(t *testing.T) {
	spec := DeployBuildSpec([]string{ArchARM64, ArchX8664})
	require.NotNil(t, spec.Phases.Build)
	cmds := strings.Join(spec.Phases.Build.Commands, "\n")

	assert.Contains(t, cmds, "aws ssm get-parameter")
	assert.Contains(t, cmds, `"$CODEBUILD_SRC_DIR_package_arm64/mercury.rpm" "${LOCATION}arm64/mercury.rpm"`)
	assert.Contains(t, cmds, `"s3://$PACKAGE_BUCKET/x86_64/mercury-package/mercury.rpm"`)
	assert.Nil(t, spec.Artifacts)
}

func TestPackageKey(t *testing.T) {
	assert.Equal(t, "arm64/mercury-package/mercury.rpm", PackageKey(ArchARM64))
	assert.Equal(t, "package_x86_64", packageInputName(ArchX8664))
}
