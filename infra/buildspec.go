package infra

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildSpec is the CodeBuild build specification, version 0.2.
type BuildSpec struct {
	Version   string         `yaml:"version"`
	Env       *BuildEnv      `yaml:"env,omitempty"`
	Phases    Phases         `yaml:"phases"`
	Artifacts *ArtifactsSpec `yaml:"artifacts,omitempty"`
}

// BuildEnv holds plain environment variables for every phase.
type BuildEnv struct {
	Variables map[string]string `yaml:"variables,omitempty"`
}

// Phases run in order; a failing command aborts the build.
type Phases struct {
	Install   *Phase `yaml:"install,omitempty"`
	PreBuild  *Phase `yaml:"pre_build,omitempty"`
	Build     *Phase `yaml:"build,omitempty"`
	PostBuild *Phase `yaml:"post_build,omitempty"`
}

// Phase is one ordered command list.
type Phase struct {
	RuntimeVersions map[string]string `yaml:"runtime-versions,omitempty"`
	Commands        []string          `yaml:"commands"`
}

// ArtifactsSpec selects the files uploaded after post_build.
type ArtifactsSpec struct {
	Files        []string `yaml:"files"`
	DiscardPaths string   `yaml:"discard-paths,omitempty"`
	Name         string   `yaml:"name,omitempty"`
}

// Render encodes the build spec as YAML.
func (b *BuildSpec) Render() (string, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return "", fmt.Errorf("render buildspec: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render buildspec: %w", err)
	}
	return sb.String(), nil
}

var buildDeps = []string{
	"gcc10",
	"gcc10-c++",
	"zlib-devel",
	"openssl-devel",
	"kernel-devel",
	"autoconf",
	"libasan10",
	"rpm-build",
	"squashfs-tools",
}

// Environment variable names shared by the build specs and project definitions.
const (
	envPackageBucket     = "PACKAGE_BUCKET"
	envArtifactParameter = "ARTIFACT_PARAMETER"
)

// MercuryBuildSpec compiles and packages mercury as a single flat rpm. With
// recordLocation set, the build also writes the per-commit package location to
// the artifact parameter for the deploy stage.
func MercuryBuildSpec(recordLocation bool) *BuildSpec {
	post := []string{
		"export MERC_VERSION=$(cat VERSION)",
		"gem install fpm",
		"./build_pkg.sh -t rpm",
		// fpm names the rpm by version; the published key is fixed.
		"mv *.rpm " + PackageFile,
	}
	if recordLocation {
		post = append(post, fmt.Sprintf(
			`aws ssm put-parameter --name "$%s" --type String --overwrite --value "s3://$%s/builds/$CODEBUILD_RESOLVED_SOURCE_VERSION/"`,
			envArtifactParameter, envPackageBucket))
	}

	return &BuildSpec{
		Version: "0.2",
		Env: &BuildEnv{Variables: map[string]string{
			"CC":  "/usr/bin/gcc10-gcc",
			"CXX": "/usr/bin/gcc10-c++",
		}},
		Phases: Phases{
			Install: &Phase{
				RuntimeVersions: map[string]string{"ruby": "latest"},
				Commands: []string{
					"yum update -y",
					"yum install -y " + strings.Join(buildDeps, " "),
				},
			},
			Build: &Phase{Commands: []string{
				"./configure CC=$CC CXX=$CXX",
				"make CC=$CC CXX=$CXX V=s",
			}},
			PostBuild: &Phase{Commands: post},
		},
		Artifacts: &ArtifactsSpec{
			Files:        []string{PackageFile},
			DiscardPaths: "yes",
			Name:         ArtifactName,
		},
	}
}

// packageInputName is the pipeline artifact carrying one architecture's rpm.
func packageInputName(arch string) string {
	return "package_" + strings.ReplaceAll(arch, "-", "_")
}

// DeployBuildSpec copies each architecture's package to the location recorded
// in the artifact parameter and to the stable key the fleet installs from.
func DeployBuildSpec(arches []string) *BuildSpec {
	cmds := []string{
		fmt.Sprintf(`LOCATION=$(aws ssm get-parameter --name "$%s" --query Parameter.Value --output text)`, envArtifactParameter),
		`echo "publishing to $LOCATION"`,
	}
	for _, arch := range arches {
		src := fmt.Sprintf(`"$CODEBUILD_SRC_DIR_%s/%s"`, packageInputName(arch), PackageFile)
		cmds = append(cmds,
			fmt.Sprintf(`aws s3 cp %s "${LOCATION}%s/%s"`, src, arch, PackageFile),
			fmt.Sprintf(`aws s3 cp %s "s3://$%s/%s"`, src, envPackageBucket, PackageKey(arch)),
		)
	}
	return &BuildSpec{
		Version: "0.2",
		Phases:  Phases{Build: &Phase{Commands: cmds}},
	}
}

// PackageKey is the stable package bucket key of the latest rpm for arch.
func PackageKey(arch string) string {
	return fmt.Sprintf("%s/%s/%s", arch, ArtifactName, PackageFile)
}
