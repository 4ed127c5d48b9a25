package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optimport"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optpreview"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optrefresh"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"

	"github.com/layertwo/mercury-fleet/log"
)

const (
	projectName = "mercury-fleet"
	stackName   = "default"
)

// StackOptions locate the stack state and the AWS clients used to adopt
// resources that outlived a previous stack.
type StackOptions struct {
	StateDir string
	Output   io.Writer
	S3       BucketHeadAPI
	SSM      ParameterAPI
}

func (o StackOptions) output() io.Writer {
	if o.Output == nil {
		return io.Discard
	}
	return o.Output
}

// ChangeSummary counts the operations of a preview.
type ChangeSummary struct {
	Create int
	Update int
	Delete int
	Same   int
}

// HasChanges reports whether applying would touch anything.
func (c ChangeSummary) HasChanges() bool {
	return c.Create > 0 || c.Update > 0 || c.Delete > 0
}

func summarize(changes map[apitype.OpType]int) ChangeSummary {
	return ChangeSummary{
		Create: changes[apitype.OpCreate],
		Update: changes[apitype.OpUpdate] + changes[apitype.OpReplace],
		Delete: changes[apitype.OpDelete],
		Same:   changes[apitype.OpSame],
	}
}

// Outputs are the stack exports the CLI reads back.
type Outputs struct {
	ArtifactBucket string
	PackageBucket  string
	DatalakeBucket string
	StreamName     string
	FleetGroup     string
	Projects       map[string]string
	Pipeline       string
	Parameter      string
}

func parseOutputs(out auto.OutputMap) *Outputs {
	str := func(key string) string {
		if v, ok := out[key]; ok {
			if s, ok := v.Value.(string); ok {
				return s
			}
		}
		return ""
	}
	o := &Outputs{
		ArtifactBucket: str(OutputArtifactBucket),
		PackageBucket:  str(OutputPackageBucket),
		DatalakeBucket: str(OutputDatalakeBucket),
		StreamName:     str(OutputStream),
		FleetGroup:     str(OutputGroup),
		Pipeline:       str(OutputPipeline),
		Parameter:      str(OutputParameter),
		Projects:       map[string]string{},
	}
	if v, ok := out[OutputProjects]; ok {
		if m, ok := v.Value.(map[string]interface{}); ok {
			for arch, name := range m {
				if s, ok := name.(string); ok {
					o.Projects[arch] = s
				}
			}
		}
	}
	return o
}

func backendURL(cfg *InfraConfig, stateDir string) string {
	if cfg.BackendURL != "" {
		return cfg.BackendURL
	}
	return "file://" + stateDir
}

func getOrCreateStack(ctx context.Context, cfg *InfraConfig, opts StackOptions) (auto.Stack, error) {
	backend := backendURL(cfg, opts.StateDir)
	if strings.HasPrefix(backend, "file://") {
		if err := os.MkdirAll(opts.StateDir, 0700); err != nil {
			return auto.Stack{}, fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	project := workspace.Project{
		Name:    tokens.PackageName(projectName),
		Runtime: workspace.NewProjectRuntimeInfo("go", nil),
		Backend: &workspace.ProjectBackend{URL: backend},
	}

	envVars := map[string]string{
		"PULUMI_CONFIG_PASSPHRASE": "", // stack config holds no secrets of its own
	}

	s, err := auto.UpsertStackInlineSource(ctx, stackName, projectName,
		DefineInfrastructure(cfg),
		auto.EnvVars(envVars),
		auto.Project(project),
	)
	if err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create/select stack: %w", err)
	}

	if err := s.SetConfig(ctx, "aws:region", auto.ConfigValue{Value: cfg.Region}); err != nil {
		return auto.Stack{}, fmt.Errorf("failed to set region: %w", err)
	}

	return s, nil
}

// importAndRefresh adopts retained resources into an empty stack and refreshes.
func importAndRefresh(ctx context.Context, s auto.Stack, cfg *InfraConfig, opts StackOptions, destroy bool) {
	logger := log.WithStack(projectName, stackName)
	existing := adoptable(DetectExistingResources(ctx, cfg, opts.S3, opts.SSM), destroy)
	if len(existing) == 0 {
		logger.Info().Msg("no existing resources found")
		return
	}

	logger.Info().Int("count", len(existing)).Msg("importing existing resources")
	out := opts.output()
	_, err := s.ImportResources(ctx,
		optimport.Resources(existing),
		optimport.Protect(false),
		optimport.GenerateCode(false),
		optimport.ProgressStreams(out),
		optimport.ErrorProgressStreams(out),
	)
	if err != nil {
		// Non-fatal: resources that failed to import are created or
		// reported by the following operation.
		logger.Warn().Err(err).Msg("import completed with warnings")
	} else {
		logger.Info().Msg("import complete")
	}

	logger.Info().Msg("refreshing state after import")
	if _, err := s.Refresh(ctx, optrefresh.ProgressStreams(out)); err != nil {
		logger.Warn().Err(err).Msg("refresh warning")
	}
}

// refreshOrImport refreshes a populated stack, or imports into an empty one.
func refreshOrImport(ctx context.Context, s auto.Stack, cfg *InfraConfig, opts StackOptions, destroy bool) {
	logger := log.WithStack(projectName, stackName)
	info, err := s.Info(ctx)
	if err == nil && info.ResourceCount != nil && *info.ResourceCount > 0 {
		logger.Info().Int("resources", *info.ResourceCount).Msg("refreshing state from cloud")
		if _, err := s.Refresh(ctx, optrefresh.ProgressStreams(opts.output())); err != nil {
			logger.Warn().Err(err).Msg("refresh warning")
		}
		return
	}
	logger.Info().Msg("empty stack, checking for retained resources")
	importAndRefresh(ctx, s, cfg, opts, destroy)
}

// Up provisions or reconciles infrastructure.
func Up(ctx context.Context, cfg *InfraConfig, opts StackOptions) (*Outputs, error) {
	logger := log.WithStack(projectName, stackName)
	s, err := getOrCreateStack(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	refreshOrImport(ctx, s, cfg, opts, false)

	logger.Info().Msg("running up")
	result, err := s.Up(ctx, optup.ProgressStreams(opts.output()))
	if err != nil {
		return nil, fmt.Errorf("pulumi up failed: %w", err)
	}

	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		logger.Info().
			Int("created", rc["create"]).
			Int("updated", rc["update"]).
			Int("unchanged", rc["same"]).
			Msg("up complete")
	} else {
		logger.Info().Msg("up complete")
	}

	return parseOutputs(result.Outputs), nil
}

// Down destroys all infrastructure. Buckets are retained and left in the
// account, and are never imported here; the next Up adopts them.
func Down(ctx context.Context, cfg *InfraConfig, opts StackOptions) error {
	logger := log.WithStack(projectName, stackName)
	s, err := getOrCreateStack(ctx, cfg, opts)
	if err != nil {
		return err
	}

	refreshOrImport(ctx, s, cfg, opts, true)

	logger.Info().Msg("destroying infrastructure")
	result, err := s.Destroy(ctx, optdestroy.ProgressStreams(opts.output()))
	if err != nil {
		return fmt.Errorf("pulumi destroy failed: %w", err)
	}

	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		logger.Info().Int("deleted", rc["delete"]).Msg("destroy complete")
	} else {
		logger.Info().Msg("destroy complete")
	}

	if cfg.BackendURL == "" {
		stateFiles, _ := filepath.Glob(filepath.Join(opts.StateDir, "*"))
		for _, f := range stateFiles {
			os.RemoveAll(f) //nolint:errcheck
		}
	}

	return nil
}

// Preview shows what would change without applying.
func Preview(ctx context.Context, cfg *InfraConfig, opts StackOptions) (ChangeSummary, error) {
	logger := log.WithStack(projectName, stackName)
	s, err := getOrCreateStack(ctx, cfg, opts)
	if err != nil {
		return ChangeSummary{}, err
	}

	refreshOrImport(ctx, s, cfg, opts, false)

	logger.Info().Msg("previewing changes")
	result, err := s.Preview(ctx, optpreview.ProgressStreams(opts.output()))
	if err != nil {
		return ChangeSummary{}, fmt.Errorf("pulumi preview failed: %w", err)
	}

	summary := summarize(result.ChangeSummary)
	logger.Info().
		Int("create", summary.Create).
		Int("update", summary.Update).
		Int("delete", summary.Delete).
		Int("same", summary.Same).
		Msg("preview")

	return summary, nil
}

// ReadOutputs returns the exports of the last successful update.
func ReadOutputs(ctx context.Context, cfg *InfraConfig, opts StackOptions) (*Outputs, error) {
	s, err := getOrCreateStack(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	out, err := s.Outputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stack outputs: %w", err)
	}
	return parseOutputs(out), nil
}
