package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/layertwo/mercury-fleet/infra"
	"github.com/layertwo/mercury-fleet/log"
	"github.com/layertwo/mercury-fleet/tui"
)

// version is set via ldflags at release time.
var version = "dev"

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mercury",
	Short: "Provision and operate the mercury sensor fleet on AWS",
	Long: `mercury provisions the AWS infrastructure that builds, distributes and
runs the mercury network sensor: hardened buckets, per-architecture CodeBuild
projects, an autoscaled sensor fleet and a Firehose telemetry datalake.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging(os.Stderr, false)
	},
}

func init() {
	tui.Version = version
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("mercury {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (default ~/.config/mercury-fleet/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON log lines")

	upCmd.Flags().BoolVarP(&upOpts.yes, "yes", "y", false, "Apply without confirmation")
	upCmd.Flags().BoolVar(&upOpts.plain, "plain", false, "Run without the fullscreen TUI")
	upCmd.Flags().StringVar(&upOpts.project, "project", "", "Project name used as resource prefix (default: mercury)")
	upCmd.Flags().StringVar(&upOpts.region, "region", "", "AWS region (default: us-east-1)")
	upCmd.Flags().StringVar(&upOpts.backendURL, "backend-url", "", "Pulumi state backend, s3://bucket or file://dir (default: local state dir)")
	upCmd.Flags().StringVar(&upOpts.trigger, "trigger", "", "Build trigger: schedule or pipeline (default: schedule)")
	upCmd.Flags().StringVar(&upOpts.fleetArch, "fleet-arch", "", "Fleet architecture: arm64 or x86_64 (default: arm64)")
	upCmd.Flags().StringVar(&upOpts.instanceType, "instance-type", "", "Fleet instance type (default: t4g.small)")
	upCmd.Flags().IntVar(&upOpts.minSize, "min-size", -1, "Minimum fleet size (default: 2)")
	upCmd.Flags().IntVar(&upOpts.maxSize, "max-size", 0, "Maximum fleet size (default: 3)")
	upCmd.Flags().StringVar(&upOpts.updatePolicy, "update-policy", "", "Fleet update policy: replace or rolling (default: replace)")
	upCmd.Flags().StringVar(&upOpts.spotMaxPrice, "spot-max-price", "", "Run the fleet on spot capacity at this max hourly price")

	downCmd.Flags().BoolVarP(&downOpts.yes, "yes", "y", false, "Destroy without confirmation")
	downCmd.Flags().BoolVar(&downOpts.plain, "plain", false, "Run without the fullscreen TUI")

	buildCmd.Flags().String("arch", "", "Build only this architecture (schedule trigger)")
	buildCmd.Flags().String("source-version", "", "Commit, branch or tag to build (schedule trigger)")
	buildCmd.Flags().Bool("wait", false, "Wait for builds to finish")

	telemetrySendCmd.Flags().String("file", "", "NDJSON file to send, - for stdin (default: generated test records)")
	telemetrySendCmd.Flags().Int("count", 10, "Number of generated test records")
	telemetryCmd.AddCommand(telemetrySendCmd)

	datalakeListCmd.Flags().String("date", "", "Partition day, YYYY-MM-DD (default: today, UTC)")
	datalakeListCmd.Flags().String("errors", "", "List failed deliveries of this error output type instead")
	datalakeCmd.AddCommand(datalakeListCmd, datalakeCatCmd)

	rootCmd.AddCommand(configureCmd, previewCmd, upCmd, downCmd, buildCmd, artifactCmd, telemetryCmd, datalakeCmd, versionCmd)
}

func initLogging(w io.Writer, noColor bool) {
	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: logJSON,
		Output:     w,
		NoColor:    noColor,
	})
}

// loadConfigured loads the config and points the AWS clients at its region.
func loadConfigured() error {
	if err := loadConfig(configPath); err != nil {
		return err
	}
	clients.SetRegion(cfg.Region)
	initLogging(os.Stderr, false)
	return nil
}

// ── configure ────────────────────────────────────────────────────

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Create or update the configuration interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		firstRun := !loadConfigFile(configPath)

		runInteractiveSetup(cmd.Context(), firstRun)
		applyDefaults(&cfg)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := saveConfig(configPath); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Configuration saved to %s\n", configPathOrDefault(configPath))
		return nil
	},
}

// ── preview ──────────────────────────────────────────────────────

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what up would change",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		ctx := cmd.Context()
		summary, err := infra.Preview(ctx, newInfraConfig(), stackOptions(ctx, io.Discard))
		if err != nil {
			return describeError(err)
		}
		fmt.Println(formatSummary(summary))
		return nil
	},
}

func formatSummary(s infra.ChangeSummary) string {
	if !s.HasChanges() {
		return fmt.Sprintf("no changes (%d unchanged)", s.Same)
	}
	return fmt.Sprintf("%d to create, %d to update, %d to delete, %d unchanged", s.Create, s.Update, s.Delete, s.Same)
}

// stackOptions wires the AWS clients used to adopt retained resources.
// Detection is skipped for a client that cannot be created.
func stackOptions(ctx context.Context, out io.Writer) infra.StackOptions {
	stateDir, _ := StateDir()
	opts := infra.StackOptions{StateDir: stateDir, Output: out}
	if c, err := clients.S3(ctx); err == nil {
		opts.S3 = c
	}
	if c, err := clients.SSM(ctx); err == nil {
		opts.SSM = c
	}
	return opts
}

// ── up ───────────────────────────────────────────────────────────

type upFlags struct {
	yes, plain   bool
	project      string
	region       string
	backendURL   string
	trigger      string
	fleetArch    string
	instanceType string
	minSize      int
	maxSize      int
	updatePolicy string
	spotMaxPrice string
}

var upOpts upFlags

// apply copies the flags that were set onto the config.
func (f upFlags) apply(c *Config) {
	if f.project != "" {
		c.Project = f.project
	}
	if f.region != "" {
		c.Region = f.region
	}
	if f.backendURL != "" {
		c.BackendURL = f.backendURL
	}
	if f.trigger != "" {
		c.Trigger = f.trigger
	}
	if f.fleetArch != "" {
		c.FleetArch = f.fleetArch
		if f.instanceType == "" && instanceArch(c.InstanceType) != c.FleetArch {
			c.InstanceType = defaultInstanceTypes[c.FleetArch]
		}
	}
	if f.instanceType != "" {
		c.InstanceType = f.instanceType
	}
	if f.minSize >= 0 {
		c.MinSize = f.minSize
	}
	if f.maxSize != 0 {
		c.MaxSize = f.maxSize
	}
	if f.updatePolicy != "" {
		c.UpdatePolicy = f.updatePolicy
	}
	if f.spotMaxPrice != "" {
		c.SpotMaxPrice = f.spotMaxPrice
	}
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Provision or reconcile the fleet infrastructure",
	Long: `Provision or reconcile the fleet infrastructure.
On first run, prompts for required values interactively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUp(cmd.Context(), upOpts)
	},
}

func runUp(ctx context.Context, f upFlags) error {
	// ── Phase 1: Config + interactive prompts (normal terminal) ──

	existed := loadConfigFile(configPath)
	f.apply(&cfg)
	if !existed && !f.yes {
		runInteractiveSetup(ctx, true)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := saveConfig(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	clients.SetRegion(cfg.Region)

	if f.plain {
		return runUpPlain(ctx, f.yes)
	}

	// ── Phase 2: Fullscreen TUI ──

	opProg := tui.NewOperationProgram(tui.OpKindUp)

	tuiDone := make(chan error, 1)
	go func() { tuiDone <- opProg.Start() }()
	opProg.WaitReady()

	logWriter := opProg.LogWriter()
	initLogging(logWriter, true)
	defer func() {
		logWriter.Close()
		initLogging(os.Stderr, false)
	}()

	logger := log.WithComponent("up")
	logger.Info().Str("path", configPathOrDefault(configPath)).Msg("config saved")
	opProg.SetInfo(fleetInfo()...)
	opProg.SetBuckets(cfg.ArtifactBucket, cfg.PackageBucket, cfg.DatalakeBucket)

	// Background goroutine: preview → confirm → up → verify → done
	go func() {
		opts := stackOptions(ctx, logWriter)

		opProg.SetPhase(tui.OpPhasePreview)
		opProg.SetStep("Previewing infrastructure changes...")
		summary, err := infra.Preview(ctx, newInfraConfig(), opts)
		if err != nil {
			opProg.Done(fmt.Errorf("preview failed: %w", describeError(err)))
			return
		}

		opProg.SetPlan(summary)
		if summary.HasChanges() && !f.yes {
			opProg.SetPhase(tui.OpPhaseConfirm)
			if !opProg.WaitConfirm(ctx) {
				return // user cancelled; model handles done/quit
			}
		}

		opProg.SetPhase(tui.OpPhaseApply)
		opProg.SetStep("Provisioning infrastructure...")
		out, err := infra.Up(ctx, newInfraConfig(), opts)
		if err != nil {
			opProg.Done(fmt.Errorf("up failed: %w", describeError(err)))
			return
		}

		opProg.SetOutputs(out)
		opProg.SetPhase(tui.OpPhaseVerify)
		opProg.SetStep("Auditing bucket security...")
		violations, err := verifyOutputs(ctx, out)
		if err != nil {
			opProg.Done(err)
			return
		}
		opProg.SetAudit(violations)
		if len(violations) > 0 {
			opProg.Done(violationsError(violations))
			return
		}

		logUpResult(out)
		opProg.Done(nil)
	}()

	if err := <-tuiDone; err != nil {
		fmt.Fprintf(os.Stderr, "[tui] error: %v\n", err)
	}
	return opProg.ExitError()
}

func runUpPlain(ctx context.Context, yes bool) error {
	opts := stackOptions(ctx, os.Stderr)

	summary, err := infra.Preview(ctx, newInfraConfig(), opts)
	if err != nil {
		return fmt.Errorf("preview failed: %w", describeError(err))
	}
	fmt.Println(formatSummary(summary))
	if summary.HasChanges() && !yes && !confirm("Apply changes?") {
		return nil
	}

	out, err := infra.Up(ctx, newInfraConfig(), opts)
	if err != nil {
		return fmt.Errorf("up failed: %w", describeError(err))
	}
	violations, err := verifyOutputs(ctx, out)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return violationsError(violations)
	}
	logUpResult(out)
	return nil
}

// verifyOutputs audits the provisioned buckets through the S3 API and logs
// every violation found.
func verifyOutputs(ctx context.Context, out *infra.Outputs) ([]infra.Violation, error) {
	logger := log.WithComponent("verify")
	client, err := clients.S3(ctx)
	if err != nil {
		return nil, err
	}
	buckets := []string{out.ArtifactBucket, out.PackageBucket, out.DatalakeBucket}
	violations := infra.VerifyBuckets(ctx, client, buckets...)
	for _, v := range violations {
		logger.Error().Str("bucket", v.Bucket).Msg(v.Reason)
	}
	if len(violations) == 0 {
		logger.Info().Int("buckets", len(buckets)).Msg("bucket security verified")
	}
	return violations, nil
}

func violationsError(violations []infra.Violation) error {
	return fmt.Errorf("%d bucket security violations", len(violations))
}

func logUpResult(out *infra.Outputs) {
	logger := log.WithComponent("up")
	event := logger.Info().
		Str("group", out.FleetGroup).
		Str("stream", out.StreamName).
		Str("packages", out.PackageBucket).
		Str("datalake", out.DatalakeBucket)
	if out.Pipeline != "" {
		event = event.Str("pipeline", out.Pipeline)
	}
	event.Msg("fleet infrastructure provisioned")
	logger.Info().Msg("run 'mercury build' to publish the first package")
}

func fleetInfo() []tui.InfoItem {
	build := cfg.Trigger
	if cfg.Trigger == infra.TriggerSchedule {
		build = cfg.BuildSchedule
	}
	return []tui.InfoItem{
		{Key: "region", Value: cfg.Region},
		{Key: "fleet", Value: fmt.Sprintf("%s %d-%d × %s", cfg.FleetName, cfg.MinSize, cfg.MaxSize, cfg.InstanceType)},
		{Key: "builds", Value: fmt.Sprintf("%s (%s)", strings.Join(cfg.Architectures, ", "), build)},
		{Key: "stream", Value: cfg.StreamName},
	}
}

// ── down ─────────────────────────────────────────────────────────

type downFlags struct {
	yes, plain bool
}

var downOpts downFlags

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Destroy the fleet infrastructure (buckets are retained)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		return runDown(cmd.Context(), downOpts)
	},
}

func runDown(ctx context.Context, f downFlags) error {
	if f.plain {
		if !f.yes && !confirm("Destroy the fleet stack?") {
			return nil
		}
		if err := infra.Down(ctx, newInfraConfig(), stackOptions(ctx, os.Stderr)); err != nil {
			return fmt.Errorf("down failed: %w", describeError(err))
		}
		return nil
	}

	opProg := tui.NewOperationProgram(tui.OpKindDown)

	tuiDone := make(chan error, 1)
	go func() { tuiDone <- opProg.Start() }()
	opProg.WaitReady()

	logWriter := opProg.LogWriter()
	initLogging(logWriter, true)
	defer func() {
		logWriter.Close()
		initLogging(os.Stderr, false)
	}()

	opProg.SetInfo(fleetInfo()...)
	opProg.SetBuckets(cfg.ArtifactBucket, cfg.PackageBucket, cfg.DatalakeBucket)

	go func() {
		if !f.yes {
			opProg.SetPhase(tui.OpPhaseConfirm)
			if !opProg.WaitConfirm(ctx) {
				return
			}
		}

		opProg.SetPhase(tui.OpPhaseDestroy)
		opProg.SetStep("Destroying infrastructure...")
		if err := infra.Down(ctx, newInfraConfig(), stackOptions(ctx, logWriter)); err != nil {
			opProg.Done(fmt.Errorf("down failed: %w", describeError(err)))
			return
		}

		downLog := log.WithComponent("down")
		downLog.Info().Msg("infrastructure destroyed")
		opProg.Done(nil)
	}()

	if err := <-tuiDone; err != nil {
		fmt.Fprintf(os.Stderr, "[tui] error: %v\n", err)
	}
	return opProg.ExitError()
}

// ── operator commands ────────────────────────────────────────────

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Start package builds now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		arch, _ := cmd.Flags().GetString("arch")
		sourceVersion, _ := cmd.Flags().GetString("source-version")
		wait, _ := cmd.Flags().GetBool("wait")
		return runBuild(cmd.Context(), arch, sourceVersion, wait)
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Show the latest published packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		return runArtifact(cmd.Context(), cmd.OutOrStdout())
	},
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Work with the telemetry delivery stream",
}

var telemetrySendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send NDJSON records to the delivery stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		count, _ := cmd.Flags().GetInt("count")
		return runTelemetrySend(cmd.Context(), file, count)
	},
}

var datalakeCmd = &cobra.Command{
	Use:   "datalake",
	Short: "Browse delivered telemetry",
}

var datalakeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List objects in a day partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		date, _ := cmd.Flags().GetString("date")
		kind, _ := cmd.Flags().GetString("errors")
		return runDatalakeList(cmd.Context(), date, kind, cmd.OutOrStdout())
	},
}

var datalakeCatCmd = &cobra.Command{
	Use:   "cat <key>",
	Short: "Print the records of a delivered object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigured(); err != nil {
			return err
		}
		return runDatalakeCat(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "mercury "+version)
	},
}

// ── helpers ──────────────────────────────────────────────────────

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	}
	return false
}
