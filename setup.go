package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/layertwo/mercury-fleet/infra"
	"github.com/layertwo/mercury-fleet/tui/assets"
)

// Colors matching the TUI palette.
var (
	setupCyan  = lipgloss.Color("#22d3ee")
	setupGreen = lipgloss.Color("#4ade80")
	setupGray  = lipgloss.Color("#6b7280")
	setupDim   = lipgloss.Color("#374151")
	setupRed   = lipgloss.Color("#f87171")
)

// Regions offering both Graviton and x86 instances, CodeBuild ARM images and Firehose.
var regionOptions = []string{
	"us-east-1", "us-east-2", "us-west-2",
	"ca-central-1",
	"eu-west-1", "eu-west-2", "eu-central-1", "eu-north-1",
	"ap-southeast-1", "ap-southeast-2", "ap-northeast-1", "ap-south-1",
}

// Instance types per fleet architecture.
var instanceTypesForArch = map[string][]string{
	infra.ArchARM64: {
		"t4g.micro", "t4g.small", "t4g.medium", "t4g.large",
		"c7g.medium", "c7g.large", "m7g.medium", "m7g.large",
	},
	infra.ArchX8664: {
		"t3.micro", "t3.small", "t3.medium", "t3.large",
		"c6i.large", "m6i.large",
	},
}

var (
	archOptions    = []string{infra.ArchARM64, infra.ArchX8664}
	triggerOptions = []string{infra.TriggerSchedule, infra.TriggerPipeline}
	policyOptions  = []string{infra.UpdateReplace, infra.UpdateRolling}
	computeOptions = []string{"BUILD_GENERAL1_SMALL", "BUILD_GENERAL1_MEDIUM", "BUILD_GENERAL1_LARGE"}
)

const selectMaxVisible = 10

// sectionHeader prints a bold cyan label with a dim rule line.
func sectionHeader(label string) {
	styled := lipgloss.NewStyle().Bold(true).Foreground(setupCyan).Render(label)
	ruleLen := 40 - len(label) - 1
	if ruleLen < 4 {
		ruleLen = 4
	}
	rule := lipgloss.NewStyle().Foreground(setupDim).Render(strings.Repeat("\u2500", ruleLen))
	fmt.Printf("\n  \u2500\u2500 %s %s\n", styled, rule)
}

// promptSelect shows an arrow-key navigable list and returns the chosen option.
// Falls back to numbered input if the terminal doesn't support raw mode.
func promptSelect(label string, options []string, defaultIdx int) string {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return promptSelectFallback(label, options, defaultIdx)
	}

	selected := defaultIdx
	viewSize := min(selectMaxVisible, len(options))
	scrollable := len(options) > viewSize
	offset := 0

	// Ensure selected item is initially visible
	if selected >= viewSize {
		offset = selected - viewSize + 1
	}

	adjustScroll := func() {
		if selected < offset {
			offset = selected
		}
		if selected >= offset+viewSize {
			offset = selected - viewSize + 1
		}
	}

	// Fixed number of rendered lines for stable re-rendering
	totalLines := viewSize
	if scrollable {
		totalLines += 2 // top + bottom scroll indicators
	}

	dim := lipgloss.NewStyle().Foreground(setupDim)
	cur := lipgloss.NewStyle().Foreground(setupCyan).Bold(true)
	act := lipgloss.NewStyle().Foreground(setupCyan)
	inact := lipgloss.NewStyle().Foreground(setupGray)

	// Label line (printed once, above the redrawn region)
	fmt.Printf("  %s  %s\r\n", label, dim.Render("↑/↓ select, Enter confirm"))

	render := func(first bool) {
		if !first {
			fmt.Printf("\x1b[%dA", totalLines)
		}

		if scrollable {
			fmt.Print("\x1b[2K")
			if above := offset; above > 0 {
				fmt.Printf("    %s\r\n", dim.Render(fmt.Sprintf("↑ %d more", above)))
			} else {
				fmt.Print("\r\n")
			}
		}

		for i := offset; i < offset+viewSize && i < len(options); i++ {
			fmt.Print("\x1b[2K")
			if i == selected {
				fmt.Printf("    %s %s\r\n", cur.Render("›"), act.Render(options[i]))
			} else {
				fmt.Printf("      %s\r\n", inact.Render(options[i]))
			}
		}

		if scrollable {
			fmt.Print("\x1b[2K")
			if below := len(options) - offset - viewSize; below > 0 {
				fmt.Printf("    %s\r\n", dim.Render(fmt.Sprintf("↓ %d more", below)))
			} else {
				fmt.Print("\r\n")
			}
		}
	}

	render(true)

	// Read input
	buf := make([]byte, 3)
	for {
		n, readErr := os.Stdin.Read(buf[:1])
		if readErr != nil || n == 0 {
			break
		}

		switch buf[0] {
		case '\r', '\n': // Enter
			// Collapse list into single result line
			_ = term.Restore(fd, oldState)
			fmt.Printf("\x1b[%dA", totalLines+1) // move up past list + label
			fmt.Print("\x1b[J")                   // clear to end of screen
			fmt.Printf("  %s: %s\n", label, act.Render(options[selected]))
			return options[selected]

		case 3: // Ctrl+C
			_ = term.Restore(fd, oldState)
			fmt.Print("\r\n")
			os.Exit(1)

		case 'j': // vim down
			if selected < len(options)-1 {
				selected++
			}
			adjustScroll()
			render(false)

		case 'k': // vim up
			if selected > 0 {
				selected--
			}
			adjustScroll()
			render(false)

		case '\x1b': // Escape sequence
			n2, _ := os.Stdin.Read(buf[1:3])
			if n2 == 2 && len(buf) > 2 && buf[1] == '[' {
				switch buf[2] {
				case 'A': // Up
					if selected > 0 {
						selected--
					}
				case 'B': // Down
					if selected < len(options)-1 {
						selected++
					}
				}
				adjustScroll()
				render(false)
			}
		}
	}

	_ = term.Restore(fd, oldState)
	return options[selected]
}

// promptSelectFallback is a numbered-input fallback when raw mode is unavailable.
func promptSelectFallback(label string, options []string, defaultIdx int) string {
	num := lipgloss.NewStyle().Foreground(setupCyan)
	dim := lipgloss.NewStyle().Foreground(setupDim)

	fmt.Printf("  %s:\n", label)
	for i, opt := range options {
		n := num.Render(fmt.Sprintf("%d)", i+1))
		if i == defaultIdx {
			fmt.Printf("    %s %s %s\n", n, opt, dim.Render("(default)"))
		} else {
			fmt.Printf("    %s %s\n", n, opt)
		}
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("  Choice [%s]: ", num.Render(strconv.Itoa(defaultIdx+1)))
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return options[defaultIdx]
	}
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 1 || idx > len(options) {
		return options[defaultIdx]
	}
	return options[idx-1]
}

// findOption returns the index of val in options, or fallback if not found.
func findOption(options []string, val string, fallback int) int {
	for i, opt := range options {
		if opt == val {
			return i
		}
	}
	return fallback
}

// runInteractiveSetup runs the interactive setup with styled output.
// firstRun=true shows "First-time setup"; false shows "Reconfigure".
func runInteractiveSetup(ctx context.Context, firstRun bool) {
	logo := lipgloss.NewStyle().Foreground(setupCyan).Render(assets.GetDashFrame(0))
	fmt.Println(logo)
	fmt.Println()

	subtitle := "Reconfigure"
	if firstRun {
		subtitle = "First-time setup"
	}
	fmt.Println(lipgloss.NewStyle().Bold(true).Foreground(setupGreen).Render("     Mercury Fleet"))
	fmt.Println(lipgloss.NewStyle().Foreground(setupGray).Render("     " + subtitle))
	fmt.Println(lipgloss.NewStyle().Foreground(setupDim).Render("     Press Enter to accept defaults"))

	// ── Account ──────────────────────────
	sectionHeader("Account")

	cfg.Region = promptSelect("Region", regionOptions, findOption(regionOptions, orDefault(cfg.Region, "us-east-1"), 0))
	clients.SetRegion(cfg.Region)
	if account := callerAccount(ctx); account != "" {
		msg := fmt.Sprintf("  \u2713 Detected AWS account: %s", account)
		fmt.Println(lipgloss.NewStyle().Foreground(setupGreen).Render(msg))
	} else {
		fmt.Println(lipgloss.NewStyle().Foreground(setupRed).Render("  No AWS credentials found; up will fail until they are configured"))
	}
	cfg.Project = promptString("Project name", orDefault(cfg.Project, "mercury"))
	applyDefaults(&cfg)

	// ── Storage ──────────────────────────
	sectionHeader("Storage")

	cfg.ArtifactBucket = promptString("Artifact bucket", cfg.ArtifactBucket)
	cfg.PackageBucket = promptString("Package bucket", cfg.PackageBucket)
	cfg.DatalakeBucket = promptString("Datalake bucket", cfg.DatalakeBucket)

	// ── Build ────────────────────────────
	sectionHeader("Build")

	cfg.SourceOwner = promptString("GitHub owner", cfg.SourceOwner)
	cfg.SourceRepo = promptString("GitHub repository", cfg.SourceRepo)
	cfg.SourceBranch = promptString("Branch", cfg.SourceBranch)
	cfg.BuildComputeType = promptSelect("Build compute", computeOptions, findOption(computeOptions, cfg.BuildComputeType, 0))
	cfg.Trigger = promptSelect("Build trigger", triggerOptions, findOption(triggerOptions, cfg.Trigger, 0))
	if cfg.Trigger == infra.TriggerSchedule {
		cfg.BuildSchedule = promptString("Schedule expression", cfg.BuildSchedule)
	}
	if cfg.Trigger == infra.TriggerPipeline && os.Getenv("GITHUB_TOKEN") == "" {
		for {
			cfg.GitHubToken = promptString("GitHub token", cfg.GitHubToken)
			if cfg.GitHubToken != "" {
				break
			}
			fmt.Println(lipgloss.NewStyle().Foreground(setupRed).Render("  A token is required for the pipeline trigger"))
		}
	}

	// ── Fleet ────────────────────────────
	sectionHeader("Fleet")

	cfg.FleetArch = promptSelect("Architecture", archOptions, findOption(archOptions, cfg.FleetArch, 0))
	if !slices.Contains(cfg.Architectures, cfg.FleetArch) {
		cfg.Architectures = append(cfg.Architectures, cfg.FleetArch)
	}
	types := instanceTypesForArch[cfg.FleetArch]
	cfg.InstanceType = promptSelect("Instance type", types, findOption(types, cfg.InstanceType, 1))
	cfg.MinSize = promptInt("Minimum instances", cfg.MinSize)
	cfg.MaxSize = promptInt("Maximum instances", cfg.MaxSize)
	cfg.UpdatePolicy = promptSelect("Update policy", policyOptions, findOption(policyOptions, cfg.UpdatePolicy, 0))
	cfg.SpotMaxPrice = promptString("Spot max price (empty to cap at on-demand)", cfg.SpotMaxPrice)

	// ── Networking ───────────────────────
	sectionHeader("Networking")

	cfg.VPCCIDR = promptString("VPC CIDR", cfg.VPCCIDR)
	cfg.MaxAZs = promptInt("Availability zones", cfg.MaxAZs)

	// ── Telemetry ────────────────────────
	sectionHeader("Telemetry")

	cfg.StreamName = promptString("Delivery stream", cfg.StreamName)
	cfg.BufferingInterval = promptInt("Buffering interval (seconds)", cfg.BufferingInterval)

	fmt.Println()
}
