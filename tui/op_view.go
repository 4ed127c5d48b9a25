package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/layertwo/mercury-fleet/infra"
	"github.com/layertwo/mercury-fleet/tui/assets"
)

// Version is shown next to the title.
var Version = "dev"

// Spinner ticks per logo frame.
const framesPerLogo = 6

func renderOperation(m OperationModel) string {
	w, h := m.Width, m.Height
	if w <= 0 {
		w = 80
	}
	if h <= 0 {
		h = 24
	}
	inner := max(w-6, 40)

	body := []string{renderHeader(m), divider(inner)}
	body = append(body, renderStatus(m, inner)...)
	body = append(body, "", divider(inner))

	// Box border and padding take 4 rows, the footer 2, the log title 1.
	used := lipgloss.Height(strings.Join(body, "\n")) + 7
	if m.ErrorMessage != "" {
		used++
	}
	body = append(body, renderLogs(m, inner, max(h-used, 1))...)
	if m.ErrorMessage != "" {
		body = append(body, failStyle.Render("  Error: "+truncate(m.ErrorMessage, inner-8)))
	}

	box := boxStyle.Width(w - 2).MaxHeight(h - 2).Render(lipgloss.JoinVertical(lipgloss.Left, body...))
	return box + "\n" + renderFooter(m)
}

// renderHeader puts the sensor logo beside the title and fleet info.
func renderHeader(m OperationModel) string {
	logo := logoStyle.Render(assets.GetDashFrame(m.Frame / framesPerLogo))
	info := []string{titleStyle.Render("Mercury Fleet") + " " + dimText(Version), ""}
	for _, item := range m.Info {
		info = append(info, kv(item.Key, item.Value, colorWhite))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, logo, "   ", strings.Join(info, "\n"))
}

func renderStatus(m OperationModel, inner int) []string {
	switch {
	case m.Phase.active():
		lines := []string{m.Spinner.View() + " " + textStyle.Render(m.StepLabel)}
		if m.Phase == OpPhaseVerify {
			for _, b := range m.Buckets {
				lines = append(lines, dimText("  · "+b))
			}
		}
		return lines
	case m.Phase == OpPhaseConfirm:
		return renderConfirm(m)
	default:
		return renderDone(m, inner)
	}
}

func renderConfirm(m OperationModel) []string {
	if m.Kind == OpKindDown {
		lines := []string{promptStyle.Render("Destroy the fleet stack?") + "  " + dimText("(y/n)")}
		if len(m.Buckets) > 0 {
			lines = append(lines, dimText("  kept: "+strings.Join(m.Buckets, ", ")))
		}
		return lines
	}
	var lines []string
	if m.Plan != nil {
		lines = append(lines, "  "+planLine(*m.Plan))
	}
	return append(lines, promptStyle.Render("Apply changes?")+"  "+dimText("(y/n)"))
}

func planLine(plan infra.ChangeSummary) string {
	var parts []string
	add := func(n int, label string, style lipgloss.Style) {
		if n > 0 {
			parts = append(parts, style.Render(fmt.Sprintf("%d %s", n, label)))
		}
	}
	add(plan.Create, "create", okStyle)
	add(plan.Update, "update", warnStyle)
	add(plan.Delete, "delete", failStyle)
	add(plan.Same, "unchanged", mutedStyle)
	if len(parts) == 0 {
		return dimText("no changes")
	}
	return strings.Join(parts, "  ")
}

func renderDone(m OperationModel, inner int) []string {
	switch {
	case m.Cancelled:
		return []string{warnStyle.Render("  Cancelled.")}
	case m.ErrorMessage != "":
		return append([]string{failStyle.Render("  Failed.")}, renderAudit(m, inner)...)
	case m.Kind == OpKindDown:
		lines := []string{okStyle.Render("  Fleet infrastructure destroyed.")}
		if len(m.Buckets) > 0 {
			lines = append(lines, dimText("  retained: "+strings.Join(m.Buckets, ", ")))
		}
		return lines
	}

	lines := []string{okStyle.Render("  Fleet infrastructure provisioned.")}
	if m.Plan != nil {
		lines = append(lines, dimText("  applied  ")+planLine(*m.Plan))
	}
	lines = append(lines, renderAudit(m, inner)...)
	return append(lines, renderOutputs(m)...)
}

// renderAudit lists every audited bucket with its findings.
func renderAudit(m OperationModel, inner int) []string {
	if !m.Audited {
		return nil
	}
	buckets := slices.Clone(m.Buckets)
	for _, v := range m.Violations {
		if !slices.Contains(buckets, v.Bucket) {
			buckets = append(buckets, v.Bucket)
		}
	}

	lines := []string{"", headerStyle.Render("Bucket audit")}
	for _, b := range buckets {
		reasons := m.violationsFor(b)
		if len(reasons) == 0 {
			lines = append(lines, okStyle.Render("  ✓ ")+textStyle.Render(b))
			continue
		}
		lines = append(lines, failStyle.Render("  ✗ ")+textStyle.Render(b))
		for _, r := range reasons {
			lines = append(lines, failStyle.Render("      "+truncate(r, inner-6)))
		}
	}
	return lines
}

func renderOutputs(m OperationModel) []string {
	if m.Outputs == nil {
		return nil
	}
	o := m.Outputs
	lines := []string{""}
	for _, item := range []InfoItem{
		{Key: "group", Value: o.FleetGroup},
		{Key: "stream", Value: o.StreamName},
		{Key: "packages", Value: o.PackageBucket},
		{Key: "datalake", Value: o.DatalakeBucket},
		{Key: "pipeline", Value: o.Pipeline},
	} {
		if item.Value != "" {
			lines = append(lines, "  "+kv(item.Key, item.Value, colorWhite))
		}
	}
	return lines
}

// renderLogs returns the log title plus exactly height log rows.
func renderLogs(m OperationModel, inner, height int) []string {
	title := "Logs"
	if m.LogScrollBack > 0 {
		title += dimText(fmt.Sprintf(" (scrolled +%d)", m.LogScrollBack))
	}
	lines := []string{headerStyle.Render(title)}

	end := max(len(m.LogLines)-m.LogScrollBack, 0)
	start := max(end-height, 0)
	for _, l := range m.LogLines[start:end] {
		lines = append(lines, mutedStyle.Render("  "+truncate(l, inner-2)))
	}
	for i := end - start; i < height; i++ {
		lines = append(lines, "")
	}
	return lines
}

func renderFooter(m OperationModel) string {
	key := func(k, desc string) string {
		return headerStyle.Render(k) + mutedStyle.Render(" "+desc)
	}
	keys := []string{key("q", "quit")}
	if m.Phase == OpPhaseConfirm {
		verb := "apply"
		if m.Kind == OpKindDown {
			verb = "destroy"
		}
		keys = append(keys, key("y", verb), key("n", "cancel"))
	}
	keys = append(keys, key("↑↓", "scroll"))
	return lipgloss.NewStyle().PaddingLeft(2).Render(strings.Join(keys, "  "))
}
