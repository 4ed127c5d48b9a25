package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/layertwo/mercury-fleet/infra"
)

// OpKind distinguishes up vs down operations.
type OpKind int

const (
	OpKindUp OpKind = iota
	OpKindDown
)

// OpPhase tracks the current phase of an up/down operation.
type OpPhase int

const (
	OpPhaseInit    OpPhase = iota
	OpPhasePreview         // up only
	OpPhaseConfirm         // both
	OpPhaseApply           // up only
	OpPhaseDestroy         // down only
	OpPhaseVerify          // up only
	OpPhaseDone
)

// active reports whether the phase shows a spinner.
func (p OpPhase) active() bool {
	switch p {
	case OpPhaseInit, OpPhasePreview, OpPhaseApply, OpPhaseDestroy, OpPhaseVerify:
		return true
	}
	return false
}

// InfoItem is one key/value shown next to the logo.
type InfoItem struct {
	Key   string
	Value string
}

type (
	phaseMsg   struct{ Phase OpPhase }
	stepMsg    struct{ Label string }
	infoMsg    struct{ Items []InfoItem }
	bucketsMsg struct{ Names []string }
	planMsg    struct{ Plan infra.ChangeSummary }
	auditMsg   struct{ Violations []infra.Violation }
	outputsMsg struct{ Outputs infra.Outputs }
	errorMsg   struct{ Err error }
	logMsg     struct{ Line string }
)

// OperationModel is the BubbleTea model for up/down operations.
type OperationModel struct {
	Kind      OpKind
	Phase     OpPhase
	Spinner   spinner.Model
	StepLabel string
	Frame     int

	Info    []InfoItem
	Buckets []string

	// Plan is the preview result; nil until the preview finishes.
	Plan *infra.ChangeSummary
	// Violations holds the bucket audit findings once Audited is set.
	Violations []infra.Violation
	Audited    bool
	Outputs    *infra.Outputs

	LogLines     []string
	MaxLogLines  int
	ErrorMessage string
	Cancelled    bool

	// LogScrollBack is how many lines the log pane is scrolled up; 0 follows.
	LogScrollBack int

	confirmCh chan bool
	onReady   func()

	Width  int
	Height int
}

// NewOperationModel creates a new OperationModel.
func NewOperationModel(kind OpKind, confirmCh chan bool) OperationModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(colorCyan)),
	)
	return OperationModel{
		Kind:        kind,
		Phase:       OpPhaseInit,
		Spinner:     s,
		StepLabel:   "Initializing...",
		MaxLogLines: 200,
		confirmCh:   confirmCh,
	}
}

// Init implements tea.Model.
func (m OperationModel) Init() tea.Cmd {
	if m.onReady == nil {
		return m.Spinner.Tick
	}
	ready := m.onReady
	return tea.Batch(m.Spinner.Tick, func() tea.Msg {
		ready()
		return nil
	})
}

func (m OperationModel) answer(v bool) {
	select {
	case m.confirmCh <- v:
	default:
	}
}

// decline answers no and ends the operation as cancelled.
func (m OperationModel) decline() OperationModel {
	m.answer(false)
	m.Cancelled = true
	m.Phase = OpPhaseDone
	return m
}

// Update implements tea.Model.
func (m OperationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		if m.Phase.active() {
			m.Frame++
		} else {
			m.Frame = 0
		}
		return m, cmd

	case phaseMsg:
		m.Phase = msg.Phase
	case stepMsg:
		m.StepLabel = msg.Label
	case infoMsg:
		m.Info = msg.Items
	case bucketsMsg:
		m.Buckets = msg.Names
	case planMsg:
		plan := msg.Plan
		m.Plan = &plan
	case auditMsg:
		m.Violations = msg.Violations
		m.Audited = true
	case outputsMsg:
		out := msg.Outputs
		m.Outputs = &out

	case errorMsg:
		m.ErrorMessage = msg.Err.Error()
		m.Phase = OpPhaseDone

	case logMsg:
		m.appendLog(msg.Line)
	}

	return m, nil
}

func (m OperationModel) handleKey(k string) (tea.Model, tea.Cmd) {
	confirming := m.Phase == OpPhaseConfirm
	switch k {
	case "q", "ctrl+c":
		if confirming {
			return m.decline(), nil
		}
		return m, tea.Quit
	case "y", "Y":
		if confirming {
			m.answer(true)
		}
	case "n", "N":
		if confirming {
			return m.decline(), nil
		}
	case "up", "k":
		m.scroll(1)
	case "down", "j":
		m.scroll(-1)
	case "pgup":
		m.scroll(10)
	case "pgdown":
		m.scroll(-10)
	}
	return m, nil
}

func (m *OperationModel) scroll(n int) {
	m.LogScrollBack = min(max(m.LogScrollBack+n, 0), len(m.LogLines))
}

func (m *OperationModel) appendLog(line string) {
	following := m.LogScrollBack == 0
	m.LogLines = append(m.LogLines, line)
	if over := len(m.LogLines) - m.MaxLogLines; over > 0 {
		m.LogLines = m.LogLines[over:]
	}
	// Keep a scrolled-up view on the same lines.
	if !following {
		m.scroll(1)
	}
}

// violationsFor returns the audit findings for one bucket.
func (m OperationModel) violationsFor(bucket string) []string {
	var reasons []string
	for _, v := range m.Violations {
		if v.Bucket == bucket {
			reasons = append(reasons, v.Reason)
		}
	}
	return reasons
}

// View implements tea.Model.
func (m OperationModel) View() string {
	return renderOperation(m)
}
