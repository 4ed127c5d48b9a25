package tui

import (
	"context"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/layertwo/mercury-fleet/infra"
)

// OperationProgram runs the fullscreen view of an up or down operation while
// the operation itself reports progress from another goroutine.
type OperationProgram struct {
	program   *tea.Program
	confirmCh chan bool

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

// NewOperationProgram creates the TUI for an up or down operation.
func NewOperationProgram(kind OpKind) *OperationProgram {
	p := &OperationProgram{
		confirmCh: make(chan bool, 1),
		ready:     make(chan struct{}),
	}
	m := NewOperationModel(kind, p.confirmCh)
	m.onReady = p.markReady
	p.program = tea.NewProgram(m, tea.WithAltScreen())
	return p
}

func (p *OperationProgram) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Start runs the TUI and blocks until it exits.
func (p *OperationProgram) Start() error {
	defer p.markReady()
	_, err := p.program.Run()
	return err
}

// WaitReady blocks until the TUI has started or failed to start.
func (p *OperationProgram) WaitReady() {
	<-p.ready
}

// SetPhase moves the operation to phase.
func (p *OperationProgram) SetPhase(phase OpPhase) {
	p.program.Send(phaseMsg{Phase: phase})
}

// SetStep updates the label next to the spinner.
func (p *OperationProgram) SetStep(label string) {
	p.program.Send(stepMsg{Label: label})
}

// SetInfo sets the key/value lines shown under the title.
func (p *OperationProgram) SetInfo(items ...InfoItem) {
	p.program.Send(infoMsg{Items: items})
}

// SetBuckets names the retained buckets: audited after up, kept after down.
func (p *OperationProgram) SetBuckets(names ...string) {
	p.program.Send(bucketsMsg{Names: names})
}

// SetPlan records the preview result shown at the confirm prompt.
func (p *OperationProgram) SetPlan(plan infra.ChangeSummary) {
	p.program.Send(planMsg{Plan: plan})
}

// SetAudit records the bucket security audit result.
func (p *OperationProgram) SetAudit(violations []infra.Violation) {
	p.program.Send(auditMsg{Violations: violations})
}

// SetOutputs records the stack outputs of a finished up.
func (p *OperationProgram) SetOutputs(out *infra.Outputs) {
	if out != nil {
		p.program.Send(outputsMsg{Outputs: *out})
	}
}

// Done ends the operation. The TUI stays open until the user presses q.
func (p *OperationProgram) Done(err error) {
	if err == nil {
		p.program.Send(phaseMsg{Phase: OpPhaseDone})
		return
	}
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.program.Send(errorMsg{Err: err})
}

// ExitError returns the error passed to Done, if any.
func (p *OperationProgram) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// WaitConfirm blocks until the user answers the prompt or ctx ends.
func (p *OperationProgram) WaitConfirm(ctx context.Context) bool {
	select {
	case v := <-p.confirmCh:
		return v
	case <-ctx.Done():
		return false
	}
}

// LogWriter returns a writer that feeds the log pane line by line.
func (p *OperationProgram) LogWriter() *OpLogWriter {
	return &OpLogWriter{send: p.program.Send}
}

// OpLogWriter forwards written lines to the log pane until closed.
type OpLogWriter struct {
	mu     sync.Mutex
	send   func(tea.Msg)
	closed bool
}

func (w *OpLogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.send == nil {
		return len(b), nil
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			w.send(logMsg{Line: line})
		}
	}
	return len(b), nil
}

// Close stops forwarding and discards further writes.
func (w *OpLogWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
