package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/assay/pipeline"
	"github.com/pithecene-io/assay/types"
)

// snapshotMsg delivers an orchestrator snapshot into the Bubble Tea loop.
type snapshotMsg struct {
	snap pipeline.Snapshot
}

// Model is the workbench Bubble Tea model.
type Model struct {
	orc      *pipeline.Orchestrator
	snap     pipeline.Snapshot
	spin     spinner.Model
	input    textinput.Model
	editing  bool
	followUp bool
	status   string
	quitting bool
	width    int
}

// NewModel creates a workbench model bound to an orchestrator.
func NewModel(orc *pipeline.Orchestrator) Model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = WarningStyle

	input := textinput.New()
	input.CharLimit = 256

	return Model{
		orc:  orc,
		snap: orc.Snapshot(),
		spin: spin,
		input: input,
	}
}

// Run starts the workbench. Blocks until the user quits.
func Run(orc *pipeline.Orchestrator) error {
	p := tea.NewProgram(NewModel(orc), tea.WithAltScreen())
	orc.Subscribe(func(snap pipeline.Snapshot) {
		p.Send(snapshotMsg{snap: snap})
	})
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = msg.snap
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing || m.followUp {
		return m.handleInputKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "s":
		if m.snap.State == types.RunStateEmpty {
			m.status = report(m.orc.StartWithSample())
		}
	case "a":
		m.status = report(m.orc.Approve())
	case "r":
		m.status = report(m.orc.Reject())
	case "e":
		if m.snap.State == types.RunStateNeedsUser {
			m.editing = true
			m.input.Placeholder = "replacement value"
			m.input.SetValue("")
			m.input.Focus()
		}
	case "f":
		if m.snap.State == types.RunStateSuccess {
			m.followUp = true
			m.input.Placeholder = "follow-up question"
			m.input.SetValue("")
			m.input.Focus()
		}
	case "t":
		if m.snap.State == types.RunStateError {
			m.status = report(m.orc.Retry())
		}
	case "c":
		m.orc.Cancel()
		m.status = ""
	case "x":
		m.orc.Reset()
		m.status = ""
	}
	return m, nil
}

func (m Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		value := strings.TrimSpace(m.input.Value())
		if m.editing {
			m.status = report(m.orc.EditAndResume(value))
		} else if value != "" {
			m.status = report(m.orc.SendFollowUp(value))
		}
		m.editing = false
		m.followUp = false
		m.input.Blur()
		return m, nil
	case "esc":
		m.editing = false
		m.followUp = false
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// report converts an operation error into a status line.
func report(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("assay workbench"))
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderStages())
	b.WriteString("\n")
	b.WriteString(m.renderChips())
	b.WriteString("\n")
	b.WriteString(m.renderEvidence())
	b.WriteString("\n")

	if m.snap.Proposal != nil {
		b.WriteString(m.renderProposal())
		b.WriteString("\n")
	}
	if body := m.renderAnswer(); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(m.snap.Milestones) > 0 {
		b.WriteString(m.renderMilestones())
		b.WriteString("\n")
	}
	if m.editing || m.followUp {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString(ErrorStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString(HelpStyle.Render(m.helpLine()))
	return b.String()
}

func (m Model) renderStatus() string {
	status := m.snap.Status()
	line := fmt.Sprintf("%s  %d%%  %s", status.Phase, status.Progress, status.Elapsed)
	if status.LastTool != "" {
		line += "  " + LabelStyle.Render(status.LastTool)
	}
	if m.snap.State == types.RunStateRunning || m.snap.State == types.RunStateUploading {
		line = m.spin.View() + " " + line
	}
	if m.snap.State == types.RunStateUploading {
		line += fmt.Sprintf("  (%d%%)", m.snap.UploadProgress)
	}
	return line
}

func (m Model) renderStages() string {
	parts := make([]string, 0, len(types.Stages))
	for _, view := range m.snap.StageViews() {
		label := view.Label
		if view.Sublabel != "" {
			label += " " + view.Sublabel
		}
		parts = append(parts, StageStyle(string(view.Status)).Render(label))
	}
	return strings.Join(parts, " → ")
}

func (m Model) renderChips() string {
	chips := make([]string, 0, 5)
	for _, chip := range m.snap.DecisionChips() {
		chips = append(chips, ChipStyle.Render(fmt.Sprintf("%s %s", chip.Stage, chip.Value)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, chips...)
}

func (m Model) renderEvidence() string {
	ev := m.snap.Evidence()
	return LabelStyle.Render("evidence") + ValueStyle.Render(
		fmt.Sprintf("%s  %s  %s  RAG %s", ev.Data, ev.Scope, ev.Compute, ev.Rag))
}

func (m Model) renderProposal() string {
	p := m.snap.Proposal
	body := fmt.Sprintf("Impute %q with %s (%d missing, %.1f%%)\nfill value: %s",
		p.Column, p.Strategy, p.MissingCount, p.MissingPercent, p.FillValue)
	return BoxStyle.BorderForeground(highlightColor).Render(
		BlockedStyle.Render("approval required") + "\n" + body)
}

func (m Model) renderAnswer() string {
	text := m.snap.StreamText
	if text == "" && len(m.snap.Messages) > 0 {
		last := m.snap.Messages[len(m.snap.Messages)-1]
		if last.Role == "assistant" {
			text = last.Content
		}
	}
	if text == "" {
		return ""
	}
	return BoxStyle.Render(text)
}

func (m Model) renderMilestones() string {
	// Show the latest few, newest last.
	start := 0
	if len(m.snap.Milestones) > 5 {
		start = len(m.snap.Milestones) - 5
	}
	var b strings.Builder
	for _, ms := range m.snap.Milestones[start:] {
		style := SuccessStyle
		switch ms.Status {
		case types.MilestoneFailed:
			style = ErrorStyle
		case types.MilestoneNeedsUser:
			style = BlockedStyle
		}
		b.WriteString(style.Render(ms.Title))
		if ms.Subtext != "" {
			b.WriteString(" " + LabelStyle.Render(ms.Subtext))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) helpLine() string {
	switch m.snap.State {
	case types.RunStateEmpty:
		return "s sample run · q quit"
	case types.RunStateNeedsUser:
		return "a approve · r reject · e edit · c cancel · q quit"
	case types.RunStateError:
		return "t retry · x reset · q quit"
	case types.RunStateSuccess:
		return "f follow-up · x reset · q quit"
	default:
		return "c cancel · q quit"
	}
}
