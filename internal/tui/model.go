// Package tui is the interactive question shell.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/litrag/internal/pipeline"
)

// Asker answers a question from the k best chunks.
type Asker interface {
	Ask(ctx context.Context, question string, k int) (pipeline.Answer, error)
}

// turn is one question and its outcome.
type turn struct {
	question string
	answer   pipeline.Answer
	err      error
	pending  bool
}

type answerMsg struct {
	answer pipeline.Answer
	err    error
}

// Model is the Bubble Tea model for the chat shell.
type Model struct {
	ctx      context.Context
	asker    Asker
	k        int
	input    textinput.Model
	viewport viewport.Model
	turns    []turn
	summary  string
	status   string
	busy     bool
	ready    bool
}

// New creates a chat shell over asker. summary is shown under the header.
func New(ctx context.Context, asker Asker, k int, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		asker:    asker,
		k:        k,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready. Ctrl+C to quit.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(question string) tea.Cmd {
	return func() tea.Msg {
		ans, err := m.asker.Ask(m.ctx, question, m.k)
		return answerMsg{answer: ans, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, qh := inputStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header+summary, status, input box
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case answerMsg:
		m.busy = false
		last := &m.turns[len(m.turns)-1]
		last.pending = false
		last.answer, last.err = msg.answer, msg.err
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Answered with %d sources.", len(msg.answer.Sources))
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			m.turns = append(m.turns, turn{question: q, pending: true})
			m.busy = true
			m.status = "Thinking..."
			m.refresh()
			return m, m.ask(q)
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("litrag")
	summary := dimStyle.Render(m.summary)
	status := statusStyle.Render(m.status)
	return header + "\n" + summary + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.turns) == 0 {
		return dimStyle.Render("No questions yet.")
	}
	width := max(20, m.viewport.Width-2)
	var b strings.Builder
	for i, t := range m.turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(questionStyle.Render("Q: " + t.question))
		b.WriteString("\n")
		switch {
		case t.pending:
			b.WriteString(dimStyle.Render("..."))
		case t.err != nil:
			b.WriteString(errorStyle.Render(t.err.Error()))
		default:
			b.WriteString(lipgloss.NewStyle().Width(width).Render(t.answer.Text))
			b.WriteString(renderSources(t.answer))
		}
	}
	return b.String()
}

func renderSources(a pipeline.Answer) string {
	if a.NoContext {
		return "\n" + dimStyle.Render("(no supporting excerpts)")
	}
	if len(a.Sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n" + dimStyle.Render("Sources:"))
	for _, s := range a.Sources {
		b.WriteString("\n" + sourceStyle.Render(fmt.Sprintf("  [%d] %s, %s  score=%.3f", s.N, s.DocID, s.Section, s.Score)))
	}
	return b.String()
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sourceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)
