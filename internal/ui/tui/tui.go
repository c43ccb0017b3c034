// Package tui is the interactive chat front end for the agent.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI forwards loop progress to a running program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) UpdateStep(step, max int) {
	t.program.Send(StepMsg{Step: step, Max: max})
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
)

// AskFunc answers one user message.
type AskFunc func(ctx context.Context, message string) (string, error)

type Model struct {
	Title    string
	Status   string
	Step     int
	MaxSteps int
	Lines    []string
	Busy     bool
	Quitting bool
	Ready    bool
	Width    int
	Height   int

	Progress progress.Model
	Viewport viewport.Model
	Input    textinput.Model

	ask AskFunc
	ctx context.Context
}

type LogMsg string
type StatusMsg string

type StepMsg struct {
	Step int
	Max  int
}

// AnswerMsg carries the outcome of an AskFunc call.
type AnswerMsg struct {
	Text string
	Err  error
}

func NewModel(ctx context.Context, title string, maxSteps int, ask AskFunc) Model {
	in := textinput.New()
	in.Placeholder = "Ask something..."
	in.Focus()

	return Model{
		Title:    title,
		Status:   "ready",
		MaxSteps: maxSteps,
		Progress: progress.New(progress.WithDefaultGradient()),
		Input:    in,
		ask:      ask,
		ctx:      ctx,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.Input.Value())
			if text == "" || m.Busy {
				return m, nil
			}
			m.Input.SetValue("")
			m.Busy = true
			m.Step = 0
			m = m.appendLine(userStyle.Render("You: ") + text)
			return m, m.askCmd(text)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-8)
			m.Viewport.SetContent(strings.Join(m.Lines, "\n"))
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 8
		}
		m.Progress.Width = msg.Width - 4

	case LogMsg:
		m = m.appendLine(dimStyle.Render(string(msg)))

	case StatusMsg:
		m.Status = string(msg)

	case StepMsg:
		m.Step = msg.Step
		m.MaxSteps = msg.Max

	case AnswerMsg:
		m.Busy = false
		if msg.Err != nil {
			m = m.appendLine(errorStyle.Render("Error: " + msg.Err.Error()))
		}
		if msg.Text != "" {
			m = m.appendLine(infoStyle.Render("Noetik: ") + msg.Text)
		}
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) appendLine(line string) Model {
	m.Lines = append(m.Lines, line)
	if m.Ready {
		m.Viewport.SetContent(strings.Join(m.Lines, "\n"))
		m.Viewport.GotoBottom()
	}
	return m
}

func (m Model) askCmd(text string) tea.Cmd {
	ask, ctx := m.ask, m.ctx
	return func() tea.Msg {
		if ask == nil {
			return AnswerMsg{Err: fmt.Errorf("no agent configured")}
		}
		answer, err := ask(ctx, text)
		return AnswerMsg{Text: answer, Err: err}
	}
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" " + m.Title + " ")
	status := infoStyle.Render(fmt.Sprintf(" Status: %s ", m.Status))
	step := fmt.Sprintf(" Step: %d/%d ", m.Step, m.MaxSteps)

	ratio := 0.0
	if m.MaxSteps > 0 {
		ratio = float64(m.Step) / float64(m.MaxSteps)
	}

	view := fmt.Sprintf("%s%s%s\n\n%s\n\n%s\n%s",
		header, status, step,
		m.Viewport.View(),
		m.Progress.ViewAs(ratio),
		m.Input.View())

	if m.Quitting {
		return view + "\n  Quitting...\n"
	}
	return view
}
