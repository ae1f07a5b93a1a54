package repl

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"novelsync/internal/app"
	"novelsync/internal/domain"
	"novelsync/internal/theme"
)

const maxBarWidth = 60

type taskProgressMsg struct {
	progress domain.Progress
}

type taskDoneMsg struct {
	message string
}

type model struct {
	ctx      context.Context
	app      *app.App
	input    textinput.Model
	spinner  spinner.Model
	bar      progress.Model
	theme    theme.Theme
	history  []string
	messages []string
	quitting bool

	task       *app.Task
	last       domain.Progress
	cancelling bool
}

func newModel(ctx context.Context, application *app.App) model {
	ti := textinput.New()
	ti.Placeholder = "help"
	ti.Focus()
	ti.Prompt = "novelsync> "
	ti.CharLimit = 512
	ti.Width = 80

	th := theme.ForName(application.Config().ColorTheme)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = th.Message

	bar := progress.New(progress.WithGradient(th.BarStart, th.BarEnd))
	bar.Width = maxBarWidth

	return model{
		ctx:     ctx,
		app:     application,
		input:   ti,
		spinner: sp,
		bar:     bar,
		theme:   th,
		history: make([]string, 0, 32),
		messages: []string{
			th.Message.Render("novelsync ready. Type 'help' for assistance."),
		},
	}
}

// waitForProgress delivers the next record of a running task, or its result
// once the progress stream has closed.
func waitForProgress(task *app.Task) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-task.Progress
		if !ok {
			return taskDoneMsg{message: task.Result()}
		}
		return taskProgressMsg{progress: p}
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.task != nil {
				return m.cancelTask()
			}
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEsc:
			if m.task != nil {
				return m.cancelTask()
			}
		case tea.KeyEnter:
			if m.task != nil {
				return m, nil
			}
			return m.handleSubmit()
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-4, 10), maxBarWidth)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 10)
		return m, nil
	case taskProgressMsg:
		if m.task == nil {
			return m, nil
		}
		m.last = msg.progress
		return m, waitForProgress(m.task)
	case taskDoneMsg:
		return m.finishTask(msg.message), nil
	case spinner.TickMsg:
		if m.task == nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.task != nil {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) cancelTask() (tea.Model, tea.Cmd) {
	if !m.cancelling {
		m.cancelling = true
		m.task.Cancel()
	}
	return m, nil
}

func (m model) finishTask(message string) model {
	style := m.theme.Success
	switch m.last.Phase {
	case domain.PhaseCancelled:
		style = m.theme.Warning
	case domain.PhaseError:
		style = m.theme.Error
	}
	if message != "" {
		m.messages = append(m.messages, style.Render(message))
	}
	m.task = nil
	m.last = domain.Progress{}
	m.cancelling = false
	return m
}

func (m model) View() string {
	var b strings.Builder
	for _, message := range m.messages {
		b.WriteString(message)
		b.WriteString("\n")
	}
	if m.task != nil {
		b.WriteString(m.taskView())
		return b.String()
	}
	b.WriteString(m.input.View())
	if !m.quitting {
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) taskView() string {
	var b strings.Builder
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(m.theme.Header.Render(m.task.Title))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.last.Fraction))
	if m.last.Total > 0 {
		fmt.Fprintf(&b, " %d/%d", m.last.Current, m.last.Total)
	}
	b.WriteString("\n")
	if m.last.Message != "" {
		b.WriteString(m.theme.Normal.Render(m.last.Message))
		b.WriteString("\n")
	}
	hint := "esc to cancel"
	if m.cancelling {
		hint = "cancelling..."
	}
	b.WriteString(m.theme.Dim.Render(hint))
	b.WriteString("\n")
	return b.String()
}

func (m model) handleSubmit() (tea.Model, tea.Cmd) {
	command := strings.TrimSpace(m.input.Value())
	if command != "" {
		m.history = append(m.history, command)
	}
	m.input.SetValue("")

	if command == "" {
		return m, nil
	}

	result, err := m.app.Execute(m.ctx, command)
	if err != nil {
		m.messages = append(m.messages, m.theme.Error.Render(err.Error()))
		return m, nil
	}

	if result.Message != "" {
		m.messages = append(m.messages, result.Message)
	}

	if result.Quit {
		m.quitting = true
		return m, tea.Quit
	}

	if result.Operation != nil {
		m.task = app.StartTask(m.ctx, result.Title, result.Operation)
		m.last = domain.Progress{}
		m.messages = append(m.messages, m.theme.Dim.Render(result.Title))
		return m, tea.Batch(waitForProgress(m.task), m.spinner.Tick)
	}

	return m, nil
}
