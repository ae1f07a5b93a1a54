package repl

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"novelsync/internal/app"
)

// Run starts the interactive REPL session. A sync task still running when
// the session ends is cancelled and allowed to settle, so partial work is
// persisted before the database closes.
func Run(ctx context.Context, application *app.App) error {
	program := tea.NewProgram(newModel(ctx, application), tea.WithContext(ctx))
	final, err := program.Run()
	if m, ok := final.(model); ok && m.task != nil {
		m.task.Cancel()
		for range m.task.Progress {
		}
		m.task.Result()
	}
	return err
}
