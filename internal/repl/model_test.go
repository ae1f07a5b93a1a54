package repl

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"novelsync/internal/app"
	"novelsync/internal/config"
	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/storage"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = dir

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}

	deps := app.Dependencies{
		HTTPClient: &http.Client{Transport: stubTransport{}},
	}
	application := app.NewWithDependencies(cfg, filepath.Join(dir, "config.yaml"), db, deps)
	t.Cleanup(func() {
		application.Close()
	})
	return application
}

// stubTransport answers every request with 404 so no test reaches the network.
type stubTransport struct{}

func (stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Status:     "404 Not Found",
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func submit(t *testing.T, m model, input string) (model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(input)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(model), cmd
}

// settle feeds task messages back into the model until the task is done.
func settle(t *testing.T, m model) model {
	t.Helper()
	for m.task != nil {
		msg := waitForProgress(m.task)()
		updated, _ := m.Update(msg)
		m = updated.(model)
	}
	return m
}

func TestSubmitAppendsCommandOutput(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))

	m, _ = submit(t, m, "pending")

	if got := m.messages[len(m.messages)-1]; got != "No pending updates." {
		t.Fatalf("last message = %q", got)
	}
	if len(m.history) != 1 || m.history[0] != "pending" {
		t.Fatalf("history = %v", m.history)
	}
	if m.input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.input.Value())
	}
}

func TestSubmitRendersErrors(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))

	m, _ = submit(t, m, `import "unterminated`)

	if got := m.messages[len(m.messages)-1]; !strings.Contains(got, "Unterminated") {
		t.Fatalf("expected quoting error, got %q", got)
	}
}

func TestQuitCommandStopsProgram(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))

	m, cmd := submit(t, m, "exit")

	if !m.quitting || cmd == nil {
		t.Fatalf("expected quit, quitting=%v cmd=%v", m.quitting, cmd)
	}
}

func TestTaskProgressIsRenderedUntilDone(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))
	release := make(chan struct{})
	m.task = app.StartTask(context.Background(), "Fetching things", func(ctx context.Context, rep *progress.Reporter) string {
		rep.Emit(domain.Progress{Phase: domain.PhaseFetching, Message: "episode 1", Fraction: 0.5, Current: 1, Total: 2})
		<-release
		rep.Emit(domain.Progress{Phase: domain.PhaseCompleted, Fraction: 1, Current: 2, Total: 2})
		return "All done."
	})

	updated, _ := m.Update(waitForProgress(m.task)())
	m = updated.(model)

	view := m.View()
	for _, want := range []string{"Fetching things", "1/2", "episode 1", "esc to cancel"} {
		if !strings.Contains(view, want) {
			t.Errorf("task view missing %q\n%s", want, view)
		}
	}
	if strings.Contains(view, "novelsync> ") {
		t.Error("prompt should be hidden while a task runs")
	}

	m, cmd := submit(t, m, "help")
	if cmd != nil || m.task == nil {
		t.Fatal("enter should be ignored while a task runs")
	}

	close(release)
	m = settle(t, m)

	if got := m.messages[len(m.messages)-1]; !strings.Contains(got, "All done.") {
		t.Fatalf("last message = %q", got)
	}
	if m.task != nil || strings.Contains(m.View(), "esc to cancel") {
		t.Fatal("task view should be gone after the task")
	}
}

func TestEscCancelsRunningTask(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))
	m.task = app.StartTask(context.Background(), "Waiting", func(ctx context.Context, rep *progress.Reporter) string {
		rep.Emit(domain.Progress{Phase: domain.PhaseFetching})
		<-ctx.Done()
		rep.Emit(domain.Progress{Phase: domain.PhaseCancelled})
		return "Stopped."
	})

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(model)
	if !m.cancelling {
		t.Fatal("expected cancelling state")
	}
	if !strings.Contains(m.View(), "cancelling...") {
		t.Fatalf("cancel hint missing:\n%s", m.View())
	}

	m = settle(t, m)
	if m.quitting {
		t.Fatal("cancelling a task must not quit")
	}
	if got := m.messages[len(m.messages)-1]; !strings.Contains(got, "Stopped.") {
		t.Fatalf("last message = %q", got)
	}
}

func TestCtrlCCancelsTaskBeforeQuitting(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))
	m.task = app.StartTask(context.Background(), "Waiting", func(ctx context.Context, rep *progress.Reporter) string {
		<-ctx.Done()
		return "Stopped."
	})

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = updated.(model)
	if m.quitting {
		t.Fatal("first ctrl+c should only cancel the task")
	}
	m = settle(t, m)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = updated.(model)
	if !m.quitting || cmd == nil {
		t.Fatal("second ctrl+c should quit")
	}
}

func TestWindowResizeBoundsProgressBar(t *testing.T) {
	m := newModel(context.Background(), newTestApp(t))

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 200, Height: 40})
	if got := updated.(model).bar.Width; got != maxBarWidth {
		t.Fatalf("bar width = %d; want %d", got, maxBarWidth)
	}
	updated, _ = m.Update(tea.WindowSizeMsg{Width: 30, Height: 40})
	if got := updated.(model).bar.Width; got != 26 {
		t.Fatalf("bar width = %d; want 26", got)
	}
}
