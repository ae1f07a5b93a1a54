package app

import (
	"context"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
)

// Operation is the long-running part of a command. It reports through rep
// and returns the line shown to the user once it settles.
type Operation func(ctx context.Context, rep *progress.Reporter) string

// Task is a running Operation. Drain Progress until it closes, then read
// Result.
type Task struct {
	Title    string
	Progress <-chan domain.Progress

	cancel context.CancelFunc
	done   chan string
}

// StartTask runs op in the background under its own cancelable context.
func StartTask(ctx context.Context, title string, op Operation) *Task {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan string, 1)
	updates := progress.Run(ctx, func(ctx context.Context, rep *progress.Reporter) {
		done <- op(ctx, rep)
	})
	return &Task{Title: title, Progress: updates, cancel: cancel, done: done}
}

// Cancel asks the operation to stop. It still settles and reports a result.
func (t *Task) Cancel() {
	t.cancel()
}

// Result blocks until the operation has returned.
func (t *Task) Result() string {
	msg := <-t.done
	t.done <- msg
	t.cancel()
	return msg
}
