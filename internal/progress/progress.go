// Package progress delivers throttled progress records from long-running
// sync operations to whatever is displaying them.
package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"novelsync/internal/domain"
)

const (
	// MinFractionStep is the smallest fraction change worth re-rendering.
	MinFractionStep = 0.01
	// MaxSilence forces an update through after this long without one.
	MaxSilence = 500 * time.Millisecond
)

// ShouldEmit decides whether candidate is worth delivering given the last
// record that was actually delivered at lastAt. A zero lastAt means nothing
// has been delivered yet.
func ShouldEmit(last domain.Progress, lastAt time.Time, candidate domain.Progress, now time.Time) bool {
	if lastAt.IsZero() {
		return true
	}
	if candidate.Phase != last.Phase || candidate.Phase.Terminal() {
		return true
	}
	if math.Abs(candidate.Fraction-last.Fraction) >= MinFractionStep {
		return true
	}
	return now.Sub(lastAt) >= MaxSilence
}

// Fraction returns done/total clamped to [0,1]; an empty total counts as done.
func Fraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	return math.Max(0, math.Min(1, f))
}

// Reporter forwards progress to a channel. A nil Reporter, or one built on a
// nil channel, discards everything.
type Reporter struct {
	ch  chan<- domain.Progress
	now func() time.Time

	mu        sync.Mutex
	seen      domain.Progress
	seenAny   bool
	sent      domain.Progress
	sentAt    time.Time
	delivered int
}

func NewReporter(ch chan<- domain.Progress) *Reporter {
	return &Reporter{ch: ch, now: time.Now}
}

// Emit clamps the fraction, keeps it non-decreasing within a phase and
// delivers the record if ShouldEmit allows it.
func (r *Reporter) Emit(p domain.Progress) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Fraction = math.Max(0, math.Min(1, p.Fraction))
	if r.seenAny && r.seen.Phase == p.Phase && p.Fraction < r.seen.Fraction {
		p.Fraction = r.seen.Fraction
	}
	r.seen = p
	r.seenAny = true
	if r.ch == nil {
		return
	}

	now := r.now()
	if !ShouldEmit(r.sent, r.sentAt, p, now) {
		return
	}
	r.sent = p
	r.sentAt = now
	r.delivered++
	r.ch <- p
}

// Last returns the most recent record passed to Emit, delivered or not.
func (r *Reporter) Last() domain.Progress {
	if r == nil {
		return domain.Progress{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen
}

// Delivered returns how many records actually reached the channel.
func (r *Reporter) Delivered() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Run starts op in its own goroutine and returns a fresh stream of its
// progress. The stream is closed once op returns, so consumers must drain it.
func Run(ctx context.Context, op func(context.Context, *Reporter)) <-chan domain.Progress {
	ch := make(chan domain.Progress, 16)
	go func() {
		defer close(ch)
		op(ctx, NewReporter(ch))
	}()
	return ch
}
