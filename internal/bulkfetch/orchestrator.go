// Package bulkfetch drains the pending-update queue by downloading the
// episodes each queued series is missing, and repairs series whose stored
// episodes are broken or have gaps.
package bulkfetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/repository"
)

// DefaultDelay spaces consecutive episode requests.
const DefaultDelay = 100 * time.Millisecond

// EpisodeFetcher downloads a single episode; nil, false means it could not be
// fetched or had no content.
type EpisodeFetcher interface {
	FetchEpisode(ctx context.Context, code string, number int, restricted bool) (*domain.Episode, bool)
}

type state string

const (
	statePending    state = "PENDING"
	stateFetching   state = "FETCHING"
	statePersisting state = "PERSISTING"
	stateRetired    state = "RETIRED"
)

type Orchestrator struct {
	fetcher  EpisodeFetcher
	store    *repository.Store
	throttle *rate.Limiter
}

// New returns an orchestrator that waits at least delay between episode
// requests. A non-positive delay disables the throttle.
func New(fetcher EpisodeFetcher, store *repository.Store, delay time.Duration) *Orchestrator {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Orchestrator{
		fetcher:  fetcher,
		store:    store,
		throttle: rate.NewLimiter(limit, 1),
	}
}

// job is one queued series with the episode numbers it still needs.
type job struct {
	entry   domain.PendingUpdate
	series  domain.Series
	numbers []int
	upper   int
	missing bool
}

type run struct {
	id     string
	rep    *progress.Reporter
	total  int
	tried  int
	result domain.BulkResult
	verb   string
}

func newRun(rep *progress.Reporter, total int, verb string) *run {
	return &run{id: uuid.NewString()[:8], rep: rep, total: total, verb: verb}
}

func (r *run) transition(code string, from, to state) {
	log.Printf("[bulk] %s %s: %s -> %s", r.id, code, from, to)
}

func (r *run) report(series domain.Series, number int) {
	r.rep.Emit(domain.Progress{
		Phase:     domain.PhaseFetching,
		Message:   fmt.Sprintf("%s %s #%d (%d/%d)", r.verb, series.Code, number, r.tried, r.total),
		Fraction:  progress.Fraction(r.tried, r.total),
		ItemID:    series.Code,
		ItemLabel: series.Title,
		Current:   r.tried,
		Total:     r.total,
	})
}

func (r *run) finish() domain.BulkResult {
	if r.result.Cancelled {
		log.Printf("[bulk] %s cancelled: %d fetched, %d failed", r.id, r.result.Success, r.result.Failed)
		r.rep.Emit(domain.Progress{
			Phase:    domain.PhaseCancelled,
			Message:  fmt.Sprintf("Cancelled after %d episodes", r.result.Success),
			Fraction: progress.Fraction(r.tried, r.total),
			Current:  r.tried,
			Total:    r.total,
		})
		return r.result
	}
	log.Printf("[bulk] %s done: %d fetched, %d failed, %d retired", r.id, r.result.Success, r.result.Failed, r.result.Retired)
	r.rep.Emit(domain.Progress{
		Phase:    domain.PhaseCompleted,
		Message:  fmt.Sprintf("Fetched %d episodes, %d failed", r.result.Success, r.result.Failed),
		Fraction: 1,
		Current:  r.tried,
		Total:    r.total,
	})
	return r.result
}

// RunBulkUpdate works through the pending entries in order. For each series
// the episodes after the held count up to the advertised count recorded in
// the entry are fetched in ascending order and stored one by one. Once the
// whole range was attempted the held count moves to the range's upper bound
// and the entry is retired, even if some episodes failed; those are picked up
// later by FixErrorsAndGaps. A cancelled series keeps its entry and held count.
func (o *Orchestrator) RunBulkUpdate(ctx context.Context, entries []domain.PendingUpdate, rep *progress.Reporter) domain.BulkResult {
	rep.Emit(domain.Progress{Phase: domain.PhasePreparing, Message: fmt.Sprintf("Planning %d queued series", len(entries))})

	jobs := make([]job, 0, len(entries))
	total := 0
	for _, entry := range entries {
		j := o.plan(ctx, entry)
		total += len(j.numbers)
		jobs = append(jobs, j)
	}

	r := newRun(rep, total, "Fetching")
	log.Printf("[bulk] %s starting: %d series, %d episodes", r.id, len(jobs), total)

	for _, j := range jobs {
		if ctx.Err() != nil {
			r.result.Cancelled = true
			break
		}
		if !o.process(ctx, r, j) {
			r.result.Cancelled = true
			break
		}
	}
	return r.finish()
}

func (o *Orchestrator) plan(ctx context.Context, entry domain.PendingUpdate) job {
	j := job{entry: entry, upper: entry.AdvertisedCount}
	series, err := o.store.GetSeries(ctx, entry.Code)
	if err != nil {
		if !errors.Is(err, repository.ErrSeriesNotFound) {
			log.Printf("[bulk] load %s: %v", entry.Code, err)
		}
		j.missing = true
		j.series = domain.Series{Code: entry.Code}
		return j
	}
	j.series = series
	for n := series.HeldCount + 1; n <= entry.AdvertisedCount; n++ {
		j.numbers = append(j.numbers, n)
	}
	return j
}

// process handles one queued series and reports false if it was cancelled.
func (o *Orchestrator) process(ctx context.Context, r *run, j job) bool {
	code := j.entry.Code
	if j.missing {
		log.Printf("[bulk] %s %s: series no longer stored, dropping entry", r.id, code)
		o.retire(ctx, r, code)
		return true
	}
	if len(j.numbers) == 0 {
		log.Printf("[bulk] %s %s: already caught up at %d", r.id, code, j.series.HeldCount)
		o.retire(ctx, r, code)
		return true
	}

	r.transition(code, statePending, stateFetching)
	if !o.fetchAll(ctx, r, j.series, j.numbers) {
		log.Printf("[bulk] %s %s: cancelled, stays %s", r.id, code, stateFetching)
		return false
	}

	r.transition(code, stateFetching, statePersisting)
	if err := o.store.SetHeldCount(ctx, code, j.upper); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Printf("[bulk] %s %s: update held count: %v", r.id, code, err)
		return true
	}
	r.transition(code, statePersisting, stateRetired)
	o.retire(ctx, r, code)
	return true
}

func (o *Orchestrator) retire(ctx context.Context, r *run, code string) {
	if _, err := o.store.DeletePendingUpdate(ctx, code); err != nil {
		log.Printf("[bulk] %s %s: retire entry: %v", r.id, code, err)
		return
	}
	r.result.Retired++
}

// fetchAll downloads numbers in order, storing each success immediately. It
// reports false if ctx was cancelled before every number was attempted.
func (o *Orchestrator) fetchAll(ctx context.Context, r *run, series domain.Series, numbers []int) bool {
	for _, n := range numbers {
		if err := o.throttle.Wait(ctx); err != nil {
			return false
		}
		ep, ok := o.fetcher.FetchEpisode(ctx, series.Code, n, series.Restricted())
		if ctx.Err() != nil {
			return false
		}
		r.tried++
		if !ok {
			log.Printf("[bulk] %s %s #%d: fetch failed", r.id, series.Code, n)
			r.result.Failed++
			r.report(series, n)
			continue
		}
		ep.Code = series.Code
		ep.No = fmt.Sprintf("%d", n)
		if err := o.store.PutFetchedEpisode(ctx, *ep); err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Printf("[bulk] %s %s #%d: store: %v", r.id, series.Code, n, err)
			r.result.Failed++
			r.report(series, n)
			continue
		}
		r.result.Success++
		r.report(series, n)
	}
	return true
}
