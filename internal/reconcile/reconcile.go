// Package reconcile compares stored series against what the platform
// currently advertises and queues the ones that gained episodes.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/remote"
	"novelsync/internal/repository"
)

// DefaultBatchSize is how many series are checked at once.
const DefaultBatchSize = 5

// InfoFetcher looks up the advertised episode count of a series.
type InfoFetcher interface {
	FetchSeriesInfo(ctx context.Context, code string, restricted bool) remote.SeriesInfo
}

// Tally counts the outcomes of one reconciliation pass. Skipped series could
// not be looked up; Failed ones were looked up but could not be stored.
type Tally struct {
	New       int
	Updated   int
	Unchanged int
	Skipped   int
	Failed    int
}

func (t Tally) Changed() int {
	return t.New + t.Updated
}

func (t *Tally) add(outcome domain.UpdateOutcome, err error) {
	if err != nil {
		t.Failed++
		return
	}
	switch outcome.Kind {
	case domain.UpdateNew:
		t.New++
	case domain.UpdateUpdated:
		t.Updated++
	case domain.UpdateUnknown:
		t.Skipped++
	default:
		t.Unchanged++
	}
}

type Reconciler struct {
	fetcher   InfoFetcher
	store     *repository.Store
	batchSize int
	now       func() time.Time
}

func New(fetcher InfoFetcher, store *repository.Store, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{fetcher: fetcher, store: store, batchSize: batchSize, now: time.Now}
}

// CheckOne looks a single series up and, when the platform advertises more
// episodes than recorded, stores the new count and queues the series. A
// failed lookup leaves everything untouched and reports UpdateUnknown.
func (r *Reconciler) CheckOne(ctx context.Context, series domain.Series) (domain.UpdateOutcome, error) {
	outcome := domain.UpdateOutcome{
		Code:            series.Code,
		Kind:            domain.UpdateNone,
		PreviousCount:   series.AdvertisedCount,
		AdvertisedCount: series.AdvertisedCount,
	}

	info := r.fetcher.FetchSeriesInfo(ctx, series.Code, series.Restricted())
	if info.Unknown() {
		log.Printf("[reconcile] %s: remote info unavailable, skipping", series.Code)
		outcome.Kind = domain.UpdateUnknown
		return outcome, nil
	}
	outcome.AdvertisedCount = info.Count
	if info.Count <= series.AdvertisedCount {
		return outcome, nil
	}

	// A zero advertised count is taken to mean the series was never checked.
	if series.AdvertisedCount == 0 {
		outcome.Kind = domain.UpdateNew
	} else {
		outcome.Kind = domain.UpdateUpdated
	}

	now := r.now()
	updatedAt, err := time.ParseInLocation(domain.TimestampLayout, info.Updated, now.Location())
	if err != nil {
		updatedAt = now
	}
	entry := domain.PendingUpdate{
		Code:            series.Code,
		HeldCount:       series.HeldCount,
		AdvertisedCount: info.Count,
		DetectedAt:      now,
	}
	if err := r.store.RecordUpdate(ctx, series.Code, info.Count, info.Updated, updatedAt, entry); err != nil {
		return outcome, fmt.Errorf("queue %s: %w", series.Code, err)
	}
	log.Printf("[reconcile] %s: %d -> %d episodes advertised", series.Code, series.AdvertisedCount, info.Count)
	return outcome, nil
}

// CheckForUpdates checks every series in batches. A batch runs concurrently
// and fully settles before the next one starts; progress is reported once per
// batch. On cancellation the tally of the finished batches is returned along
// with the context error.
func (r *Reconciler) CheckForUpdates(ctx context.Context, series []domain.Series, rep *progress.Reporter) (Tally, error) {
	var tally Tally
	total := len(series)
	var processed atomic.Int64

	rep.Emit(domain.Progress{
		Phase:   domain.PhaseChecking,
		Message: fmt.Sprintf("Checking %d series", total),
		Total:   total,
	})

	for start := 0; start < total; start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return r.cancelled(rep, tally, int(processed.Load()), total, err)
		}
		end := min(start+r.batchSize, total)
		batch := series[start:end]

		outcomes := make([]domain.UpdateOutcome, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		for i, s := range batch {
			i, s := i, s
			g.Go(func() error {
				outcomes[i], errs[i] = r.CheckOne(ctx, s)
				return nil
			})
		}
		_ = g.Wait()

		for i := range batch {
			if errs[i] != nil {
				log.Printf("[reconcile] %v", errs[i])
			}
			tally.add(outcomes[i], errs[i])
		}
		done := int(processed.Add(int64(len(batch))))

		last := batch[len(batch)-1]
		rep.Emit(domain.Progress{
			Phase:     domain.PhaseChecking,
			Message:   fmt.Sprintf("Checked %d of %d series", done, total),
			Fraction:  progress.Fraction(done, total),
			ItemID:    last.Code,
			ItemLabel: last.Title,
			Current:   done,
			Total:     total,
		})
	}

	if err := ctx.Err(); err != nil {
		return r.cancelled(rep, tally, int(processed.Load()), total, err)
	}

	log.Printf("[reconcile] checked %d series: %d new, %d updated, %d skipped, %d failed",
		total, tally.New, tally.Updated, tally.Skipped, tally.Failed)
	rep.Emit(domain.Progress{
		Phase:    domain.PhaseCompleted,
		Message:  fmt.Sprintf("%d new, %d updated", tally.New, tally.Updated),
		Fraction: 1,
		Current:  total,
		Total:    total,
	})
	return tally, nil
}

func (r *Reconciler) cancelled(rep *progress.Reporter, tally Tally, done, total int, err error) (Tally, error) {
	log.Printf("[reconcile] cancelled after %d of %d series", done, total)
	rep.Emit(domain.Progress{
		Phase:    domain.PhaseCancelled,
		Message:  "Update check cancelled",
		Fraction: progress.Fraction(done, total),
		Current:  done,
		Total:    total,
	})
	return tally, err
}
