package bulkfetch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
)

// FixErrorsAndGaps lists the episodes of a series that need downloading
// again: stored ones with an empty title or body, plus every number missing
// from 1 up to the larger of the advertised count and the highest stored
// episode. An empty plan means there is nothing to fix.
func (o *Orchestrator) FixErrorsAndGaps(ctx context.Context, code string) (domain.RedownloadPlan, error) {
	series, err := o.store.GetSeries(ctx, code)
	if err != nil {
		return domain.RedownloadPlan{}, err
	}
	present, broken, err := o.store.EpisodeHealth(ctx, code)
	if err != nil {
		return domain.RedownloadPlan{}, fmt.Errorf("inspect episodes of %s: %w", code, err)
	}
	return buildPlan(series.Code, series.AdvertisedCount, present, broken), nil
}

func buildPlan(code string, advertised int, present, broken []int) domain.RedownloadPlan {
	upper := advertised
	have := make(map[int]bool, len(present))
	for _, n := range present {
		have[n] = true
		if n > upper {
			upper = n
		}
	}

	plan := domain.RedownloadPlan{Code: code, Erroneous: dedupe(broken)}
	for n := 1; n <= upper; n++ {
		if !have[n] {
			plan.Missing = append(plan.Missing, n)
		}
	}
	plan.Targets = dedupe(append(append([]int{}, plan.Erroneous...), plan.Missing...))
	return plan
}

func dedupe(numbers []int) []int {
	if len(numbers) == 0 {
		return nil
	}
	sorted := append([]int(nil), numbers...)
	sort.Ints(sorted)
	out := sorted[:1]
	for _, n := range sorted[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}

// Redownload fetches every target of plan exactly like a bulk update does,
// then raises the held count to the highest stored episode. The held count
// never goes down.
func (o *Orchestrator) Redownload(ctx context.Context, plan domain.RedownloadPlan, rep *progress.Reporter) domain.BulkResult {
	r := newRun(rep, len(plan.Targets), "Repairing")
	if plan.NothingToFix() {
		log.Printf("[bulk] %s %s: nothing to fix", r.id, plan.Code)
		return r.finish()
	}

	series, err := o.store.GetSeries(ctx, plan.Code)
	if err != nil {
		log.Printf("[bulk] %s %s: %v", r.id, plan.Code, err)
		r.rep.Emit(domain.Progress{Phase: domain.PhaseError, Message: err.Error()})
		r.result.Failed = len(plan.Targets)
		return r.result
	}

	log.Printf("[bulk] %s %s: repairing %d episodes", r.id, plan.Code, len(plan.Targets))
	if !o.fetchAll(ctx, r, series, plan.Targets) {
		r.result.Cancelled = true
		return r.finish()
	}

	present, _, err := o.store.EpisodeHealth(ctx, plan.Code)
	if err != nil {
		log.Printf("[bulk] %s %s: inspect episodes: %v", r.id, plan.Code, err)
		return r.finish()
	}
	if len(present) > 0 {
		held, err := o.store.RaiseHeldCount(ctx, plan.Code, present[len(present)-1])
		if err != nil {
			log.Printf("[bulk] %s %s: raise held count: %v", r.id, plan.Code, err)
		} else {
			log.Printf("[bulk] %s %s: held count now %d", r.id, plan.Code, held)
		}
	}
	return r.finish()
}

// Refetch discards every stored episode of a series and queues it for a full
// download up to its advertised count. Reading positions are kept.
func (o *Orchestrator) Refetch(ctx context.Context, code string, rep *progress.Reporter) (domain.BulkResult, error) {
	series, err := o.store.GetSeries(ctx, code)
	if err != nil {
		return domain.BulkResult{}, err
	}
	removed, err := o.store.ResetSeriesEpisodes(ctx, code)
	if err != nil {
		return domain.BulkResult{}, fmt.Errorf("reset %s: %w", code, err)
	}
	log.Printf("[bulk] %s: removed %d episodes for a fresh download", code, removed)

	entry := domain.PendingUpdate{
		Code:            code,
		HeldCount:       0,
		AdvertisedCount: series.AdvertisedCount,
		DetectedAt:      time.Now(),
	}
	if err := o.store.PutPendingUpdate(ctx, entry); err != nil {
		return domain.BulkResult{}, fmt.Errorf("queue %s: %w", code, err)
	}
	return o.RunBulkUpdate(ctx, []domain.PendingUpdate{entry}, rep), nil
}
