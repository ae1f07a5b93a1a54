package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/remote"
	"novelsync/internal/repository"
	"novelsync/internal/storage"
)

type fakeFetcher struct {
	mu        sync.Mutex
	infos     map[string]remote.SeriesInfo
	calls     []string
	inFlight  int
	peak      int
	hold      time.Duration
	onCall    func(code string)
	sawRating map[string]bool
}

func (f *fakeFetcher) FetchSeriesInfo(ctx context.Context, code string, restricted bool) remote.SeriesInfo {
	f.mu.Lock()
	f.calls = append(f.calls, code)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	if f.sawRating != nil {
		f.sawRating[code] = restricted
	}
	info, ok := f.infos[code]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(code)
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if !ok || ctx.Err() != nil {
		return remote.SeriesInfo{Count: -1}
	}
	return info
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.New(db)
}

func seed(t *testing.T, store *repository.Store, series ...domain.Series) []domain.Series {
	t.Helper()
	require.NoError(t, store.UpsertSeries(context.Background(), series))
	out, err := store.ListSeries(context.Background())
	require.NoError(t, err)
	return out
}

func TestCheckForUpdatesClassifiesNewAndUpdated(t *testing.T) {
	store := newTestStore(t)
	list := seed(t, store,
		domain.Series{Code: "fresh", Title: "Fresh", AdvertisedCount: 0},
		domain.Series{Code: "grown", Title: "Grown", AdvertisedCount: 4, HeldCount: 4},
		domain.Series{Code: "same", Title: "Same", AdvertisedCount: 6, HeldCount: 6},
		domain.Series{Code: "shrunk", Title: "Shrunk", AdvertisedCount: 9, HeldCount: 9},
	)
	fetcher := &fakeFetcher{infos: map[string]remote.SeriesInfo{
		"fresh":  {Count: 3, Updated: "2024-05-01 10:00:00"},
		"grown":  {Count: 7, Updated: "2024-05-02 10:00:00"},
		"same":   {Count: 6, Updated: "2024-05-03 10:00:00"},
		"shrunk": {Count: 2, Updated: "2024-05-04 10:00:00"},
	}}
	rec := New(fetcher, store, 2)

	tally, err := rec.CheckForUpdates(context.Background(), list, nil)
	require.NoError(t, err)
	assert.Equal(t, Tally{New: 1, Updated: 1, Unchanged: 2}, tally)
	assert.Equal(t, 2, tally.Changed())

	ctx := context.Background()
	grown, err := store.GetSeries(ctx, "grown")
	require.NoError(t, err)
	assert.Equal(t, 7, grown.AdvertisedCount)
	assert.Equal(t, 4, grown.HeldCount)
	assert.Equal(t, "2024-05-02 10:00:00", grown.LastUpdated)

	shrunk, err := store.GetSeries(ctx, "shrunk")
	require.NoError(t, err)
	assert.Equal(t, 9, shrunk.AdvertisedCount, "a lower remote count must not overwrite")

	pending, err := store.ListPendingUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	byCode := map[string]domain.PendingUpdate{}
	for _, p := range pending {
		byCode[p.Code] = p
	}
	assert.Equal(t, 0, byCode["fresh"].HeldCount)
	assert.Equal(t, 3, byCode["fresh"].AdvertisedCount)
	assert.Equal(t, 4, byCode["grown"].HeldCount)
	assert.Equal(t, 7, byCode["grown"].AdvertisedCount)
}

func TestSentinelLeavesSeriesUntouched(t *testing.T) {
	store := newTestStore(t)
	list := seed(t, store, domain.Series{
		Code: "x", Title: "X", AdvertisedCount: 5, HeldCount: 3,
		LastUpdated: "2024-01-01 00:00:00", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	before, err := store.GetSeries(context.Background(), "x")
	require.NoError(t, err)

	rec := New(&fakeFetcher{infos: map[string]remote.SeriesInfo{}}, store, 5)
	outcome, err := rec.CheckOne(context.Background(), list[0])
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateUnknown, outcome.Kind)

	tally, err := rec.CheckForUpdates(context.Background(), list, nil)
	require.NoError(t, err)
	assert.Equal(t, Tally{Skipped: 1}, tally)

	after, err := store.GetSeries(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	pending, err := store.ListPendingUpdates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepeatedChecksReplacePendingEntry(t *testing.T) {
	store := newTestStore(t)
	list := seed(t, store, domain.Series{Code: "a", AdvertisedCount: 2, HeldCount: 2})
	fetcher := &fakeFetcher{infos: map[string]remote.SeriesInfo{"a": {Count: 4, Updated: "2024-05-01 10:00:00"}}}
	rec := New(fetcher, store, 5)
	ctx := context.Background()

	_, err := rec.CheckForUpdates(ctx, list, nil)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.infos["a"] = remote.SeriesInfo{Count: 6, Updated: "2024-05-02 10:00:00"}
	fetcher.mu.Unlock()
	refreshed, err := store.ListSeries(ctx)
	require.NoError(t, err)
	tally, err := rec.CheckForUpdates(ctx, refreshed, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Updated)

	pending, err := store.ListPendingUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 6, pending[0].AdvertisedCount)
	assert.Equal(t, 2, pending[0].HeldCount)
}

func TestFailedQueueWriteLeavesAdvertisedCount(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := repository.New(db)

	list := seed(t, store, domain.Series{Code: "a", Title: "A", AdvertisedCount: 3, HeldCount: 3})
	fetcher := &fakeFetcher{infos: map[string]remote.SeriesInfo{"a": {Count: 5, Updated: "2024-05-01 10:00:00"}}}
	rec := New(fetcher, store, 5)

	_, err = db.ExecContext(ctx, `ALTER TABLE pending_updates RENAME TO pending_updates_off`)
	require.NoError(t, err)

	_, err = rec.CheckOne(ctx, list[0])
	require.Error(t, err)

	series, err := store.GetSeries(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, series.AdvertisedCount, "advertised count must roll back with the queue write")

	_, err = db.ExecContext(ctx, `ALTER TABLE pending_updates_off RENAME TO pending_updates`)
	require.NoError(t, err)

	outcome, err := rec.CheckOne(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateUpdated, outcome.Kind)

	pending, err := store.ListPendingUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 5, pending[0].AdvertisedCount)
	assert.Equal(t, 3, pending[0].HeldCount)
}

func TestCheckForUpdatesBoundsConcurrencyAndReportsPerBatch(t *testing.T) {
	store := newTestStore(t)
	var series []domain.Series
	infos := map[string]remote.SeriesInfo{}
	for i := 0; i < 12; i++ {
		code := fmt.Sprintf("n%02d", i)
		series = append(series, domain.Series{Code: code, AdvertisedCount: 1})
		infos[code] = remote.SeriesInfo{Count: 2, Updated: "2024-05-01 10:00:00"}
	}
	list := seed(t, store, series...)
	fetcher := &fakeFetcher{infos: infos, hold: 5 * time.Millisecond}
	rec := New(fetcher, store, 5)

	var events []domain.Progress
	for p := range progress.Run(context.Background(), func(ctx context.Context, rep *progress.Reporter) {
		tally, err := rec.CheckForUpdates(ctx, list, rep)
		assert.NoError(t, err)
		assert.Equal(t, 12, tally.Updated)
	}) {
		events = append(events, p)
	}

	assert.LessOrEqual(t, fetcher.peak, 5)
	assert.Len(t, fetcher.calls, 12)

	var checking []int
	for _, p := range events {
		if p.Phase == domain.PhaseChecking && p.Current > 0 {
			checking = append(checking, p.Current)
		}
	}
	assert.Equal(t, []int{5, 10, 12}, checking)
	assert.Equal(t, domain.PhaseCompleted, events[len(events)-1].Phase)
	assert.Equal(t, 1.0, events[len(events)-1].Fraction)
}

func TestRestrictedSeriesUseRestrictedLookup(t *testing.T) {
	store := newTestStore(t)
	list := seed(t, store,
		domain.Series{Code: "g", AdvertisedCount: 1},
		domain.Series{Code: "r", AdvertisedCount: 1, Rating: domain.RatingRestricted},
	)
	fetcher := &fakeFetcher{infos: map[string]remote.SeriesInfo{}, sawRating: map[string]bool{}}
	_, err := New(fetcher, store, 5).CheckForUpdates(context.Background(), list, nil)
	require.NoError(t, err)

	assert.False(t, fetcher.sawRating["g"])
	assert.True(t, fetcher.sawRating["r"])
}

func TestCancellationKeepsFinishedBatches(t *testing.T) {
	store := newTestStore(t)
	var series []domain.Series
	infos := map[string]remote.SeriesInfo{}
	for i := 0; i < 6; i++ {
		code := fmt.Sprintf("c%d", i)
		series = append(series, domain.Series{Code: code, AdvertisedCount: 1})
		infos[code] = remote.SeriesInfo{Count: 3, Updated: "2024-05-01 10:00:00"}
	}
	list := seed(t, store, series...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &fakeFetcher{infos: infos}
	fetcher.onCall = func(code string) {
		if code == list[1].Code {
			cancel()
		}
	}
	ch := make(chan domain.Progress, 32)
	tally, err := New(fetcher, store, 1).CheckForUpdates(ctx, list, progress.NewReporter(ch))
	close(ch)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Tally{Updated: 1, Skipped: 1}, tally)
	assert.Len(t, fetcher.calls, 2)

	pending, err := store.ListPendingUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, list[0].Code, pending[0].Code)

	var last domain.Progress
	for p := range ch {
		last = p
	}
	assert.Equal(t, domain.PhaseCancelled, last.Phase)
}
