package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"novelsync/internal/domain"
	"novelsync/internal/repository"
	"novelsync/internal/storage"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return repository.New(db)
}

func TestStoreSeriesUpsertAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []domain.Series{
		{Code: "n1111a", Title: "First", Author: "Alice", HeldCount: 3, AdvertisedCount: 5, LastUpdated: "2024-03-01 12:00:00", UpdatedAt: updated},
		{Code: "n2222b", Title: "Second", Rating: domain.RatingRestricted},
	}
	if err := store.UpsertSeries(ctx, batch); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	if err := store.UpsertSeries(ctx, batch); err != nil {
		t.Fatalf("UpsertSeries second call: %v", err)
	}

	series, err := store.GetSeries(ctx, "n1111a")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series.HeldCount != 3 || series.AdvertisedCount != 5 {
		t.Errorf("counts = %d/%d, want 3/5", series.HeldCount, series.AdvertisedCount)
	}
	if !series.UpdatedAt.Equal(updated) {
		t.Errorf("updated at = %v, want %v", series.UpdatedAt, updated)
	}

	second, err := store.GetSeries(ctx, "n2222b")
	if err != nil {
		t.Fatalf("GetSeries second: %v", err)
	}
	if !second.Restricted() {
		t.Error("expected second series to be restricted")
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Series != 2 {
		t.Errorf("series count = %d, want 2", counts.Series)
	}

	if _, err := store.GetSeries(ctx, "missing"); !errors.Is(err, repository.ErrSeriesNotFound) {
		t.Fatalf("expected ErrSeriesNotFound, got %v", err)
	}
	if err := store.UpsertSeries(ctx, []domain.Series{{Code: " "}}); !errors.Is(err, repository.ErrEmptyContentCode) {
		t.Fatalf("expected ErrEmptyContentCode, got %v", err)
	}
}

func TestStoreRegisterSeriesKeepsCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.RegisterSeries(ctx, domain.Series{Code: "n1", Title: "Old"})
	if err != nil {
		t.Fatalf("RegisterSeries: %v", err)
	}
	if !created {
		t.Fatal("expected first registration to create the series")
	}
	if err := store.SetHeldCount(ctx, "n1", 4); err != nil {
		t.Fatalf("SetHeldCount: %v", err)
	}

	created, err = store.RegisterSeries(ctx, domain.Series{Code: "n1", Title: "New"})
	if err != nil {
		t.Fatalf("RegisterSeries again: %v", err)
	}
	if created {
		t.Fatal("expected second registration to refresh, not create")
	}

	series, err := store.GetSeries(ctx, "n1")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series.Title != "New" {
		t.Errorf("title = %q, want New", series.Title)
	}
	if series.HeldCount != 4 {
		t.Errorf("held count = %d, want 4", series.HeldCount)
	}
}

func TestStoreHeldCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertSeries(ctx, []domain.Series{{Code: "n1", HeldCount: 10}}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}

	held, err := store.RaiseHeldCount(ctx, "n1", 7)
	if err != nil {
		t.Fatalf("RaiseHeldCount: %v", err)
	}
	if held != 10 {
		t.Fatalf("held = %d, want 10", held)
	}
	held, err = store.RaiseHeldCount(ctx, "n1", 12)
	if err != nil {
		t.Fatalf("RaiseHeldCount: %v", err)
	}
	if held != 12 {
		t.Fatalf("held = %d, want 12", held)
	}
	if _, err := store.RaiseHeldCount(ctx, "missing", 3); !errors.Is(err, repository.ErrSeriesNotFound) {
		t.Fatalf("expected ErrSeriesNotFound, got %v", err)
	}
	if err := store.SetHeldCount(ctx, "missing", 3); !errors.Is(err, repository.ErrSeriesNotFound) {
		t.Fatalf("expected ErrSeriesNotFound from SetHeldCount, got %v", err)
	}
}

func TestStoreEpisodesOrderedNumerically(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertSeries(ctx, []domain.Series{{Code: "n1"}}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	batch := []domain.Episode{
		{Code: "n1", No: "10", Title: "Ten", Body: "<p>x</p>"},
		{Code: "n1", No: "2", Title: "Two", Body: "<p>x</p>"},
		{Code: "n1", No: "1", Title: "", Body: "<p>x</p>"},
		{Code: "n1", No: "3", Title: "Three", Body: ""},
	}
	if err := store.UpsertEpisodes(ctx, batch); err != nil {
		t.Fatalf("UpsertEpisodes: %v", err)
	}

	episodes, err := store.ListEpisodes(ctx, "n1")
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	var order []string
	for _, ep := range episodes {
		order = append(order, ep.No)
	}
	want := []string{"1", "2", "3", "10"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	present, incomplete, err := store.EpisodeHealth(ctx, "n1")
	if err != nil {
		t.Fatalf("EpisodeHealth: %v", err)
	}
	if len(present) != 4 {
		t.Errorf("present = %v, want 4 entries", present)
	}
	if len(incomplete) != 2 || incomplete[0] != 1 || incomplete[1] != 3 {
		t.Errorf("incomplete = %v, want [1 3]", incomplete)
	}
}

func TestStoreFetchedEpisodeKeepsReaderFlags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertEpisodes(ctx, []domain.Episode{{Code: "n1", No: "1", Title: "", Body: ""}}); err != nil {
		t.Fatalf("UpsertEpisodes: %v", err)
	}
	if err := store.SetBookmark(ctx, "n1", "1", true); err != nil {
		t.Fatalf("SetBookmark: %v", err)
	}
	if err := store.MarkEpisodeRead(ctx, "n1", "1", 0.5); err != nil {
		t.Fatalf("MarkEpisodeRead: %v", err)
	}

	if err := store.PutFetchedEpisode(ctx, domain.Episode{Code: "n1", No: "1", Title: "One", Body: "<p>text</p>", FetchedAt: time.Now()}); err != nil {
		t.Fatalf("PutFetchedEpisode: %v", err)
	}

	ep, err := store.GetEpisode(ctx, "n1", "1")
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if ep.Title != "One" || ep.Body != "<p>text</p>" {
		t.Errorf("content not refreshed: %+v", ep)
	}
	if !ep.Bookmark || !ep.Read || ep.Progress != 0.5 {
		t.Errorf("reader flags lost: %+v", ep)
	}
}

func TestStoreReadingPositionsReplace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := time.Now().Add(-time.Hour).UTC()
	if err := store.RecordReading(ctx, "n1", 3, first); err != nil {
		t.Fatalf("RecordReading: %v", err)
	}
	if err := store.RecordReading(ctx, "n1", 5, time.Now().UTC()); err != nil {
		t.Fatalf("RecordReading second: %v", err)
	}

	pos, ok, err := store.GetReadingPosition(ctx, "n1")
	if err != nil {
		t.Fatalf("GetReadingPosition: %v", err)
	}
	if !ok || pos.EpisodeNo != 5 {
		t.Fatalf("position = %+v (found %v), want episode 5", pos, ok)
	}

	positions, err := store.ListReadingPositions(ctx)
	if err != nil {
		t.Fatalf("ListReadingPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one position per code, got %d", len(positions))
	}

	deleted, err := store.DeleteReadingPosition(ctx, "n1")
	if err != nil || !deleted {
		t.Fatalf("DeleteReadingPosition = %v, %v", deleted, err)
	}
	if _, ok, _ := store.GetReadingPosition(ctx, "n1"); ok {
		t.Fatal("expected position to be gone")
	}
}

func TestStorePendingUpdatesReplaceNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.PutPendingUpdate(ctx, domain.PendingUpdate{Code: "n1", HeldCount: 1, AdvertisedCount: 3}); err != nil {
		t.Fatalf("PutPendingUpdate: %v", err)
	}
	if err := store.PutPendingUpdate(ctx, domain.PendingUpdate{Code: "n1", HeldCount: 1, AdvertisedCount: 6}); err != nil {
		t.Fatalf("PutPendingUpdate second: %v", err)
	}

	entries, err := store.ListPendingUpdates(ctx)
	if err != nil {
		t.Fatalf("ListPendingUpdates: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].AdvertisedCount != 6 {
		t.Errorf("advertised = %d, want 6", entries[0].AdvertisedCount)
	}
	if entries[0].DetectedAt.IsZero() {
		t.Error("expected detection time to be filled in")
	}

	removed, err := store.DeletePendingUpdate(ctx, "n1")
	if err != nil || !removed {
		t.Fatalf("DeletePendingUpdate = %v, %v", removed, err)
	}
	removed, err = store.DeletePendingUpdate(ctx, "n1")
	if err != nil || removed {
		t.Fatalf("second DeletePendingUpdate = %v, %v", removed, err)
	}
}

func TestStoreRecordUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := domain.PendingUpdate{Code: "ghost", HeldCount: 0, AdvertisedCount: 4}
	err := store.RecordUpdate(ctx, "ghost", 4, "2024-05-01 10:00:00", time.Now(), entry)
	if !errors.Is(err, repository.ErrSeriesNotFound) {
		t.Fatalf("RecordUpdate on unknown series = %v, want ErrSeriesNotFound", err)
	}
	entries, err := store.ListPendingUpdates(ctx)
	if err != nil {
		t.Fatalf("ListPendingUpdates: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("unknown series must not be queued, got %+v", entries)
	}

	if err := store.UpsertSeries(ctx, []domain.Series{{Code: "n1", HeldCount: 2, AdvertisedCount: 2}}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	updated := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entry = domain.PendingUpdate{Code: "n1", HeldCount: 2, AdvertisedCount: 4}
	if err := store.RecordUpdate(ctx, "n1", 4, "2024-05-01 10:00:00", updated, entry); err != nil {
		t.Fatalf("RecordUpdate: %v", err)
	}
	series, err := store.GetSeries(ctx, "n1")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series.AdvertisedCount != 4 || !series.UpdatedAt.Equal(updated) {
		t.Errorf("series = %+v, want advertised 4 updated %v", series, updated)
	}
	entries, err = store.ListPendingUpdates(ctx)
	if err != nil {
		t.Fatalf("ListPendingUpdates: %v", err)
	}
	if len(entries) != 1 || entries[0].AdvertisedCount != 4 {
		t.Fatalf("pending = %+v, want one entry advertising 4", entries)
	}
}

func TestStoreImportKeepsStoredTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)
	for _, stamp := range []time.Time{first, later} {
		if err := store.ImportSeries(ctx, []domain.Series{{Code: "n1", Title: "One"}}, stamp); err != nil {
			t.Fatalf("ImportSeries: %v", err)
		}
		if err := store.ImportEpisodes(ctx, []domain.Episode{{Code: "n1", No: "1", Body: "<p>x</p>"}}, stamp); err != nil {
			t.Fatalf("ImportEpisodes: %v", err)
		}
	}

	series, err := store.GetSeries(ctx, "n1")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if !series.UpdatedAt.Equal(first) || series.LastUpdated != "2024-06-01 09:00:00" {
		t.Errorf("series times = %v / %q, want the first import", series.UpdatedAt, series.LastUpdated)
	}
	ep, err := store.GetEpisode(ctx, "n1", "1")
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if !ep.FetchedAt.Equal(first) {
		t.Errorf("fetched at = %v, want %v", ep.FetchedAt, first)
	}

	explicit := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertSeries(ctx, []domain.Series{{Code: "n1", Title: "One", LastUpdated: "2024-07-01 00:00:00", UpdatedAt: explicit}}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	series, err = store.GetSeries(ctx, "n1")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if !series.UpdatedAt.Equal(explicit) || series.LastUpdated != "2024-07-01 00:00:00" {
		t.Errorf("explicit times not stored: %v / %q", series.UpdatedAt, series.LastUpdated)
	}
}

func TestStoreResetSeriesEpisodes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertSeries(ctx, []domain.Series{{Code: "n1", HeldCount: 2, AdvertisedCount: 2}}); err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	if err := store.UpsertEpisodes(ctx, []domain.Episode{
		{Code: "n1", No: "1", Title: "a", Body: "b"},
		{Code: "n1", No: "2", Title: "a", Body: "b"},
	}); err != nil {
		t.Fatalf("UpsertEpisodes: %v", err)
	}

	removed, err := store.ResetSeriesEpisodes(ctx, "n1")
	if err != nil {
		t.Fatalf("ResetSeriesEpisodes: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	series, err := store.GetSeries(ctx, "n1")
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if series.HeldCount != 0 {
		t.Errorf("held = %d, want 0", series.HeldCount)
	}
}

func TestStoreConcurrentEpisodeWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- store.PutFetchedEpisode(ctx, domain.Episode{Code: "n1", No: strconv.Itoa(n), Title: "t", Body: "b"})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Episodes != 20 {
		t.Fatalf("episodes = %d, want 20", counts.Episodes)
	}
}

func TestStoreMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	value, err := store.GetMetadata(ctx, "last_import")
	if err != nil || value != "" {
		t.Fatalf("GetMetadata on empty = %q, %v", value, err)
	}
	if err := store.SetMetadata(ctx, "last_import", "x"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	value, err = store.GetMetadata(ctx, "last_import")
	if err != nil || value != "x" {
		t.Fatalf("GetMetadata = %q, %v", value, err)
	}
}
