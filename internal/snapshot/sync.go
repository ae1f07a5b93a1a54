package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
)

var errEpisodeWithoutNumber = errors.New("episode row without number")

type importRun struct {
	im     *Importer
	snap   *sql.DB
	tables tableSet
	rep    *progress.Reporter
	result domain.SyncResult
	stamp  time.Time
}

type seriesRef struct {
	code  string
	title string
}

func (r *importRun) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := r.snap.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (r *importRun) series(ctx context.Context) ([]seriesRef, error) {
	total, err := r.count(ctx, r.tables.series)
	if err != nil {
		return nil, err
	}
	r.rep.Emit(domain.Progress{Phase: domain.PhaseSyncingSeries, Message: "Importing series", Total: total})

	rows, err := r.snap.QueryContext(ctx, `SELECT * FROM `+quote(r.tables.series))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.tables.series, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rec := newRecord(names)

	var (
		code       = textColumn("ncode", "code")
		title      = textColumn("title", "name")
		author     = textColumn("writer", "author")
		synopsis   = textColumn("story", "synopsis")
		keywords   = textColumn("keyword", "keywords")
		genre      = textColumn("genre", "biggenre")
		rating     = intColumn("rating", "r18")
		held       = intColumn("total_ep", "held_count")
		advertised = intColumn("general_all_no", "advertised_count")
		lastUp     = textColumn("general_lastup", "last_update")
		updatedAt  = timeColumn("updated_at", "novelupdated_at")
	)
	if !code.present(rec) {
		return nil, fmt.Errorf("%s has no content code column", r.tables.series)
	}

	refs := make([]seriesRef, 0, total)
	batch := make([]domain.Series, 0, SeriesBatchSize)
	done := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.im.store.ImportSeries(ctx, batch, r.stamp); err != nil {
			return fmt.Errorf("store series: %w", err)
		}
		done += len(batch)
		r.result.Series += len(batch)
		batch = batch[:0]
		r.rep.Emit(domain.Progress{
			Phase:    domain.PhaseSyncingSeries,
			Message:  fmt.Sprintf("Imported %d of %d series", done, total),
			Fraction: progress.Fraction(done, total),
			Current:  done,
			Total:    total,
		})
		return ctx.Err()
	}

	for rows.Next() {
		if err := rec.scan(rows); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		s := domain.Series{
			Code:            strings.TrimSpace(code.from(rec)),
			Title:           title.from(rec),
			Author:          author.from(rec),
			Synopsis:        synopsis.from(rec),
			Keywords:        keywords.from(rec),
			Genre:           genre.from(rec),
			Rating:          rating.from(rec),
			HeldCount:       held.from(rec),
			AdvertisedCount: advertised.from(rec),
			LastUpdated:     lastUp.from(rec),
			UpdatedAt:       updatedAt.from(rec),
		}
		if s.Code == "" {
			log.Printf("[import] skipping series row without content code")
			r.result.Failed++
			continue
		}
		if s.LastUpdated == "" && !s.UpdatedAt.IsZero() {
			s.LastUpdated = s.UpdatedAt.Format(domain.TimestampLayout)
		}
		refs = append(refs, seriesRef{code: s.Code, title: s.Title})
		batch = append(batch, s)
		if len(batch) == SeriesBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", r.tables.series, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *importRun) episodes(ctx context.Context, refs []seriesRef) error {
	total := len(refs)
	r.rep.Emit(domain.Progress{Phase: domain.PhaseSyncingEpisodes, Message: "Importing episodes", Total: total})

	codeColumn, err := r.episodeCodeColumn(ctx)
	if err != nil {
		return err
	}
	query := `SELECT * FROM ` + quote(r.tables.episodes) + ` WHERE ` + quote(codeColumn) + ` = ?`

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.seriesEpisodes(ctx, query, ref.code)
		r.result.Episodes += n
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[import] episodes of %s: %v", ref.code, err)
			r.result.Failed++
		}
		r.rep.Emit(domain.Progress{
			Phase:     domain.PhaseSyncingEpisodes,
			Message:   fmt.Sprintf("Imported episodes of %d of %d series", i+1, total),
			Fraction:  progress.Fraction(i+1, total),
			ItemID:    ref.code,
			ItemLabel: ref.title,
			Current:   i + 1,
			Total:     total,
		})
	}
	return nil
}

func (r *importRun) episodeCodeColumn(ctx context.Context) (string, error) {
	rows, err := r.snap.QueryContext(ctx, `SELECT * FROM `+quote(r.tables.episodes)+` LIMIT 0`)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", r.tables.episodes, err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return "", err
	}
	for _, want := range []string{"ncode", "code"} {
		for _, name := range names {
			if strings.EqualFold(name, want) {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%s has no content code column", r.tables.episodes)
}

// seriesEpisodes imports the episodes of one series and returns how many
// were stored before any failure.
func (r *importRun) seriesEpisodes(ctx context.Context, query, code string) (int, error) {
	rows, err := r.snap.QueryContext(ctx, query, code)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	rec := newRecord(names)
	var (
		no       = textColumn("episode_no", "episode")
		title    = textColumn("e_title", "title")
		body     = textColumn("body", "content")
		fetched  = timeColumn("update_time", "fetched_at")
		read     = boolColumn("is_read", "read")
		bookmark = boolColumn("is_bookmark", "bookmark")
		rate     = floatColumn("progress", "reading_rate")
	)

	stored := 0
	batch := make([]domain.Episode, 0, EpisodeBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.im.store.ImportEpisodes(ctx, batch, r.stamp); err != nil {
			return err
		}
		stored += len(batch)
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		if err := rec.scan(rows); err != nil {
			return stored, err
		}
		ep := domain.Episode{
			Code:      code,
			No:        strings.TrimSpace(no.from(rec)),
			Title:     title.from(rec),
			Body:      body.from(rec),
			FetchedAt: fetched.from(rec),
			Read:      read.from(rec),
			Bookmark:  bookmark.from(rec),
			Progress:  rate.from(rec),
		}
		if ep.No == "" {
			return stored, errEpisodeWithoutNumber
		}
		batch = append(batch, ep)
		if len(batch) == EpisodeBatchSize {
			if err := flush(); err != nil {
				return stored, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return stored, err
	}
	err = flush()
	return stored, err
}

func (r *importRun) positions(ctx context.Context) error {
	total, err := r.count(ctx, r.tables.positions)
	if err != nil {
		return err
	}
	r.rep.Emit(domain.Progress{Phase: domain.PhaseSyncingPositions, Message: "Importing reading positions", Total: total})

	rows, err := r.snap.QueryContext(ctx, `SELECT * FROM `+quote(r.tables.positions))
	if err != nil {
		return fmt.Errorf("read %s: %w", r.tables.positions, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return err
	}
	rec := newRecord(names)
	var (
		code    = textColumn("ncode", "code")
		episode = intColumn("episode_no", "episode")
		readAt  = timeColumn("date", "read_at")
	)

	done := 0
	batch := make([]domain.ReadingPosition, 0, PositionBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.im.store.ImportReadingPositions(ctx, batch, r.stamp); err != nil {
			return fmt.Errorf("store reading positions: %w", err)
		}
		r.result.Positions += len(batch)
		batch = batch[:0]
		r.rep.Emit(domain.Progress{
			Phase:    domain.PhaseSyncingPositions,
			Message:  fmt.Sprintf("Imported %d of %d reading positions", done, total),
			Fraction: progress.Fraction(done, total),
			Current:  done,
			Total:    total,
		})
		return ctx.Err()
	}

	for rows.Next() {
		if err := rec.scan(rows); err != nil {
			return fmt.Errorf("scan reading position: %w", err)
		}
		done++
		pos := domain.ReadingPosition{
			Code:      strings.TrimSpace(code.from(rec)),
			EpisodeNo: episode.from(rec),
			ReadAt:    readAt.from(rec),
		}
		if pos.Code == "" {
			log.Printf("[import] skipping reading position without content code")
			r.result.Failed++
			continue
		}
		batch = append(batch, pos)
		if len(batch) == PositionBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", r.tables.positions, err)
	}
	return flush()
}
