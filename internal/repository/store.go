package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"novelsync/internal/domain"
)

var (
	ErrSeriesNotFound   = errors.New("series not found")
	ErrEmptyContentCode = errors.New("content code cannot be empty")
)

// Store is the content store. Reads go straight to the database; every write
// is funnelled through a single writer so concurrent fetch tasks never
// contend for the SQLite write lock.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const seriesColumns = `code, title, author, synopsis, keywords, genre, rating, held_count, advertised_count, last_updated, updated_at`

// UpsertSeries inserts or replaces series records. A zero UpdatedAt or an
// empty LastUpdated leaves the stored value of an existing series in place.
func (s *Store) UpsertSeries(ctx context.Context, batch []domain.Series) error {
	return s.upsertSeries(ctx, batch, time.Time{})
}

// ImportSeries is UpsertSeries for imported rows: a series inserted without
// timestamps is stamped with stamp, an existing one keeps its own.
func (s *Store) ImportSeries(ctx context.Context, batch []domain.Series, stamp time.Time) error {
	return s.upsertSeries(ctx, batch, stamp)
}

func (s *Store) upsertSeries(ctx context.Context, batch []domain.Series, stamp time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	var stampText any = ""
	if !stamp.IsZero() {
		stampText = stamp.Format(domain.TimestampLayout)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO series (`+seriesColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(NULLIF(?, ''), ?), COALESCE(?, ?))
ON CONFLICT(code) DO UPDATE SET
    title = excluded.title,
    author = excluded.author,
    synopsis = excluded.synopsis,
    keywords = excluded.keywords,
    genre = excluded.genre,
    rating = excluded.rating,
    held_count = excluded.held_count,
    advertised_count = excluded.advertised_count,
    last_updated = COALESCE(NULLIF(?, ''), series.last_updated),
    updated_at = COALESCE(?, series.updated_at)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, series := range batch {
			code := strings.TrimSpace(series.Code)
			if code == "" {
				return ErrEmptyContentCode
			}
			updatedAt := formatTime(series.UpdatedAt)
			if _, err := stmt.ExecContext(ctx, code, series.Title, series.Author, series.Synopsis,
				series.Keywords, series.Genre, series.Rating, series.HeldCount, series.AdvertisedCount,
				series.LastUpdated, stampText, updatedAt, formatTime(stamp),
				series.LastUpdated, updatedAt); err != nil {
				return fmt.Errorf("upsert series %s: %w", code, err)
			}
		}
		return nil
	})
}

// RegisterSeries records a newly discovered series. Metadata of an already
// known series is refreshed but its counts are left alone.
func (s *Store) RegisterSeries(ctx context.Context, series domain.Series) (bool, error) {
	code := strings.TrimSpace(series.Code)
	if code == "" {
		return false, ErrEmptyContentCode
	}
	var created bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO series (`+seriesColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			code, series.Title, series.Author, series.Synopsis, series.Keywords, series.Genre,
			series.Rating, series.LastUpdated, formatTime(series.UpdatedAt))
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		created = rows > 0
		if created {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE series SET title = ?, author = ?, synopsis = ?, keywords = ?, genre = ?, rating = ?
WHERE code = ?`, series.Title, series.Author, series.Synopsis, series.Keywords, series.Genre, series.Rating, code)
		return err
	})
	return created, err
}

func (s *Store) GetSeries(ctx context.Context, code string) (domain.Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE code = ?`, code)
	series, err := scanSeries(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Series{}, fmt.Errorf("%w: %s", ErrSeriesNotFound, code)
		}
		return domain.Series{}, err
	}
	return series, nil
}

func (s *Store) ListSeries(ctx context.Context) ([]domain.Series, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+seriesColumns+` FROM series ORDER BY updated_at DESC, LOWER(title)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Series, 0, 32)
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, series)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// SetAdvertised records the remote episode count and update time of a series.
func (s *Store) SetAdvertised(ctx context.Context, code string, count int, lastUpdated string, updatedAt time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return expectRow(tx.ExecContext(ctx, `UPDATE series SET advertised_count = ?, last_updated = ?, updated_at = ? WHERE code = ?`,
			count, lastUpdated, formatTime(updatedAt), code))
	}, code)
}

func (s *Store) SetHeldCount(ctx context.Context, code string, count int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return expectRow(tx.ExecContext(ctx, `UPDATE series SET held_count = ? WHERE code = ?`, count, code))
	}, code)
}

// RaiseHeldCount moves the held count up to count; it never lowers it.
func (s *Store) RaiseHeldCount(ctx context.Context, code string, count int) (int, error) {
	var held int
	err := s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE series SET held_count = ? WHERE code = ? AND held_count < ?`, count, code, count); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT held_count FROM series WHERE code = ?`, code).Scan(&held)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrSeriesNotFound, code)
	}
	return held, err
}

// ResetSeriesEpisodes removes every stored episode of a series and zeroes its
// held count so the next pass downloads it from scratch.
func (s *Store) ResetSeriesEpisodes(ctx context.Context, code string) (int, error) {
	var removed int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE code = ?`, code)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return expectRow(tx.ExecContext(ctx, `UPDATE series SET held_count = 0 WHERE code = ?`, code))
	}, code)
	return int(removed), err
}

const episodeColumns = `code, episode_no, title, body, fetched_at, is_read, bookmark, progress`

// UpsertEpisodes inserts or replaces episodes. A zero FetchedAt leaves the
// stored fetch time of an existing episode in place.
func (s *Store) UpsertEpisodes(ctx context.Context, batch []domain.Episode) error {
	return s.upsertEpisodes(ctx, batch, time.Time{})
}

// ImportEpisodes is UpsertEpisodes for imported rows: an episode inserted
// without a fetch time is stamped with stamp.
func (s *Store) ImportEpisodes(ctx context.Context, batch []domain.Episode, stamp time.Time) error {
	return s.upsertEpisodes(ctx, batch, stamp)
}

func (s *Store) upsertEpisodes(ctx context.Context, batch []domain.Episode, stamp time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO episodes (`+episodeColumns+`)
VALUES (?, ?, ?, ?, COALESCE(?, ?), ?, ?, ?)
ON CONFLICT(code, episode_no) DO UPDATE SET
    title = excluded.title,
    body = excluded.body,
    fetched_at = COALESCE(?, episodes.fetched_at),
    is_read = excluded.is_read,
    bookmark = excluded.bookmark,
    progress = excluded.progress`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ep := range batch {
			if strings.TrimSpace(ep.Code) == "" {
				return ErrEmptyContentCode
			}
			fetchedAt := formatTime(ep.FetchedAt)
			if _, err := stmt.ExecContext(ctx, ep.Code, strings.TrimSpace(ep.No), ep.Title, ep.Body,
				fetchedAt, formatTime(stamp), ep.Read, ep.Bookmark, ep.Progress, fetchedAt); err != nil {
				return fmt.Errorf("upsert episode %s/%s: %w", ep.Code, ep.No, err)
			}
		}
		return nil
	})
}

// PutFetchedEpisode stores freshly downloaded content while keeping the
// reader's flags on an episode that is being re-fetched.
func (s *Store) PutFetchedEpisode(ctx context.Context, ep domain.Episode) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO episodes (`+episodeColumns+`)
VALUES (?, ?, ?, ?, ?, 0, 0, 0)
ON CONFLICT(code, episode_no) DO UPDATE SET
    title = excluded.title,
    body = excluded.body,
    fetched_at = excluded.fetched_at`,
			ep.Code, strings.TrimSpace(ep.No), ep.Title, ep.Body, formatTime(ep.FetchedAt))
		return err
	})
}

func (s *Store) GetEpisode(ctx context.Context, code, episodeNo string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE code = ? AND episode_no = ?`, code, episodeNo)
	return scanEpisode(row)
}

// ListEpisodes returns every stored episode of a series in numeric order.
func (s *Store) ListEpisodes(ctx context.Context, code string) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE code = ?
ORDER BY CAST(episode_no AS INTEGER), episode_no`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episodes := make([]domain.Episode, 0, 64)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// EpisodeHealth returns, for a series, the stored episode numbers and the
// subset of them whose content is incomplete. Bodies are not loaded.
func (s *Store) EpisodeHealth(ctx context.Context, code string) (present []int, incomplete []int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode_no, TRIM(title) = '' OR TRIM(body) = '' FROM episodes WHERE code = ?`, code)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var no string
		var broken bool
		if err := rows.Scan(&no, &broken); err != nil {
			return nil, nil, err
		}
		n := domain.Episode{No: no}.Number()
		if n <= 0 {
			continue
		}
		present = append(present, n)
		if broken {
			incomplete = append(incomplete, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sort.Ints(present)
	sort.Ints(incomplete)
	return present, incomplete, nil
}

func (s *Store) MarkEpisodeRead(ctx context.Context, code, episodeNo string, progress float64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return expectRow(tx.ExecContext(ctx, `UPDATE episodes SET is_read = 1, progress = ? WHERE code = ? AND episode_no = ?`,
			progress, code, episodeNo))
	}, code+"/"+episodeNo)
}

func (s *Store) SetBookmark(ctx context.Context, code, episodeNo string, bookmark bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return expectRow(tx.ExecContext(ctx, `UPDATE episodes SET bookmark = ? WHERE code = ? AND episode_no = ?`,
			bookmark, code, episodeNo))
	}, code+"/"+episodeNo)
}

// UpsertReadingPositions replaces the reading position of each series. A
// position without a read time is stamped with the current time.
func (s *Store) UpsertReadingPositions(ctx context.Context, batch []domain.ReadingPosition) error {
	return s.ImportReadingPositions(ctx, batch, time.Now().UTC())
}

// ImportReadingPositions is UpsertReadingPositions for imported rows: a
// position without a read time keeps the stored one, or gets stamp when the
// series had none.
func (s *Store) ImportReadingPositions(ctx context.Context, batch []domain.ReadingPosition, stamp time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO reading_positions (code, episode_no, read_at)
VALUES (?, ?, COALESCE(?, ?))
ON CONFLICT(code) DO UPDATE SET
    episode_no = excluded.episode_no,
    read_at = COALESCE(?, reading_positions.read_at)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, pos := range batch {
			readAt := formatTime(pos.ReadAt)
			if _, err := stmt.ExecContext(ctx, pos.Code, pos.EpisodeNo, readAt, formatTime(stamp), readAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordReading replaces the reading position of a series with the given event.
func (s *Store) RecordReading(ctx context.Context, code string, episodeNo int, readAt time.Time) error {
	return s.UpsertReadingPositions(ctx, []domain.ReadingPosition{{Code: code, EpisodeNo: episodeNo, ReadAt: readAt}})
}

func (s *Store) GetReadingPosition(ctx context.Context, code string) (domain.ReadingPosition, bool, error) {
	var pos domain.ReadingPosition
	var readAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT code, episode_no, read_at FROM reading_positions WHERE code = ?`, code).
		Scan(&pos.Code, &pos.EpisodeNo, &readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReadingPosition{}, false, nil
		}
		return domain.ReadingPosition{}, false, err
	}
	pos.ReadAt = parseTime(readAt)
	return pos, true, nil
}

func (s *Store) ListReadingPositions(ctx context.Context) ([]domain.ReadingPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, episode_no, read_at FROM reading_positions ORDER BY read_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]domain.ReadingPosition, 0, 16)
	for rows.Next() {
		var pos domain.ReadingPosition
		var readAt sql.NullString
		if err := rows.Scan(&pos.Code, &pos.EpisodeNo, &readAt); err != nil {
			return nil, err
		}
		pos.ReadAt = parseTime(readAt)
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *Store) DeleteReadingPosition(ctx context.Context, code string) (bool, error) {
	var affected int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM reading_positions WHERE code = ?`, code)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

const upsertPending = `INSERT INTO pending_updates (code, held_count, advertised_count, detected_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET
    held_count = excluded.held_count,
    advertised_count = excluded.advertised_count,
    detected_at = excluded.detected_at`

// PutPendingUpdate inserts the pending entry of a series, replacing any
// earlier entry for the same code.
func (s *Store) PutPendingUpdate(ctx context.Context, entry domain.PendingUpdate) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return putPending(ctx, tx, entry)
	})
}

// RecordUpdate stores a raised advertised count and queues the series in one
// transaction, so a series is never left advertised but unqueued.
func (s *Store) RecordUpdate(ctx context.Context, code string, count int, lastUpdated string, updatedAt time.Time, entry domain.PendingUpdate) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := expectRow(tx.ExecContext(ctx, `UPDATE series SET advertised_count = ?, last_updated = ?, updated_at = ? WHERE code = ?`,
			count, lastUpdated, formatTime(updatedAt), code)); err != nil {
			return err
		}
		return putPending(ctx, tx, entry)
	}, code)
}

func putPending(ctx context.Context, tx *sql.Tx, entry domain.PendingUpdate) error {
	detectedAt := entry.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, upsertPending, entry.Code, entry.HeldCount, entry.AdvertisedCount, formatTime(detectedAt))
	return err
}

func (s *Store) ListPendingUpdates(ctx context.Context) ([]domain.PendingUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, held_count, advertised_count, detected_at FROM pending_updates ORDER BY detected_at, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PendingUpdate, 0, 16)
	for rows.Next() {
		var entry domain.PendingUpdate
		var detectedAt sql.NullString
		if err := rows.Scan(&entry.Code, &entry.HeldCount, &entry.AdvertisedCount, &detectedAt); err != nil {
			return nil, err
		}
		entry.DetectedAt = parseTime(detectedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) DeletePendingUpdate(ctx context.Context, code string) (bool, error) {
	var affected int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_updates WHERE code = ?`, code)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

func (s *Store) Counts(ctx context.Context) (domain.StoreCounts, error) {
	var counts domain.StoreCounts
	err := s.db.QueryRowContext(ctx, `SELECT
    (SELECT COUNT(*) FROM series),
    (SELECT COUNT(*) FROM episodes),
    (SELECT COUNT(*) FROM reading_positions),
    (SELECT COUNT(*) FROM pending_updates)`).
		Scan(&counts.Series, &counts.Episodes, &counts.Positions, &counts.Pending)
	return counts, err
}

// SetMetadata stores a key/value pair such as the time of the last import.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row rowScanner) (domain.Series, error) {
	var series domain.Series
	var updatedAt sql.NullString
	if err := row.Scan(&series.Code, &series.Title, &series.Author, &series.Synopsis, &series.Keywords,
		&series.Genre, &series.Rating, &series.HeldCount, &series.AdvertisedCount, &series.LastUpdated, &updatedAt); err != nil {
		return domain.Series{}, err
	}
	series.UpdatedAt = parseTime(updatedAt)
	return series, nil
}

func scanEpisode(row rowScanner) (domain.Episode, error) {
	var ep domain.Episode
	var fetchedAt sql.NullString
	if err := row.Scan(&ep.Code, &ep.No, &ep.Title, &ep.Body, &fetchedAt, &ep.Read, &ep.Bookmark, &ep.Progress); err != nil {
		return domain.Episode{}, err
	}
	ep.FetchedAt = parseTime(fetchedAt)
	return ep, nil
}

// errNoRowsAffected is turned into ErrSeriesNotFound by write when a target is given.
var errNoRowsAffected = errors.New("no rows affected")

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errNoRowsAffected
	}
	return nil
}

// write runs fn inside a transaction on the single write path, retrying while
// SQLite reports the database as busy.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error, target ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if errors.Is(err, errNoRowsAffected) {
		name := strings.Join(target, " ")
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, name)
	}
	return err
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		backoff := 50 * time.Millisecond * time.Duration(1<<i)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
	}
	return err
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value sql.NullString) time.Time {
	if !value.Valid || value.String == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value.String); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(time.RFC3339, value.String); err == nil {
		return parsed
	}
	return time.Time{}
}
