// Package snapshot imports an exported library database into the content
// store. The exported file may come from an older or newer release, so every
// column is looked up by name and missing ones fall back to defaults.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/repository"
	"novelsync/internal/storage"
)

const (
	SeriesBatchSize   = 50
	EpisodeBatchSize  = 20
	PositionBatchSize = 50
)

// Table names the importer requires, matched case-insensitively.
const (
	TableSeries    = "novels"
	TableEpisodes  = "episodes"
	TablePositions = "last_read"
)

var (
	ErrMissingTable = errors.New("snapshot is missing a required table")
	ErrNoSource     = errors.New("no snapshot source given")
)

// Source is where a snapshot comes from: a file on disk or an open stream.
type Source struct {
	Path   string
	Reader io.Reader
}

func FromPath(path string) Source { return Source{Path: path} }

func FromReader(r io.Reader) Source { return Source{Reader: r} }

func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	if s.Reader != nil {
		return "stream"
	}
	return "<none>"
}

type Importer struct {
	store   *repository.Store
	tempDir string
	now     func() time.Time
}

// NewImporter returns an importer writing into store. Snapshots are staged
// under tempDir; an empty tempDir uses the system default.
func NewImporter(store *repository.Store, tempDir string) *Importer {
	return &Importer{store: store, tempDir: tempDir, now: time.Now}
}

// Import copies the snapshot to a private temp file, checks it and merges its
// series, episodes and reading positions into the store. Fatal problems are
// reported through the result, never as a panic or error value.
func (im *Importer) Import(ctx context.Context, src Source, rep *progress.Reporter) domain.SyncResult {
	rep.Emit(domain.Progress{Phase: domain.PhasePreparing, Message: "Copying snapshot"})

	staged, err := im.stage(src)
	if staged != "" {
		defer removeStaged(staged)
	}
	if err != nil {
		return im.fail(rep, fmt.Errorf("stage snapshot: %w", err))
	}

	snap, err := storage.OpenReadOnly(staged)
	if err != nil {
		return im.fail(rep, fmt.Errorf("open snapshot: %w", err))
	}
	defer snap.Close()

	rep.Emit(domain.Progress{Phase: domain.PhaseChecking, Message: "Checking snapshot tables"})
	tables, err := resolveTables(ctx, snap)
	if err != nil {
		if ctx.Err() != nil {
			return im.cancelled(rep, domain.SyncResult{})
		}
		return im.fail(rep, err)
	}

	run := &importRun{im: im, snap: snap, tables: tables, rep: rep, stamp: im.now()}
	log.Printf("[import] starting import from %s", src)

	codes, err := run.series(ctx)
	if err == nil {
		err = run.episodes(ctx, codes)
	}
	if err == nil {
		err = run.positions(ctx)
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return im.cancelled(rep, run.result)
	case err != nil:
		run.result.Success = false
		run.result.Error = err.Error()
		log.Printf("[import] failed: %v", err)
		rep.Emit(domain.Progress{Phase: domain.PhaseError, Message: err.Error()})
		return run.result
	}

	run.result.Success = true
	log.Printf("[import] done: %d series, %d episodes, %d positions, %d failed",
		run.result.Series, run.result.Episodes, run.result.Positions, run.result.Failed)
	rep.Emit(domain.Progress{
		Phase:    domain.PhaseCompleted,
		Message:  fmt.Sprintf("Imported %d series and %d episodes", run.result.Series, run.result.Episodes),
		Fraction: 1,
		Current:  run.result.Series,
		Total:    run.result.Series,
	})
	return run.result
}

func (im *Importer) cancelled(rep *progress.Reporter, result domain.SyncResult) domain.SyncResult {
	log.Printf("[import] cancelled after %d series, %d episodes", result.Series, result.Episodes)
	result.Cancelled = true
	rep.Emit(domain.Progress{Phase: domain.PhaseCancelled, Message: "Import cancelled", Fraction: rep.Last().Fraction})
	return result
}

func (im *Importer) fail(rep *progress.Reporter, err error) domain.SyncResult {
	log.Printf("[import] %v", err)
	rep.Emit(domain.Progress{Phase: domain.PhaseError, Message: err.Error()})
	return domain.SyncResult{Success: false, Error: err.Error()}
}

// stage copies the source into a temp file and returns its path. The path is
// returned even on failure so the caller can remove what was written.
func (im *Importer) stage(src Source) (string, error) {
	var in io.Reader
	switch {
	case src.Reader != nil:
		in = src.Reader
	case strings.TrimSpace(src.Path) != "":
		f, err := os.Open(src.Path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		in = f
	default:
		return "", ErrNoSource
	}

	if im.tempDir != "" {
		if err := os.MkdirAll(im.tempDir, 0o700); err != nil {
			return "", err
		}
	}
	out, err := os.CreateTemp(im.tempDir, "snapshot-*.db")
	if err != nil {
		return "", err
	}
	path := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return path, err
	}
	if err := out.Close(); err != nil {
		return path, err
	}
	return path, nil
}

// removeStaged deletes the staged copy along with any journal files SQLite
// left beside it while reading a WAL or rollback-journal snapshot.
func removeStaged(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[import] remove %s: %v", path+suffix, err)
		}
	}
}

type tableSet struct {
	series    string
	episodes  string
	positions string
}

func resolveTables(ctx context.Context, db *sql.DB) (tableSet, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return tableSet{}, fmt.Errorf("list snapshot tables: %w", err)
	}
	defer rows.Close()

	found := map[string]string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return tableSet{}, err
		}
		found[strings.ToLower(name)] = name
	}
	if err := rows.Err(); err != nil {
		return tableSet{}, err
	}

	var missing []string
	pick := func(want string) string {
		name, ok := found[want]
		if !ok {
			missing = append(missing, want)
		}
		return name
	}
	set := tableSet{
		series:    pick(TableSeries),
		episodes:  pick(TableEpisodes),
		positions: pick(TablePositions),
	}
	if len(missing) > 0 {
		return tableSet{}, fmt.Errorf("%w: %s", ErrMissingTable, strings.Join(missing, ", "))
	}
	return set, nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
