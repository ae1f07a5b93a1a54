package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"novelsync/internal/domain"
	"novelsync/internal/fuzzy"
	"novelsync/internal/repository"
)

func relative(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func (a *App) listCommand(ctx context.Context, args []string) (CommandResult, error) {
	series, err := a.store.ListSeries(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(series) == 0 {
		return CommandResult{Message: "The library is empty. Use 'import' or 'register' to add series."}, nil
	}

	if len(args) > 0 {
		filter := strings.Join(args, " ")
		series = fuzzy.FilterSeries(series, filter)
		if len(series) == 0 {
			return CommandResult{Message: fmt.Sprintf("No series matching '%s'.", filter)}, nil
		}
	}

	lines := make([]string, 0, len(series))
	for _, s := range series {
		flag := "   "
		if s.Restricted() {
			flag = "R18"
		}
		lines = append(lines, fmt.Sprintf("%-10s %s %-40s %4d/%-4d %s",
			s.Code, flag, truncate(s.Title, 40), s.HeldCount, s.AdvertisedCount, relative(s.UpdatedAt, a.now())))
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, nil
}

func (a *App) episodesCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: episodes <code>"}, nil
	}
	series, err := a.store.GetSeries(ctx, args[0])
	if err != nil {
		if errors.Is(err, repository.ErrSeriesNotFound) {
			return CommandResult{Message: fmt.Sprintf("Series %s is not in the library.", args[0])}, nil
		}
		return CommandResult{}, err
	}
	episodes, err := a.store.ListEpisodes(ctx, series.Code)
	if err != nil {
		return CommandResult{}, err
	}
	if len(episodes) == 0 {
		return CommandResult{Message: fmt.Sprintf("No episodes stored for %s.", label(series))}, nil
	}

	lines := make([]string, 0, len(episodes)+1)
	lines = append(lines, fmt.Sprintf("%s: %d of %d episodes held", label(series), series.HeldCount, series.AdvertisedCount))
	for _, ep := range episodes {
		lines = append(lines, fmt.Sprintf("%5s %s %-50s %s", ep.No, markers(ep), truncate(ep.Title, 50), relative(ep.FetchedAt, a.now())))
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, nil
}

// markers renders read, bookmark and broken flags as a fixed-width column.
func markers(ep domain.Episode) string {
	flags := []byte("...")
	if ep.Read {
		flags[0] = 'r'
	} else if ep.Progress > 0 {
		flags[0] = '~'
	}
	if ep.Bookmark {
		flags[1] = 'b'
	}
	if ep.Incomplete() {
		flags[2] = '!'
	}
	return string(flags)
}

func (a *App) statusCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 0 {
		return CommandResult{Message: "Usage: status"}, nil
	}
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	size := "unknown"
	if info, err := os.Stat(a.config.DatabasePath()); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}

	lastImport := "never"
	raw, err := a.store.GetMetadata(ctx, metaLastImport)
	if err != nil {
		return CommandResult{}, err
	}
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		lastImport = relative(at, a.now())
	}

	lines := []string{
		fmt.Sprintf("Series:            %s", humanize.Comma(int64(counts.Series))),
		fmt.Sprintf("Episodes:          %s", humanize.Comma(int64(counts.Episodes))),
		fmt.Sprintf("Reading positions: %s", humanize.Comma(int64(counts.Positions))),
		fmt.Sprintf("Pending updates:   %s", humanize.Comma(int64(counts.Pending))),
		fmt.Sprintf("Database size:     %s", size),
		fmt.Sprintf("Last import:       %s", lastImport),
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, nil
}
