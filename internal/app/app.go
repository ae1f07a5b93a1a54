package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"novelsync/internal/bulkfetch"
	"novelsync/internal/config"
	"novelsync/internal/domain"
	"novelsync/internal/progress"
	"novelsync/internal/reconcile"
	"novelsync/internal/remote"
	"novelsync/internal/repository"
	"novelsync/internal/snapshot"
)

type commandHandler func(context.Context, []string) (CommandResult, error)

type command struct {
	name    string
	usage   string
	summary string
	handler commandHandler

	// first argument is a content code
	takesCode bool
}

// metaLastImport records when a snapshot import last completed.
const metaLastImport = "last_import"

// CommandResult is what a command hands back to the REPL. When Operation is
// set the command is not finished yet: the caller runs it as a Task and
// shows its progress.
type CommandResult struct {
	Message   string
	Quit      bool
	Title     string
	Operation Operation
}

type App struct {
	config     config.Config
	configPath string
	db         *sql.DB
	store      *repository.Store
	client     *remote.Client
	importer   *snapshot.Importer
	reconciler *reconcile.Reconciler
	bulk       *bulkfetch.Orchestrator
	commands   map[string]*command
	now        func() time.Time
}

type Dependencies struct {
	HTTPClient *http.Client
	Sleep      remote.SleepFunc
	Now        func() time.Time
}

func New(cfg config.Config, configPath string, db *sql.DB) *App {
	return NewWithDependencies(cfg, configPath, db, Dependencies{})
}

func NewWithDependencies(cfg config.Config, configPath string, db *sql.DB, deps Dependencies) *App {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
			MaxIdleConnsPerHost: cfg.FetchConcurrency,
		}
		if proxyURL := strings.TrimSpace(cfg.Proxy); proxyURL != "" {
			if parsed, err := url.Parse(proxyURL); err == nil {
				transport.Proxy = http.ProxyURL(parsed)
			}
		}
		timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	store := repository.New(db)
	client := remote.NewClient(remote.Options{
		HTTPClient:             httpClient,
		InfoEndpoint:           cfg.InfoEndpoint,
		RestrictedInfoEndpoint: cfg.RestrictedInfoURL,
		ContentHost:            cfg.ContentHost,
		RestrictedContentHost:  cfg.RestrictedContentURL,
		UserAgents:             cfg.UserAgents,
		MaxRetries:             cfg.RetryCount,
		RetryBase:              time.Duration(cfg.RetryBaseMillis) * time.Millisecond,
		Limiter:                remote.NewLimiter(cfg.FetchConcurrency),
		Sleep:                  deps.Sleep,
		Now:                    now,
	})

	application := &App{
		config:     cfg,
		configPath: configPath,
		db:         db,
		store:      store,
		client:     client,
		importer:   snapshot.NewImporter(store, filepath.Join(cfg.DataDir, "tmp")),
		reconciler: reconcile.New(client, store, cfg.CheckBatchSize),
		bulk:       bulkfetch.New(client, store, time.Duration(cfg.RequestDelayMillis)*time.Millisecond),
		commands:   make(map[string]*command),
		now:        now,
	}
	application.registerCommands()
	return application
}

func (a *App) Config() config.Config {
	return a.config
}

func (a *App) CommandNames() []string {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *App) Execute(ctx context.Context, input string) (CommandResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return CommandResult{}, nil
	}

	args, err := shellquote.Split(input)
	if err != nil {
		return CommandResult{}, err
	}
	if len(args) == 0 {
		return CommandResult{}, nil
	}

	cmdName := strings.ToLower(args[0])
	cmd, ok := a.commands[cmdName]
	if !ok {
		return CommandResult{Message: fmt.Sprintf("unknown command: %s", args[0])}, nil
	}

	args = args[1:]
	if cmd.takesCode && len(args) > 0 {
		args[0] = normalizeCode(args[0])
	}
	return cmd.handler(ctx, args)
}

// normalizeCode returns a content code in the lower-case form the platform
// and the store use.
func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ExecuteWithProgress runs a command to completion, including any Operation
// it starts, passing every delivered progress record to onProgress.
func (a *App) ExecuteWithProgress(ctx context.Context, input string, onProgress func(domain.Progress)) (CommandResult, error) {
	result, err := a.Execute(ctx, input)
	if err != nil || result.Operation == nil {
		return result, err
	}
	task := StartTask(ctx, result.Title, result.Operation)
	for p := range task.Progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	result.Message = task.Result()
	result.Operation = nil
	return result, nil
}

func (a *App) registerCommands() {
	a.registerCommand("help", "help", "List available commands", a.helpCommand, "?")
	a.registerCommand("config", "config [show]", "View or edit application configuration", a.configCommand)
	a.registerCommand("exit", "exit", "Exit the application", a.exitCommand, "quit")
	a.registerCommand("import", "import <snapshot.db>", "Import a library snapshot exported by another device", a.importCommand)
	a.registerCommand("register", "register <code> [r18]", "Add a series to the library and queue its episodes", a.registerSeriesCommand, "add")
	a.registerCommand("list", "list [filter]", "List library series (optionally filtered)", a.listCommand, "ls")
	a.registerCommand("episodes", "episodes <code>", "List the stored episodes of a series", a.episodesCommand, "e")
	a.registerCommand("check", "check [code]", "Check the platform for new episodes", a.checkCommand, "c")
	a.registerCommand("pending", "pending", "List series with episodes waiting to be fetched", a.pendingCommand, "p")
	a.registerCommand("dismiss", "dismiss <code>", "Drop a series from the pending list", a.dismissCommand)
	a.registerCommand("update", "update", "Fetch every pending episode", a.updateCommand, "u")
	a.registerCommand("fix", "fix <code>", "Re-fetch broken and missing episodes of a series", a.fixCommand)
	a.registerCommand("redownload", "redownload <code>", "Discard and re-fetch every episode of a series", a.redownloadCommand)
	a.registerCommand("read", "read <code> <episode> [progress]", "Mark an episode read and remember the position", a.readCommand)
	a.registerCommand("bookmark", "bookmark <code> <episode> [off]", "Bookmark an episode", a.bookmarkCommand, "bm")
	a.registerCommand("positions", "positions", "Show the last read episode of each series", a.positionsCommand)
	a.registerCommand("forget", "forget <code>", "Forget the reading position of a series", a.forgetCommand)
	a.registerCommand("status", "status", "Summarise the local library", a.statusCommand)
}

func (a *App) registerCommand(name, usage, summary string, handler commandHandler, aliases ...string) {
	fields := strings.Fields(usage)
	takesCode := len(fields) > 1 && (fields[1] == "<code>" || fields[1] == "[code]")
	cmd := &command{name: name, usage: usage, summary: summary, handler: handler, takesCode: takesCode}
	names := append([]string{name}, aliases...)
	for _, alias := range names {
		a.commands[alias] = cmd
	}
}

func (a *App) helpCommand(_ context.Context, _ []string) (CommandResult, error) {
	seen := make(map[*command]bool)
	var cmds []*command
	for _, cmd := range a.commands {
		if !seen[cmd] {
			seen[cmd] = true
			cmds = append(cmds, cmd)
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].name < cmds[j].name })

	var b strings.Builder
	for _, cmd := range cmds {
		fmt.Fprintf(&b, "%-34s %s\n", cmd.usage, cmd.summary)
	}
	return CommandResult{Message: strings.TrimRight(b.String(), "\n")}, nil
}

func (a *App) configCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return a.editConfig(ctx)
	}
	switch strings.ToLower(args[0]) {
	case "show":
		data, err := yaml.Marshal(a.config)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: string(data)}, nil
	default:
		return CommandResult{Message: "Usage: config [show]"}, nil
	}
}

func (a *App) editConfig(ctx context.Context) (CommandResult, error) {
	updated, err := config.EditInteractive(ctx, a.config)
	if err != nil {
		return CommandResult{}, err
	}
	if err := config.Save(a.configPath, updated); err != nil {
		return CommandResult{}, err
	}
	a.config = updated
	log.Println("configuration updated")
	return CommandResult{Message: "Configuration saved. Network settings apply after a restart."}, nil
}

func (a *App) exitCommand(_ context.Context, _ []string) (CommandResult, error) {
	return CommandResult{Quit: true}, nil
}

func (a *App) importCommand(_ context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: import <snapshot.db>"}, nil
	}
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CommandResult{Message: fmt.Sprintf("Snapshot not found: %s", path)}, nil
		}
		return CommandResult{}, err
	}

	return CommandResult{
		Title: "Importing " + filepath.Base(path),
		Operation: func(ctx context.Context, rep *progress.Reporter) string {
			result := a.importer.Import(ctx, snapshot.FromPath(path), rep)
			if result.Success {
				if err := a.store.SetMetadata(context.WithoutCancel(ctx), metaLastImport, a.now().UTC().Format(time.RFC3339)); err != nil {
					log.Printf("[import] record import time: %v", err)
				}
			}
			return describeImport(result)
		},
	}, nil
}

func describeImport(result domain.SyncResult) string {
	switch {
	case result.Cancelled:
		return fmt.Sprintf("Import cancelled after %d series and %d episodes.", result.Series, result.Episodes)
	case !result.Success:
		return fmt.Sprintf("Import failed: %s", result.Error)
	}
	msg := fmt.Sprintf("Imported %d series, %d episodes and %d reading positions.", result.Series, result.Episodes, result.Positions)
	if result.Failed > 0 {
		msg += fmt.Sprintf(" %d series could not be imported.", result.Failed)
	}
	return msg
}

func (a *App) registerSeriesCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 || len(args) > 2 {
		return CommandResult{Message: "Usage: register <code> [r18]"}, nil
	}
	code := args[0]
	restricted := len(args) == 2 && strings.EqualFold(args[1], "r18")
	if len(args) == 2 && !restricted {
		return CommandResult{Message: "Usage: register <code> [r18]"}, nil
	}

	meta, err := a.client.FetchSeriesMeta(ctx, code, restricted)
	if err != nil {
		return CommandResult{}, fmt.Errorf("look up %s: %w", code, err)
	}
	created, err := a.store.RegisterSeries(ctx, meta)
	if err != nil {
		return CommandResult{}, err
	}
	series, err := a.store.GetSeries(ctx, code)
	if err != nil {
		return CommandResult{}, err
	}

	verb := "Registered"
	if !created {
		verb = "Refreshed"
	}
	missing := meta.AdvertisedCount - series.HeldCount
	if missing <= 0 {
		if meta.AdvertisedCount > series.AdvertisedCount {
			if err := a.store.SetAdvertised(ctx, code, meta.AdvertisedCount, meta.LastUpdated, meta.UpdatedAt); err != nil {
				return CommandResult{}, err
			}
		}
		return CommandResult{Message: fmt.Sprintf("%s %s (%s); nothing to fetch.", verb, meta.Title, code)}, nil
	}
	advertised := max(meta.AdvertisedCount, series.AdvertisedCount)
	lastUpdated, updatedAt := series.LastUpdated, series.UpdatedAt
	if meta.AdvertisedCount > series.AdvertisedCount {
		lastUpdated, updatedAt = meta.LastUpdated, meta.UpdatedAt
	}
	entry := domain.PendingUpdate{
		Code:            code,
		HeldCount:       series.HeldCount,
		AdvertisedCount: meta.AdvertisedCount,
		DetectedAt:      a.now(),
	}
	if err := a.store.RecordUpdate(ctx, code, advertised, lastUpdated, updatedAt, entry); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("%s %s (%s); %d episodes queued. Run 'update' to fetch them.", verb, meta.Title, code, missing)}, nil
}

func (a *App) checkCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) > 1 {
		return CommandResult{Message: "Usage: check [code]"}, nil
	}
	if len(args) == 1 {
		series, err := a.store.GetSeries(ctx, args[0])
		if err != nil {
			if errors.Is(err, repository.ErrSeriesNotFound) {
				return CommandResult{Message: fmt.Sprintf("Series %s is not in the library.", args[0])}, nil
			}
			return CommandResult{}, err
		}
		outcome, err := a.reconciler.CheckOne(ctx, series)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: describeOutcome(series, outcome)}, nil
	}

	series, err := a.store.ListSeries(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(series) == 0 {
		return CommandResult{Message: "The library is empty."}, nil
	}
	return CommandResult{
		Title: fmt.Sprintf("Checking %d series", len(series)),
		Operation: func(ctx context.Context, rep *progress.Reporter) string {
			tally, err := a.reconciler.CheckForUpdates(ctx, series, rep)
			msg := fmt.Sprintf("%d new, %d updated, %d unchanged", tally.New, tally.Updated, tally.Unchanged)
			if tally.Skipped > 0 {
				msg += fmt.Sprintf(", %d could not be checked", tally.Skipped)
			}
			if tally.Failed > 0 {
				msg += fmt.Sprintf(", %d failed", tally.Failed)
			}
			if err != nil {
				return "Check cancelled: " + msg + "."
			}
			return "Check finished: " + msg + "."
		},
	}, nil
}

func describeOutcome(series domain.Series, outcome domain.UpdateOutcome) string {
	switch outcome.Kind {
	case domain.UpdateNew, domain.UpdateUpdated:
		return fmt.Sprintf("%s: %d new episodes (%d advertised).", label(series),
			outcome.AdvertisedCount-series.HeldCount, outcome.AdvertisedCount)
	case domain.UpdateUnknown:
		return fmt.Sprintf("%s: could not reach the platform.", label(series))
	default:
		return fmt.Sprintf("%s is up to date.", label(series))
	}
}

func label(series domain.Series) string {
	if strings.TrimSpace(series.Title) == "" {
		return series.Code
	}
	return fmt.Sprintf("%s (%s)", series.Title, series.Code)
}

func (a *App) updateCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 0 {
		return CommandResult{Message: "Usage: update"}, nil
	}
	entries, err := a.store.ListPendingUpdates(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(entries) == 0 {
		return CommandResult{Message: "No pending updates."}, nil
	}
	return CommandResult{
		Title: fmt.Sprintf("Updating %d series", len(entries)),
		Operation: func(ctx context.Context, rep *progress.Reporter) string {
			return describeBulk("Update", a.bulk.RunBulkUpdate(ctx, entries, rep))
		},
	}, nil
}

func describeBulk(what string, result domain.BulkResult) string {
	state := "finished"
	if result.Cancelled {
		state = "cancelled"
	}
	msg := fmt.Sprintf("%s %s: %d episodes fetched", what, state, result.Success)
	if result.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", result.Failed)
	}
	if result.Retired > 0 {
		msg += fmt.Sprintf(", %d series done", result.Retired)
	}
	return msg + "."
}

func (a *App) fixCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: fix <code>"}, nil
	}
	plan, err := a.bulk.FixErrorsAndGaps(ctx, args[0])
	if err != nil {
		if errors.Is(err, repository.ErrSeriesNotFound) {
			return CommandResult{Message: fmt.Sprintf("Series %s is not in the library.", args[0])}, nil
		}
		return CommandResult{}, err
	}
	if plan.NothingToFix() {
		return CommandResult{Message: fmt.Sprintf("Nothing to fix for %s.", plan.Code)}, nil
	}
	log.Printf("[bulk] %s: %d erroneous, %d missing", plan.Code, len(plan.Erroneous), len(plan.Missing))
	return CommandResult{
		Title: fmt.Sprintf("Repairing %s (%d erroneous, %d missing)", plan.Code, len(plan.Erroneous), len(plan.Missing)),
		Operation: func(ctx context.Context, rep *progress.Reporter) string {
			return describeBulk("Repair", a.bulk.Redownload(ctx, plan, rep))
		},
	}, nil
}

func (a *App) redownloadCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: redownload <code>"}, nil
	}
	series, err := a.store.GetSeries(ctx, args[0])
	if err != nil {
		if errors.Is(err, repository.ErrSeriesNotFound) {
			return CommandResult{Message: fmt.Sprintf("Series %s is not in the library.", args[0])}, nil
		}
		return CommandResult{}, err
	}
	return CommandResult{
		Title: "Re-downloading " + label(series),
		Operation: func(ctx context.Context, rep *progress.Reporter) string {
			result, err := a.bulk.Refetch(ctx, series.Code, rep)
			if err != nil {
				return fmt.Sprintf("Re-download failed: %v", err)
			}
			return describeBulk("Re-download", result)
		},
	}, nil
}

func (a *App) pendingCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 0 {
		return CommandResult{Message: "Usage: pending"}, nil
	}
	entries, err := a.store.ListPendingUpdates(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(entries) == 0 {
		return CommandResult{Message: "No pending updates."}, nil
	}
	titles, err := a.titles(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%-10s %-40s %4d -> %-4d (+%d, %s)",
			entry.Code, truncate(titles[entry.Code], 40), entry.HeldCount, entry.AdvertisedCount,
			max(entry.AdvertisedCount-entry.HeldCount, 0), relative(entry.DetectedAt, a.now())))
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, nil
}

func (a *App) dismissCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: dismiss <code>"}, nil
	}
	removed, err := a.store.DeletePendingUpdate(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	if !removed {
		return CommandResult{Message: fmt.Sprintf("%s has no pending update.", args[0])}, nil
	}
	return CommandResult{Message: fmt.Sprintf("Dismissed pending update for %s.", args[0])}, nil
}

func (a *App) titles(ctx context.Context) (map[string]string, error) {
	series, err := a.store.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(series))
	for _, s := range series {
		titles[s.Code] = s.Title
	}
	return titles, nil
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}

func parseEpisodeNumber(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid episode number %q", raw)
	}
	return n, nil
}

func (a *App) readCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) < 2 || len(args) > 3 {
		return CommandResult{Message: "Usage: read <code> <episode> [progress]"}, nil
	}
	code := args[0]
	number, err := parseEpisodeNumber(args[1])
	if err != nil {
		return CommandResult{Message: err.Error()}, nil
	}
	rate := 1.0
	if len(args) == 3 {
		rate, err = strconv.ParseFloat(args[2], 64)
		if err != nil || rate < 0 || rate > 1 {
			return CommandResult{Message: "Progress must be a number between 0 and 1."}, nil
		}
	}

	if err := a.store.MarkEpisodeRead(ctx, code, strconv.Itoa(number), rate); err != nil {
		if errors.Is(err, repository.ErrSeriesNotFound) {
			return CommandResult{Message: fmt.Sprintf("Episode %d of %s is not stored.", number, code)}, nil
		}
		return CommandResult{}, err
	}
	if err := a.store.RecordReading(ctx, code, number, a.now()); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Marked %s episode %d read.", code, number)}, nil
}

func (a *App) bookmarkCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) < 2 || len(args) > 3 {
		return CommandResult{Message: "Usage: bookmark <code> <episode> [off]"}, nil
	}
	number, err := parseEpisodeNumber(args[1])
	if err != nil {
		return CommandResult{Message: err.Error()}, nil
	}
	on := len(args) == 2 || !strings.EqualFold(args[2], "off")
	if err := a.store.SetBookmark(ctx, args[0], strconv.Itoa(number), on); err != nil {
		if errors.Is(err, repository.ErrSeriesNotFound) {
			return CommandResult{Message: fmt.Sprintf("Episode %d of %s is not stored.", number, args[0])}, nil
		}
		return CommandResult{}, err
	}
	if on {
		return CommandResult{Message: fmt.Sprintf("Bookmarked %s episode %d.", args[0], number)}, nil
	}
	return CommandResult{Message: fmt.Sprintf("Removed bookmark from %s episode %d.", args[0], number)}, nil
}

func (a *App) positionsCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 0 {
		return CommandResult{Message: "Usage: positions"}, nil
	}
	positions, err := a.store.ListReadingPositions(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(positions) == 0 {
		return CommandResult{Message: "No reading positions yet."}, nil
	}
	titles, err := a.titles(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	lines := make([]string, 0, len(positions))
	for _, pos := range positions {
		lines = append(lines, fmt.Sprintf("%-10s %-40s episode %-5d %s",
			pos.Code, truncate(titles[pos.Code], 40), pos.EpisodeNo, relative(pos.ReadAt, a.now())))
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, nil
}

func (a *App) forgetCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: forget <code>"}, nil
	}
	removed, err := a.store.DeleteReadingPosition(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	if !removed {
		return CommandResult{Message: fmt.Sprintf("No reading position for %s.", args[0])}, nil
	}
	return CommandResult{Message: fmt.Sprintf("Forgot reading position for %s.", args[0])}, nil
}
