// Package main provides the CLI entrypoint for timelink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/JohanCodinha/timelink/internal/api"
	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/config"
	"github.com/JohanCodinha/timelink/internal/jira"
	"github.com/JohanCodinha/timelink/internal/jobs"
	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/JohanCodinha/timelink/internal/md"
	"github.com/JohanCodinha/timelink/internal/sync"
	"github.com/JohanCodinha/timelink/internal/toggl"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	sinceFlag string
	untilFlag string
	runsLimit int

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "timelink",
	Short: "Link Toggl time entries to Jira issues",
	Long: `timelink mirrors Toggl Track time entries and the Jira issues they
mention into a local database, links entries to issues and issues to
their epics and parents, and pushes roadmap properties down the hierarchy.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { logger.Close() },
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the whole reconciliation pipeline",
	Long: `Sync time entries of the range, link them to issues, link issues to
their epics and parents, then propagate inherited properties.

--since and --until accept RFC3339, YYYY-MM-DD or natural language
("last monday", "2 days ago"). The default range is sync.lookback before now.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Replace the mirrored time entries of a date range",
	Args:  cobra.NoArgs,
	RunE:  runEntries,
}

var linkCmd = &cobra.Command{
	Use:       "link <issues|epics|parents>",
	Short:     "Link time entries to issues, or issues to their epics or parents",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"issues", "epics", "parents"},
	RunE:      runLink,
}

var propagateCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Push parent and epic properties down to their issues",
	Args:  cobra.NoArgs,
	RunE:  runPropagate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a markdown report of unresolved keys, unlinked issues and recent runs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var retryKeysCmd = &cobra.Command{
	Use:   "retry-keys [KEY...]",
	Short: "Clear the unresolvable flag so the next link pass retries the keys",
	Long: `Time entries whose issue key failed to resolve are skipped by later
link passes. retry-keys clears that flag for the given keys, or for every
key when none is given.`,
	RunE: runRetryKeys,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent stage executions",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP trigger",
	Long: `Run the pipeline on the sync.cron schedule and serve:

  GET  /healthz          liveness
  GET  /runs             recent stage executions
  GET  /status           markdown status report
  POST /sync             queue a full pass
  POST /stages/:stage    queue one stage`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/timelink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this rotating file")

	for _, c := range []*cobra.Command{syncCmd, entriesCmd} {
		c.Flags().StringVar(&sinceFlag, "since", "", "start of the range (inclusive)")
		c.Flags().StringVar(&untilFlag, "until", "", "end of the range (exclusive, default now)")
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show")

	rootCmd.AddCommand(syncCmd, entriesCmd, linkCmd, propagateCmd, statusCmd, retryKeysCmd, runsCmd, serveCmd)
}

// setup loads the configuration and configures logging. Flags win over config.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	return setupLogging(cfg.Log)
}

func setupLogging(lc config.LogConfig) error {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	format, err := logger.ParseFormat(lc.Format)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetFormat(format)

	if lc.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(lc.File), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return logger.SetLogFile(lc.File, logger.FileOptions{
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   true,
	})
}

// app holds the wired components of one command.
type app struct {
	db     *cache.DB
	engine *sync.Engine
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warn("failed to close mirror: %v", err)
	}
}

// openApp validates the settings req needs and wires the mirror and clients.
func openApp(ctx context.Context, req config.Requirement) (*app, error) {
	if err := cfg.Validate(req | config.NeedStore); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	if isFilePath(cfg.Store.Driver) {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := cache.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}
	logger.Debug("mirror opened (%s)", db.Driver())

	report := toggl.NewWithBaseURL(cfg.Toggl.Token, cfg.Toggl.WorkspaceID, cfg.Toggl.BaseURL)
	issues := jira.New(jira.Options{
		BaseURL:         cfg.Jira.BaseURL,
		APIVersion:      cfg.Jira.APIVersion,
		Token:           cfg.Jira.Token,
		Email:           cfg.Jira.Email,
		EpicLinkField:   cfg.Jira.EpicLinkField,
		RoadmapField:    cfg.Jira.RoadmapField,
		InitiativeField: cfg.Jira.InitiativeField,
		Timeout:         cfg.Jira.Timeout,
	})

	return &app{db: db, engine: sync.NewEngine(db, report, issues, cfg.Sync.BatchSize)}, nil
}

func isFilePath(driver string) bool {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

func runSync(cmd *cobra.Command, args []string) error {
	since, until, err := resolveRange(sinceFlag, untilFlag, cfg.Sync.Lookback, time.Now())
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), config.NeedToggl|config.NeedJira)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "syncing %s to %s...\n", since.Format(time.RFC3339), until.Format(time.RFC3339))
	runID, err := a.engine.Run(cmd.Context(), since, until)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", runID, err)
	}

	runs, err := a.db.ListRuns(cmd.Context(), len(sync.Stages))
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs, time.Now())
	return nil
}

func runEntries(cmd *cobra.Command, args []string) error {
	since, until, err := resolveRange(sinceFlag, untilFlag, cfg.Sync.Lookback, time.Now())
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), config.NeedToggl)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.engine.Run(cmd.Context(), since, until, sync.StageEntries)
	if err != nil {
		return err
	}
	entries, err := a.db.ListTimeEntries(cmd.Context(), since, until)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s time entries (%s tracked)\n",
		humanize.Comma(int64(len(entries))), trackedTotal(entries))
	return nil
}

// linkStages maps link arguments to stages.
var linkStages = map[string]sync.Stage{
	"issues":  sync.StageIssues,
	"epics":   sync.StageEpics,
	"parents": sync.StageParents,
}

func runLink(cmd *cobra.Command, args []string) error {
	stage, ok := linkStages[args[0]]
	if !ok {
		return fmt.Errorf("unknown link target %q: valid targets are issues, epics, parents", args[0])
	}
	return runSingleStage(cmd, stage, config.NeedJira)
}

func runPropagate(cmd *cobra.Command, args []string) error {
	return runSingleStage(cmd, sync.StagePropagate, 0)
}

func runSingleStage(cmd *cobra.Command, stage sync.Stage, req config.Requirement) error {
	a, err := openApp(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.engine.Run(cmd.Context(), time.Time{}, time.Time{}, stage); err != nil {
		return err
	}
	runs, err := a.db.ListRuns(cmd.Context(), 1)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs, time.Now())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), 0)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := md.Gather(cmd.Context(), a.db, 10, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), md.StatusReport(report))
	return nil
}

func runRetryKeys(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), 0)
	if err != nil {
		return err
	}
	defer a.Close()

	keys := make([]string, len(args))
	for i, k := range args {
		keys[i] = strings.ToUpper(strings.TrimSpace(k))
	}
	n, err := a.db.ClearBadIssueKeys(cmd.Context(), keys...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s time entries; run 'timelink link issues' to retry\n", humanize.Comma(n))
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), 0)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.db.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}
	printRuns(cmd.OutOrStdout(), runs, time.Now())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, config.NeedToggl|config.NeedJira|config.NeedSchedule)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := jobs.NewRunner(a.engine, cfg.Sync.Lookback, time.Hour)
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	scheduler, err := jobs.NewCron(cfg.Sync.Cron, loc, runner)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(runner, a.db, logger.GetLevel() == logger.LevelDebug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	runner.Wait()
	return nil
}

func printRuns(w io.Writer, runs []cache.SyncRun, now time.Time) {
	for _, r := range runs {
		fmt.Fprintf(w, "%-8s  %-9s  %-6s  %-14s  %s\n",
			shortRunID(r.RunID),
			r.Stage,
			r.Status,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Detail,
		)
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func trackedTotal(entries []cache.TimeEntry) time.Duration {
	var total int64
	for _, e := range entries {
		total += e.DurationSeconds
	}
	return time.Duration(total) * time.Second
}
