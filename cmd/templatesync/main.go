package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/schaermu/templatesync/internal/config"
	"github.com/schaermu/templatesync/internal/crashreport"
	"github.com/schaermu/templatesync/internal/git"
	"github.com/schaermu/templatesync/internal/registry"
	"github.com/schaermu/templatesync/internal/report"
	"github.com/schaermu/templatesync/internal/snapshot"
	"github.com/schaermu/templatesync/internal/sync"
	"github.com/schaermu/templatesync/internal/template"
	tplversion "github.com/schaermu/templatesync/internal/version"
)

// lockFileName guards a consumer repository against concurrent syncs. It
// lives inside .git so it never shows up as an untracked file.
const lockFileName = "templatesync.lock"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	cwdFlag   string
	noColor   bool

	// Analyze command flags
	analyzePattern string
	analyzeOutput  string
)

// exitError carries a non-zero exit code for an outcome that was already
// reported to the user.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "templatesync",
	Short: "Keep scaffolded repositories in sync with their upstream template",
	Long: `templatesync keeps a repository that was generated from a template package
aligned with newer releases of that template.

It resolves the newest compatible template version, computes the difference
between the version the repository last adopted and the new one, and merges
that difference through the dedicated "sync" branch. Any unexpected failure
restores the working tree and writes template-sync-error.log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Merge the newest compatible template version into the repository",
	Long: `Sync checks that the registry is reachable, that syncing is enabled and that
the working tree is clean, then applies the template changes on the "sync"
branch and merges it into the current branch.

Merge conflicts are left in the working tree for manual resolution.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <from> <to>",
	Short: "Show the files a template upgrade would change",
	Args:  cobra.ExactArgs(2),
	RunE:  runAnalyze,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the template version a sync would move to",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("templatesync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <cwd>/"+config.FileName+", then package.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&cwdFlag, "cwd", ".", "repository to operate on")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Analyze command flags
	analyzeCmd.Flags().StringVar(&analyzePattern, "pattern", "", "only list files whose original path matches this glob (default sync.analyze_pattern)")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "table", "output format (table, raw)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	unlock, err := lockRepository(cfg.Cwd)
	if err != nil {
		return err
	}
	defer unlock()

	// Create dependencies
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	analyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := analyzer.Close(); err != nil {
			logger.Warn("failed to release snapshot repository", "error", err)
		}
	}()

	engine := sync.NewEngine(cfg, sync.Dependencies{
		Repo:     gitClient.Open(cfg.Cwd),
		Versions: registry.NewClient(cfg.Registry.URL, cfg.Registry.Timeout, logger),
		Probe:    registry.NewProbe(cfg.Registry.URL),
		Diffs:    analyzer,
		Crash:    crashreport.NewWriter(cfg.Cwd, version),
		Reporter: report.NewConsole(cmd.OutOrStdout(), noColor),
	}, logger)

	// Run sync
	outcome, err := engine.Run(ctx)
	logger.Info("sync finished", "outcome", outcome.String(), "error", err)
	if code := outcome.ExitCode(); code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	from, ok := tplversion.Valid(args[0])
	if !ok {
		return fmt.Errorf("invalid version: %s", args[0])
	}
	to, ok := tplversion.Valid(args[1])
	if !ok {
		return fmt.Errorf("invalid version: %s", args[1])
	}
	if analyzeOutput != "table" && analyzeOutput != "raw" {
		return fmt.Errorf("unknown output format %q (want table or raw)", analyzeOutput)
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	analyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := analyzer.Close(); err != nil {
			logger.Warn("failed to release snapshot repository", "error", err)
		}
	}()

	if analyzeOutput == "raw" {
		diff, err := analyzer.Diff(ctx, from, to)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), diff)
		return err
	}

	pattern := analyzePattern
	if pattern == "" {
		pattern = cfg.Sync.AnalyzePattern
	}
	result, err := analyzer.Analyze(ctx, from, to, pattern)
	if err != nil {
		return err
	}
	printChanges(cmd.OutOrStdout(), result)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := registry.NewClient(cfg.Registry.URL, cfg.Registry.Timeout, logger)
	versions, err := client.ListVersions(ctx, cfg.Template.Name)
	if err != nil && !errors.Is(err, registry.ErrPackageNotFound) {
		return fmt.Errorf("failed to list versions of %s: %w", cfg.Template.Name, err)
	}

	target, ok := tplversion.Resolve(versions, cfg.Template.BaseVersion, cfg.Template.Range)
	if !ok {
		return &sync.TargetNotFoundError{Template: cfg.Template.Name, Range: cfg.Template.Range}
	}
	fmt.Fprintln(cmd.OutOrStdout(), target)
	return nil
}

// newAnalyzer wires the snapshot repository for the configured template.
func newAnalyzer(cfg *config.Config, logger *slog.Logger) (*snapshot.Analyzer, error) {
	provider, err := template.NewDirProvider(cfg.Template.SourceDir, cfg.Sync.IgnorePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to set up template provider: %w", err)
	}
	return snapshot.NewAnalyzer(snapshot.Options{
		Root:     cfg.Paths.SnapshotDir,
		Package:  cfg.Template.Name,
		Params:   cfg.Parameters,
		Git:      git.NewShellClient("", ""),
		Provider: provider,
		Logger:   logger,
	}), nil
}

// lockRepository takes the per-repository sync lock. A second sync in the
// same repository fails instead of waiting.
func lockRepository(cwd string) (func(), error) {
	gitDir := filepath.Join(cwd, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a git repository", cwd)
	}

	lock := flock.New(filepath.Join(gitDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock repository: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another sync is already running in %s", cwd)
	}
	return func() { _ = lock.Unlock() }, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format. Stdout belongs to the progress
	// reporter.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cwd, err := filepath.Abs(cwdFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cwdFlag, err)
	}

	cfg, source, err := config.Discover(cwd, cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", source,
		"template", cfg.Template.Name,
		"base_version", cfg.Template.BaseVersion,
		"range", cfg.Template.Range,
		"snapshot_dir", cfg.Paths.SnapshotDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
