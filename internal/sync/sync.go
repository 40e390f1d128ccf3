package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/schaermu/templatesync/internal/config"
	"github.com/schaermu/templatesync/internal/crashreport"
	"github.com/schaermu/templatesync/internal/git"
	"github.com/schaermu/templatesync/internal/patch"
	"github.com/schaermu/templatesync/internal/registry"
	"github.com/schaermu/templatesync/internal/report"
	"github.com/schaermu/templatesync/internal/steps"
	"github.com/schaermu/templatesync/internal/version"
)

// StagingBranch is the branch that accumulates template updates before
// they are merged into the working branch.
const StagingBranch = "sync"

// Repository is the consumer repository as the engine uses it.
type Repository interface {
	Branches(ctx context.Context) (git.BranchSummary, error)
	CurrentBranch(ctx context.Context) (string, error)
	Log(ctx context.Context) ([]git.Commit, error)
	Status(ctx context.Context) (git.Status, error)
	Checkout(ctx context.Context, ref string) error
	CheckoutNewBranch(ctx context.Context, name, startPoint string) error
	ResetHard(ctx context.Context, ref string) error
	Pull(ctx context.Context, remote, branch string) error
	Push(ctx context.Context, remote, branch string) error
	Apply(ctx context.Context, patchFile string) error
	Commit(ctx context.Context, message, pathspec string, allowEmpty bool) error
	Merge(ctx context.Context, branch string) error
}

// VersionLister lists the published versions of a template package.
type VersionLister interface {
	ListVersions(ctx context.Context, name string) ([]string, error)
}

// ReachabilityProbe reports whether the template registry can be reached.
type ReachabilityProbe interface {
	IsReachable(ctx context.Context) bool
}

// DiffSource produces the unified diff between two template versions.
type DiffSource interface {
	Diff(ctx context.Context, from, to string) (string, error)
}

// CrashReporter persists diagnostics for an unexpected failure.
type CrashReporter interface {
	Write(info crashreport.Info, cause error) (string, error)
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Repo     Repository
	Versions VersionLister
	Probe    ReachabilityProbe
	Diffs    DiffSource
	Crash    CrashReporter
	Reporter report.Reporter
}

// Outcome is the terminal state of a Run.
type Outcome int

const (
	OutcomeSynced Outcome = iota
	OutcomeNoUpdate
	OutcomeAborted
	OutcomeConflict
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeNoUpdate:
		return "no-update"
	case OutcomeAborted:
		return "aborted"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ExitCode maps the outcome to a process exit code.
func (o Outcome) ExitCode() int {
	if o == OutcomeSynced || o == OutcomeNoUpdate {
		return 0
	}
	return 1
}

var errNoUpdate = errors.New("no update available")

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	deps   Dependencies
	logger *slog.Logger

	session *Session
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Engine {
	if deps.Reporter == nil {
		deps.Reporter = report.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// Session returns the state of the most recent Run, or nil before the
// first one.
func (e *Engine) Session() *Session {
	return e.session
}

// Run executes the complete sync process. The returned error is nil for
// OutcomeSynced and OutcomeNoUpdate.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	s := &Session{
		Cwd:          e.cfg.Cwd,
		BaseVersion:  e.cfg.Template.BaseVersion,
		TemplateName: e.cfg.Template.Name,
	}
	e.session = s

	e.logger.Info("starting sync",
		"cwd", s.Cwd,
		"template", s.TemplateName,
		"base_version", s.BaseVersion)

	err := e.checkPreconditions(ctx, s)
	switch {
	case errors.Is(err, errNoUpdate):
		e.emit(s, EventInfo, "no update available")
		return OutcomeNoUpdate, nil
	case isAbort(err):
		e.emit(s, EventInfo, err.Error())
		return OutcomeAborted, err
	case err != nil:
		return e.rollbackAndReport(ctx, s, err)
	}

	err = steps.Run(ctx,
		func(ctx context.Context) error { return e.determineStagingBranch(ctx, s) },
		func(ctx context.Context) error { return e.createStagingBranch(ctx, s) },
		func(ctx context.Context) error { return e.syncStagingBranch(ctx, s) },
		func(ctx context.Context) error { return e.mergeStagingBranch(ctx, s) },
	)

	var conflict *MergeConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		e.emit(s, EventFail, "merge has conflicts, resolve them manually and commit")
		return OutcomeConflict, err
	default:
		return e.rollbackAndReport(ctx, s, err)
	}

	e.emit(s, EventSucceed, fmt.Sprintf("merged %s %s into %s, verify the result and commit", s.TemplateName, s.TargetVersion, s.OriginalBranch))
	for _, line := range s.ModifiedFiles {
		kind, path, _ := strings.Cut(line, ": ")
		e.deps.Reporter.Change(kind, path)
		s.record(EventChange, line)
	}
	e.logger.Info("sync completed successfully", "target_version", s.TargetVersion, "files", len(s.ModifiedFiles))
	return OutcomeSynced, nil
}

// rollbackAndReport unwinds every registered step and writes a crash report.
func (e *Engine) rollbackAndReport(ctx context.Context, s *Session, cause error) (Outcome, error) {
	e.logger.Error("sync failed, restoring working tree", "error", cause)
	e.emit(s, EventInfo, "sync failed, restoring the working tree")

	s.rollback(context.WithoutCancel(ctx), e.logger)

	msg := "sync failed: " + cause.Error()
	if e.deps.Crash != nil {
		path, err := e.deps.Crash.Write(s.CrashInfo(), cause)
		if err != nil {
			e.logger.Warn("failed to write crash report", "error", err)
		}
		if path != "" {
			msg = fmt.Sprintf("sync failed, details saved to %s", path)
		}
	}
	e.emit(s, EventFail, msg)
	return OutcomeFailed, cause
}

// emit records a workflow transition in the session, the log and the
// reporter.
func (e *Engine) emit(s *Session, kind EventKind, msg string) {
	s.record(kind, msg)
	e.logger.Debug("workflow event", "kind", string(kind), "message", msg)

	r := e.deps.Reporter
	switch kind {
	case EventStart:
		r.Start(msg)
	case EventSucceed:
		r.Succeed(msg)
	case EventFail:
		r.Fail(msg)
	case EventInfo:
		r.Info(msg)
	}
}

func (e *Engine) checkPreconditions(ctx context.Context, s *Session) error {
	e.emit(s, EventStart, "checking whether a sync is needed")

	if !e.deps.Probe.IsReachable(ctx) {
		return ErrUnreachable
	}
	if !e.cfg.SyncEnabled() {
		return ErrSyncDisabled
	}

	target, found, err := e.resolveTarget(ctx)
	if err != nil {
		return err
	}
	s.TargetVersion = target
	if base, _ := version.Valid(s.BaseVersion); found && target == base {
		return errNoUpdate
	}

	status, err := e.deps.Repo.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read working tree status: %w", err)
	}
	if !status.IsClean() {
		return &DirtyWorkingTreeError{Status: status}
	}

	if !found {
		return &TargetNotFoundError{Template: s.TemplateName, Range: e.cfg.Template.Range}
	}

	e.logger.Info("update available", "from", s.BaseVersion, "to", target)
	e.emit(s, EventSucceed, fmt.Sprintf("update available: %s -> %s", s.BaseVersion, target))
	return nil
}

// resolveTarget picks the newest published version in range. An
// unpublished package has no versions.
func (e *Engine) resolveTarget(ctx context.Context) (string, bool, error) {
	versions, err := e.deps.Versions.ListVersions(ctx, e.cfg.Template.Name)
	if err != nil && !errors.Is(err, registry.ErrPackageNotFound) {
		return "", false, fmt.Errorf("failed to list versions of %s: %w", e.cfg.Template.Name, err)
	}
	target, ok := version.Resolve(versions, e.cfg.Template.BaseVersion, e.cfg.Template.Range)
	return target, ok, nil
}

func (e *Engine) determineStagingBranch(ctx context.Context, s *Session) error {
	branches, err := e.deps.Repo.Branches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}
	if branches.Current == "" {
		return fmt.Errorf("cannot sync from a detached HEAD")
	}
	s.OriginalBranch = branches.Current
	s.SyncBranchPreexisted = branches.Has(StagingBranch) ||
		branches.Has("remotes/"+e.cfg.Sync.Remote+"/"+StagingBranch)

	e.logger.Debug("staging branch lookup",
		"original_branch", s.OriginalBranch,
		"exists", s.SyncBranchPreexisted)
	return nil
}

// createStagingBranch branches "sync" off the first commit of the original
// branch and publishes it. It does nothing when the branch already exists.
func (e *Engine) createStagingBranch(ctx context.Context, s *Session) error {
	if s.SyncBranchPreexisted {
		return nil
	}
	e.emit(s, EventStart, "creating staging branch "+StagingBranch)
	repo := e.deps.Repo

	commits, err := repo.Log(ctx)
	if err != nil {
		return fmt.Errorf("failed to read history of %s: %w", s.OriginalBranch, err)
	}
	if len(commits) == 0 {
		return fmt.Errorf("branch %s has no commits", s.OriginalBranch)
	}
	s.CommitHistory = make([]string, len(commits))
	for i, c := range commits {
		s.CommitHistory[i] = c.Hash
	}

	// A hard reset keeps none of the later history in the index.
	latest, original := s.latestCommit(), s.OriginalBranch
	err = repo.ResetHard(ctx, s.firstCommit())
	s.register("reset to latest commit", func(ctx context.Context) error {
		return repo.ResetHard(ctx, latest)
	})
	if err != nil {
		return fmt.Errorf("failed to reset to first commit: %w", err)
	}

	err = repo.CheckoutNewBranch(ctx, StagingBranch, "")
	s.register("checkout original branch", func(ctx context.Context) error {
		return repo.Checkout(ctx, original)
	})
	if err != nil {
		return &StagingBranchError{Err: err}
	}

	if err := repo.Push(ctx, e.cfg.PushTarget(), StagingBranch); err != nil {
		return &StagingBranchError{Err: err}
	}
	return nil
}

func (e *Engine) syncStagingBranch(ctx context.Context, s *Session) error {
	e.emit(s, EventStart, fmt.Sprintf("syncing %s %s into %s", s.TemplateName, s.TargetVersion, StagingBranch))
	repo := e.deps.Repo

	original := s.OriginalBranch
	err := e.checkoutStaging(ctx)
	s.register("checkout original branch", func(ctx context.Context) error {
		return repo.Checkout(ctx, original)
	})
	if err != nil {
		return err
	}

	if err := e.pullStaging(ctx); err != nil {
		return err
	}

	synced, err := e.syncedVersion(ctx, s)
	if err != nil {
		return err
	}
	if synced == s.TargetVersion {
		e.logger.Info("staging branch already at target version", "version", synced)
		e.emit(s, EventSucceed, StagingBranch+" is already at "+synced)
		return nil
	}

	diff, err := e.deps.Diffs.Diff(ctx, synced, s.TargetVersion)
	if err != nil {
		return fmt.Errorf("failed to compute template diff %s..%s: %w", synced, s.TargetVersion, err)
	}
	if diff != "" {
		if err := e.summarize(s, diff); err != nil {
			return err
		}
		if err := e.applyPatch(ctx, s, diff); err != nil {
			return err
		}
	}

	// The patch may be empty for this consumer, the commit still records
	// the version.
	if err := repo.Commit(ctx, s.TargetVersion, ".", true); err != nil {
		return fmt.Errorf("failed to commit %s: %w", s.TargetVersion, err)
	}
	e.pushStaging(ctx)

	e.emit(s, EventSucceed, fmt.Sprintf("%s updated to %s", StagingBranch, s.TargetVersion))
	return nil
}

// checkoutStaging switches to the staging branch. A failed checkout is
// tolerated when HEAD already is the staging branch.
func (e *Engine) checkoutStaging(ctx context.Context) error {
	err := e.deps.Repo.Checkout(ctx, StagingBranch)
	if err == nil {
		return nil
	}
	current, cerr := e.deps.Repo.CurrentBranch(ctx)
	if cerr == nil && current == StagingBranch {
		e.logger.Debug("checkout of staging branch failed but it is already current", "error", err)
		return nil
	}
	return fmt.Errorf("failed to checkout %s: %w", StagingBranch, err)
}

// pullStaging merges the remote staging branch. Before the first push the
// remote branch, or the remote itself, does not exist yet; that is not an
// error.
func (e *Engine) pullStaging(ctx context.Context) error {
	err := e.deps.Repo.Pull(ctx, e.cfg.Sync.Remote, StagingBranch)
	switch {
	case err == nil:
		return nil
	case git.IsType(err, git.RemoteRefNotFound), git.IsType(err, git.RemoteNotFound):
		e.logger.Debug("remote staging branch not available yet", "remote", e.cfg.Sync.Remote, "error", err)
		return nil
	default:
		return fmt.Errorf("failed to pull %s/%s: %w", e.cfg.Sync.Remote, StagingBranch, err)
	}
}

// pushStaging publishes the version commit. The local merge does not
// depend on it, so a failure is only logged.
func (e *Engine) pushStaging(ctx context.Context) {
	if err := e.deps.Repo.Push(ctx, e.cfg.PushTarget(), StagingBranch); err != nil {
		e.logger.Warn("failed to push staging branch", "remote", e.cfg.PushTarget(), "error", err)
	}
}

// syncedVersion reads the version recorded by the latest staging commit,
// falling back to the base version.
func (e *Engine) syncedVersion(ctx context.Context, s *Session) (string, error) {
	commits, err := e.deps.Repo.Log(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read history of %s: %w", StagingBranch, err)
	}
	if len(commits) > 0 {
		if v, ok := version.Valid(commits[0].Message); ok {
			return v, nil
		}
	}
	base, _ := version.Valid(s.BaseVersion)
	return base, nil
}

func (e *Engine) summarize(s *Session, diff string) error {
	result, err := patch.Parse(diff, nil)
	if err != nil {
		return fmt.Errorf("failed to parse template diff: %w", err)
	}
	s.ModifiedFiles = append(s.ModifiedFiles, result.Summary()...)
	return nil
}

// applyPatch writes diff to a temporary file and applies it. The file is
// kept for inspection when git rejects it.
func (e *Engine) applyPatch(ctx context.Context, s *Session, diff string) error {
	f, err := os.CreateTemp("", s.TargetVersion+"-*.diff")
	if err != nil {
		return fmt.Errorf("failed to create patch file: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(diff); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write patch file: %w", err)
	}

	e.logger.Debug("applying template patch", "path", path)
	if err := e.deps.Repo.Apply(ctx, path); err != nil {
		return &PatchApplyError{Path: path, Err: err}
	}
	_ = os.Remove(path)
	return nil
}

func (e *Engine) mergeStagingBranch(ctx context.Context, s *Session) error {
	e.emit(s, EventStart, fmt.Sprintf("merging %s into %s", StagingBranch, s.OriginalBranch))
	repo := e.deps.Repo

	if err := repo.Checkout(ctx, s.OriginalBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", s.OriginalBranch, err)
	}
	if !s.SyncBranchPreexisted {
		if err := repo.ResetHard(ctx, s.latestCommit()); err != nil {
			return fmt.Errorf("failed to restore %s: %w", s.OriginalBranch, err)
		}
	}
	if err := repo.Merge(ctx, StagingBranch); err != nil {
		return &MergeConflictError{Branch: s.OriginalBranch, Err: err}
	}
	return nil
}
