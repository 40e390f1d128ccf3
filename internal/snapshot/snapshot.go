// Package snapshot keeps a local git repository holding one branch per
// materialized template version. All version branches start from a shared
// empty root commit, so any two of them can be diffed.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/otiai10/copy"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/templatesync/internal/git"
	"github.com/schaermu/templatesync/internal/steps"
	"github.com/schaermu/templatesync/internal/template"
)

const (
	rootBranch        = "root"
	rootCommitMessage = "first-commit"

	// maxConcurrentMaterialize bounds parallel provider calls.
	maxConcurrentMaterialize = 4

	lockRetryDelay = 200 * time.Millisecond
)

// Options configures Open.
type Options struct {
	// Root is the directory holding all snapshot repositories.
	Root string
	// Package is the template package name, e.g. "@scope/app-template".
	Package string
	// Params are the generation parameters; each distinct set gets its own
	// repository.
	Params   map[string]any
	Git      *git.ShellClient
	Provider template.Provider
	Logger   *slog.Logger
}

// Repository is an open snapshot repository. It holds an exclusive lock
// until Close is called.
type Repository struct {
	pkg      string
	dir      string
	git      *git.Repo
	provider template.Provider
	lock     *flock.Flock
	logger   *slog.Logger
}

// ParamsHash returns a short stable hash of the generation parameters.
func ParamsHash(params map[string]any) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode parameters: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Dir returns the repository directory for a package and parameter set.
func Dir(root, pkg string, params map[string]any) (string, error) {
	if pkg == "" {
		return "", errors.New("package name is required")
	}
	for _, segment := range strings.Split(pkg, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid package name %q", pkg)
		}
	}
	hash, err := ParamsHash(params)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(pkg), hash), nil
}

// Open locks and, on first use, initializes the snapshot repository for
// the given package and parameters.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := Dir(opts.Root, opts.Package, opts.Params)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	lock := flock.New(dir + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock snapshot repository: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("snapshot repository %s is locked by another process", dir)
	}

	r := &Repository{
		pkg:      opts.Package,
		dir:      dir,
		git:      opts.Git.Open(dir),
		provider: opts.Provider,
		lock:     lock,
		logger:   logger,
	}
	if err := r.init(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return r, nil
}

// init creates the repository and its empty root commit when missing.
func (r *Repository) init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); os.IsNotExist(err) {
		r.logger.Info("Initializing snapshot repository", "dir", r.dir)
		if err := r.git.Init(ctx, rootBranch); err != nil {
			return fmt.Errorf("failed to initialize snapshot repository: %w", err)
		}
	}

	for _, kv := range [][2]string{
		{"user.name", "templatesync"},
		{"user.email", "templatesync@localhost"},
		{"commit.gpgsign", "false"},
	} {
		if err := r.git.SetConfig(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}

	branches, err := r.git.Branches(ctx)
	if err != nil {
		return err
	}
	if branches.Has(rootBranch) {
		return nil
	}

	current, err := r.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current != rootBranch {
		return fmt.Errorf("snapshot repository %s has no %q branch", r.dir, rootBranch)
	}
	if err := r.git.CommitEmpty(ctx, rootCommitMessage); err != nil {
		return fmt.Errorf("failed to create root commit: %w", err)
	}
	return nil
}

// Dir returns the repository's working tree.
func (r *Repository) Dir() string {
	return r.dir
}

// Close releases the repository lock.
func (r *Repository) Close() error {
	return r.lock.Unlock()
}

// Missing returns the requested versions that have no branch yet.
func (r *Repository) Missing(ctx context.Context, versions []string) ([]string, error) {
	branches, err := r.git.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot branches: %w", err)
	}
	return missingVersions(branches.All, versions), nil
}

// missingVersions filters requested down to entries absent from existing.
// Order is preserved; empty and repeated entries are dropped.
func missingVersions(existing, requested []string) []string {
	have := make(map[string]bool, len(existing))
	for _, b := range existing {
		have[b] = true
	}

	missing := []string{}
	for _, v := range requested {
		if v == "" || have[v] {
			continue
		}
		have[v] = true
		missing = append(missing, v)
	}
	return missing
}

// EnsureVersions materializes and commits every version that has no branch
// yet. Existing branches are never modified. Provider calls run
// concurrently; commits run one at a time.
func (r *Repository) EnsureVersions(ctx context.Context, versions ...string) error {
	missing, err := r.Missing(ctx, versions)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	staging, err := os.MkdirTemp("", "templatesync-stage-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	stageDir := func(i int) string {
		return filepath.Join(staging, strconv.Itoa(i))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMaterialize)
	for i, version := range missing {
		dest := stageDir(i)
		pkg := template.Package{Name: r.pkg, Version: version}
		g.Go(func() error {
			r.logger.Info("Materializing template version", "package", pkg.String())
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			if err := r.provider.Materialize(gctx, version, dest); err != nil {
				return fmt.Errorf("failed to materialize %s: %w", pkg, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, version := range missing {
		if err := r.commitVersion(ctx, version, stageDir(i)); err != nil {
			return err
		}
	}
	return nil
}

// commitVersion writes a staged tree onto a fresh branch off root and
// commits it. A failed attempt removes the branch so a later run retries.
func (r *Repository) commitVersion(ctx context.Context, version, stagedDir string) error {
	err := steps.Run(ctx,
		func(ctx context.Context) error {
			return r.git.CheckoutNewBranch(ctx, version, rootBranch)
		},
		r.git.Clean,
		func(context.Context) error {
			return copy.Copy(stagedDir, r.dir, copy.Options{
				OnSymlink: func(string) copy.SymlinkAction { return copy.Shallow },
			})
		},
		func(ctx context.Context) error {
			return r.git.Commit(ctx, version, ".", true)
		},
	)
	if err != nil {
		r.discardBranch(ctx, version)
		return fmt.Errorf("failed to commit snapshot %s: %w", version, err)
	}

	r.logger.Debug("Committed snapshot", "version", version, "dir", r.dir)
	return nil
}

func (r *Repository) discardBranch(ctx context.Context, version string) {
	if _, err := r.git.Run(ctx, "checkout", "-f", rootBranch); err != nil {
		r.logger.Warn("Failed to return to root branch", "error", err)
		return
	}
	if _, err := r.git.Run(ctx, "branch", "-D", version); err != nil {
		r.logger.Debug("Failed to delete partial snapshot branch", "version", version, "error", err)
	}
}

// Diff returns the unified diff between two version branches.
func (r *Repository) Diff(ctx context.Context, from, to string) (string, error) {
	return r.git.Diff(ctx, from, to)
}
