package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/schaermu/templatesync/internal/patch"
)

// Analyzer computes the change set between two template versions. The
// snapshot repository is opened on first use.
type Analyzer struct {
	opts Options

	mu   sync.Mutex
	repo *Repository
}

// NewAnalyzer creates an analyzer backed by the snapshot repository that
// opts describes.
func NewAnalyzer(opts Options) *Analyzer {
	return &Analyzer{opts: opts}
}

func (a *Analyzer) open(ctx context.Context) (*Repository, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.repo != nil {
		return a.repo, nil
	}
	repo, err := Open(ctx, a.opts)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	return repo, nil
}

// Diff ensures both versions are snapshotted and returns the raw unified
// diff from one to the other. Identical trees yield "".
func (a *Analyzer) Diff(ctx context.Context, from, to string) (string, error) {
	repo, err := a.open(ctx)
	if err != nil {
		return "", err
	}
	if err := repo.EnsureVersions(ctx, from, to); err != nil {
		return "", err
	}
	diff, err := repo.Diff(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}
	return diff, nil
}

// Analyze is Diff followed by parsing, restricted to files whose original
// path matches analyzePattern when it is set.
func (a *Analyzer) Analyze(ctx context.Context, from, to, analyzePattern string) (*patch.Result, error) {
	raw, err := a.Diff(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return patch.Parse(raw, &patch.Options{AnalyzePattern: analyzePattern})
}

// Close releases the snapshot repository if it was opened.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.repo == nil {
		return nil
	}
	err := a.repo.Close()
	a.repo = nil
	return err
}
