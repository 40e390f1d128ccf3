package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/templatesync/internal/git"
)

var (
	// ErrUnreachable aborts a sync when the template registry cannot be
	// reached.
	ErrUnreachable = errors.New("template registry is not reachable, skipping sync")

	// ErrSyncDisabled aborts a sync for a consumer that switched it off.
	ErrSyncDisabled = errors.New("sync is disabled for this repository")
)

// TargetNotFoundError reports that no published version satisfies the
// configured range.
type TargetNotFoundError struct {
	Template string
	Range    string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("no published version of %s satisfies %s", e.Template, e.Range)
}

// DirtyWorkingTreeError aborts a sync while the consumer has uncommitted
// changes.
type DirtyWorkingTreeError struct {
	Status git.Status
}

func (e *DirtyWorkingTreeError) Error() string {
	s := e.Status
	var parts []string
	for _, c := range []struct {
		name  string
		paths []string
	}{
		{"conflicted", s.Conflicted},
		{"created", s.Created},
		{"deleted", s.Deleted},
		{"modified", s.Modified},
		{"untracked", s.NotAdded},
		{"renamed", s.Renamed},
		{"staged", s.Staged},
	} {
		if len(c.paths) > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", len(c.paths), c.name))
		}
	}
	return fmt.Sprintf("working tree is not clean (%s), commit your changes first", strings.Join(parts, ", "))
}

// PatchApplyError reports a template patch that did not apply. The patch
// file is kept at Path.
type PatchApplyError struct {
	Path string
	Err  error
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("failed to apply template patch %s: %v", e.Path, e.Err)
}

func (e *PatchApplyError) Unwrap() error { return e.Err }

// StagingBranchError reports that the staging branch could not be created
// or published.
type StagingBranchError struct {
	Err error
}

func (e *StagingBranchError) Error() string {
	return fmt.Sprintf("failed to create staging branch %s: %v", StagingBranch, e.Err)
}

func (e *StagingBranchError) Unwrap() error { return e.Err }

// MergeConflictError reports a merge of the staging branch that needs
// manual resolution. The working tree is left as git left it.
type MergeConflictError struct {
	Branch string
	Err    error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merging %s into %s needs manual resolution: %v", StagingBranch, e.Branch, e.Err)
}

func (e *MergeConflictError) Unwrap() error { return e.Err }

// isAbort reports whether err is a precondition failure that happened
// before anything was mutated.
func isAbort(err error) bool {
	var dirty *DirtyWorkingTreeError
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrSyncDisabled) || errors.As(err, &dirty)
}
