package git

import (
	"context"
	"strings"
)

// BranchSummary lists local and remote-tracking branches. Local branches
// appear as "<name>", remote-tracking ones as "remotes/<remote>/<name>".
type BranchSummary struct {
	All     []string
	Current string
}

// Has reports whether name is in the list.
func (b BranchSummary) Has(name string) bool {
	for _, n := range b.All {
		if n == name {
			return true
		}
	}
	return false
}

// Commit is one entry of the commit log.
type Commit struct {
	Hash        string
	Date        string
	AuthorName  string
	AuthorEmail string
	Message     string
}

// Status groups working tree paths by state, mirroring porcelain v1.
type Status struct {
	Conflicted []string
	Created    []string
	Deleted    []string
	Modified   []string
	NotAdded   []string
	Renamed    []string
	Staged     []string
}

// IsClean reports whether every category is empty.
func (s Status) IsClean() bool {
	return len(s.Conflicted) == 0 &&
		len(s.Created) == 0 &&
		len(s.Deleted) == 0 &&
		len(s.Modified) == 0 &&
		len(s.NotAdded) == 0 &&
		len(s.Renamed) == 0 &&
		len(s.Staged) == 0
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "--format=%H%x1f%aI%x1f%an%x1f%ae%x1f%s%x1e"
)

// Init creates a repository whose unborn branch is named branch.
func (r *Repo) Init(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "init", "-b", branch)
	return wrap("init", err)
}

// Branches lists local and remote-tracking branches.
func (r *Repo) Branches(ctx context.Context) (BranchSummary, error) {
	res, err := r.Run(ctx, "for-each-ref", "--format=%(HEAD)"+fieldSep+"%(refname)", "refs/heads", "refs/remotes")
	if err != nil {
		return BranchSummary{}, wrap("for-each-ref", err)
	}
	return parseBranches(res.Stdout), nil
}

func parseBranches(out string) BranchSummary {
	var summary BranchSummary
	summary.All = []string{}
	for _, line := range strings.Split(out, "\n") {
		head, ref, ok := strings.Cut(line, fieldSep)
		if !ok {
			continue
		}
		var name string
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			name = strings.TrimPrefix(ref, "refs/heads/")
		case strings.HasPrefix(ref, "refs/remotes/"):
			if strings.HasSuffix(ref, "/HEAD") {
				continue
			}
			name = "remotes/" + strings.TrimPrefix(ref, "refs/remotes/")
		default:
			continue
		}
		summary.All = append(summary.All, name)
		if head == "*" {
			summary.Current = name
		}
	}
	return summary
}

// CurrentBranch returns the checked out branch, or "" for a detached HEAD.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	res, err := r.Run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if IsType(err, Unknown) {
			return "", nil
		}
		return "", wrap("symbolic-ref", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Log returns the history of HEAD, newest first.
func (r *Repo) Log(ctx context.Context) ([]Commit, error) {
	res, err := r.Run(ctx, "log", logFormat)
	if err != nil {
		return nil, wrap("log", err)
	}
	return parseLog(res.Stdout), nil
}

func parseLog(out string) []Commit {
	commits := []Commit{}
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 5)
		if len(fields) != 5 {
			continue
		}
		commits = append(commits, Commit{
			Hash:        fields[0],
			Date:        fields[1],
			AuthorName:  fields[2],
			AuthorEmail: fields[3],
			Message:     fields[4],
		})
	}
	return commits
}

// Status reports the working tree state.
func (r *Repo) Status(ctx context.Context) (Status, error) {
	res, err := r.Run(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return Status{}, wrap("status", err)
	}
	return parseStatus(res.Stdout), nil
}

// parseStatus reads `git status --porcelain=v1 -z` output.
func parseStatus(out string) Status {
	var s Status
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		x, y, path := entry[0], entry[1], entry[3:]

		switch {
		case x == '?' && y == '?':
			s.NotAdded = append(s.NotAdded, path)
			continue
		case isUnmerged(x, y):
			s.Conflicted = append(s.Conflicted, path)
			continue
		}

		// Every entry lands in a category, so IsClean is false whenever
		// porcelain prints anything. Type changes count as modified.
		switch {
		case x == 'A' || y == 'A':
			s.Created = append(s.Created, path)
		case x == 'D' || y == 'D':
			s.Deleted = append(s.Deleted, path)
		case x == 'R' || x == 'C':
			s.Renamed = append(s.Renamed, path)
		default:
			s.Modified = append(s.Modified, path)
		}
		if x != ' ' && x != '?' {
			s.Staged = append(s.Staged, path)
		}
		if x == 'R' || x == 'C' {
			// The original path follows as its own entry.
			i++
		}
	}
	return s
}

func isUnmerged(x, y byte) bool {
	switch string([]byte{x, y}) {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU":
		return true
	}
	return false
}

// Checkout switches to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "checkout", ref)
	return wrap("checkout", err)
}

// CheckoutNewBranch creates name at startPoint (HEAD when empty) and
// switches to it.
func (r *Repo) CheckoutNewBranch(ctx context.Context, name, startPoint string) error {
	args := []string{"checkout", "-b", name}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := r.Run(ctx, args...)
	return wrap("checkout -b", err)
}

// ResetHard moves the current branch and working tree to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "reset", "--hard", ref)
	return wrap("reset", err)
}

// Pull merges branch from remote into the current branch without rebasing.
func (r *Repo) Pull(ctx context.Context, remote, branch string) error {
	_, err := r.runRemote(ctx, remote, "pull", "--no-rebase", "--no-edit", remote, branch)
	return wrap("pull", err)
}

// Push pushes branch to remote. remote may be a name or a URL.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.runRemote(ctx, remote, "push", remote, branch)
	return wrap("push", err)
}

// Merge merges branch into the current branch. A conflicted merge leaves
// the working tree in the merging state and returns an error of type
// Conflict.
func (r *Repo) Merge(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "merge", "--no-edit", branch)
	return wrap("merge", err)
}

// AddAll stages every change in the working tree.
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.Run(ctx, "add", "-A")
	return wrap("add", err)
}

// Commit stages pathspec (including new and deleted files) and commits.
func (r *Repo) Commit(ctx context.Context, message, pathspec string, allowEmpty bool) error {
	if pathspec == "" {
		pathspec = "."
	}
	if _, err := r.Run(ctx, "add", "-A", "--", pathspec); err != nil {
		return wrap("add", err)
	}
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := r.Run(ctx, args...)
	return wrap("commit", err)
}

// CommitEmpty records a commit without changes.
func (r *Repo) CommitEmpty(ctx context.Context, message string) error {
	_, err := r.Run(ctx, "commit", "--allow-empty", "-m", message)
	return wrap("commit", err)
}

// Apply applies a patch file to the working tree. git checks every hunk
// before touching any file, so a rejected patch leaves the tree unchanged.
func (r *Repo) Apply(ctx context.Context, patchFile string) error {
	_, err := r.Run(ctx, "apply", patchFile)
	return wrap("apply", err)
}

// Diff returns the unified diff between two revisions. Binary files are
// included as git binary patches so the result can be applied.
func (r *Repo) Diff(ctx context.Context, from, to string) (string, error) {
	res, err := r.Run(ctx, "diff", "--binary", "--no-color", "--no-ext-diff", "--src-prefix=a/", "--dst-prefix=b/", from, to)
	if err != nil {
		return "", wrap("diff", err)
	}
	return res.Stdout, nil
}

// Clean removes untracked and ignored files.
func (r *Repo) Clean(ctx context.Context) error {
	_, err := r.Run(ctx, "clean", "-fdx")
	return wrap("clean", err)
}

// SetConfig sets a repository-local configuration value.
func (r *Repo) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.Run(ctx, "config", key, value)
	return wrap("config", err)
}
