//go:build integration

package tier1

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/templatesync/internal/crashreport"
	tsync "github.com/schaermu/templatesync/internal/sync"
	"github.com/schaermu/templatesync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

var (
	template100 = map[string]string{
		"README.md":        "# app\nv1\n",
		"config/base.json": "{}\n",
		"assets/logo.png":  "\x89PNG\r\n\x1a\n\x00\x01",
	}
	template110 = map[string]string{
		"README.md":        "# app\nv1.1\n",
		"config/base.json": "{}\n",
		"assets/logo.png":  "\x89PNG\r\n\x1a\n\x00\x02\x03",
		"src/feature.ts":   "export const feature = true\n",
		"logs/debug.log":   "ignored\n",
	}
	template120 = map[string]string{
		"README.md":        "# app\nv1.2\n",
		"config/base.json": "{}\n",
		"assets/logo.png":  "\x89PNG\r\n\x1a\n\x00\x02\x03",
		"src/feature.ts":   "export const feature = true\n",
	}
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	h.Publish("1.0.0", template100)
	h.Publish("1.1.0", template110)

	// Consumer generated from 1.0.0 with one commit of its own
	h.Scaffold(template100)
	testutil.CommitFile(t, h.Consumer, "src/app.ts", "export const app = 1\n", "feat: app")

	// Run all scenarios as subtests
	t.Run("A_InitialSyncCreatesStagingBranch", func(t *testing.T) {
		testInitialSync(t, h, ctx)
	})

	t.Run("B_RepeatedSyncIsEmpty", func(t *testing.T) {
		testRepeatedSync(t, h, ctx)
	})

	t.Run("C_NoUpdate", func(t *testing.T) {
		testNoUpdate(t, h, ctx)
	})

	t.Run("D_MergeConflict", func(t *testing.T) {
		testMergeConflict(t, h, ctx)
	})
}

// testInitialSync runs the first sync, which has to create the staging
// branch from the scaffold commit.
func testInitialSync(t *testing.T, h *Harness, ctx context.Context) {
	t.Helper()

	outcome, out, err := h.Run(ctx, h.Config("1.0.0"))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != tsync.OutcomeSynced {
		t.Fatalf("outcome = %s, want synced", outcome)
	}

	if got := h.Git("rev-parse", "--abbrev-ref", "HEAD"); got != "main" {
		t.Errorf("current branch = %s, want main", got)
	}
	if got := testutil.ReadFile(t, h.Consumer, "README.md"); got != "# app\nv1.1\n" {
		t.Errorf("README.md = %q, want template 1.1.0 content", got)
	}
	if got := testutil.ReadFile(t, h.Consumer, "src/feature.ts"); !strings.Contains(got, "feature = true") {
		t.Errorf("src/feature.ts = %q", got)
	}
	if got := testutil.ReadFile(t, h.Consumer, "src/app.ts"); got != "export const app = 1\n" {
		t.Errorf("consumer change lost: src/app.ts = %q", got)
	}
	if got := testutil.ReadFile(t, h.Consumer, "assets/logo.png"); got != template110["assets/logo.png"] {
		t.Errorf("binary asset not updated: %q", got)
	}
	assertMissing(t, h.Consumer, "logs/debug.log")
	assertMissing(t, h.Consumer, crashreport.FileName)

	if got := testutil.Git(t, h.Remote, "log", "-1", "--format=%s", "sync"); got != "1.1.0" {
		t.Errorf("remote sync branch head = %q, want 1.1.0", got)
	}
	if got := h.Git("status", "--porcelain"); got != "" {
		t.Errorf("working tree not clean after sync:\n%s", got)
	}
	if !strings.Contains(out, "README.md") {
		t.Errorf("reporter did not list README.md:\n%s", out)
	}
}

// testRepeatedSync runs again with the staging branch already at the
// target version.
func testRepeatedSync(t *testing.T, h *Harness, ctx context.Context) {
	t.Helper()

	before := testutil.ReadFile(t, h.Consumer, "README.md")
	outcome, _, err := h.Run(ctx, h.Config("1.0.0"))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != tsync.OutcomeSynced {
		t.Fatalf("outcome = %s, want synced", outcome)
	}
	if got := testutil.ReadFile(t, h.Consumer, "README.md"); got != before {
		t.Errorf("README.md changed on repeated sync: %q", got)
	}
	if got := testutil.Git(t, h.Remote, "log", "-1", "--format=%s", "sync"); got != "1.1.0" {
		t.Errorf("remote sync branch head = %q, want 1.1.0", got)
	}
}

func testNoUpdate(t *testing.T, h *Harness, ctx context.Context) {
	t.Helper()

	head := testutil.HeadHash(t, h.Consumer)
	outcome, _, err := h.Run(ctx, h.Config("1.1.0"))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != tsync.OutcomeNoUpdate {
		t.Fatalf("outcome = %s, want no-update", outcome)
	}
	if got := testutil.HeadHash(t, h.Consumer); got != head {
		t.Errorf("HEAD moved from %s to %s", head, got)
	}
}

// testMergeConflict edits a file the next template release also touches.
func testMergeConflict(t *testing.T, h *Harness, ctx context.Context) {
	t.Helper()

	testutil.CommitFile(t, h.Consumer, "README.md", "# app\ncustom\n", "docs: customize readme")
	h.Publish("1.2.0", template120)

	outcome, _, err := h.Run(ctx, h.Config("1.0.0"))
	if outcome != tsync.OutcomeConflict {
		t.Fatalf("outcome = %s (%v), want conflict", outcome, err)
	}
	var conflict *tsync.MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}

	if got := h.Git("diff", "--name-only", "--diff-filter=U"); !strings.Contains(got, "README.md") {
		t.Errorf("README.md not left conflicted, unmerged paths: %q", got)
	}
	if got := testutil.ReadFile(t, h.Consumer, "README.md"); !strings.Contains(got, "<<<<<<<") {
		t.Errorf("README.md has no conflict markers:\n%s", got)
	}
	if got := testutil.Git(t, h.Remote, "log", "-1", "--format=%s", "sync"); got != "1.2.0" {
		t.Errorf("remote sync branch head = %q, want 1.2.0", got)
	}
	assertMissing(t, h.Consumer, crashreport.FileName)
}

// TestTier1PatchFailureRollsBack syncs a consumer whose first commit does
// not match the template base version, so the patch cannot apply.
func TestTier1PatchFailureRollsBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	h.Publish("1.0.0", template100)
	h.Publish("1.1.0", template110)

	h.Scaffold(map[string]string{
		"README.md":        "# something else entirely\n",
		"config/base.json": "{}\n",
	})
	testutil.CommitFile(t, h.Consumer, "src/app.ts", "export const app = 1\n", "feat: app")
	head := testutil.HeadHash(t, h.Consumer)

	outcome, out, err := h.Run(ctx, h.Config("1.0.0"))
	if outcome != tsync.OutcomeFailed {
		t.Fatalf("outcome = %s (%v), want failed", outcome, err)
	}
	var applyErr *tsync.PatchApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected PatchApplyError, got %v", err)
	}

	if got := h.Git("rev-parse", "--abbrev-ref", "HEAD"); got != "main" {
		t.Errorf("current branch = %s, want main", got)
	}
	if got := testutil.HeadHash(t, h.Consumer); got != head {
		t.Errorf("HEAD = %s, want restored %s", got, head)
	}
	if got := testutil.ReadFile(t, h.Consumer, "src/app.ts"); got != "export const app = 1\n" {
		t.Errorf("consumer change lost: src/app.ts = %q", got)
	}
	assertMissing(t, h.Consumer, "src/feature.ts")

	report := testutil.ReadFile(t, h.Consumer, crashreport.FileName)
	if !strings.Contains(report, head) {
		t.Errorf("crash report does not record the commit history:\n%s", report)
	}
	if !strings.Contains(out, crashreport.FileName) {
		t.Errorf("failure notification does not point at the crash report:\n%s", out)
	}
	if got := h.Git("status", "--porcelain"); got != "" {
		t.Errorf("crash report must not dirty the working tree:\n%s", got)
	}
}

func assertMissing(t *testing.T, dir, name string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
		t.Errorf("%s should not exist (stat error: %v)", name, err)
	}
}
