package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/templatesync/internal/patch"
	"github.com/schaermu/templatesync/internal/sync"
	"github.com/schaermu/templatesync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// withFlags restores the global flag values after the test.
func withFlags(t *testing.T) {
	t.Helper()
	origCfg, origCwd := cfgFile, cwdFlag
	origPattern, origOutput := analyzePattern, analyzeOutput
	t.Cleanup(func() {
		cfgFile, cwdFlag = origCfg, origCwd
		analyzePattern, analyzeOutput = origPattern, origOutput
	})
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "templatesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	withFlags(t)

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, tmpDir, `template:
  name: "@acme/app-template"
  base_version: "1.2.0"
  source_dir: "`+filepath.Join(tmpDir, "templates")+`"
paths:
  snapshot_dir: "`+filepath.Join(tmpDir, "snapshots")+`"
`)
	cwdFlag = tmpDir

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Cwd != tmpDir {
		t.Errorf("Cwd = %s, want %s", cfg.Cwd, tmpDir)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	withFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(testLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	withFlags(t)
	cfgFile = ""
	cwdFlag = t.TempDir()

	_, err := loadConfig(testLogger())
	// Expect error because neither config file nor package.json exist
	if err == nil {
		t.Error("expected error when no configuration exists")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestLockRepository(t *testing.T) {
	dir := t.TempDir()
	if _, err := lockRepository(dir); err == nil {
		t.Fatal("expected error outside a git repository")
	}

	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	unlock, err := lockRepository(dir)
	if err != nil {
		t.Fatalf("lockRepository failed: %v", err)
	}

	if _, err := lockRepository(dir); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("expected second lock to fail, got %v", err)
	}

	unlock()
	unlock, err = lockRepository(dir)
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	unlock()
}

func TestExitError(t *testing.T) {
	cause := errors.New("merge failed")
	err := fmt.Errorf("wrapped: %w", &exitError{code: 1, err: cause})

	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("expected exitError with code 1, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("exitError must unwrap to its cause")
	}
	if (&exitError{code: 1}).Error() != "exit status 1" {
		t.Error("unexpected message without cause")
	}
}

func TestPrintChanges(t *testing.T) {
	var buf bytes.Buffer
	printChanges(&buf, &patch.Result{Files: []patch.FileChange{
		{
			BeforeName: "README.md",
			AfterName:  "README.md",
			Hunks: []patch.LineChange{
				{Added: false, LineNumber: 2, Text: "old"},
				{Added: true, LineNumber: 2, Text: "new"},
				{Added: true, LineNumber: 3, Text: "more"},
			},
		},
		{Added: true, BeforeName: "src/new.ts", AfterName: "src/new.ts"},
	}})

	out := buf.String()
	for _, want := range []string{"README.md", "modify", "src/new.ts", "add"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printChanges(&buf, &patch.Result{})
	if strings.TrimSpace(buf.String()) != "no changes" {
		t.Errorf("unexpected output for empty result: %q", buf.String())
	}
}

func TestRunResolve(t *testing.T) {
	withFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"@acme/app-template","versions":{"1.2.0":{},"1.3.0":{},"1.4.0-beta.1":{},"2.0.0":{}}}`))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, tmpDir, `template:
  name: "@acme/app-template"
  base_version: "1.2.0"
  source_dir: "/srv/templates/app"
registry:
  url: "`+server.URL+`"
paths:
  snapshot_dir: "`+filepath.Join(tmpDir, "snapshots")+`"
`)
	cwdFlag = tmpDir

	var out bytes.Buffer
	resolveCmd.SetOut(&out)
	t.Cleanup(func() { resolveCmd.SetOut(nil) })

	if err := runResolve(resolveCmd, nil); err != nil {
		t.Fatalf("runResolve failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "1.3.0" {
		t.Errorf("resolved %q, want 1.3.0", got)
	}
}

func TestRunResolveNotFound(t *testing.T) {
	withFlags(t)

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, tmpDir, `template:
  name: "@acme/app-template"
  base_version: "1.2.0"
  source_dir: "/srv/templates/app"
registry:
  url: "`+server.URL+`"
paths:
  snapshot_dir: "`+filepath.Join(tmpDir, "snapshots")+`"
`)
	cwdFlag = tmpDir

	err := runResolve(resolveCmd, nil)
	var notFound *sync.TargetNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TargetNotFoundError, got %v", err)
	}
}

func TestRunAnalyze(t *testing.T) {
	testutil.RequireGit(t)
	withFlags(t)

	tmpDir := t.TempDir()
	templates := filepath.Join(tmpDir, "templates")
	testutil.WriteFile(t, templates, "1.0.0/README.md", "# app\nold\n")
	testutil.WriteFile(t, templates, "1.0.0/docs/guide.md", "guide\n")
	testutil.WriteFile(t, templates, "1.1.0/README.md", "# app\nnew\n")
	testutil.WriteFile(t, templates, "1.1.0/src/index.ts", "export {}\n")

	cfgFile = writeConfig(t, tmpDir, `template:
  name: "@acme/app-template"
  base_version: "1.0.0"
  source_dir: "`+templates+`"
paths:
  snapshot_dir: "`+filepath.Join(tmpDir, "snapshots")+`"
`)
	cwdFlag = tmpDir

	var out bytes.Buffer
	analyzeCmd.SetOut(&out)
	t.Cleanup(func() { analyzeCmd.SetOut(nil) })

	analyzeOutput = "table"
	analyzePattern = ""
	if err := runAnalyze(analyzeCmd, []string{"1.0.0", "1.1.0"}); err != nil {
		t.Fatalf("runAnalyze failed: %v", err)
	}
	for _, want := range []string{"README.md", "docs/guide.md", "src/index.ts"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("table does not list %s:\n%s", want, out.String())
		}
	}

	out.Reset()
	analyzePattern = "src/**"
	if err := runAnalyze(analyzeCmd, []string{"1.0.0", "1.1.0"}); err != nil {
		t.Fatalf("runAnalyze with pattern failed: %v", err)
	}
	if strings.Contains(out.String(), "README.md") || !strings.Contains(out.String(), "src/index.ts") {
		t.Errorf("pattern not applied:\n%s", out.String())
	}

	out.Reset()
	analyzeOutput = "raw"
	if err := runAnalyze(analyzeCmd, []string{"1.0.0", "1.1.0"}); err != nil {
		t.Fatalf("runAnalyze raw failed: %v", err)
	}
	if !strings.Contains(out.String(), "diff --git a/README.md b/README.md") {
		t.Errorf("raw output is not a diff:\n%s", out.String())
	}
}

func TestRunAnalyzeRejectsBadInput(t *testing.T) {
	withFlags(t)

	analyzeOutput = "table"
	if err := runAnalyze(analyzeCmd, []string{"one", "1.1.0"}); err == nil {
		t.Error("expected invalid version error")
	}

	analyzeOutput = "yaml"
	if err := runAnalyze(analyzeCmd, []string{"1.0.0", "1.1.0"}); err == nil {
		t.Error("expected unknown output error")
	}
}
