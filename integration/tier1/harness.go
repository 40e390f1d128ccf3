//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/schaermu/templatesync/internal/config"
	"github.com/schaermu/templatesync/internal/crashreport"
	"github.com/schaermu/templatesync/internal/git"
	"github.com/schaermu/templatesync/internal/registry"
	"github.com/schaermu/templatesync/internal/report"
	"github.com/schaermu/templatesync/internal/snapshot"
	tsync "github.com/schaermu/templatesync/internal/sync"
	"github.com/schaermu/templatesync/internal/template"
	"github.com/schaermu/templatesync/internal/testutil"
)

const templateName = "@acme/app-template"

// Harness wires the real engine to local git repositories and a fake
// registry. Tier 1 needs nothing but the git binary.
type Harness struct {
	t *testing.T

	Root      string
	Templates string
	Remote    string
	Consumer  string
	Snapshots string

	published atomic.Pointer[[]string]
	server    *httptest.Server
}

// NewHarness creates the directory layout, an empty bare remote and the
// registry server.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	root := t.TempDir()
	h := &Harness{
		t:         t,
		Root:      root,
		Templates: filepath.Join(root, "templates"),
		Remote:    filepath.Join(root, "remote.git"),
		Consumer:  filepath.Join(root, "app"),
		Snapshots: filepath.Join(root, "snapshots"),
	}
	h.published.Store(&[]string{})

	h.server = httptest.NewServer(http.HandlerFunc(h.serveRegistry))
	t.Cleanup(h.server.Close)

	testutil.InitBareRemote(t, h.Remote)
	return h
}

func (h *Harness) serveRegistry(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	versions := map[string]any{}
	for _, v := range *h.published.Load() {
		versions[v] = map[string]string{"version": v}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"name": templateName, "versions": versions})
}

// Publish makes version available with the given files.
func (h *Harness) Publish(version string, files map[string]string) {
	h.t.Helper()
	for name, content := range files {
		testutil.WriteFile(h.t, filepath.Join(h.Templates, version), name, content)
	}
	published := append([]string{}, *h.published.Load()...)
	published = append(published, version)
	h.published.Store(&published)
}

// Scaffold creates the consumer repository from files, commits it on main
// and publishes main to the remote.
func (h *Harness) Scaffold(files map[string]string) {
	h.t.Helper()
	testutil.InitRepo(h.t, h.Consumer, "main")
	for name, content := range files {
		testutil.WriteFile(h.t, h.Consumer, name, content)
	}
	h.Git("add", "-A")
	h.Git("commit", "-m", "init")
	h.Git("remote", "add", "origin", h.Remote)
	h.Git("push", "origin", "main")
}

// Git runs git in the consumer repository.
func (h *Harness) Git(args ...string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.Consumer, args...)
}

// Config writes a configuration file outside the consumer and loads it.
func (h *Harness) Config(baseVersion string) *config.Config {
	h.t.Helper()
	content := "template:\n" +
		"  name: \"" + templateName + "\"\n" +
		"  base_version: \"" + baseVersion + "\"\n" +
		"  source_dir: \"" + h.Templates + "\"\n" +
		"sync:\n" +
		"  remote: origin\n" +
		"  remote_url: \"" + h.Remote + "\"\n" +
		"  ignore_pattern: \"**/*.log\"\n" +
		"registry:\n" +
		"  url: \"" + h.server.URL + "\"\n" +
		"paths:\n" +
		"  snapshot_dir: \"" + h.Snapshots + "\"\n" +
		"parameters:\n" +
		"  packageName: app\n"
	path := filepath.Join(h.Root, "templatesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatal(err)
	}

	cfg, _, err := config.Discover(h.Consumer, path)
	if err != nil {
		h.t.Fatalf("load config: %v", err)
	}
	return cfg
}

// Run executes one sync with the production wiring and returns the
// reporter output.
func (h *Harness) Run(ctx context.Context, cfg *config.Config) (tsync.Outcome, string, error) {
	h.t.Helper()
	logger := slog.New(slog.NewTextHandler(&testWriter{t: h.t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	provider, err := template.NewDirProvider(cfg.Template.SourceDir, cfg.Sync.IgnorePattern)
	if err != nil {
		h.t.Fatal(err)
	}
	analyzer := snapshot.NewAnalyzer(snapshot.Options{
		Root:     cfg.Paths.SnapshotDir,
		Package:  cfg.Template.Name,
		Params:   cfg.Parameters,
		Git:      git.NewShellClient("", ""),
		Provider: provider,
		Logger:   logger,
	})
	defer func() { _ = analyzer.Close() }()

	var out bytes.Buffer
	engine := tsync.NewEngine(cfg, tsync.Dependencies{
		Repo:     git.NewShellClient("", "").Open(cfg.Cwd),
		Versions: registry.NewClient(cfg.Registry.URL, cfg.Registry.Timeout, logger),
		Probe:    registry.NewProbe(cfg.Registry.URL),
		Diffs:    analyzer,
		Crash:    crashreport.NewWriter(cfg.Cwd, "integration"),
		Reporter: report.NewConsole(&out, true),
	}, logger)

	outcome, err := engine.Run(ctx)
	h.t.Logf("outcome %s, err %v\n%s", outcome, err, out.String())
	return outcome, out.String(), err
}

// testWriter forwards log output to the test log.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
