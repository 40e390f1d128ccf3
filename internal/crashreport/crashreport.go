// Package crashreport writes the diagnostic file left behind when a sync
// fails unexpectedly.
package crashreport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	goerrors "github.com/go-errors/errors"
)

// FileName is the report written into the consumer directory.
const FileName = "template-sync-error.log"

// Info is the session state captured in a report.
type Info struct {
	Cwd           string
	TemplateName  string
	TargetVersion string
	CommitHistory []string
	Events        []string
}

// Writer renders and writes crash reports.
type Writer struct {
	dir     string
	version string
	args    []string
	getenv  func(string) string
}

// NewWriter creates a Writer that places reports in dir. version is the
// running tool's version.
func NewWriter(dir, version string) *Writer {
	return &Writer{
		dir:     dir,
		version: version,
		args:    os.Args,
		getenv:  os.Getenv,
	}
}

// Write replaces any previous report with one describing info and cause,
// and returns the report path.
func (w *Writer) Write(info Info, cause error) (string, error) {
	path := filepath.Join(w.dir, FileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove previous crash report: %w", err)
	}
	if err := os.WriteFile(path, []byte(w.Render(info, cause)), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	if err := w.exclude(); err != nil {
		return path, err
	}
	return path, nil
}

// exclude lists the report in .git/info/exclude so it does not count as an
// uncommitted change on the next sync. Directories that are not a
// repository root are left alone.
func (w *Writer) exclude() error {
	gitDir := filepath.Join(w.dir, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return nil
	}

	excludePath := filepath.Join(gitDir, "info", "exclude")
	entry := "/" + FileName
	data, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", excludePath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(excludePath), err)
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", excludePath, err)
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to update %s: %w", excludePath, err)
	}
	return f.Close()
}

// Render returns the report text.
func (w *Writer) Render(info Info, cause error) string {
	path := w.getenv("PATH")
	if path == "" {
		path = "undefined"
	}

	baseInfo := []string{
		"cwd: " + info.Cwd,
		"templateName: " + info.TemplateName,
		"targetVersion: " + info.TargetVersion,
		"currentBranchCommitHashList: " + strings.Join(info.CommitHistory, " "),
	}

	sections := []string{
		section("Arguments", strings.Join(w.args, " ")),
		section("PATH", path),
		section("templatesync version", w.version),
		section("Go version", runtime.Version()),
		section("Platform", runtime.GOOS+" "+runtime.GOARCH),
		section("BaseInfo", strings.Join(baseInfo, "\n")),
		section("ProcessInfo", strings.Join(info.Events, "\n")),
		section("Trace", trace(cause)),
	}
	return strings.Join(sections, "\n\n") + "\n"
}

func section(title, body string) string {
	return title + ": " + indent(body)
}

func indent(s string) string {
	return "\n  " + strings.Join(strings.Split(strings.TrimSpace(s), "\n"), "\n  ")
}

// trace lists the error chain followed by a stack. An error that already
// carries a stack keeps it.
func trace(cause error) string {
	if cause == nil {
		return "undefined"
	}

	var b strings.Builder
	for e := cause; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e)
	}

	var withStack *goerrors.Error
	if !errors.As(cause, &withStack) {
		withStack = goerrors.Wrap(cause, 1)
	}
	b.Write(withStack.Stack())
	return b.String()
}
