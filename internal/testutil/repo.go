// Package testutil provides real git repositories for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Git runs a git command in dir and returns its trimmed combined output.
// The test fails when the command fails.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository in dir with the given initial branch and a
// local committer identity.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", branch)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// InitBareRemote creates a bare repository usable as a push/pull remote.
func InitBareRemote(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "--bare", "-b", "main")
}

// WriteFile writes content to name inside dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of name inside dir.
func ReadFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitFile creates or overwrites a file and commits it.
func CommitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-m", msg)
}

// HeadHash returns the commit hash of HEAD.
func HeadHash(t *testing.T, dir string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", "HEAD")
}

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}
