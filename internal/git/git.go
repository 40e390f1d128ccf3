package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ShellClient opens repositories whose commands shell out to the git binary.
// It carries the credentials used for commands that talk to a remote.
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Open returns a Repo rooted at dir. The directory does not need to be a
// repository yet; see Repo.Init.
func (c *ShellClient) Open(dir string) *Repo {
	return &Repo{dir: dir, client: c}
}

// RunResult holds the captured output of one git command.
type RunResult struct {
	Stdout string
	Stderr string
}

// Repo runs git commands inside one working tree.
type Repo struct {
	dir    string
	client *ShellClient
}

// Dir returns the working tree directory.
func (r *Repo) Dir() string {
	return r.dir
}

// Run runs a git command in the working tree. Omit the "git" part.
func (r *Repo) Run(ctx context.Context, args ...string) (RunResult, error) {
	return r.runCommand(r.command(ctx, args...))
}

// runRemote runs a command that contacts remote, with authentication
// configured for the remote's URL.
func (r *Repo) runRemote(ctx context.Context, remote string, args ...string) (RunResult, error) {
	cmd := r.command(ctx, args...)
	if err := r.client.configureAuth(cmd, r.remoteURL(ctx, remote)); err != nil {
		return RunResult{}, err
	}
	return r.runCommand(cmd)
}

// remoteURL resolves a remote name to its URL. Values that already look
// like URLs are returned unchanged.
func (r *Repo) remoteURL(ctx context.Context, remote string) string {
	if strings.Contains(remote, "://") || strings.HasPrefix(remote, "git@") || strings.HasPrefix(remote, "/") {
		return remote
	}
	res, err := r.Run(ctx, "remote", "get-url", remote)
	if err != nil {
		return remote
	}
	return strings.TrimSpace(res.Stdout)
}

func (r *Repo) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	// Error classification matches on git's English messages.
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return cmd
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if c == nil {
		return nil
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// The token reaches git through the environment and a credential
		// helper, never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "TEMPLATESYNC_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$TEMPLATESYNC_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an *ExecError on failure
func (r *Repo) runCommand(cmd *exec.Cmd) (RunResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return RunResult{}, newExecError(cmd.Args[1:], err, stdout.String(), stderr.String())
	}
	return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
