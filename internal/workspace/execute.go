package workspace

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orchestra-systems/orchestrator/internal/core"
)

// commandAllowlist is the first-token allowlist runInWorkspace enforces.
var commandAllowlist = map[string]bool{
	"pnpm": true,
	"node": true,
	"git":  true,
	"npx":  true,
	"bash": true,
}

// forbiddenGitFlags would let a git invocation escape the workspace by
// pointing at an arbitrary directory.
var forbiddenGitFlags = []string{"-C", "--git-dir", "--work-tree"}

// Result is the outcome of a runInWorkspace call.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// DefaultOutputCapBytes is the per-stream output ceiling runInWorkspace
// enforces when the caller does not override it.
const DefaultOutputCapBytes = 2 * 1024 * 1024

// RunInWorkspace validates argv against the command allowlist, then runs it
// with cwd set to the task's workspace. outputCapBytes caps stdout and
// stderr independently; exceeding it kills the child and fails the call.
// A non-zero exit is only an error if allowNonZero is false.
func (m *Manager) RunInWorkspace(ctx context.Context, taskID string, argv []string, allowNonZero bool, outputCapBytes int) (*Result, error) {
	path, err := m.resolveTaskPath(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.NewWorkspaceMissing(taskID)
	}

	if err := validateArgv(argv, path); err != nil {
		return nil, err
	}

	if outputCapBytes <= 0 {
		outputCapBytes = DefaultOutputCapBytes
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = path

	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		})
	}

	stdout := newCappedBuffer(outputCapBytes, kill)
	stderr := newCappedBuffer(outputCapBytes, kill)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	if stdout.Exceeded() || stderr.Exceeded() {
		return nil, core.NewInvalidInput("OUTPUT_CAP_EXCEEDED", "child process output exceeded the capture limit and was terminated")
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, core.NewStorageError("spawn_child", runErr)
		}
	}

	result := &Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
	if exitCode != 0 && !allowNonZero {
		return result, core.NewInvalidInput("NONZERO_EXIT", "command exited non-zero").WithDetail("exit_code", exitCode)
	}
	return result, nil
}

// validateArgv enforces the allowlist described in §4.2's execution
// contract before a single byte is spawned.
func validateArgv(argv []string, workspacePath string) error {
	if len(argv) == 0 {
		return core.NewInvalidInput("EMPTY_ARGV", "command must not be empty")
	}

	command := argv[0]
	if !commandAllowlist[command] {
		return core.NewInvalidInput("COMMAND_NOT_ALLOWED", "command is not in the allowlist").WithDetail("command", command)
	}

	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "~") {
			return core.NewInvalidInput("ABSOLUTE_ARG", "arguments may not begin with / or ~").WithDetail("arg", arg)
		}
		if containsDotDotSegment(arg) {
			return core.NewInvalidInput("PATH_TRAVERSAL_ARG", "arguments may not contain a .. path segment").WithDetail("arg", arg)
		}
	}

	switch command {
	case "git":
		for _, arg := range argv[1:] {
			for _, flag := range forbiddenGitFlags {
				if arg == flag || strings.HasPrefix(arg, flag+"=") {
					return core.NewInvalidInput("FORBIDDEN_GIT_FLAG", "git flag would escape the workspace").WithDetail("flag", flag)
				}
			}
		}
	case "bash":
		if len(argv) < 2 || !strings.HasPrefix(argv[1], "scripts/") {
			return core.NewInvalidInput("BASH_SCRIPT_REQUIRED", "bash's first argument must begin with scripts/")
		}
		resolved := filepath.Join(workspacePath, argv[1])
		cleanWorkspace := filepath.Clean(workspacePath)
		if resolved != cleanWorkspace && !strings.HasPrefix(filepath.Clean(resolved), cleanWorkspace+string(filepath.Separator)) {
			return core.NewPathEscape(argv[1])
		}
	}

	return nil
}

func containsDotDotSegment(arg string) bool {
	for _, part := range strings.Split(filepath.ToSlash(arg), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// cappedBuffer caps writes at limit bytes; beyond that it discards further
// writes, calls onExceed (which kills the owning child process) once, and
// remembers the cap was hit so the caller can fail the call instead of
// silently truncating.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	exceeded bool
	onExceed func()
}

func newCappedBuffer(limit int, onExceed func()) *cappedBuffer {
	return &cappedBuffer{limit: limit, onExceed: onExceed}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	over := c.buf.Len()+len(p) > c.limit
	if over {
		c.exceeded = true
	}
	c.mu.Unlock()

	if over {
		c.onExceed()
		return len(p), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *cappedBuffer) Exceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceeded
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
