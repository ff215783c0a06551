// Package fixloop implements fixUntilGreen: repeatedly running the
// project's verification command and, on failure, dispatching a fix turn,
// until the workspace is green or the loop gives up.
package fixloop

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fsutil"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

const (
	defaultMaxIterations        = 5
	defaultMaxIdenticalFixDiffs = 3
	verifyArtifactName          = ".agent-verify.json"
	maxFailureLines             = 20
)

var failureLineRe = regexp.MustCompile(`(?i)(error|fail|failing|failed|✖|×)`)

// Config tunes FixLoop defaults; see config.TurnConfig.
type Config struct {
	MaxIterations        int
	MaxIdenticalFixDiffs int
}

// DefaultConfig matches the distilled spec's defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: defaultMaxIterations, MaxIdenticalFixDiffs: defaultMaxIdenticalFixDiffs}
}

// Result is fixUntilGreen's outcome.
type Result struct {
	Success    bool
	Iterations int
	LastVerify *VerifyResult
}

// VerifyResult is one verify() invocation's outcome.
type VerifyResult struct {
	Success      bool
	ExitCode     int
	Stdout       string
	Stderr       string
	FailureTail  []string
	ArtifactSeen bool
}

// FixLoop drives verify/fix iterations for one task's workspace.
type FixLoop struct {
	workspaces *workspace.Manager
	dispatcher *dispatch.Dispatcher
	registry   *tasks.Registry
	cfg        Config
	logger     *logging.Logger
}

// New constructs a FixLoop.
func New(workspaces *workspace.Manager, dispatcher *dispatch.Dispatcher, registry *tasks.Registry, cfg Config, logger *logging.Logger) *FixLoop {
	return &FixLoop{workspaces: workspaces, dispatcher: dispatcher, registry: registry, cfg: cfg, logger: logger}
}

// FixUntilGreen runs verify/fix iterations against taskID's workspace,
// dispatching fix turns against threadID, until verify succeeds, the
// iteration budget is exhausted, or the diff stops changing.
func (f *FixLoop) FixUntilGreen(ctx context.Context, taskID core.TaskID, threadID string) (*Result, error) {
	maxIterations := f.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	maxIdentical := f.cfg.MaxIdenticalFixDiffs
	if maxIdentical <= 0 {
		maxIdentical = defaultMaxIdenticalFixDiffs
	}

	path, err := f.workspaces.Path(string(taskID))
	if err != nil {
		return nil, err
	}

	var lastDiffStat string
	identicalCount := 0

	for iteration := 1; iteration <= maxIterations; iteration++ {
		verify, err := f.verify(ctx, string(taskID), path)
		if err != nil {
			return nil, err
		}
		if verify.Success {
			return &Result{Success: true, Iterations: iteration, LastVerify: verify}, nil
		}

		diffStat, err := f.diffStat(ctx, path)
		if err != nil {
			return nil, err
		}
		if iteration > 1 && normalizeDiffStat(diffStat) == normalizeDiffStat(lastDiffStat) {
			identicalCount++
		} else {
			identicalCount = 1
		}
		lastDiffStat = diffStat

		if identicalCount >= maxIdentical {
			_ = f.registry.UpdateTaskStatus(taskID, core.TaskStatusFailed)
			return nil, core.NewNoProgress(identicalCount)
		}

		if iteration == maxIterations {
			return &Result{Success: false, Iterations: iteration, LastVerify: verify}, nil
		}

		prompt := buildFixPrompt(verify, diffStat)
		if err := f.dispatcher.Dispatch(ctx, dispatch.Input{
			TaskID:   taskID,
			ThreadID: threadID,
			Prompt:   prompt,
			Cwd:      path,
		}); err != nil {
			return nil, err
		}
	}

	return &Result{Success: false, Iterations: maxIterations}, nil
}

// verify runs `pnpm verify` (allowing non-zero exit) and determines success
// from the .agent-verify.json artifact if present, else from exit code and
// stdout scavenging.
func (f *FixLoop) verify(ctx context.Context, taskID, path string) (*VerifyResult, error) {
	result, err := f.workspaces.RunInWorkspace(ctx, taskID, []string{"pnpm", "verify"}, true, workspace.DefaultOutputCapBytes)
	if err != nil {
		return nil, err
	}

	vr := &VerifyResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}

	artifactPath := filepath.Join(path, verifyArtifactName)
	if data, err := fsutil.ReadFileScoped(artifactPath); err == nil {
		vr.ArtifactSeen = true
		if ok, found := parseArtifactSuccess(data); found {
			vr.Success = ok
			if !ok {
				vr.FailureTail = scavengeFailures(result.Stdout)
			}
			return vr, nil
		}
	}

	failures := scavengeFailures(result.Stdout)
	vr.FailureTail = failures
	vr.Success = result.ExitCode == 0 && len(failures) == 0
	return vr, nil
}

// parseArtifactSuccess reads the success|ok|passed boolean field from a
// .agent-verify.json artifact.
func parseArtifactSuccess(data []byte) (success bool, found bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, false
	}
	for _, key := range []string{"success", "ok", "passed"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, true
		}
	}
	return false, false
}

// scavengeFailures returns the last maxFailureLines lines matching
// failureLineRe.
func scavengeFailures(stdout string) []string {
	var matches []string
	for _, line := range strings.Split(stdout, "\n") {
		if failureLineRe.MatchString(line) {
			matches = append(matches, line)
		}
	}
	if len(matches) > maxFailureLines {
		matches = matches[len(matches)-maxFailureLines:]
	}
	return matches
}

func (f *FixLoop) diffStat(ctx context.Context, path string) (string, error) {
	client, err := git.NewClient(path)
	if err != nil {
		return "", core.NewStorageError("fixloop_git_client", err)
	}
	stat, err := client.DiffStat(ctx)
	if err != nil {
		return "", core.NewStorageError("fixloop_diff_stat", err)
	}
	return stat, nil
}

// normalizeDiffStat trims trailing whitespace so cosmetic differences don't
// defeat the identical-diff convergence check.
func normalizeDiffStat(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// buildFixPrompt assembles a fix-turn prompt from the failing verify's
// failure tail and diff-stat.
func buildFixPrompt(verify *VerifyResult, diffStat string) string {
	var b strings.Builder
	b.WriteString("The verification command failed. Fix it.\n\n")
	if len(verify.FailureTail) > 0 {
		b.WriteString("Failure tail:\n")
		for _, line := range verify.FailureTail {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if strings.TrimSpace(diffStat) != "" {
		fmt.Fprintf(&b, "Current diff stat:\n%s\n", diffStat)
	}
	return b.String()
}
