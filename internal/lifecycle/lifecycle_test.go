package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/compaction"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/lifecycle"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/testutil"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

const fakeTurnScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    startThread)
      echo "{\"id\":$id,\"result\":{\"threadId\":\"thread-1\"}}"
      ;;
    startTurn)
      echo "{\"id\":$id,\"result\":{\"turnId\":\"turn-1\"}}"
      echo "{\"method\":\"turn/completed\",\"params\":{\"threadId\":\"thread-1\",\"turnId\":\"turn-1\",\"status\":\"success\"}}"
      ;;
    *)
      echo "{\"id\":$id,\"result\":{}}"
      ;;
  esac
done
`

// fakeHost is an in-memory hostclient.Client fake that records the pull
// request it was asked to open.
type fakeHost struct {
	opened *hostclient.PullRequest
}

func (f *fakeHost) OpenPR(ctx context.Context, head, base, title, body string, draft bool) (*hostclient.PullRequest, error) {
	f.opened = &hostclient.PullRequest{Number: 1, URL: "https://example.invalid/pull/1", State: "open"}
	return f.opened, nil
}
func (f *fakeHost) GetPRByBranch(ctx context.Context, branch string) (*hostclient.PullRequest, error) {
	return f.opened, nil
}
func (f *fakeHost) MergePR(ctx context.Context, number int, strategy string) error { return nil }
func (f *fakeHost) ListChecks(ctx context.Context, ref string) ([]hostclient.Check, error) {
	return nil, nil
}
func (f *fakeHost) ListReviews(ctx context.Context, number int) ([]hostclient.Review, error) {
	return nil, nil
}
func (f *fakeHost) PostReview(ctx context.Context, number int, body, event string) error { return nil }
func (f *fakeHost) PostComment(ctx context.Context, number int, body string) error       { return nil }

func installFakePnpm(t *testing.T) {
	t.Helper()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "pnpm")
	script := "#!/usr/bin/env bash\necho '{\"success\":true}' > .agent-verify.json\nexit 0\n"
	testutil.AssertNoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newOrchestrator(t *testing.T, ctx context.Context) (*lifecycle.Orchestrator, *tasks.Registry, *fakeHost) {
	t.Helper()
	installFakePnpm(t)

	upstream := testutil.NewGitRepo(t)
	upstream.WriteFile("README.md", "# hello")
	upstream.Commit("initial commit")

	root := testutil.TempDir(t)
	wm, err := workspace.NewManager(root, upstream.Path)
	testutil.AssertNoError(t, err)

	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)

	proc, err := modelprocess.Start(ctx, "bash", []string{"-c", fakeTurnScript}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = proc.Stop() })
	d := dispatch.New(proc, reg, dispatch.DefaultConfig(), nil)

	compactor, err := compaction.New(d, compaction.DefaultConfig(), "", nil)
	testutil.AssertNoError(t, err)

	fl := fixloop.New(wm, d, reg, fixloop.DefaultConfig(), nil)

	host := &fakeHost{}

	o := lifecycle.New(lifecycle.Config{
		Registry:   reg,
		Workspaces: wm,
		Dispatcher: d,
		Compactor:  compactor,
		Fixer:      fl,
		Host:       host,
		BaseBranch: "main",
	})
	return o, reg, host
}

func TestRunMutation_Success(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	o, reg, host := newOrchestrator(t, ctx)

	result, err := o.RunMutation(ctx, core.TaskID("task-1"), "feature/task-1", "implement the thing")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, result.PRURL, "https://example.invalid/pull/1")

	task, ok := reg.GetTask(core.TaskID("task-1"))
	testutil.AssertTrue(t, ok, "expected task to be registered")
	testutil.AssertEqual(t, task.Status, core.TaskStatusPROpened)
	testutil.AssertEqual(t, task.PRURL, "https://example.invalid/pull/1")
	testutil.AssertTrue(t, host.opened != nil, "expected a PR to have been opened")
}

func TestRunMutation_DeploysInstructions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	o, _, _ := newOrchestrator(t, ctx)

	_, err := o.RunMutation(ctx, core.TaskID("task-2"), "feature/task-2", "implement the thing")
	testutil.AssertNoError(t, err)
}

func TestRunMutation_FixLoopFailureMarksTaskFailed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	upstream := testutil.NewGitRepo(t)
	upstream.WriteFile("README.md", "# hello")
	upstream.Commit("initial commit")

	root := testutil.TempDir(t)
	wm, err := workspace.NewManager(root, upstream.Path)
	testutil.AssertNoError(t, err)

	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)

	proc, err := modelprocess.Start(ctx, "bash", []string{"-c", fakeTurnScript}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = proc.Stop() })
	d := dispatch.New(proc, reg, dispatch.DefaultConfig(), nil)

	compactor, err := compaction.New(d, compaction.DefaultConfig(), "", nil)
	testutil.AssertNoError(t, err)

	// pnpm always fails and always produces the same diff stat, so FixLoop
	// aborts with NoProgress well before exhausting its iteration budget.
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "pnpm")
	script := "#!/usr/bin/env bash\necho 'test failed: nope'\nexit 1\n"
	testutil.AssertNoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg := fixloop.Config{MaxIterations: 6, MaxIdenticalFixDiffs: 2}
	fl := fixloop.New(wm, d, reg, cfg, nil)

	o := lifecycle.New(lifecycle.Config{
		Registry:   reg,
		Workspaces: wm,
		Dispatcher: d,
		Compactor:  compactor,
		Fixer:      fl,
		Host:       &fakeHost{},
		BaseBranch: "main",
	})

	_, err = o.RunMutation(ctx, core.TaskID("task-3"), "feature/task-3", "implement the thing")
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, core.IsKind(err, core.KindNoProgress), "expected no_progress")

	task, _ := reg.GetTask(core.TaskID("task-3"))
	testutil.AssertEqual(t, task.Status, core.TaskStatusFailed)
}
