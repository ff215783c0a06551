//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/api"
	"github.com/orchestra-systems/orchestrator/internal/compaction"
	"github.com/orchestra-systems/orchestrator/internal/config"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/lifecycle"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/rpcapi"
	"github.com/orchestra-systems/orchestrator/internal/scheduler"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/testutil"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

// TestIntegration_ConfigLoader exercises the viper-backed loader against a
// YAML file covering every section, not just defaults.
func TestIntegration_ConfigLoader(t *testing.T) {
	dir := testutil.TempDir(t)

	configContent := `
log:
  level: debug
  format: json
http:
  addr: ":9090"
  bearer_token: s3cr3t
github:
  owner: acme
  repo: widgets
turn:
  max_per_task: 8
scheduler:
  gc_sweep_enabled: false
model_process:
  command: my-model
  args: ["--stdio"]
`
	configPath := filepath.Join(dir, "orchestrator.yaml")
	testutil.AssertNoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := config.NewLoader().WithConfigFile(configPath).Load()
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, cfg.Log.Level, "debug")
	testutil.AssertEqual(t, cfg.HTTP.Addr, ":9090")
	testutil.AssertEqual(t, cfg.HTTP.BearerToken, "s3cr3t")
	testutil.AssertEqual(t, cfg.GitHub.Owner, "acme")
	testutil.AssertEqual(t, cfg.GitHub.Repo, "widgets")
	testutil.AssertEqual(t, cfg.Turn.MaxPerTask, 8)
	testutil.AssertTrue(t, !cfg.Scheduler.GCSweepEnabled, "gc sweep should be disabled")
	testutil.AssertEqual(t, cfg.ModelProcess.Command, "my-model")
	testutil.AssertLen(t, cfg.ModelProcess.Args, 1)
}

// TestIntegration_ConfigLoader_DefaultsWithoutFile verifies the loader
// tolerates a missing config file and falls back to defaults.
func TestIntegration_ConfigLoader_DefaultsWithoutFile(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg, err := config.NewLoader().WithConfigFile(filepath.Join(dir, "missing.yaml")).Load()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, cfg.Log.Level, "info")
	testutil.AssertEqual(t, cfg.HTTP.Addr, ":8080")
}

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

type fakeHost struct{ opened *hostclient.PullRequest }

func (f *fakeHost) OpenPR(ctx context.Context, head, base, title, body string, draft bool) (*hostclient.PullRequest, error) {
	f.opened = &hostclient.PullRequest{Number: 7, URL: "https://example.invalid/pull/7", State: "open"}
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

// TestIntegration_MutationRunThroughRPC drives a full RunMutation end to
// end through the JSON-RPC surface mounted on api.Server: real task
// registry, workspace manager, dispatcher, fix loop, and lifecycle
// orchestrator, with only the external coding-model subprocess and git
// host faked. It exercises the accepted/job-poll flow every async method
// in internal/rpcapi shares.
func TestIntegration_MutationRunThroughRPC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

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

	orch := lifecycle.New(lifecycle.Config{
		Registry: reg, Workspaces: wm, Dispatcher: d, Compactor: compactor,
		Fixer: fl, Host: host, BaseBranch: "main",
	})

	jobRegistry := jobs.New(0, nil)
	sched := scheduler.New(nil)

	rpc := rpcapi.New(rpcapi.Config{
		Jobs: jobRegistry, Lifecycle: orch, Scheduler: sched,
	})
	server := api.NewServer(api.WithRPC(rpc))

	body := `{"jsonrpc":"2.0","id":1,"method":"mutation/run","params":{"taskId":"task-9","branch":"feature/task-9","prompt":"implement the thing"}}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)

	var accepted struct {
		Result struct {
			JobID string `json:"jobId"`
		} `json:"result"`
	}
	testutil.AssertNoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	testutil.AssertTrue(t, accepted.Result.JobID != "", "expected a job id")

	deadline := time.Now().Add(15 * time.Second)
	var job jobs.Job
	for time.Now().Before(deadline) {
		job, err = jobRegistry.GetJob(accepted.Result.JobID)
		testutil.AssertNoError(t, err)
		if job.Status == jobs.StatusSucceeded || job.Status == jobs.StatusFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	testutil.AssertEqual(t, job.Status, jobs.StatusSucceeded)

	task, ok := reg.GetTask(core.TaskID("task-9"))
	testutil.AssertTrue(t, ok, "expected task to be registered")
	testutil.AssertEqual(t, task.Status, core.TaskStatusPROpened)
	testutil.AssertEqual(t, task.PRURL, "https://example.invalid/pull/7")
}

// TestIntegration_SchedulerStartThroughRPC verifies scheduler/start, wired
// the same way cmd/orchestratord registers it, actually runs a registered
// job and that job/get reports it.
func TestIntegration_SchedulerStartThroughRPC(t *testing.T) {
	sched := scheduler.New(nil)
	ran := make(chan struct{}, 1)
	testutil.AssertNoError(t, sched.Register("gc-sweep", func(_ context.Context) error {
		ran <- struct{}{}
		return nil
	}))

	rpc := rpcapi.New(rpcapi.Config{Scheduler: sched})
	server := api.NewServer(api.WithRPC(rpc))

	body := `{"jsonrpc":"2.0","id":1,"method":"scheduler/trigger","params":{"name":"gc-sweep"}}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler/trigger did not run the registered job")
	}
}
