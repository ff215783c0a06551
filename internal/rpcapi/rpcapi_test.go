package rpcapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/alerts"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/merge"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/rpcapi"
	"github.com/orchestra-systems/orchestrator/internal/scheduler"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/testutil"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID json.RawMessage `json:"id"`
}

func doRPC(t *testing.T, h http.Handler, method string, params any, token string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	testutil.AssertNoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp rpcResponse
	testutil.AssertNoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestServeHTTP_RejectsNonPost(t *testing.T) {
	h := rpcapi.New(rpcapi.Config{})
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	testutil.AssertEqual(t, rr.Code, http.StatusMethodNotAllowed)
}

func TestServeHTTP_RequiresBearerTokenWhenConfigured(t *testing.T) {
	h := rpcapi.New(rpcapi.Config{BearerToken: "secret-token"})
	rr, _ := doRPC(t, h, "job/get", map[string]string{"id": "x"}, "")
	testutil.AssertEqual(t, rr.Code, http.StatusUnauthorized)
}

func TestServeHTTP_AcceptsMatchingBearerToken(t *testing.T) {
	mgr, err := alerts.New(alerts.Config{}, "")
	testutil.AssertNoError(t, err)
	h := rpcapi.New(rpcapi.Config{BearerToken: "secret-token", Alerts: mgr})

	rr, resp := doRPC(t, h, "alert/send", map[string]string{"severity": "info", "source": "test", "title": "t", "message": "m"}, "secret-token")
	testutil.AssertEqual(t, rr.Code, http.StatusOK)
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")
}

func TestServeHTTP_MalformedBodyReturnsInvalidRequest(t *testing.T) {
	h := rpcapi.New(rpcapi.Config{})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp rpcResponse
	testutil.AssertNoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	testutil.AssertTrue(t, resp.Error != nil, "expected an rpc error")
	testutil.AssertEqual(t, resp.Error.Code, -32600)
}

func TestServeHTTP_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	h := rpcapi.New(rpcapi.Config{})
	_, resp := doRPC(t, h, "does/not-exist", nil, "")
	testutil.AssertTrue(t, resp.Error != nil, "expected an rpc error")
	testutil.AssertEqual(t, resp.Error.Code, -32601)
}

func TestServeHTTP_AlertSendRunsSynchronously(t *testing.T) {
	mgr, err := alerts.New(alerts.Config{}, "")
	testutil.AssertNoError(t, err)
	h := rpcapi.New(rpcapi.Config{Alerts: mgr})

	_, resp := doRPC(t, h, "alert/send", map[string]string{"severity": "warning", "source": "test", "title": "slow", "message": "detail"}, "")
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")
	testutil.AssertEqual(t, len(mgr.GetAlertHistory(0)), 1)
}

func TestServeHTTP_MergeEnqueueRunsSynchronously(t *testing.T) {
	q, err := merge.New(merge.Config{}, "")
	testutil.AssertNoError(t, err)
	h := rpcapi.New(rpcapi.Config{Queue: q})

	_, resp := doRPC(t, h, "merge/enqueue", map[string]any{"taskId": "t1", "branch": "feature/t1", "prNumber": 9, "priority": 5}, "")
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")

	entry, ok, err := q.Dequeue(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, ok, "expected the enqueued entry back")
	testutil.AssertEqual(t, entry.TaskID, core.TaskID("t1"))
}

func TestServeHTTP_SchedulerStartAndTrigger(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := scheduler.New(nil)
	testutil.AssertNoError(t, s.Register("quality-scan", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}))
	h := rpcapi.New(rpcapi.Config{Scheduler: s})

	_, resp := doRPC(t, h, "scheduler/start", nil, "")
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")

	_, resp = doRPC(t, h, "scheduler/trigger", map[string]string{"name": "quality-scan"}, "")
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected triggered job to run")
	}
}

func TestServeHTTP_JobGetUnknownIDReturnsApplicationError(t *testing.T) {
	reg := jobs.New(10, nil)
	h := rpcapi.New(rpcapi.Config{Jobs: reg})

	_, resp := doRPC(t, h, "job/get", map[string]string{"id": "does-not-exist"}, "")
	testutil.AssertTrue(t, resp.Error != nil, "expected an rpc error")
	testutil.AssertEqual(t, resp.Error.Code, -32000)
}

func installFakePnpm(t *testing.T) {
	t.Helper()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "pnpm")
	script := "#!/usr/bin/env bash\necho '{\"success\":true}' > .agent-verify.json\nexit 0\n"
	testutil.AssertNoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

const fakeTurnScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
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

func TestServeHTTP_VerifyRunIsAsyncAndCompletesViaJobLayer(t *testing.T) {
	installFakePnpm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	upstream := testutil.NewGitRepo(t)
	upstream.WriteFile("README.md", "# hello")
	upstream.Commit("initial commit")

	root := testutil.TempDir(t)
	wm, err := workspace.NewManager(root, upstream.Path)
	testutil.AssertNoError(t, err)
	_, err = wm.CreateWorkspace(ctx, "task-1")
	testutil.AssertNoError(t, err)

	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)
	_, err = reg.CreateTask(core.TaskID("task-1"), "feature/task-1")
	testutil.AssertNoError(t, err)

	proc, err := modelprocess.Start(ctx, "bash", []string{"-c", fakeTurnScript}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = proc.Stop() })
	d := dispatch.New(proc, reg, dispatch.DefaultConfig(), nil)
	fl := fixloop.New(wm, d, reg, fixloop.DefaultConfig(), nil)

	jobReg := jobs.New(10, nil)
	h := rpcapi.New(rpcapi.Config{Jobs: jobReg, Fixer: fl})

	_, resp := doRPC(t, h, "verify/run", map[string]string{"taskId": "task-1", "threadId": "thread-1"}, "")
	testutil.AssertTrue(t, resp.Error == nil, "expected no rpc error")

	asMap, ok := resp.Result.(map[string]any)
	testutil.AssertTrue(t, ok, "expected an object result")
	testutil.AssertTrue(t, asMap["accepted"] == true, "expected accepted=true")
	jobID, _ := asMap["jobId"].(string)
	testutil.AssertTrue(t, jobID != "", "expected a non-empty jobId")

	deadline := time.Now().Add(5 * time.Second)
	var job jobs.Job
	for time.Now().Before(deadline) {
		job, err = jobReg.GetJob(jobID)
		testutil.AssertNoError(t, err)
		if job.Status == jobs.StatusSucceeded || job.Status == jobs.StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	testutil.AssertEqual(t, job.Status, jobs.StatusSucceeded)
}
