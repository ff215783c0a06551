package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/testutil"
	"github.com/orchestra-systems/orchestrator/internal/webhook"
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

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func waitForAudit(t *testing.T, r *webhook.Router, n int) []webhook.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries := r.Audit()
		if len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("audit log did not reach %d entries in time", n)
	return nil
}

func TestServeHTTP_RejectsNonPost(t *testing.T) {
	r := webhook.New(webhook.Config{})
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	testutil.AssertEqual(t, w.Code, http.StatusMethodNotAllowed)
}

func TestServeHTTP_RequiresEventHeader(t *testing.T) {
	r := webhook.New(webhook.Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}

func TestServeHTTP_RejectsBadSignature(t *testing.T) {
	r := webhook.New(webhook.Config{Secret: "s3cret"})
	body := []byte(`{"ref":"refs/heads/t7"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	testutil.AssertEqual(t, w.Code, http.StatusUnauthorized)
}

func TestServeHTTP_PushRoutesToVerifyAndAudits(t *testing.T) {
	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)
	_, err = reg.CreateTask(core.TaskID("t7"), "t7")
	testutil.AssertNoError(t, err)

	jobRegistry := jobs.New(10, nil)
	r := webhook.New(webhook.Config{Registry: reg, Jobs: jobRegistry})

	body := []byte(`{"ref":"refs/heads/t7"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var resp map[string]string
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	testutil.AssertTrue(t, resp["deliveryId"] != "", "expected a deliveryId in the response")

	entries := waitForAudit(t, r, 1)
	testutil.AssertEqual(t, entries[0].Event, "push")
	testutil.AssertEqual(t, entries[0].Message, "push to t7 — triggered verify for task t7")
}

func TestServeHTTP_ValidSignatureAccepted(t *testing.T) {
	secret := "s3cret"
	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)

	r := webhook.New(webhook.Config{Secret: secret, Registry: reg})
	body := []byte(`{"ref":"refs/heads/unknown"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	entries := waitForAudit(t, r, 1)
	testutil.AssertEqual(t, entries[0].Message, "push to unknown — no task tracks this branch")
}

func TestServeHTTP_CheckRunRecordsConclusion(t *testing.T) {
	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)
	_, err = reg.CreateTask(core.TaskID("t9"), "t9")
	testutil.AssertNoError(t, err)

	r := webhook.New(webhook.Config{Registry: reg})
	body := []byte(`{"check_run":{"status":"completed","conclusion":"success","head_branch":"t9","name":"build"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "check_run")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	waitForAudit(t, r, 1)
	runs := r.CheckRuns()
	testutil.AssertEqual(t, len(runs), 1)
	testutil.AssertEqual(t, runs[0].TaskID, core.TaskID("t9"))
	testutil.AssertEqual(t, runs[0].Conclusion, "success")
}

func TestServeHTTP_PullRequestOpenedTriggersReview(t *testing.T) {
	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)
	_, err = reg.CreateTask(core.TaskID("t11"), "t11")
	testutil.AssertNoError(t, err)

	host := &fakeHost{}
	jobRegistry := jobs.New(10, nil)
	r := webhook.New(webhook.Config{Registry: reg, Jobs: jobRegistry, Host: host})

	body := []byte(`{"action":"opened","pull_request":{"number":3,"head":{"ref":"t11"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	entries := waitForAudit(t, r, 1)
	testutil.AssertEqual(t, entries[0].Message, "pull_request opened on t11 — triggered review for task t11")
}

func TestServeHTTP_IssueCommentIgnoresNonFixCommand(t *testing.T) {
	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)

	r := webhook.New(webhook.Config{Registry: reg})
	body := []byte(`{"action":"created","comment":{"body":"/codex explain this"},"issue":{"number":42}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	entries := waitForAudit(t, r, 1)
	testutil.AssertEqual(t, entries[0].Message, `issue_comment /codex command "explain this" is not a fix; audited only`)

	_, ok := reg.GetTask(core.TaskID("issue-42"))
	testutil.AssertTrue(t, !ok, "expected no task to be created for a non-fix command")
}

func TestServeHTTP_IssueCommentFixCommandConvertsToTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := tasks.NewRegistry("")
	testutil.AssertNoError(t, err)

	proc, err := modelprocess.Start(ctx, "bash", []string{"-c", fakeTurnScript}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = proc.Stop() })
	d := dispatch.New(proc, reg, dispatch.DefaultConfig(), nil)

	jobRegistry := jobs.New(10, nil)
	r := webhook.New(webhook.Config{Registry: reg, Jobs: jobRegistry, Dispatcher: d})

	body := []byte(`{"action":"created","comment":{"body":"/codex fix the flaky login test"},"issue":{"number":42,"title":"Flaky login test"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	entries := waitForAudit(t, r, 1)
	testutil.AssertEqual(t, entries[0].Message, "issue #42 converted to task issue-42 — fix dispatched")

	task, ok := reg.GetTask(core.TaskID("issue-42"))
	testutil.AssertTrue(t, ok, "expected issue to be converted into a task")
	testutil.AssertEqual(t, task.Branch, "codex/issue-42")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, _ = reg.GetTask(core.TaskID("issue-42"))
		if task.ThreadID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	testutil.AssertEqual(t, task.ThreadID, "thread-1")
}

type fakeHost struct{}

func (f *fakeHost) OpenPR(ctx context.Context, head, base, title, body string, draft bool) (*hostclient.PullRequest, error) {
	return nil, nil
}
func (f *fakeHost) GetPRByBranch(ctx context.Context, branch string) (*hostclient.PullRequest, error) {
	return nil, nil
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
