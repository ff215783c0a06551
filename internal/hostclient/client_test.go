package hostclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
)

// setup spins up an httptest server and a hostclient.Client pointed at it,
// the same fixture shape used by the pack's ghclient test suite.
func setup(t *testing.T) (c hostclient.Client, mux *http.ServeMux) {
	t.Helper()
	mux = http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gh := github.NewClient(nil)
	u, _ := url.Parse(server.URL + "/")
	gh.BaseURL = u

	return hostclient.NewWithGitHubClient("owner", "repo", gh), mux
}

func TestNew_MissingToken(t *testing.T) {
	_, err := hostclient.New("owner", "repo", "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAuthMissing))
}

func TestOpenPR(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"number":7,"html_url":"https://github.com/owner/repo/pull/7","state":"open","draft":false,"head":{"sha":"abc123"}}`)
	})

	pr, err := c.OpenPR(context.Background(), "feature/x", "main", "title", "body", false)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "abc123", pr.HeadSHA)
}

func TestGetPRByBranch_NoMatch(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	pr, err := c.GetPRByBranch(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestListChecks(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"check_runs":[{"name":"build","status":"completed","conclusion":"success"}]}`)
	})

	checks, err := c.ListChecks(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "build", checks[0].Name)
	assert.Equal(t, "success", checks[0].Conclusion)
}

func TestMergePR_HostError(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"merge conflict"}`)
	})

	err := c.MergePR(context.Background(), 7, "squash")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindHostError))
}

func TestPostComment(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"id":1}`)
	})

	require.NoError(t, c.PostComment(context.Background(), 7, "looks good"))
}

func TestListReviews(t *testing.T) {
	c, mux := setup(t)
	mux.HandleFunc("/repos/owner/repo/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"user":{"login":"alice"},"state":"APPROVED"}]`)
	})

	reviews, err := c.ListReviews(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "alice", reviews[0].Author)
	assert.Equal(t, "APPROVED", reviews[0].State)
}
