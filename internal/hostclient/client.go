// Package hostclient implements the HostClient external contract
// (openPR, mergePR, listChecks, listReviews, postReview, postComment,
// getPRInfo) against the GitHub REST API via google/go-github, grounded on
// the pack's ghclient.Client SDK wrapper rather than the teacher's
// gh-CLI-shelling adapter.
package hostclient

import (
	"context"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/orchestra-systems/orchestrator/internal/core"
)

// PullRequest is the subset of GitHub PR fields this module's callers need.
type PullRequest struct {
	Number    int
	URL       string
	State     string
	Draft     bool
	HeadSHA   string
	Mergeable *bool
	Additions int
	Deletions int
}

// Check is one CI check run's status.
type Check struct {
	Name       string
	Status     string
	Conclusion string
}

// Review is one submitted PR review.
type Review struct {
	Author string
	State  string
}

// Client is the HostClient contract: every GitHub-host interaction the
// controller performs, behind one narrow interface.
type Client interface {
	OpenPR(ctx context.Context, head, base, title, body string, draft bool) (*PullRequest, error)
	GetPRByBranch(ctx context.Context, branch string) (*PullRequest, error)
	MergePR(ctx context.Context, number int, strategy string) error
	ListChecks(ctx context.Context, ref string) ([]Check, error)
	ListReviews(ctx context.Context, number int) ([]Review, error)
	PostReview(ctx context.Context, number int, body, event string) error
	PostComment(ctx context.Context, number int, body string) error
}

type client struct {
	gh    *github.Client
	owner string
	repo  string
}

// New builds a Client authenticated with token against owner/repo. Returns
// AuthMissing if token is empty, since every HostClient operation needs it.
func New(owner, repo, token string) (Client, error) {
	if token == "" {
		return nil, core.NewAuthMissing("GITHUB_TOKEN")
	}
	return NewWithGitHubClient(owner, repo, github.NewClient(nil).WithAuthToken(token)), nil
}

// NewWithGitHubClient builds a Client from an already-configured
// *github.Client, the same test-injection seam the pack's ghclient package
// exposes for pointing at an httptest server.
func NewWithGitHubClient(owner, repo string, gh *github.Client) Client {
	return &client{gh: gh, owner: owner, repo: repo}
}

func (c *client) OpenPR(ctx context.Context, head, base, title, body string, draft bool) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
		Draft: github.Ptr(draft),
	})
	if err != nil {
		return nil, wrapHostError(err)
	}
	return toPullRequest(pr), nil
}

func (c *client) GetPRByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		Head:  c.owner + ":" + branch,
		State: "open",
	})
	if err != nil {
		return nil, wrapHostError(err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toPullRequest(prs[0]), nil
}

func (c *client) MergePR(ctx context.Context, number int, strategy string) error {
	if strategy == "" {
		strategy = "merge"
	}
	_, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "", &github.PullRequestOptions{
		MergeMethod: strategy,
	})
	return wrapHostError(err)
}

func (c *client) ListChecks(ctx context.Context, ref string) ([]Check, error) {
	var all []Check
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, opts)
		if err != nil {
			return nil, wrapHostError(err)
		}
		for _, run := range result.CheckRuns {
			all = append(all, Check{
				Name:       run.GetName(),
				Status:     run.GetStatus(),
				Conclusion: run.GetConclusion(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *client) ListReviews(ctx context.Context, number int) ([]Review, error) {
	var all []Review
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, wrapHostError(err)
		}
		for _, r := range reviews {
			all = append(all, Review{Author: r.GetUser().GetLogin(), State: r.GetState()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *client) PostReview(ctx context.Context, number int, body, event string) error {
	_, _, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number, &github.PullRequestReviewRequest{
		Body:  github.Ptr(body),
		Event: github.Ptr(event),
	})
	return wrapHostError(err)
}

func (c *client) PostComment(ctx context.Context, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return wrapHostError(err)
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:    pr.GetNumber(),
		URL:       pr.GetHTMLURL(),
		State:     pr.GetState(),
		Draft:     pr.GetDraft(),
		HeadSHA:   pr.GetHead().GetSHA(),
		Mergeable: pr.Mergeable,
		Additions: pr.GetAdditions(),
		Deletions: pr.GetDeletions(),
	}
}

func wrapHostError(err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil {
		status = ghErr.Response.StatusCode
	}
	return core.NewHostError(status, strings.TrimSpace(err.Error()))
}
