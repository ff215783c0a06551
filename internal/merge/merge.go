// Package merge implements the MergeQueue and AutomergeEvaluator: a
// persisted priority queue of pull requests awaiting merge, and the
// policy-driven eligibility check that decides whether one can be merged
// without a human clicking the button.
package merge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/store"
)

// EntryStatus is an entry's derived readiness, recomputed on every read
// rather than stored, since freshness and conflicts can change out from
// under the queue between calls.
type EntryStatus string

const (
	StatusReady   EntryStatus = "ready"
	StatusBlocked EntryStatus = "blocked"
)

// Entry is one PR tracked by the queue.
type Entry struct {
	TaskID     core.TaskID `json:"task_id"`
	Branch     string      `json:"branch"`
	PRNumber   int         `json:"pr_number"`
	Priority   int         `json:"priority"` // higher dequeues first
	Sequence   uint64      `json:"sequence"`  // insertion order, ties broken ascending
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// QueueStatus summarizes the queue by derived readiness.
type QueueStatus struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	Blocked int `json:"blocked"`
}

// Queue is the persisted priority list of PRs awaiting merge.
type Queue struct {
	entries *store.Collection[core.TaskID, Entry]
	git     *git.Client
	host    hostclient.Client
	logger  *logging.Logger
	seq     uint64
}

// Config groups a Queue's collaborators.
type Config struct {
	Git    *git.Client
	Host   hostclient.Client
	Logger *logging.Logger
}

// New constructs a Queue. filePath may be empty for in-memory-only history
// (tests).
func New(cfg Config, filePath string) (*Queue, error) {
	entries := store.NewCollection[core.TaskID, Entry](store.CollectionConfig{FilePath: filePath, Name: "merge-queue"})
	if err := entries.EnsureDir(); err != nil {
		return nil, err
	}
	if err := entries.Load(); err != nil {
		return nil, err
	}
	return &Queue{entries: entries, git: cfg.Git, host: cfg.Host, logger: cfg.Logger}, nil
}

// Enqueue adds or replaces the tracked entry for taskID.
func (q *Queue) Enqueue(taskID core.TaskID, branch string, prNumber, priority int) (Entry, error) {
	q.seq++
	entry := Entry{
		TaskID: taskID, Branch: branch, PRNumber: prNumber, Priority: priority,
		Sequence: q.seq, EnqueuedAt: time.Now(),
	}
	if err := q.entries.Put(taskID, entry); err != nil {
		return Entry{}, err
	}
	q.log("merge queue enqueued", "task_id", taskID, "branch", branch, "priority", priority)
	return entry, nil
}

// Dequeue removes and returns the highest-priority entry (ties by earliest
// Sequence). Returns false if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (Entry, bool, error) {
	snap := q.entries.Snapshot()
	if len(snap) == 0 {
		return Entry{}, false, nil
	}
	ordered := sortedEntries(snap)
	best := ordered[0]
	if err := q.entries.Delete(best.TaskID); err != nil {
		return Entry{}, false, err
	}
	return best, true, nil
}

func sortedEntries(snap map[core.TaskID]Entry) []Entry {
	ordered := make([]Entry, 0, len(snap))
	for _, e := range snap {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Sequence < ordered[j].Sequence
	})
	return ordered
}

// CheckFreshness compares the entry's branch HEAD against base, reporting
// whether the branch is up to date.
func (q *Queue) CheckFreshness(ctx context.Context, branch, base string) (bool, error) {
	if err := q.git.Fetch(ctx, "origin"); err != nil {
		return false, err
	}
	baseHead, err := q.git.RevParse(ctx, "origin/"+base)
	if err != nil {
		return false, err
	}
	return q.git.IsAncestor(ctx, baseHead, branch)
}

// RebaseOntoMain rebases branch onto base, returning a core.Error wrapping
// any conflict so callers can mark the entry blocked rather than retrying.
func (q *Queue) RebaseOntoMain(ctx context.Context, branch, base string) error {
	if err := q.git.Checkout(ctx, branch, false); err != nil {
		return err
	}
	if err := q.git.Rebase(ctx, base); err != nil {
		conflicted, convErr := q.git.HasMergeConflicts(ctx)
		if convErr == nil && conflicted {
			_ = q.git.AbortRebase(ctx)
			return core.NewInvalidInput("REBASE_CONFLICT", fmt.Sprintf("rebasing %s onto %s produced conflicts", branch, base))
		}
		return err
	}
	return nil
}

// DetectConflicts reports whether branch currently has unresolved merge
// conflicts against base without mutating either branch's state.
func (q *Queue) DetectConflicts(ctx context.Context, branch, base string) (bool, error) {
	if err := q.git.Checkout(ctx, branch, false); err != nil {
		return false, err
	}
	if err := q.git.Merge(ctx, base, core.MergeOptions{NoCommit: true, NoFastForward: true}); err != nil {
		conflicted, convErr := q.git.HasMergeConflicts(ctx)
		_ = q.git.AbortMerge(ctx)
		if convErr != nil {
			return false, convErr
		}
		return conflicted, nil
	}
	_ = q.git.AbortMerge(ctx)
	return false, nil
}

// GetQueueStatus returns counts derived from each entry's freshness and
// conflict state against base.
func (q *Queue) GetQueueStatus(ctx context.Context, base string) QueueStatus {
	snap := q.entries.Snapshot()
	status := QueueStatus{Total: len(snap)}
	for _, e := range snap {
		fresh, err := q.CheckFreshness(ctx, e.Branch, base)
		if err == nil && fresh {
			conflicted, cErr := q.DetectConflicts(ctx, e.Branch, base)
			if cErr == nil && !conflicted {
				status.Ready++
				continue
			}
		}
		status.Blocked++
	}
	return status
}

func (q *Queue) log(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Info(msg, args...)
	}
}

// Policy configures AutomergeEvaluator's seven checks.
type Policy struct {
	NeverAutomergePatterns []string `json:"neverAutomergePatterns"`
	PrefixWhitelist        []string `json:"prefixWhitelist"`
	MaxLinesChanged        int      `json:"maxLinesChanged"`
}

// DefaultPolicy returns the policy defaults named in §4.11.
func DefaultPolicy() Policy {
	return Policy{
		NeverAutomergePatterns: []string{"feat:", "fix:", "breaking:"},
		PrefixWhitelist:        []string{"refactor:", "chore:", "docs:", "style:", "test:"},
		MaxLinesChanged:        500,
	}
}

var featureGuard = regexp.MustCompile(`^(feat|feature|add|implement|new|breaking)[\s(:]`)

// CheckOutcome is one policy check's pass/fail verdict.
type CheckOutcome struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the AutomergeEvaluator's full verdict: eligible only if every
// check passed.
type Report struct {
	Eligible bool           `json:"eligible"`
	Checks   []CheckOutcome `json:"checks"`
}

// Evaluator applies Policy's seven checks in order and decides whether a
// pull request may be merged without human approval.
type Evaluator struct {
	policy Policy
	host   hostclient.Client
	logger *logging.Logger
}

// NewEvaluator constructs an Evaluator. Pass config.WatchPolicyFile's
// onChange callback a closure over SetPolicy to hot-reload automerge-policy.json.
func NewEvaluator(policy Policy, host hostclient.Client, logger *logging.Logger) *Evaluator {
	return &Evaluator{policy: policy, host: host, logger: logger}
}

// SetPolicy replaces the evaluator's live policy, for the config watcher's
// on-write callback.
func (e *Evaluator) SetPolicy(policy Policy) {
	e.policy = policy
}

// Evaluate runs every check against prNumber in order, building a full
// report even once a check has already failed, so operators can see every
// reason a PR is blocked in one pass rather than fixing one at a time.
func (e *Evaluator) Evaluate(ctx context.Context, branch string, prNumber int, title string) (Report, error) {
	var checks []CheckOutcome
	eligible := true

	record := func(name string, passed bool, detail string) {
		checks = append(checks, CheckOutcome{Check: name, Passed: passed, Detail: detail})
		if !passed {
			eligible = false
		}
	}

	pr, err := e.host.GetPRByBranch(ctx, branch)
	if err != nil {
		return Report{}, err
	}
	record("pr_exists", pr != nil, "")
	if pr == nil {
		return Report{Eligible: false, Checks: checks}, nil
	}

	lowerTitle := strings.ToLower(title)
	neverMatch := matchesAnyPrefix(lowerTitle, e.policy.NeverAutomergePatterns)
	record("not_never_automerge_prefix", !neverMatch, title)

	whitelisted := matchesAnyPrefix(lowerTitle, e.policy.PrefixWhitelist)
	record("prefix_whitelisted", whitelisted, title)

	linesChanged := pr.Additions + pr.Deletions
	record("lines_changed_within_limit", linesChanged <= e.policy.MaxLinesChanged,
		fmt.Sprintf("%d changed, limit %d", linesChanged, e.policy.MaxLinesChanged))

	ciChecks, err := e.host.ListChecks(ctx, pr.HeadSHA)
	if err != nil {
		return Report{}, err
	}

	ciGreen := len(ciChecks) > 0
	for _, c := range ciChecks {
		if c.Conclusion != "SUCCESS" && c.Conclusion != "success" {
			ciGreen = false
			break
		}
	}
	record("ci_green", ciGreen, "")

	reviews, err := e.host.ListReviews(ctx, prNumber)
	if err != nil {
		return Report{}, err
	}
	approved := false
	for _, r := range reviews {
		if strings.EqualFold(r.State, "APPROVED") {
			approved = true
			break
		}
	}
	record("has_approval", approved, "")

	record("feature_guard", !featureGuard.MatchString(lowerTitle), title)

	return Report{Eligible: eligible, Checks: checks}, nil
}

func matchesAnyPrefix(lowerTitle string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(lowerTitle, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ExecuteMerge invokes the host client with the chosen merge strategy once
// Evaluate (or a human) has deemed prNumber eligible.
func (e *Evaluator) ExecuteMerge(ctx context.Context, prNumber int, strategy string) error {
	if strategy == "" {
		strategy = "squash"
	}
	return e.host.MergePR(ctx, prNumber, strategy)
}
