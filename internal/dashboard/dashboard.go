// Package dashboard implements the DashboardAggregator: a single read-only
// snapshot assembled from every other subsystem's own read methods, for the
// authenticated GET /dashboard endpoint.
package dashboard

import (
	"context"

	"github.com/orchestra-systems/orchestrator/internal/alerts"
	"github.com/orchestra-systems/orchestrator/internal/autonomous"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/merge"
	"github.com/orchestra-systems/orchestrator/internal/scheduler"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
)

const recentQualityScoreLimit = 10

// AlertBreakdown counts recent alert history by severity.
type AlertBreakdown struct {
	Info     int `json:"info"`
	Warning  int `json:"warning"`
	Error    int `json:"error"`
	Critical int `json:"critical"`
}

// QualityScore is one autonomous run's verify-phase score, for the
// dashboard's recent-scores list.
type QualityScore struct {
	TaskID core.TaskID `json:"task_id"`
	Score  float64     `json:"score"`
}

// Snapshot is the DashboardAggregator's assembled view. Every field is
// best-effort: a subsystem that errors leaves its field at the zero value
// rather than aborting the whole snapshot.
type Snapshot struct {
	Tasks          []core.Task        `json:"tasks"`
	RecentRuns     []autonomous.Run   `json:"recent_runs"`
	AlertBreakdown AlertBreakdown     `json:"alert_breakdown"`
	QueueStatus    merge.QueueStatus  `json:"queue_status"`
	SchedulerJobs  []scheduler.Status `json:"scheduler_jobs"`
	QualityScores  []QualityScore     `json:"quality_scores"`
}

// Aggregator assembles a Snapshot from each subsystem's own read method.
type Aggregator struct {
	tasks      *tasks.Registry
	runs       *autonomous.Orchestrator
	alerts     *alerts.Manager
	queue      *merge.Queue
	scheduler  *scheduler.Scheduler
	baseBranch string
}

// Config groups an Aggregator's collaborators. Any field may be nil; the
// corresponding Snapshot section is simply left at its zero value.
type Config struct {
	Tasks      *tasks.Registry
	Runs       *autonomous.Orchestrator
	Alerts     *alerts.Manager
	Queue      *merge.Queue
	Scheduler  *scheduler.Scheduler
	BaseBranch string
}

// New constructs an Aggregator.
func New(cfg Config) *Aggregator {
	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Aggregator{
		tasks: cfg.Tasks, runs: cfg.Runs, alerts: cfg.Alerts, queue: cfg.Queue,
		scheduler: cfg.Scheduler, baseBranch: baseBranch,
	}
}

// Snapshot assembles the dashboard view. Every sub-read is independent: one
// subsystem being unavailable never prevents the others from reporting.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	var snap Snapshot

	if a.tasks != nil {
		snap.Tasks = a.tasks.ListTasks()
	}

	if a.runs != nil {
		runs := a.runs.ListRuns()
		snap.RecentRuns = runs
		for i, r := range runs {
			if i >= recentQualityScoreLimit {
				break
			}
			snap.QualityScores = append(snap.QualityScores, QualityScore{TaskID: r.TaskID, Score: r.QualityScore})
		}
	}

	if a.alerts != nil {
		for _, e := range a.alerts.GetAlertHistory(0) {
			switch e.Severity {
			case alerts.SeverityInfo:
				snap.AlertBreakdown.Info++
			case alerts.SeverityWarning:
				snap.AlertBreakdown.Warning++
			case alerts.SeverityError:
				snap.AlertBreakdown.Error++
			case alerts.SeverityCritical:
				snap.AlertBreakdown.Critical++
			}
		}
	}

	if a.queue != nil {
		snap.QueueStatus = a.queue.GetQueueStatus(ctx, a.baseBranch)
	}

	if a.scheduler != nil {
		snap.SchedulerJobs = a.scheduler.Statuses()
	}

	return snap
}
