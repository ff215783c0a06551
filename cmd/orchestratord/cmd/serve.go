package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/alerts"
	"github.com/orchestra-systems/orchestrator/internal/api"
	"github.com/orchestra-systems/orchestrator/internal/autonomous"
	"github.com/orchestra-systems/orchestrator/internal/compaction"
	"github.com/orchestra-systems/orchestrator/internal/config"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dashboard"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/events"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/lifecycle"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/mcpapi"
	"github.com/orchestra-systems/orchestrator/internal/merge"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/rpcapi"
	"github.com/orchestra-systems/orchestrator/internal/scheduler"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/webhook"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server",
	Long: `Start the controller's HTTP surface: the JSON-RPC and chat-tool
endpoints, the GitHub webhook receiver, and the dashboard, backed by the
task registry, workspace manager, turn dispatcher, and scheduler.`,
	RunE: runServe,
}

// collaborators groups every long-lived component runServe wires together,
// so the build-up reads top to bottom in dependency order and teardown can
// iterate the pieces that own an on-disk watcher or background goroutine.
type collaborators struct {
	cfg     *config.Config
	logger  *logging.Logger
	bus     *events.EventBus
	proc    *modelprocess.Process
	closers []func()
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	co := &collaborators{cfg: cfg, logger: logger, bus: events.New(256)}
	defer co.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := co.build(ctx)
	if err != nil {
		return fmt.Errorf("wiring collaborators: %w", err)
	}

	logger.Info("starting orchestratord", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil && err.Error() != "http: Server closed" {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("orchestratord stopped")
	return nil
}

// build constructs every collaborator named in the spec and returns the
// HTTP server that mounts whichever surfaces their presence enables.
func (co *collaborators) build(ctx context.Context) (*api.Server, error) {
	cfg, logger := co.cfg, co.logger

	registry, err := tasks.NewRegistry(co.statePath("tasks.json"))
	if err != nil {
		return nil, fmt.Errorf("task registry: %w", err)
	}

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.Upstream)
	if err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	var proc *modelprocess.Process
	if cfg.ModelProcess.Command != "" {
		proc, err = modelprocess.Start(ctx, cfg.ModelProcess.Command, cfg.ModelProcess.Args, logger)
		if err != nil {
			return nil, fmt.Errorf("starting model process: %w", err)
		}
		co.proc = proc
		co.closers = append(co.closers, func() { _ = proc.Stop() })
	}

	dispatcher := dispatch.New(proc, registry, dispatch.DefaultConfig(), logger)

	compactor, err := compaction.New(dispatcher, compaction.DefaultConfig(), co.statePath("compaction-history.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("compaction manager: %w", err)
	}

	fixer := fixloop.New(workspaces, dispatcher, registry, fixloop.DefaultConfig(), logger)

	var host hostclient.Client
	if cfg.GitHub.Token != "" && cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		host, err = hostclient.New(cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Token)
		if err != nil {
			return nil, fmt.Errorf("host client: %w", err)
		}
	}

	orch := lifecycle.New(lifecycle.Config{
		Registry:   registry,
		Workspaces: workspaces,
		Dispatcher: dispatcher,
		Compactor:  compactor,
		Fixer:      fixer,
		Host:       host,
		BaseBranch: cfg.Workspace.Upstream,
		Logger:     logger,
	})

	autonomousOrch, err := autonomous.New(autonomous.Config{
		Registry:   registry,
		Workspaces: workspaces,
		Dispatcher: dispatcher,
		Host:       host,
		// Checker implementations are an external, pluggable contract (see
		// §6.7): this deployment ships none concrete, so the quality gate
		// always scores against an empty checker set until one is wired in.
		Checkers: nil,
		Logger:   logger,
	}, co.statePath("runs.json"))
	if err != nil {
		return nil, fmt.Errorf("autonomous orchestrator: %w", err)
	}

	jobRegistry := jobs.New(0, logger)

	sched := scheduler.New(logger)
	if err := co.registerSchedulerJobs(sched, registry, workspaces); err != nil {
		return nil, fmt.Errorf("registering scheduler jobs: %w", err)
	}

	channels := alerts.ChannelsFromConfig(cfg.Alerts, logger)
	alertMgr, err := alerts.New(alerts.Config{Channels: channels, Bus: co.bus, Logger: logger}, co.statePath("alerts-history.json"))
	if err != nil {
		return nil, fmt.Errorf("alert manager: %w", err)
	}

	var queue *merge.Queue
	var evaluator *merge.Evaluator
	if host != nil {
		gitClient, err := git.NewClient(workspaces.BareRepoPath())
		if err != nil {
			return nil, fmt.Errorf("merge queue git client: %w", err)
		}
		queue, err = merge.New(merge.Config{Git: gitClient, Host: host, Logger: logger}, co.statePath("merge-queue.json"))
		if err != nil {
			return nil, fmt.Errorf("merge queue: %w", err)
		}

		policy := merge.DefaultPolicy()
		policyPath := co.statePath("automerge-policy.json")
		if data, readErr := os.ReadFile(policyPath); readErr == nil {
			_ = json.Unmarshal(data, &policy)
		}
		evaluator = merge.NewEvaluator(policy, host, logger)
		if watcher, watchErr := config.WatchPolicyFile(policyPath, func(data []byte) {
			var p merge.Policy
			if err := json.Unmarshal(data, &p); err != nil {
				logger.Warn("discarding malformed automerge policy", "error", err.Error())
				return
			}
			evaluator.SetPolicy(p)
			logger.Info("automerge policy reloaded")
		}); watchErr == nil {
			co.closers = append(co.closers, func() { _ = watcher.Close() })
		}
	}
	_ = evaluator // consulted by the merge-queue's drain loop (out of this entrypoint's scope per §6)

	webhookRouter := webhook.New(webhook.Config{
		Secret:     cfg.GitHub.WebhookSecret,
		Registry:   registry,
		Dispatcher: dispatcher,
		Fixer:      fixer,
		Jobs:       jobRegistry,
		Host:       host,
		Logger:     logger,
	})

	dash := dashboard.New(dashboard.Config{
		Tasks:      registry,
		Runs:       autonomousOrch,
		Alerts:     alertMgr,
		Queue:      queue,
		Scheduler:  sched,
		BaseBranch: cfg.Workspace.Upstream,
	})

	rpcCfg := rpcapi.Config{
		BearerToken: cfg.HTTP.BearerToken,
		Jobs:        jobRegistry,
		Autonomous:  autonomousOrch,
		Fixer:       fixer,
		Lifecycle:   orch,
		Alerts:      alertMgr,
		Queue:       queue,
		Scheduler:   sched,
		Logger:      logger,
	}
	rpc := rpcapi.New(rpcCfg)

	var oauthServer *mcpapi.OAuthServer
	var tokens *mcpapi.TokenManager
	if cfg.HTTP.OAuthSigningKey != "" {
		tokens = mcpapi.NewTokenManager(cfg.HTTP.OAuthSigningKey, "orchestratord")
		oauthServer, err = mcpapi.NewOAuthServer(tokens, cfg.HTTP.BaseURL, co.statePath("oauth-state.json"))
		if err != nil {
			return nil, fmt.Errorf("oauth server: %w", err)
		}
	}
	mcp := mcpapi.New(mcpapi.Config{
		BearerToken: cfg.HTTP.BearerToken,
		Tokens:      tokens,
		Methods:     rpcCfg,
		Logger:      logger,
	})

	return api.NewServer(
		api.WithLogger(logger),
		api.WithBearerToken(cfg.HTTP.BearerToken),
		api.WithRPC(rpc),
		api.WithMCP(mcp),
		api.WithOAuth(oauthServer),
		api.WithWebhooks(webhookRouter),
		api.WithDashboard(dash),
	), nil
}

// registerSchedulerJobs wires the four named periodic jobs. None of them
// run a pluggable Checker (see §6.7's external-contract note above);
// quality-scan/architecture-sweep/doc-gardening report on the task
// registry's current standing, and gc-sweep reclaims workspaces for tasks
// that reached a terminal failure.
func (co *collaborators) registerSchedulerJobs(sched *scheduler.Scheduler, registry *tasks.Registry, workspaces *workspace.Manager) error {
	report := func(name string) scheduler.Executor {
		return func(_ context.Context) error {
			tasksSnapshot := registry.ListTasks()
			co.logger.Info(name+" completed", "task_count", len(tasksSnapshot))
			return nil
		}
	}

	gcSweep := func(ctx context.Context) error {
		var reclaimed int
		for _, t := range registry.ListTasks() {
			if t.Status != core.TaskStatusFailed {
				continue
			}
			if err := workspaces.DestroyWorkspace(ctx, string(t.ID)); err != nil {
				co.logger.Warn("gc-sweep: failed to destroy workspace", "task", t.ID, "error", err.Error())
				continue
			}
			reclaimed++
		}
		co.logger.Info("gc-sweep completed", "reclaimed", reclaimed)
		return nil
	}

	if err := sched.Register("quality-scan", report("quality-scan")); err != nil {
		return err
	}
	if err := sched.Register("architecture-sweep", report("architecture-sweep")); err != nil {
		return err
	}
	if err := sched.Register("doc-gardening", report("doc-gardening")); err != nil {
		return err
	}
	if err := sched.Register("gc-sweep", gcSweep); err != nil {
		return err
	}
	return nil
}

func (co *collaborators) statePath(name string) string {
	return filepath.Join(co.cfg.StateDir, name)
}

func (co *collaborators) close() {
	for _, closer := range co.closers {
		closer()
	}
}
