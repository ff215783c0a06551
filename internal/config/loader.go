package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader resolves a Config from (in ascending precedence) defaults, a YAML
// config file, and environment variables, following the teacher's
// viper-based loader shape.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	mu         sync.Mutex
}

// NewLoader creates a loader with the spec's fixed environment prefix.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "ORCHESTRATOR"}
}

// WithConfigFile sets an explicit config file path; if unset, Load looks for
// ./orchestrator.yaml.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper exposes the underlying instance for CLI flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) bindEnv() {
	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// The spec names these environment variables directly, independent of
	// the ORCHESTRATOR_ prefix convention used for everything else.
	_ = l.v.BindEnv("workspace.root", "WORKSPACES_ROOT", "GPC_WORKSPACES_ROOT")
	_ = l.v.BindEnv("github.owner", "GITHUB_OWNER")
	_ = l.v.BindEnv("github.repo", "GITHUB_REPO")
	_ = l.v.BindEnv("github.token", "GITHUB_TOKEN")
	_ = l.v.BindEnv("github.webhook_secret", "GITHUB_WEBHOOK_SECRET")
	_ = l.v.BindEnv("github.slack_webhook_url", "SLACK_WEBHOOK_URL")
	_ = l.v.BindEnv("workspace.shell_tool_enabled", "SHELL_TOOL_ENABLED")
}

func (l *Loader) setDefaults(d *Config) {
	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("http.addr", d.HTTP.Addr)
	l.v.SetDefault("http.bearer_token", d.HTTP.BearerToken)
	l.v.SetDefault("http.base_url", d.HTTP.BaseURL)
	l.v.SetDefault("http.oauth_signing_key", d.HTTP.OAuthSigningKey)
	l.v.SetDefault("workspace.root", d.Workspace.Root)
	l.v.SetDefault("workspace.upstream", d.Workspace.Upstream)
	l.v.SetDefault("workspace.shell_tool_enabled", d.Workspace.ShellToolEnabled)
	l.v.SetDefault("github.owner", d.GitHub.Owner)
	l.v.SetDefault("github.repo", d.GitHub.Repo)
	l.v.SetDefault("github.token", d.GitHub.Token)
	l.v.SetDefault("github.webhook_secret", d.GitHub.WebhookSecret)
	l.v.SetDefault("github.slack_webhook_url", d.GitHub.SlackURL)
	l.v.SetDefault("turn.max_per_task", d.Turn.MaxPerTask)
	l.v.SetDefault("turn.deadline", d.Turn.Deadline)
	l.v.SetDefault("turn.fix_loop_max_iterations", d.Turn.MaxIterations)
	l.v.SetDefault("turn.max_identical_fix_diffs", d.Turn.MaxIdenticalFixDiffs)
	l.v.SetDefault("turn.subprocess_output_cap_mb", d.Turn.SubprocessOutputCapMB)
	l.v.SetDefault("scheduler.quality_scan_enabled", d.Scheduler.QualityScanEnabled)
	l.v.SetDefault("scheduler.architecture_sweep_enabled", d.Scheduler.ArchitectureSweepEnabled)
	l.v.SetDefault("scheduler.doc_gardening_enabled", d.Scheduler.DocGardeningEnabled)
	l.v.SetDefault("scheduler.gc_sweep_enabled", d.Scheduler.GCSweepEnabled)
	l.v.SetDefault("alerts.console_enabled", d.Alerts.ConsoleEnabled)
	l.v.SetDefault("alerts.slack_enabled", d.Alerts.SlackEnabled)
	l.v.SetDefault("alerts.webhook_enabled", d.Alerts.WebhookEnabled)
	l.v.SetDefault("alerts.webhook_url", d.Alerts.WebhookURL)
	l.v.SetDefault("model_process.command", d.ModelProcess.Command)
	l.v.SetDefault("model_process.args", d.ModelProcess.Args)
	l.v.SetDefault("state_dir", d.StateDir)
}

// Load resolves the configuration. A missing config file is tolerated (the
// process runs on defaults + environment); any other read error is fatal.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults(Default())
	l.bindEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("orchestrator")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// WatchPolicyFile calls onChange with the new file contents every time path
// is written, using fsnotify the way the teacher hot-reloads its config
// directory. Used for automerge-policy.json and network-policy.json, the
// two on-disk policy files the spec requires to be live-updatable.
func WatchPolicyFile(path string, onChange func([]byte)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				onChange(data)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}
