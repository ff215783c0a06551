// Package config loads the controller's runtime configuration from a YAML
// file, environment variables, and defaults, in the teacher's viper-backed
// style, and watches the two on-disk policy files that must hot-reload.
package config

import "time"

// Config is the fully resolved runtime configuration for one deployment of
// the orchestrator.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Turn         TurnConfig         `mapstructure:"turn"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	ModelProcess ModelProcessConfig `mapstructure:"model_process"`
	StateDir     string             `mapstructure:"state_dir"`
}

// ModelProcessConfig names the external coding-model subprocess the
// TurnDispatcher starts and speaks newline-delimited JSON-RPC to. The
// controller only depends on its message contract, not its identity.
type ModelProcessConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// LogConfig controls the slog handler the teacher's internal/logging
// package builds.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // json|text|pretty|auto
}

// HTTPConfig controls the bound listener and bearer-token gate shared by the
// JSON-RPC and chat-tool surfaces.
type HTTPConfig struct {
	Addr            string `mapstructure:"addr"`
	BearerToken     string `mapstructure:"bearer_token"`
	BaseURL         string `mapstructure:"base_url"`          // externally reachable origin, for OAuth metadata
	OAuthSigningKey string `mapstructure:"oauth_signing_key"` // empty disables the chat-tool OAuth connector
}

// WorkspaceConfig controls the WorkspaceManager's shared bare repository.
type WorkspaceConfig struct {
	Root             string `mapstructure:"root"` // WORKSPACES_ROOT / GPC_WORKSPACES_ROOT
	Upstream         string `mapstructure:"upstream"`
	ShellToolEnabled bool   `mapstructure:"shell_tool_enabled"`
}

// GitHubConfig controls HostClient authentication and inbound webhook
// verification.
type GitHubConfig struct {
	Owner         string `mapstructure:"owner"` // GITHUB_OWNER
	Repo          string `mapstructure:"repo"`  // GITHUB_REPO
	Token         string `mapstructure:"token"` // GITHUB_TOKEN
	WebhookSecret string `mapstructure:"webhook_secret"`
	SlackURL      string `mapstructure:"slack_webhook_url"`
}

// TurnConfig controls TurnDispatcher defaults.
type TurnConfig struct {
	MaxPerTask            int           `mapstructure:"max_per_task"`
	Deadline              time.Duration `mapstructure:"deadline"`
	MaxIterations         int           `mapstructure:"fix_loop_max_iterations"`
	MaxIdenticalFixDiffs  int           `mapstructure:"max_identical_fix_diffs"`
	SubprocessOutputCapMB int           `mapstructure:"subprocess_output_cap_mb"`
}

// SchedulerConfig toggles the four named periodic jobs.
type SchedulerConfig struct {
	QualityScanEnabled       bool `mapstructure:"quality_scan_enabled"`
	ArchitectureSweepEnabled bool `mapstructure:"architecture_sweep_enabled"`
	DocGardeningEnabled      bool `mapstructure:"doc_gardening_enabled"`
	GCSweepEnabled           bool `mapstructure:"gc_sweep_enabled"`
}

// AlertsConfig controls which dispatch channels are enabled.
type AlertsConfig struct {
	ConsoleEnabled bool `mapstructure:"console_enabled"`
	SlackEnabled   bool `mapstructure:"slack_enabled"`
	WebhookEnabled bool `mapstructure:"webhook_enabled"`
	WebhookURL     string `mapstructure:"webhook_url"`
}

// Default returns the configuration a fresh deployment starts from before
// the loader applies file and environment overrides.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		HTTP: HTTPConfig{
			Addr:    ":8080",
			BaseURL: "http://localhost:8080",
		},
		Workspace: WorkspaceConfig{
			Root:             ".orchestrator/workspaces",
			ShellToolEnabled: true,
		},
		Turn: TurnConfig{
			MaxPerTask:            5,
			Deadline:              20 * time.Minute,
			MaxIterations:         5,
			MaxIdenticalFixDiffs:  3,
			SubprocessOutputCapMB: 2,
		},
		Scheduler: SchedulerConfig{
			QualityScanEnabled:       true,
			ArchitectureSweepEnabled: true,
			DocGardeningEnabled:      true,
			GCSweepEnabled:           true,
		},
		Alerts: AlertsConfig{
			ConsoleEnabled: true,
		},
		StateDir: ".orchestrator/state",
	}
}
