package config

import "time"

// Config represents the complete rigci configuration.
type Config struct {
	Service ServiceConfig           `yaml:"service"`
	State   StateConfig             `yaml:"state"`
	API     APIConfig               `yaml:"api,omitempty"`
	Webhook *WebhookConfig          `yaml:"webhook,omitempty"`
	Runners map[string]RunnerConfig `yaml:"runners"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name               string        `yaml:"name"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	RunRetention       time.Duration `yaml:"run_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// RunnerConfig defines one execution target. The map key in Config.Runners is
// the target label workflows select via runs_on (e.g. "ubuntu-latest",
// "vfio-nvidia").
type RunnerConfig struct {
	// Workdir is the directory step commands execute in.
	Workdir string `yaml:"workdir"`

	// Env is extra environment applied to every step on this runner.
	Env map[string]string `yaml:"env,omitempty"`

	// SetupCommand, when set, runs before the first step of every run on
	// this runner (e.g. a workspace permission fix).
	SetupCommand string `yaml:"setup_command,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhookConfig defines the webhook listener.
type WebhookConfig struct {
	Listen    string           `yaml:"listen"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this endpoint (e.g. "/hooks/github").
	Path string `yaml:"path"`

	// Workflow restricts the endpoint to one workflow. Empty means the
	// event is dispatched to every workflow that declares its kind as a
	// trigger.
	Workflow string `yaml:"workflow,omitempty"`

	// Secret is the HMAC secret for signature verification.
	Secret string `yaml:"secret"`

	// SignatureHeader carries the HMAC signature
	// (e.g. "X-Hub-Signature-256").
	SignatureHeader string `yaml:"signature_header"`

	// EventHeader carries the event kind (e.g. "X-GitHub-Event").
	EventHeader string `yaml:"event_header"`

	// DeliveryHeader carries the delivery id (e.g. "X-GitHub-Delivery").
	DeliveryHeader string `yaml:"delivery_header,omitempty"`

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:               "rigci",
			LogLevel:           "info",
			LogFormat:          "json",
			MaxConcurrentRuns:  2,
			DefaultStepTimeout: 15 * time.Minute,
			RunRetention:       30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/rigci.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Runners: make(map[string]RunnerConfig),
	}
}
