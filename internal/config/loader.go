package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Configuration files are integrity-checked against .checksums
// when one is present in the config directory.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Apply environment variable interpolation before parsing so secrets
	// never live in the file itself.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := verifyConfigHashes(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $RIGCI_CONFIG_DIR, ~/.config/rigci, /etc/rigci, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("RIGCI_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "rigci")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/rigci"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $RIGCI_CONFIG_DIR, ~/.config/rigci, /etc/rigci, ./config.yaml)")
}

// resolveConfigFile maps a path (file or directory) to the config file path.
func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// verifyConfigHashes validates all hashed files in the config directory when
// a .checksums manifest exists. A missing manifest skips verification.
func verifyConfigHashes(configDir string) error {
	checksums, err := LoadChecksums(configDir)
	if err != nil {
		return nil
	}

	for filename, expectedHash := range checksums.Hashes {
		path := filepath.Join(configDir, filename)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("config file %s is in checksums but missing from disk", filename)
		}
		if err := VerifyFileHash(path, expectedHash); err != nil {
			return fmt.Errorf("config verification failed for %s: %w\n"+
				"This indicates tampering or unauthorized modification.\n"+
				"If you edited this file intentionally, run: rigci config lock --config-dir %s", path, err, configDir)
		}
	}
	return nil
}

// applyDefaults merges default values into config where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.MaxConcurrentRuns == 0 {
		cfg.Service.MaxConcurrentRuns = defaults.Service.MaxConcurrentRuns
	}
	if cfg.Service.DefaultStepTimeout == 0 {
		cfg.Service.DefaultStepTimeout = defaults.Service.DefaultStepTimeout
	}
	if cfg.Service.RunRetention == 0 {
		cfg.Service.RunRetention = defaults.Service.RunRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	if cfg.Runners == nil {
		cfg.Runners = make(map[string]RunnerConfig)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("service.max_concurrent_runs must be positive")
	}
	if cfg.Service.DefaultStepTimeout <= 0 {
		return fmt.Errorf("service.default_step_timeout must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	for label, runner := range cfg.Runners {
		if runner.Workdir == "" {
			return fmt.Errorf("runners.%s.workdir is required", label)
		}
		for key, value := range runner.Env {
			if envVarPattern.MatchString(value) {
				matches := envVarPattern.FindStringSubmatch(value)
				return fmt.Errorf("runners.%s.env.%s: environment variable ${%s} is not set", label, key, matches[1])
			}
		}
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Webhook != nil {
		if cfg.Webhook.Listen == "" {
			return fmt.Errorf("webhook.listen is required when webhook is set")
		}
		seenPaths := make(map[string]bool)
		for i, ep := range cfg.Webhook.Endpoints {
			if ep.Path == "" {
				return fmt.Errorf("webhook.endpoints[%d].path is required", i)
			}
			if seenPaths[ep.Path] {
				return fmt.Errorf("webhook.endpoints[%d]: duplicate path %q", i, ep.Path)
			}
			seenPaths[ep.Path] = true
			if ep.Secret == "" {
				return fmt.Errorf("webhook.endpoints[%d].secret is required", i)
			}
			if envVarPattern.MatchString(ep.Secret) {
				matches := envVarPattern.FindStringSubmatch(ep.Secret)
				return fmt.Errorf("webhook.endpoints[%d].secret: environment variable ${%s} is not set", i, matches[1])
			}
			// Header names are optional; the webhook server fills in the
			// GitHub-style defaults for endpoints that omit them.
		}
	}

	return nil
}
