// Package doctor validates rigci configuration and workflow setup.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rigworks/rigci/internal/auth"
	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/workflow"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against compiled workflows.
type Doctor struct {
	cfg       *config.Config
	workflows *workflow.Set
}

// New creates a Doctor from a loaded config and compiled workflow set.
func New(cfg *config.Config, workflows *workflow.Set) *Doctor {
	return &Doctor{cfg: cfg, workflows: workflows}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateTargets(r)
	d.validateRunners(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnDisabledSteps(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)
	d.warnStepBudgets(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.MaxConcurrentRuns <= 0 {
		d.addError(r, "service", "service.max_concurrent_runs", "max_concurrent_runs must be positive")
	}
	if d.cfg.Service.DefaultStepTimeout <= 0 {
		d.addError(r, "service", "service.default_step_timeout", "default_step_timeout must be positive")
	}
	if d.workflows.Len() == 0 {
		d.addWarning(r, "service", "", "no workflows loaded; nothing will run")
	}
}

// validateTargets checks that every execution target a workflow can select
// resolves to a configured runner.
func (d *Doctor) validateTargets(r *Result) {
	for _, w := range d.workflows.List() {
		for _, kind := range w.Triggers {
			target := w.Target(kind)
			if target == "" {
				d.addError(r, "targets", fmt.Sprintf("workflows.%s.runs_on", w.Name),
					fmt.Sprintf("workflow %q has no execution target for event %q", w.Name, kind))
				continue
			}
			if _, ok := d.cfg.Runners[target]; !ok {
				d.addError(r, "targets", fmt.Sprintf("workflows.%s.runs_on", w.Name),
					fmt.Sprintf("workflow %q selects target %q for event %q but no such runner is configured", w.Name, target, kind))
			}
		}
	}
}

// validateRunners checks that runner workdirs exist.
func (d *Doctor) validateRunners(r *Result) {
	for name, rc := range d.cfg.Runners {
		field := fmt.Sprintf("runners.%s", name)
		if rc.Workdir == "" {
			d.addError(r, "runners", field+".workdir",
				fmt.Sprintf("runner %q has no workdir", name))
			continue
		}
		info, err := os.Stat(rc.Workdir)
		if err != nil {
			d.addError(r, "runners", field+".workdir",
				fmt.Sprintf("runner %q workdir %q: %v", name, rc.Workdir, err))
			continue
		}
		if !info.IsDir() {
			d.addError(r, "runners", field+".workdir",
				fmt.Sprintf("runner %q workdir %q is not a directory", name, rc.Workdir))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

// validateTokenScopes checks that every configured scope parses against the
// scope model the API enforces.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			if _, err := auth.ParseScope(scope); err != nil {
				d.addError(r, "token_scopes", field, err.Error())
			}
		}
	}
}

// validateWebhooks checks for path conflicts and workflow references.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhook == nil {
		return
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhook.Endpoints {
		field := fmt.Sprintf("webhook.endpoints[%d]", i)

		if ep.Workflow != "" {
			if _, ok := d.workflows.Get(ep.Workflow); !ok {
				d.addError(r, "webhooks", field+".workflow",
					fmt.Sprintf("webhook %q targets workflow %q which is not loaded", ep.Path, ep.Workflow))
			}
		}

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhook.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		if ep.Secret == "" {
			d.addError(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q: secret is required", ep.Path))
		}
	}
}

// warnDisabledSteps flags dead configuration so it does not rot unnoticed.
func (d *Doctor) warnDisabledSteps(r *Result) {
	for _, w := range d.workflows.List() {
		for _, step := range w.Steps {
			if !step.Disabled {
				continue
			}
			msg := fmt.Sprintf("workflow %q step %q is disabled", w.Name, step.ID)
			if step.Note != "" {
				msg += " (" + step.Note + ")"
			}
			d.addWarning(r, "disabled", fmt.Sprintf("workflows.%s.steps.%s", w.Name, step.ID), msg)
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

	check := func(value, field string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field,
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}

	for name, rc := range d.cfg.Runners {
		for k, v := range rc.Env {
			check(v, fmt.Sprintf("runners.%s.env.%s", name, k))
		}
	}

	for _, w := range d.workflows.List() {
		for _, step := range w.Steps {
			for k, v := range step.Env {
				check(v, fmt.Sprintf("workflows.%s.steps.%s.env.%s", w.Name, step.ID, k))
			}
		}
	}

	if d.cfg.Webhook != nil {
		for i, ep := range d.cfg.Webhook.Endpoints {
			check(ep.Secret, fmt.Sprintf("webhook.endpoints[%d].secret", i))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnStepBudgets flags step timeouts that seem too short to be intentional.
func (d *Doctor) warnStepBudgets(r *Result) {
	for _, w := range d.workflows.List() {
		for _, step := range w.Steps {
			if step.Timeout > 0 && step.Timeout.Seconds() < 10 {
				d.addWarning(r, "budget", fmt.Sprintf("workflows.%s.steps.%s.timeout", w.Name, step.ID),
					fmt.Sprintf("step timeout %s is very short (< 10s)", step.Timeout))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
