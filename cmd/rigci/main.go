package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/rigworks/rigci/internal/api"
	"github.com/rigworks/rigci/internal/auth"
	"github.com/rigworks/rigci/internal/config"
	"github.com/rigworks/rigci/internal/dispatch"
	"github.com/rigworks/rigci/internal/doctor"
	"github.com/rigworks/rigci/internal/events"
	"github.com/rigworks/rigci/internal/lock"
	"github.com/rigworks/rigci/internal/log"
	"github.com/rigworks/rigci/internal/run"
	"github.com/rigworks/rigci/internal/storage"
	"github.com/rigworks/rigci/internal/tui/watch"
	"github.com/rigworks/rigci/internal/webhook"
	"github.com/rigworks/rigci/internal/workflow"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "run":
		return runRunNoun(args)
	case "workflow":
		return runWorkflowNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: rigci version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("rigci %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`rigci - CI gateway for hardware test rigs

Usage:
  rigci <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  config    Configuration and integrity
  run       Dispatched workflow executions
  workflow  Compiled workflow definitions

System Commands:
  system start      Start the gateway service in foreground
  system status     Show gateway health (config, database, PID lock)
  system watch      Real-time run monitoring TUI

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate syntax, targets, and integrity

Run Commands:
  run list          Show recent runs
  run inspect <id>  Show one run with its step results

Workflow Commands:
  workflow list     Show compiled workflows and their triggers

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'rigci <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runRunNoun(args []string) int {
	if len(args) < 1 {
		printRunNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printRunListHelp()
			return 0
		}
		return runRunList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printRunInspectHelp()
			return 0
		}
		return runRunInspect(actionArgs)
	case "help":
		printRunNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown run action: %s\n", action)
		return 1
	}
}

func runWorkflowNoun(args []string) int {
	if len(args) < 1 {
		printWorkflowNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkflowNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printWorkflowListHelp()
			return 0
		}
		return runWorkflowList(actionArgs)
	case "help":
		printWorkflowNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown workflow action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP TEXT ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rigci system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rigci config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printRunNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rigci run <action>")
	fmt.Fprintln(w, "Actions: list, inspect")
}

func printWorkflowNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rigci workflow <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: rigci system start [--config PATH]")
	fmt.Println("Start the gateway service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: rigci system status [--config PATH] [--json]")
	fmt.Println("Show gateway health (config, database readiness, and PID lock state).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: rigci system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time run monitoring TUI.")
	fmt.Println("Shows gateway health, active runs, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Gateway API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or RIGCI_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate runs")
}

func printConfigLockHelp() {
	fmt.Println("Usage: rigci config lock [--config PATH]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: rigci config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, workflow targets, and integrity.")
}

func printRunListHelp() {
	fmt.Println("Usage: rigci run list [--config PATH] [--limit N] [--json]")
	fmt.Println("Show recent runs, newest first.")
}

func printRunInspectHelp() {
	fmt.Println("Usage: rigci run inspect <run_id> [--config PATH] [--json]")
	fmt.Println("Show one run with its recorded step results.")
}

func printWorkflowListHelp() {
	fmt.Println("Usage: rigci workflow list [--config PATH] [--json]")
	fmt.Println("Show compiled workflows, their triggers, and targets.")
}

// --- ACTION IMPLEMENTATIONS ---

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigDir()
}

// configDirOf maps a config path (file or directory) to its directory, which
// anchors the workflows/ subdirectory and the .checksums manifest.
func configDirOf(configPath string) string {
	if stat, err := os.Stat(configPath); err == nil && stat.IsDir() {
		return configPath
	}
	return filepath.Dir(configPath)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("rigci starting", "version", version, "config", resolved)

	configDir := configDirOf(resolved)
	workflows, err := workflow.LoadAndCompileDir(configDir)
	if err != nil {
		logger.Error("failed to load workflows", "config_dir", configDir, "error", err)
		return 1
	}
	for _, w := range workflows.List() {
		logger.Info("workflow registered",
			"name", w.Name, "triggers", len(w.Triggers), "fingerprint", w.Fingerprint)
	}

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "rigci.pid")
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := run.NewStore(db)
	hub := events.NewHub(256)
	disp := dispatch.New(store, workflows, cfg, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := disp.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := disp.StartJanitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("janitor: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, store, disp, workflows, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhook != nil && len(cfg.Webhook.Endpoints) > 0 {
		webhookServer := webhook.New(*cfg.Webhook, disp, log.WithComponent("webhook"))
		g.Go(func() error {
			if err := webhookServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
		logger.Info("webhook server enabled", "listen", cfg.Webhook.Listen, "endpoints", len(cfg.Webhook.Endpoints))
	}

	logger.Info("rigci running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("rigci stopped")
	return 0
}

type statusReport struct {
	ConfigPath   string `json:"config_path"`
	ConfigOK     bool   `json:"config_ok"`
	ConfigError  string `json:"config_error,omitempty"`
	WorkflowsOK  bool   `json:"workflows_ok"`
	Workflows    int    `json:"workflows"`
	DatabaseOK   bool   `json:"database_ok"`
	DatabasePath string `json:"database_path,omitempty"`
	LockHeld     bool   `json:"lock_held_by_other"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{}
	failed := false

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		report.ConfigError = err.Error()
		failed = true
	}
	report.ConfigPath = resolved

	var cfg *config.Config
	if !failed {
		cfg, err = config.Load(resolved)
		if err != nil {
			report.ConfigError = err.Error()
			failed = true
		} else {
			report.ConfigOK = true
		}
	}

	if cfg != nil {
		workflows, err := workflow.LoadAndCompileDir(configDirOf(resolved))
		if err == nil {
			report.WorkflowsOK = true
			report.Workflows = workflows.Len()
		} else {
			failed = true
		}

		report.DatabasePath = cfg.State.Path
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err == nil {
			report.DatabaseOK = true
			db.Close()
		} else {
			failed = true
		}

		pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "rigci.pid")
		if l, err := lock.Acquire(pidLockPath); err != nil {
			// Lock held elsewhere means a live instance, not a failure.
			report.LockHeld = true
		} else {
			l.Release()
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("config:    %s (%s)\n", checkmark(report.ConfigOK), report.ConfigPath)
		if report.ConfigError != "" {
			fmt.Printf("           %s\n", report.ConfigError)
		}
		fmt.Printf("workflows: %s (%d loaded)\n", checkmark(report.WorkflowsOK), report.Workflows)
		fmt.Printf("database:  %s (%s)\n", checkmark(report.DatabaseOK), report.DatabasePath)
		if report.LockHeld {
			fmt.Println("instance:  running (PID lock held)")
		} else {
			fmt.Println("instance:  not running")
		}
	}

	if failed {
		return 1
	}
	return 0
}

func checkmark(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("RIGCI_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or RIGCI_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	configDir := configDirOf(resolved)

	files, err := config.GenerateChecksums(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate checksums: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %d file(s) in %s\n", len(files), configDir)
	for _, name := range files {
		fmt.Printf("  %s\n", name)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	workflows, err := workflow.LoadAndCompileDir(configDirOf(resolved))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workflow compilation failed: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, workflows).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func openStore(configPath string) (*run.Store, func(), error) {
	resolved, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return run.NewStore(db), func() { db.Close() }, nil
}

func runRunList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of runs to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	store, cleanup, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	runs, err := store.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}

	fmt.Printf("%-36s  %-20s  %-13s  %-24s  %-10s\n", "ID", "WORKFLOW", "EVENT", "REF", "STATUS")
	for _, r := range runs {
		fmt.Printf("%-36s  %-20s  %-13s  %-24s  %-10s\n",
			r.ID, r.Workflow, r.Event.Kind, r.Event.Ref, r.Status)
	}
	return 0
}

func runRunInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: rigci run inspect <run_id> [--config PATH] [--json]")
		return 1
	}
	runID := fs.Arg(0)

	store, cleanup, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	r, err := store.Get(context.Background(), runID)
	if errors.Is(err, run.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run not found: %s\n", runID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get run: %v\n", err)
		return 1
	}

	steps, err := store.Steps(context.Background(), runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get step results: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]any{
			"run":   r,
			"steps": steps,
		}, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("run:      %s\n", r.ID)
	fmt.Printf("workflow: %s\n", r.Workflow)
	fmt.Printf("event:    %s (%s)\n", r.Event.Kind, r.Event.Ref)
	fmt.Printf("target:   %s\n", r.Target)
	fmt.Printf("group:    %s\n", r.GroupKey)
	fmt.Printf("status:   %s\n", r.Status)
	if r.LastError != nil {
		fmt.Printf("error:    %s\n", *r.LastError)
	}
	if r.SupersededBy != nil {
		fmt.Printf("superseded_by: %s\n", *r.SupersededBy)
	}
	fmt.Println("steps:")
	for _, sr := range steps {
		line := fmt.Sprintf("  %2d. %-30s %s", sr.Seq, sr.StepID, sr.Status)
		if sr.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *sr.ExitCode)
		}
		if sr.SkipReason != "" {
			line += " (" + sr.SkipReason + ")"
		}
		fmt.Println(line)
	}
	return 0
}

func runWorkflowList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	workflows, err := workflow.LoadAndCompileDir(configDirOf(resolved))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workflow compilation failed: %v\n", err)
		return 1
	}

	list := workflows.List()
	if *jsonOut {
		type wfOut struct {
			Name             string   `json:"name"`
			Triggers         []string `json:"triggers"`
			Group            string   `json:"group"`
			CancelInProgress bool     `json:"cancel_in_progress"`
			Fingerprint      string   `json:"fingerprint"`
			Steps            int      `json:"steps"`
		}
		out := make([]wfOut, 0, len(list))
		for _, w := range list {
			triggers := make([]string, 0, len(w.Triggers))
			for _, t := range w.Triggers {
				triggers = append(triggers, string(t))
			}
			out = append(out, wfOut{
				Name:             w.Name,
				Triggers:         triggers,
				Group:            w.GroupTemplate,
				CancelInProgress: w.CancelInProgress,
				Fingerprint:      w.Fingerprint,
				Steps:            len(w.Steps),
			})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(list) == 0 {
		fmt.Println("No workflows loaded.")
		return 0
	}

	for _, w := range list {
		triggers := make([]string, 0, len(w.Triggers))
		for _, t := range w.Triggers {
			triggers = append(triggers, string(t))
		}
		fmt.Printf("%s\n", w.Name)
		fmt.Printf("  on:      %s\n", strings.Join(triggers, ", "))
		fmt.Printf("  group:   %s (cancel_in_progress: %v)\n", w.GroupTemplate, w.CancelInProgress)
		for _, kind := range w.Triggers {
			fmt.Printf("  target:  %s -> %s\n", kind, w.Target(kind))
		}
		fmt.Printf("  steps:   %d\n", len(w.Steps))
		fmt.Printf("  digest:  %s\n", w.Fingerprint)
	}
	return 0
}
