package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/scatter/internal/api"
	"github.com/mattjoyce/scatter/internal/backend"
	"github.com/mattjoyce/scatter/internal/config"
	"github.com/mattjoyce/scatter/internal/events"
	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/jobspec"
	"github.com/mattjoyce/scatter/internal/launch"
	"github.com/mattjoyce/scatter/internal/ledger"
	"github.com/mattjoyce/scatter/internal/lock"
	"github.com/mattjoyce/scatter/internal/log"
	"github.com/mattjoyce/scatter/internal/metrics"
	"github.com/mattjoyce/scatter/internal/nodepool"
	"github.com/mattjoyce/scatter/internal/orchestrator"
	"github.com/mattjoyce/scatter/internal/preflight"
	"github.com/mattjoyce/scatter/internal/scale"
	"github.com/mattjoyce/scatter/internal/worker"
	"github.com/mattjoyce/scatter/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// staleWorkspaceAge is how old a left-over sub-job workspace must be before
// a new run removes it.
const staleWorkspaceAge = 24 * time.Hour

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitFailed
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runRun(args)
	case "worker":
		if hasHelpFlag(args) {
			printWorkerHelp()
			return exitOK
		}
		return runWorker(args)

	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)
	case "hosts":
		return runHostsNoun(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitFailed
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
		return exitFailed
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: scatter version [--json]")
		return exitFailed
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailed
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("scatter %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
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
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
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

// parseInterspersed parses fs over args, allowing flags after positional
// arguments ("run jobs.yaml --config c.yaml").
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// loadConfig loads path, or the discovered config when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.Discover()
	}
	return config.Load(path)
}

// --- RUN ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	hostsPath := fs.String("hosts", "", "Node roster, overrides hosts.roster")
	jsonOut := fs.Bool("json", false, "Print entry outcomes as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailed
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: scatter run <jobs.yaml> [--config PATH] [--hosts PATH] [--json]")
		return exitFailed
	}
	jobPath := positional[0]

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	if *hostsPath != "" {
		cfg.Hosts.Roster = *hostsPath
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
	logger := log.WithComponent("main")
	logger.Info("scatter starting", "version", version, "config", cfg.SourcePath, "job", jobPath)

	stateLock, err := lock.Acquire(cfg.State.LockPath)
	if err != nil {
		logger.Error("failed to acquire state lock (another orchestrator may be running)", "path", cfg.State.LockPath, "error", err)
		return exitFailed
	}
	defer stateLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := preflight.New(cfg, preflight.Options{JobPath: jobPath}).Run(ctx)
	if !report.Valid || len(report.Warnings) > 0 {
		fmt.Fprint(os.Stderr, preflight.FormatHuman(report))
	}
	if !report.Valid {
		return exitConfig
	}

	registry, err := backend.Open(cfg.Backends, log.WithComponent("backend"))
	if err != nil {
		logger.Error("failed to open backends", "error", err)
		return exitConfig
	}
	defer registry.Close()

	spec, err := jobspec.Load(jobPath, cfg.Scale.DefaultMaxScale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid job file: %v\n", err)
		return exitConfig
	}
	applyWorkerDefaults(spec, cfg.Worker)
	entries, err := jobspec.Resolve(ctx, spec, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve job entries: %v\n", err)
		return exitConfig
	}

	var nodes []string
	if cfg.Hosts.Roster != "" {
		if nodes, err = nodepool.LoadRoster(cfg.Hosts.Roster); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load roster: %v\n", err)
			return exitConfig
		}
	}
	pool := nodepool.New(nodes)
	metrics.ObservePool(pool)

	// Ranks started on this host read the same configuration.
	if cfg.SourcePath != "" {
		_ = os.Setenv("SCATTER_CONFIG", cfg.SourcePath)
	}
	inproc := worker.New(registry, worker.WithProgressOutput(os.Stderr))
	launcher, err := launch.New(cfg.Launcher, inproc.Run)
	if err != nil {
		logger.Error("failed to build launcher", "mode", cfg.Launcher.Mode, "error", err)
		return exitConfig
	}

	wsManager, err := workspace.NewFSManager(cfg.State.WorkspaceDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.State.WorkspaceDir, "error", err)
		return exitFailed
	}
	if cleaned, err := wsManager.Cleanup(ctx, staleWorkspaceAge); err != nil {
		logger.Warn("stale workspace cleanup failed", "error", err)
	} else if cleaned.DeletedDirs > 0 {
		logger.Info("removed stale workspaces", "count", cleaned.DeletedDirs)
	}

	led, err := ledger.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open run ledger", "path", cfg.State.Path, "error", err)
		return exitFailed
	}
	defer led.Close()

	hub := events.NewHub(256)

	if cfg.API.Enabled {
		apiCtx, cancelAPI := context.WithCancel(ctx)
		defer cancelAPI()
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, led, pool, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API stopped", "error", err)
			}
		}()
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Advisor:    scale.NewAdvisor(uint64(cfg.Scale.MinBytesPerProcess), cfg.Scale.ThreadsPerProcess),
		Pool:       pool,
		Launcher:   launcher,
		Workspaces: wsManager,
		Ledger:     led,
		Events:     hub,
	}, orchestrator.Settings{
		MaxConcurrentJobs: cfg.Orchestrator.MaxConcurrentJobs,
		ChunkSize:         uint64(cfg.Worker.ChunkSize),
		Progress:          cfg.Worker.Progress,
		Timeout:           cfg.Launcher.Timeout,
	})

	info := orchestrator.RunInfo{
		ID:         uuid.NewString(),
		JobName:    spec.Name,
		JobFile:    spec.SourcePath,
		JobHash:    spec.Fingerprint,
		ConfigHash: cfg.Fingerprint,
	}
	outcomes, runErr := orch.Run(ctx, info, entries)
	if runErr != nil {
		logger.Error("run finished with failures", "run_id", info.ID, "error", runErr)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(struct {
			RunID    string        `json:"run_id"`
			Outcomes []job.Outcome `json:"outcomes"`
		}{info.ID, outcomes}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render outcomes: %v\n", err)
			return exitFailed
		}
		fmt.Println(string(data))
	} else {
		printOutcomes(info.ID, outcomes)
	}

	if job.IsFatal(runErr) {
		return exitConfig
	}
	if runErr != nil || !job.AllSucceeded(outcomes) {
		return exitFailed
	}
	return exitOK
}

// applyWorkerDefaults fills the configured default format into entries that
// name none.
func applyWorkerDefaults(spec *jobspec.Job, wc config.WorkerConfig) {
	if wc.Format == "" {
		return
	}
	for i := range spec.Data {
		if spec.Data[i].Format == "" {
			spec.Data[i].Format = wc.Format
		}
	}
}

func printOutcomes(runID string, outcomes []job.Outcome) {
	fmt.Printf("Run ID: %s\n", runID)
	for _, o := range outcomes {
		if o.Succeeded {
			fmt.Printf("  ok    %s (%d sub-jobs)\n", o.EntryID, len(o.Subjobs))
			continue
		}
		fmt.Printf("  FAIL  %s: %s\n", o.EntryID, o.Detail)
		for _, s := range o.Subjobs {
			if !s.Succeeded {
				fmt.Printf("        %s: %s\n", s.Locator, s.Error)
			}
		}
	}
}

// --- WORKER ---

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	requestPath := fs.String("request", "", "Read the request from this file instead of stdin")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailed
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	// stdout carries the response.
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)

	registry, err := backend.Open(cfg.Backends, log.WithComponent("backend"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open backends: %v\n", err)
		return exitConfig
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(registry, worker.WithProgressOutput(os.Stderr))
	resp, err := w.Serve(ctx, *requestPath, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return exitFailed
	}
	if !resp.OK() {
		return exitFailed
	}
	return exitOK
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitFailed
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "check":
		if hasHelpFlag(args[1:]) {
			printConfigCheckHelp()
			return exitOK
		}
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigNounHelp(os.Stderr)
		return exitFailed
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return exitFailed
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "inspect":
		if hasHelpFlag(args[1:]) {
			printJobInspectHelp()
			return exitOK
		}
		return runJobInspect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n\n", args[0])
		printJobNounHelp(os.Stderr)
		return exitFailed
	}
}

func runHostsNoun(args []string) int {
	if len(args) < 1 {
		printHostsNounHelp(os.Stderr)
		return exitFailed
	}
	if isHelpToken(args[0]) {
		printHostsNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "show":
		return runHostsShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown hosts action: %s\n\n", args[0])
		printHostsNounHelp(os.Stderr)
		return exitFailed
	}
}

// --- ACTIONS ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jobPath := fs.String("job", "", "Also validate this job file")
	resolve := fs.Bool("resolve", false, "Size every locator of the job file through its backend")
	format := fs.String("format", "human", "Output format: human or json")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailed
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitConfig
	}

	opts := preflight.Options{JobPath: *jobPath}
	if *resolve && *jobPath != "" {
		registry, err := backend.Open(cfg.Backends, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open backends: %v\n", err)
			return exitConfig
		}
		defer registry.Close()
		opts.Sizer = registry
	}

	result := preflight.New(cfg, opts).Run(context.Background())
	switch *format {
	case "json":
		out, err := preflight.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitFailed
		}
		fmt.Println(out)
	default:
		fmt.Print(preflight.FormatHuman(result))
	}

	if !result.Valid {
		return exitConfig
	}
	return exitOK
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output report as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailed
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: scatter job inspect <run-id> [--config PATH] [--json]")
		return exitFailed
	}
	runID := positional[0]

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}

	ctx := context.Background()
	led, err := ledger.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run ledger: %v\n", err)
		return exitFailed
	}
	defer led.Close()

	var out string
	if *jsonOut {
		out, err = ledger.BuildJSONReport(ctx, led, runID)
	} else {
		out, err = ledger.BuildReport(ctx, led, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		if errors.Is(err, ledger.ErrRunNotFound) {
			return exitConfig
		}
		return exitFailed
	}
	fmt.Println(out)
	return exitOK
}

func runHostsShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	hostsPath := fs.String("hosts", "", "Node roster, overrides hosts.roster")
	jsonOut := fs.Bool("json", false, "Output nodes as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailed
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	roster := cfg.Hosts.Roster
	if *hostsPath != "" {
		roster = *hostsPath
	}

	var nodes []string
	if roster != "" {
		if nodes, err = nodepool.LoadRoster(roster); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load roster: %v\n", err)
			return exitConfig
		}
	}

	if *jsonOut {
		data, err := json.MarshalIndent(struct {
			Roster string   `json:"roster,omitempty"`
			Nodes  []string `json:"nodes"`
		}{roster, append([]string{}, nodes...)}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitFailed
		}
		fmt.Println(string(data))
		return exitOK
	}

	if len(nodes) == 0 {
		fmt.Println("No roster nodes; worker groups use the launcher's default placement.")
		return exitOK
	}
	fmt.Printf("Roster: %s (%d nodes)\n", roster, len(nodes))
	for i, n := range nodes {
		fmt.Printf("  %3d  %s\n", i, n)
	}
	return exitOK
}

// --- HELP ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`scatter - parallel byte-range ingestion across a node roster

Usage:
  scatter <command> [flags]
  scatter <noun> <action> [flags]

Commands:
  run <jobs.yaml>   Ingest every entry of a job file
  worker            Run one worker rank (started by the launcher)

Config Commands:
  config check      Validate configuration, roster, launcher and job file

Job Commands:
  job inspect <id>  Show a run's sub-jobs, placement and errors

Hosts Commands:
  hosts show        List the node roster

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'scatter <noun> help' for resource-specific flags.
`)
}

func printRunHelp() {
	fmt.Print(`Usage: scatter run <jobs.yaml> [--config PATH] [--hosts PATH] [--json]

Resolves every entry of the job file, sizes a worker group per locator,
places it on the least loaded roster nodes and waits for all of them.
Exits 0 only when every entry succeeded, 2 on configuration errors.
`)
}

func printWorkerHelp() {
	fmt.Print(`Usage: scatter worker [--request FILE] [--config PATH]

Reads a request envelope from FILE or stdin, ingests this rank's share of
the range and writes the response to stdout (or the request's response_dir).
`)
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprint(w, "Usage: scatter config <action>\n\nActions:\n  check   Validate configuration\n")
}

func printConfigCheckHelp() {
	fmt.Print(`Usage: scatter config check [--config PATH] [--job FILE] [--resolve] [--format human|json]
`)
}

func printJobNounHelp(w *os.File) {
	fmt.Fprint(w, "Usage: scatter job <action>\n\nActions:\n  inspect <run-id>   Show a run report\n")
}

func printJobInspectHelp() {
	fmt.Print("Usage: scatter job inspect <run-id> [--config PATH] [--json]\n")
}

func printHostsNounHelp(w *os.File) {
	fmt.Fprint(w, "Usage: scatter hosts <action>\n\nActions:\n  show   List roster nodes [--config PATH] [--hosts PATH] [--json]\n")
}
