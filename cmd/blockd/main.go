// Package main is the CLI entry point for blockd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pushinapp/blockd/internal/channel"
	"github.com/pushinapp/blockd/internal/config"
	"github.com/pushinapp/blockd/internal/daemon"
	"github.com/pushinapp/blockd/internal/infra"
	"github.com/pushinapp/blockd/internal/store"
	"github.com/pushinapp/blockd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blockd",
	Short: "App block / unlock session coordinator",
	Long: `blockd shields a configured set of applications and lets the user
earn temporary unlock time by completing a workout, or spend one of a
small daily quota of emergency unlocks. While the shield is up, blocked
apps are terminated on an interval; when an unlock session is running,
the shield is lifted until the session expires.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator daemon in the background",
	RunE:  runStart,
}

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, shield and quota status",
	RunE:  runStatus,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reapply the persisted shield and run one enforcement pass",
	RunE:  runScan,
}

var callCmd = &cobra.Command{
	Use:   "call <method> [json-args]",
	Short: "Invoke a channel method and print the response envelope",
	Long: `Dispatches one of the coordinator's channel methods, e.g.:

  blockd call getAuthorizationStatus
  blockd call configureBlockingRules '{"rules":[{"id":"social","targetTokens":["slack"]}]}'
  blockd call startEmergencyUnlockTimer '{"durationSeconds":300}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var jsonOutput bool

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
}

// coordinator bundles the wired component graph.
type coordinator struct {
	cfg      *config.Config
	shared   *store.FileStore
	shield   *infra.ProcessShield
	enforcer *usecase.Enforcer
	quota    *usecase.QuotaManager
	timer    *daemon.SessionTimer
	bus      *daemon.SignalBus
	watcher  *daemon.Watcher
	adapter  *channel.Adapter
	logger   *zap.Logger
	close    func()
}

// buildCoordinator wires the full component graph. The events channel
// is only hooked up in daemon mode; one-shot commands pass nil.
func buildCoordinator(ctx context.Context, logger *zap.Logger, withEvents bool) (*coordinator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	pm := infra.NewProcessManager()
	shared := store.NewFileStore(cfg.StorePath())

	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare encryption key: %w", err)
	}
	rules, err := infra.NewEncryptedRuleStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	shield := infra.NewProcessShield(pm, logger)
	notifier := infra.NewDesktopNotifier(logger)
	consent := infra.NewFileConsentProvider(cfg.DataDir)

	gate := usecase.NewAuthGate(consent, logger)
	enforcer := usecase.NewEnforcer(shield, rules, shared, logger)
	quota := usecase.NewQuotaManager(shared, cfg.Quota.MaxPerDay, logger)

	timer := daemon.NewSessionTimer(
		daemon.TimerConfig{
			EmergencyTick: cfg.Timer.EmergencyTick,
			StandardTick:  cfg.Timer.StandardTick,
		},
		enforcer, notifier, shared, quota, logger)

	var events <-chan struct{}
	if withEvents {
		watcher := store.NewChangeWatcher(cfg.StorePath(), logger)
		events, err = watcher.Watch(ctx)
		if err != nil {
			logger.Warn("store change watcher unavailable, polling only", zap.Error(err))
			events = nil
		}
	}

	bus := daemon.NewSignalBus(
		daemon.SignalBusConfig{PollInterval: cfg.Bus.PollInterval},
		shared, notifier, events, logger)

	watcher := daemon.NewWatcher(
		daemon.WatcherConfig{
			EnforcementInterval: cfg.Enforce.Interval,
			ReconcileInterval:   cfg.Enforce.ReconcileInterval,
			HeartbeatInterval:   cfg.Enforce.HeartbeatInterval,
		},
		shield, timer, shared, pm, logger)

	adapter := channel.NewAdapter(gate, enforcer, quota, timer, bus, rules, logger)

	return &coordinator{
		cfg:      cfg,
		shared:   shared,
		shield:   shield,
		enforcer: enforcer,
		quota:    quota,
		timer:    timer,
		bus:      bus,
		watcher:  watcher,
		adapter:  adapter,
		logger:   logger,
		close: func() {
			_ = rules.Close()
		},
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	shared := store.NewFileStore(cfg.StorePath())

	if pid, ok := store.GetInt64(shared, store.KeyDaemonPID); ok && pm.IsRunning(int(pid)) {
		fmt.Println("blockd is already running")
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Self-exec, detached from the terminal.
	c := exec.Command(executable, "daemon")
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	c.Stdin = nil
	c.Stdout = nil
	c.Stderr = nil
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give the daemon a moment to register.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("blockd daemon started")
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	coord, err := buildCoordinator(ctx, logger, true)
	if err != nil {
		logger.Error("failed to build coordinator", zap.Error(err))
		return err
	}
	defer coord.close()

	// A session left running at shutdown keeps its persisted snapshot,
	// so the next launch reconciles it.
	defer coord.timer.Suspend()

	go func() {
		_ = coord.bus.Run(ctx)
	}()

	err = coord.watcher.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	shared := store.NewFileStore(cfg.StorePath())

	fmt.Println("\n=== blockd Status ===")

	pid, ok := store.GetInt64(shared, store.KeyDaemonPID)
	if ok && pm.IsRunning(int(pid)) {
		fmt.Printf("Daemon: RUNNING (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon: NOT RUNNING")
		fmt.Println("\nRun 'blockd start' to enable enforcement.")
	}

	if beat, ok := store.GetTime(shared, store.KeyDaemonHeartbeat); ok {
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(beat).Round(time.Second))
	}

	if end, ok := store.GetTimeMilli(shared, store.KeyActiveSessionEnd); ok {
		id, _ := shared.Get(store.KeyActiveSessionID)
		kind, _ := shared.Get(store.KeyActiveSessionKind)
		remaining := time.Until(end).Round(time.Second)
		if remaining > 0 {
			fmt.Printf("Active session: %s (%s), %s remaining\n", id, kind, remaining)
		} else {
			fmt.Printf("Session %s expired, awaiting reconciliation\n", id)
		}
	} else {
		fmt.Println("Active session: none")
	}

	if selection, ok := shared.Get(store.KeyFamilyActivitySelection); ok {
		fmt.Printf("Persisted selection: %s\n", selection)
	}

	used, _ := store.GetInt64(shared, store.KeyEmergencyUnlocksUsedToday)
	fmt.Printf("Emergency unlocks used today: %d\n", used)

	fmt.Println("=====================")
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	coord, err := buildCoordinator(ctx, logger, false)
	if err != nil {
		return err
	}
	defer coord.close()

	count, err := coord.enforcer.ReapplyBlocking()
	if err != nil {
		return fmt.Errorf("failed to reapply shield: %w", err)
	}
	if count == 0 {
		fmt.Println("No persisted selection; nothing to enforce.")
		return nil
	}

	killed, err := coord.shield.EnforceOnce(ctx)
	if err != nil {
		return fmt.Errorf("enforcement failed: %w", err)
	}

	fmt.Printf("Shielded %d targets, terminated %d processes\n", count, killed)
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	callArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			return fmt.Errorf("invalid json args: %w", err)
		}
	}

	logger := zap.NewNop()
	ctx := context.Background()

	coord, err := buildCoordinator(ctx, logger, false)
	if err != nil {
		return err
	}
	defer coord.close()

	envelope := coord.adapter.Handle(ctx, method, callArgs)

	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !envelope.Success {
		os.Exit(1)
	}
	return nil
}

func createLogger() *zap.Logger {
	cfg, err := config.Load()
	logPath := "/var/tmp/blockd.log"
	errPath := "/var/tmp/blockd.error.log"
	if err == nil {
		logPath = filepath.Join(cfg.DataDir, "blockd.log")
		errPath = filepath.Join(cfg.DataDir, "blockd.error.log")
		_ = os.MkdirAll(cfg.DataDir, 0700)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{logPath}
	zcfg.ErrorOutputPaths = []string{errPath}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("blockd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
