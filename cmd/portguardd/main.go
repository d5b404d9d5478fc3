// Package main is the entry point for the portguardd daemon.
//
// It delegates command parsing to internal/cli, which defines the
// serve and version cobra commands. Build-time variables (version,
// commit, date) are injected via ldflags, defaulting to "dev", "none",
// and "unknown" during development.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mateoortiz/portguardd/internal/allocengine"
	"github.com/mateoortiz/portguardd/internal/audit"
	"github.com/mateoortiz/portguardd/internal/cli"
	"github.com/mateoortiz/portguardd/internal/daemonconfig"
	"github.com/mateoortiz/portguardd/internal/daemonlog"
	"github.com/mateoortiz/portguardd/internal/httpd"
	"github.com/mateoortiz/portguardd/internal/planner"
	"github.com/mateoortiz/portguardd/internal/probe"
	"github.com/mateoortiz/portguardd/internal/reconcile"
	"github.com/mateoortiz/portguardd/internal/registry"
	"github.com/mateoortiz/portguardd/internal/store"
)

var (
	version = "dev"
	commit = "none"
	date = "unknown"
)

// shutdownCeiling bounds the HTTP server's graceful shutdown; the
// deferred engine close (final save), audit-log close, and PID-file
// removal that follow it are not covered by this bound.
const shutdownCeiling = 30 * time.Second

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand(serve)
	cli.Execute(rootCmd)
}

func serve(configPath string, verbose bool) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	logCfg := daemonlog.DefaultConfig()
	if verbose {
		logCfg = daemonlog.DevelopmentConfig()
	}
	zapLogger := daemonlog.New(logCfg)
	defer zapLogger.Sync() //nolint:errcheck
	log := zapLogger.Sugar()

	if configPath == "" {
		configPath = filepath.Join(home, ".portguardd", "daemon.yaml")
	}
	cfg, err := daemonconfig.Load(configPath, home)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	pidPath := filepath.Join(cfg.StateDir, "daemon.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	token, err := loadOrCreateToken(filepath.Join(cfg.StateDir, "auth.token"))
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	persistentStore, err := store.New(cfg.StateDir, log)
	if err != nil {
		return fmt.Errorf("open persistent store: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.StateDir, "audit"), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	sanitizedAudit := daemonlog.NewSanitizingRecorder(auditLog)

	overridePath := filepath.Join(cfg.StateDir, "config.json")
	reg, err := registry.Load(cfg.BaseConfigPath, overridePath, log)
	if err != nil {
		return fmt.Errorf("load range registry: %w", err)
	}

	var rangePlanner allocengine.RangePlanner
	if cfg.AutoAllocation {
		plannerCfg := planner.Config{
			Enabled: true,
			Placement: planner.Placement(cfg.Placement),
			ChunkSize: cfg.ChunkSize,
			GapSize: cfg.GapSize,
			PreserveGaps: cfg.PreserveGaps,
			MinPort: cfg.MinPort,
			MaxPort: cfg.MaxPort,
			BackupCap: 10,
		}
		pln := planner.New(plannerCfg, reg, overridePath, filepath.Join(cfg.StateDir, "config-backups"), log)
		pln.OnCommit(func(event string, fields map[string]interface{}) { _ = sanitizedAudit.Record(event, fields) })
		rangePlanner = pln
	}

	enricher, err := probe.NewContainerEnricher(log)
	if err != nil {
		log.Infow("portguardd: container enrichment unavailable, continuing without it", "error", err)
		enricher = nil
	}
	prober := probe.NewProber(log, enricher)

	engine := allocengine.New(allocengine.Config{
		StrictMode: cfg.StrictMode,
		DaemonPID: os.Getpid(),
	}, reg, rangePlanner, prober, persistentStore, log)
	defer engine.Close() //nolint:errcheck

	reconcileCfg := reconcile.Config{
		SweepInterval: cfg.SweepInterval,
		StaleAge: cfg.StaleAge,
		ScanInterval: cfg.ScanInterval,
		HealthEnabled: cfg.HealthMonitorEnabled,
		HealthInterval: cfg.HealthMonitorInterval,
		MaxFailures: cfg.MaxFailures,
	}
	loop := reconcile.New(reconcileCfg, engine, reg, prober, persistentStore, log)
	loop.OnAudit(func(event string, fields map[string]interface{}) { _ = sanitizedAudit.Record(event, fields) })

	if err := loop.StartupRecovery(context.Background()); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	go loop.Run(ctx)

	server := httpd.New(engine, reg, loop, sanitizedAudit, token, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort),
		Handler: server,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Infow("portguardd: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCeiling)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("portguardd: http server shutdown error", "error", err)
	}

	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// start of graceful shutdown sequence.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", err
	}
	return token, nil
}
