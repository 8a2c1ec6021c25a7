package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sakti-dev/runcoord/internal/bus"
	"github.com/sakti-dev/runcoord/internal/config"
	"github.com/sakti-dev/runcoord/internal/gateway"
	otelPkg "github.com/sakti-dev/runcoord/internal/otel"
	"github.com/sakti-dev/runcoord/internal/persistence"
	"github.com/sakti-dev/runcoord/internal/sweep"
	"github.com/sakti-dev/runcoord/internal/telemetry"
	"github.com/sakti-dev/runcoord/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the run coordinator daemon
  %s -quiet                   Log to file only (no stdout)

ENVIRONMENT VARIABLES:
  RUNCOORD_HOME               Data directory (default: ~/.runcoord)
  RUNCOORD_BIND_ADDR          HTTP bind address
  RUNCOORD_AUTH_TOKEN         Bearer token for the API (empty disables auth)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Recover runs orphaned by a previous crash before workers start.
	requeued, err := store.RequeueExpiredRuns(ctx, time.Now().UTC())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	pool := worker.New(store, defaultExecutor{}, worker.Config{
		WorkerCount:       cfg.WorkerCount,
		PollInterval:      cfg.PollInterval(),
		Lease:             cfg.Lease(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		RunTimeout:        cfg.RunTimeout(),
		Bus:               eventBus,
		Metrics:           metrics,
	}, logger)
	pool.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.WorkerCount)

	sweeper, err := sweep.New(store, sweep.Config{
		Interval:  time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
		Schedule:  cfg.Sweep.Schedule,
		Retention: time.Duration(cfg.Sweep.RetentionDays) * 24 * time.Hour,
		Metrics:   metrics,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_SWEEP_INIT", err)
	}
	sweeper.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded", "fingerprint", next.Fingerprint())
			}
		}()
	}

	server, err := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Pool:              pool,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_GATEWAY_LISTEN", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	pool.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete")
}

// defaultExecutor is the built-in executor: it echoes the run input back to
// the event log and completes. Deployments embed runcoord as a library and
// supply a real Executor; the daemon binary runs this placeholder so the
// whole lifecycle is exercisable end to end.
type defaultExecutor struct{}

func (defaultExecutor) Execute(ctx context.Context, run persistence.Run, emit worker.EmitFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return emit("run.echo", run.Input, "")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runcoord","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment. Existing variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		val = strings.Trim(val, `"'`)
		_ = os.Setenv(key, val)
	}
}
