// Command contextd manages permission-scoped agent context storage: schema
// migrations, permission grants, context reads and writes, and a daemon mode
// that sweeps expired grants.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openfleet/contextd/internal/audit"
	"github.com/openfleet/contextd/internal/config"
	otelx "github.com/openfleet/contextd/internal/otel"
	"github.com/openfleet/contextd/internal/permission"
	"github.com/openfleet/contextd/internal/storage"
	"github.com/openfleet/contextd/internal/sweeper"
	"github.com/openfleet/contextd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the expiry sweeper and config watcher

MIGRATIONS:
  %s migrate [-dry-run] [-yes]
                              Convert the legacy context column to chunked
                              storage (backup taken first)
  %s migrate-permissions [-dry-run] [-yes]
                              Add the three-tier permission model to the
                              agents table (backup taken first)

PERMISSIONS:
  %s grant <agent-id> <level> -by <actor> [-reason <text>] [-expires-in <dur>]
                              Change an agent's access level
                              Levels: self_only, team_level, session_level
  %s history <agent-id> [-limit <n>]
                              Show an agent's permission change history

CONTEXTS:
  %s add <agent-id> <title> [-content <text>] [-metadata <json>] [-seq <n>]
                              Store a context (content from stdin when -content
                              is omitted)
  %s list <agent-id> [-limit <n>] [-metadata] [-json]
                              List contexts visible at the agent's access level

SETUP:
  %s seed <project|session|team|agent|assign> ...
                              Create scope records and agents
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONTEXTD_HOME            Data directory (default: ~/.contextd)
  CONTEXTD_DB_PATH         Database file override
  CONTEXTD_LOG_LEVEL       Log level override (debug, info, warn, error)

EXAMPLES:
  Migrate a legacy database:   %s migrate
  Grant team visibility:       %s grant agent-1 team_level -by ops -expires-in 24h
  List visible contexts:       %s list agent-1 -limit 20
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run in daemon mode (expiry sweeper, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "migrate":
			os.Exit(runMigrateCommand(ctx, args[1:]))
		case "migrate-permissions":
			os.Exit(runMigratePermissionsCommand(ctx, args[1:]))
		case "grant":
			os.Exit(runGrantCommand(ctx, args[1:]))
		case "history":
			os.Exit(runHistoryCommand(ctx, args[1:]))
		case "add":
			os.Exit(runAddCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		case "seed":
			os.Exit(runSeedCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			*daemon = true
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	homeDir := config.DefaultHomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()

	provider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := storage.Open(cfg.DBPath, cfg.BusyTimeoutMS)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetChunking(cfg.ChunkSize, cfg.ChunkOverlapRatio)

	sink, err := audit.NewSink(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer sink.Close()

	cache := permission.NewCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)
	resolver := permission.NewResolver(store, cache, logger, metrics)
	manager := permission.NewManager(store, resolver, logger, metrics)

	var sweep *sweeper.Sweeper
	if cfg.SweepIntervalMinutes > 0 {
		sweep = sweeper.New(store, manager, logger,
			time.Duration(cfg.SweepIntervalMinutes)*time.Minute)
		if err := sweep.Start(ctx); err != nil {
			fatalStartup(logger, "E_SWEEPER_START", err)
		}
	} else {
		logger.Warn("permission sweep disabled by config; expired grants downgrade only on read")
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		prev := cfg
		for range watcher.Events() {
			next, err := config.Load(prev.HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			store.SetChunking(next.ChunkSize, next.ChunkOverlapRatio)
			logger.Info("config reloaded",
				"chunk_size", next.ChunkSize,
				"sweep_interval_minutes", next.SweepIntervalMinutes)
			if next.SweepIntervalMinutes != prev.SweepIntervalMinutes {
				logger.Warn("sweep interval change requires a restart to take effect")
			}
			prev = next
		}
	}()

	logger.Info("contextd daemon started",
		"version", Version,
		"db_path", cfg.DBPath,
		"sweep_interval_minutes", cfg.SweepIntervalMinutes,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if sweep != nil {
		sweep.Stop()
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(shCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadCLIConfig loads configuration for one-shot subcommands with a
// file-only logger so command output stays clean.
func loadCLIConfig() (config.Config, *slog.Logger, io.Closer, error) {
	homeDir := config.DefaultHomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, closer, nil
}

// openCLIStore opens the store for a one-shot subcommand with chunking from
// config.
func openCLIStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.DBPath, cfg.BusyTimeoutMS)
	if err != nil {
		return nil, err
	}
	store.SetChunking(cfg.ChunkSize, cfg.ChunkOverlapRatio)
	return store, nil
}
