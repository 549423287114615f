package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/stitch/pkg/config"
	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/observability"
	"github.com/Mindburn-Labs/stitch/pkg/payload"
	"github.com/Mindburn-Labs/stitch/pkg/stitch"
	"github.com/Mindburn-Labs/stitch/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "drain":
		return runDrain(stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "lookup":
		return runLookup(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: stitchd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Run the resolve loop until interrupted (default)")
	fmt.Fprintln(w, "  drain            Resolve every pending event, then exit")
	fmt.Fprintln(w, "  ingest [file]    Ingest a JSON array of events from file or stdin")
	fmt.Fprintln(w, "  lookup <event>   Print the journey view for a resolved event")
	fmt.Fprintln(w, "  help             Show this help")
}

// loadConfig reads the environment and layers the named tuning profile on
// top when STITCH_PROFILE is set.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return nil, err
		}
		profile.Apply(cfg)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStorage wires the configured backend, plus the Redis lookup cache when
// REDIS_URL is set. The returned closer shuts down whatever was opened.
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (stitch.Storage, func(), error) {
	var backing stitch.Storage
	closers := []func(){}

	switch cfg.Backend {
	case "memory":
		backing = store.NewMemory()
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		closers = append(closers, func() { _ = db.Close() })
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite: %w", err)
		}
		backing = s
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		s := store.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		backing = s
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { _ = client.Close() })
		backing = store.NewCachedLookup(backing, client, cfg.JourneyCacheTTL)
		log.Info("journey lookup cache enabled", "ttl", cfg.JourneyCacheTTL)
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return backing, closeAll, nil
}

func newWorker(cfg *config.Config, backing stitch.Storage, log *slog.Logger, metrics *observability.Metrics) *stitch.Worker {
	return stitch.NewWorker(backing, stitch.WorkerConfig{
		BatchLimit:       cfg.BatchLimit,
		KeyWindow:        cfg.KeyWindow,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		BatchesPerSecond: cfg.BatchesPerSecond,
	}, log, metrics)
}

func runServe(stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		log.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	metrics, err := observability.NewMetrics(obs.Meter())
	if err != nil {
		log.Error("metrics init failed", "error", err)
		return 1
	}

	backing, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return 1
	}
	defer closeStorage()

	worker := newWorker(cfg, backing, log, metrics)
	log.Info("stitchd started",
		"backend", cfg.Backend,
		"batch_limit", cfg.BatchLimit,
		"interval", cfg.ResolveInterval)

	if err := worker.Run(ctx, cfg.ResolveInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("resolve loop failed", "error", err)
		return 1
	}
	log.Info("stitchd stopped")
	return 0
}

func runDrain(stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return 1
	}
	defer closeStorage()

	worker := newWorker(cfg, backing, log, nil)
	resolved, err := worker.Drain(ctx)
	if err != nil {
		log.Error("drain failed", "error", err, "resolved", resolved)
		return 1
	}
	log.Info("drain complete", "resolved", resolved)
	return 0
}

func runIngest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	log := newLogger(cfg.LogLevel)

	in := os.Stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "open %s: %v\n", fs.Arg(0), err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	var events []contracts.Event
	if err := json.NewDecoder(in).Decode(&events); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode events: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return 1
	}
	defer closeStorage()

	ingestor := stitch.NewIngestor(backing)
	if cfg.OffloadBytes > 0 {
		payloads, err := payload.NewStoreFromEnv(ctx)
		if err != nil {
			log.Error("payload store init failed", "error", err)
			return 1
		}
		ingestor.Payloads = payloads
		ingestor.OffloadBytes = cfg.OffloadBytes
	}

	if err := ingestor.Ingest(ctx, events); err != nil {
		log.Error("ingest failed", "error", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "ingested %d events\n", len(events))
	return 0
}

func runLookup(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: stitchd lookup <event-id>")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return 1
	}
	defer closeStorage()

	view, err := stitch.NewLookup(backing).GetJourney(ctx, args[0])
	if errors.Is(err, stitch.ErrNotFound) {
		_, _ = fmt.Fprintf(stderr, "event %s has no resolved journey\n", args[0])
		return 1
	}
	if err != nil {
		log.Error("lookup failed", "error", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(view)
	return 0
}
