// Command creditledgerd runs the credit event store: journal, idempotency
// guard, event bus, balance projection, snapshots, replay, and the HTTP
// API. All components are constructed here and passed explicitly; there is
// no hidden global state.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/creditledger/pkg/api"
	"github.com/Mindburn-Labs/creditledger/pkg/bus"
	"github.com/Mindburn-Labs/creditledger/pkg/config"
	"github.com/Mindburn-Labs/creditledger/pkg/eventstore"
	"github.com/Mindburn-Labs/creditledger/pkg/idempotency"
	"github.com/Mindburn-Labs/creditledger/pkg/journal"
	"github.com/Mindburn-Labs/creditledger/pkg/observability"
	"github.com/Mindburn-Labs/creditledger/pkg/projection"
	"github.com/Mindburn-Labs/creditledger/pkg/replay"
	"github.com/Mindburn-Labs/creditledger/pkg/snapshot"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const balancesProjection = "balances"

func main() {
	if err := run(); err != nil {
		slog.Error("creditledgerd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfileDir, cfg.Profile)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
	}

	logger := observability.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "creditledger",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Profile,
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	jnl, err := buildJournal(ctx, cfg, db)
	if err != nil {
		return err
	}
	guard, err := buildGuard(ctx, cfg, db)
	if err != nil {
		return err
	}
	snaps, err := buildSnapshots(ctx, cfg, db)
	if err != nil {
		return err
	}

	folder := projection.NewFolder()
	folder.Logger = logger
	if cfg.FoldPolicy == config.FoldPolicyFail {
		folder.ErrorPolicy = projection.FoldFailFast
	}
	if len(cfg.AllowNegativeCredit) > 0 {
		folder.AllowNegative = make(map[string]bool, len(cfg.AllowNegativeCredit))
		for _, ct := range cfg.AllowNegativeCredit {
			folder.AllowNegative[ct] = true
		}
	}

	eventBus := bus.New(bus.WithLogger(logger))
	defer eventBus.Close()

	manager := projection.NewManager(balancesProjection, folder, snaps, projection.SnapshotPolicy{
		EveryEvents:   uint64(cfg.SnapshotEveryEvents),
		EveryInterval: cfg.SnapshotInterval,
	}, logger)
	eventBus.Subscribe(balancesProjection, nil, manager.HandleEvent)

	engine := replay.NewEngine(jnl, snaps, folder, logger).WithObservability(obs)

	// Recovery replay before accepting writes: the live view starts from
	// the durable journal, not from whatever the last process saw.
	result, err := engine.Replay(ctx, balancesProjection, true)
	if err != nil {
		return fmt.Errorf("startup recovery replay: %w", err)
	}
	manager.Swap(result.State)
	logger.Info("recovery replay complete",
		"sequence", result.Sequence,
		"events_folded", result.EventsFolded,
		"skipped_folds", result.SkippedFolds,
		"from_snapshot", result.FromSnapshot)

	store := eventstore.New(jnl, guard, eventBus,
		eventstore.WithBalanceCheck(manager),
		eventstore.WithObservability(obs),
		eventstore.WithLogger(logger))

	service := api.NewService(store, engine, map[string]*projection.Manager{
		balancesProjection: manager,
	}, logger)

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := api.Chain(service.Routes(),
		api.RequestID,
		api.Telemetry(obs),
		api.AccessLog(logger),
		limiter.Middleware,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditledgerd listening", "addr", server.Addr,
			"journal", cfg.JournalBackend,
			"guard", cfg.GuardBackend,
			"snapshots", cfg.SnapshotBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	// Final snapshot so the next start replays a short tail.
	if err := manager.Snapshot(shutdownCtx); err != nil {
		logger.Warn("final snapshot failed", "error", err)
	}
	return nil
}

// openDatabase connects when any selected backend needs SQL.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	needsSQL := cfg.JournalBackend == config.BackendPostgres ||
		cfg.JournalBackend == config.BackendSQLite ||
		cfg.GuardBackend == config.BackendSQL ||
		cfg.SnapshotBackend == config.BackendSQL
	if !needsSQL {
		return nil, nil
	}

	driver := "postgres"
	dsn := cfg.DatabaseURL
	if cfg.JournalBackend == config.BackendSQLite {
		driver = "sqlite"
		dsn = cfg.JournalPath
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func buildJournal(ctx context.Context, cfg *config.Config, db *sql.DB) (journal.Journal, error) {
	switch cfg.JournalBackend {
	case config.BackendMemory:
		return journal.NewMemoryJournal(), nil
	case config.BackendFile:
		return journal.OpenFileJournal(cfg.JournalPath)
	case config.BackendPostgres, config.BackendSQLite:
		j := journal.NewSQLJournal(db)
		if err := j.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sql journal: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.JournalBackend)
	}
}

func buildGuard(ctx context.Context, cfg *config.Config, db *sql.DB) (idempotency.Guard, error) {
	switch cfg.GuardBackend {
	case config.BackendMemory:
		return idempotency.NewMemoryGuard(cfg.GuardRetention), nil
	case config.BackendSQL:
		g := idempotency.NewSQLGuard(db, cfg.GuardRetention)
		if err := g.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sql guard: %w", err)
		}
		return g, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return idempotency.NewRedisGuard(client, "creditledger:idem:", cfg.GuardRetention), nil
	default:
		return nil, fmt.Errorf("unknown guard backend %q", cfg.GuardBackend)
	}
}

func buildSnapshots(ctx context.Context, cfg *config.Config, db *sql.DB) (snapshot.Store, error) {
	switch cfg.SnapshotBackend {
	case config.BackendMemory:
		return snapshot.NewMemoryStore(cfg.SnapshotKeep), nil
	case config.BackendSQL:
		s := snapshot.NewSQLStore(db, cfg.SnapshotKeep)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sql snapshot store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}
