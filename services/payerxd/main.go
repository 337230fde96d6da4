package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"payerx/core/events"
	"payerx/core/settlement"
	"payerx/observability"
	"payerx/observability/logging"
	telemetry "payerx/observability/otel"
	"payerx/services/payerxd/adapters"
	"payerx/services/payerxd/config"
	"payerx/services/payerxd/oracle"
	"payerx/services/payerxd/server"
	"payerx/services/payerxd/storage"
	journal "payerx/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/payerxd/config.yaml", "path to payerxd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAYERX_ENV"))
	logger := logging.SetupWithOptions("payerxd", env, logging.OptionsFromEnv())

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("payerxd", env))
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("payerxd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	journalDB, err := journal.NewLevelDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalDB.Close()
	audit, err := journal.OpenJournal(journalDB)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	entries, err := audit.Verify()
	if err != nil {
		return fmt.Errorf("verify journal: %w", err)
	}
	logger.Info("journal verified", "entries", entries)

	engine, err := settlement.New(settlementConfig(cfg), settlement.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build settlement engine: %w", err)
	}
	persisted, err := store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	fresh := persisted.Empty()
	if !fresh {
		if err := engine.Restore(persisted); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		logger.Info("state restored", "holdings", len(persisted.Holdings), "engines", len(persisted.Engines))
	}
	snap, err := engine.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := store.EnsureRouter(ctx, *snap.Router); err != nil {
		return fmt.Errorf("seed router settings: %w", err)
	}

	store.AttachJournal(audit)
	engine.AddCommitter(store)
	hub := server.NewHub(logger)
	engine.SetEmitter(events.Fanout{
		hub,
		events.EmitterFunc(func(evt events.Event) { observability.Events().RecordEvent(evt.EventType()) }),
	})

	if fresh {
		if err := bootstrap(ctx, engine, cfg, logger); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("bootstrap complete")
	}

	creds := credentials(cfg)
	auth, err := server.NewAuthenticator(server.AuthConfig{
		Credentials: creds,
		JWTSecret:   cfg.Auth.JWTSecret,
		Issuer:      cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	for _, c := range creds {
		logger.Info("api credential loaded", "name", c.Name, "account", c.Account.Hex(), "key_hint", logging.Hint(c.APIKey))
	}
	logger.Info("auth configured", "issuer", cfg.Auth.Issuer, logging.MaskField("jwt_secret", cfg.Auth.JWTSecret))
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit:     server.RateLimit{RequestsPerSecond: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst},
	}, engine, store, auth, hub, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if len(cfg.Pairs) > 0 {
		mgr, err := newOracleManager(cfg, engine, store, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("oracle manager exited", "error", err)
				cancel()
			}
		}()
	}
	return srv.Run(ctx)
}

func newOracleManager(cfg config.Config, engine *settlement.Engine, store *storage.Storage, logger *slog.Logger) (*oracle.Manager, error) {
	sources, err := oracleSources(cfg, adapters.NewRegistry())
	if err != nil {
		return nil, err
	}
	pairs, err := oraclePairs(cfg, engine)
	if err != nil {
		return nil, err
	}
	publisher, err := oracle.NewSettlementPublisher(engine, common.HexToAddress(cfg.Oracle.Account), common.Address{}, cfg.Oracle.MinChangeBps, logger)
	if err != nil {
		return nil, fmt.Errorf("oracle publisher: %w", err)
	}
	mgr, err := oracle.New(store, sources, pairs, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger), oracle.WithPublisher(publisher))
	if err != nil {
		return nil, fmt.Errorf("oracle manager: %w", err)
	}
	return mgr, nil
}
