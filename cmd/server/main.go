package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/config"
	"github.com/atmx/presale-engine/internal/engine"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/ledger/evm"
	"github.com/atmx/presale-engine/internal/ledger/memledger"
	"github.com/atmx/presale-engine/internal/logging"
	"github.com/atmx/presale-engine/internal/presale"
	"github.com/atmx/presale-engine/internal/pricing"
	"github.com/atmx/presale-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("PRESALE_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	slog.SetDefault(logger)

	var cleanup []func()
	err = run(cfg, &cleanup)
	if err != nil {
		slog.Error("presale-engine failed", "err", err)
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, cleanup *[]func()) error {
	ctx := context.Background()

	// --- Initialize store ---
	st, err := openStore(ctx, cfg, cleanup)
	if err != nil {
		return err
	}

	// --- Assets and prices ---
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	oracle, err := cfg.Oracle(reg)
	if err != nil {
		return err
	}

	// --- Ledger ---
	l, wallet, err := openLedger(ctx, cfg, reg, oracle)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := presale.NewWSHub(presale.OriginChecker(cfg.Server.AllowedOrigins))
	go wsHub.Run()
	*cleanup = append(*cleanup, wsHub.Close)

	// --- Engine ---
	opts := []engine.Option{
		engine.WithStore(st),
		engine.WithNotifier(wsHub),
		engine.WithLogger(slog.Default()),
	}
	if wallet != nil {
		opts = append(opts, engine.WithWallet(wallet))
	}
	eng, err := engine.New(ctx, l, oracle, opts...)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	*cleanup = append(*cleanup, stopSync)
	if cfg.Server.SyncInterval > 0 {
		go syncLoop(syncCtx, eng, cfg.Server.SyncInterval)
	}

	// --- HTTP router ---
	svc := presale.NewService(eng, slog.Default())
	r := presale.NewRouter(svc, wsHub, presale.RouterConfig{
		WriteLimit: presale.RateLimit{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	// --- Server ---
	// No WriteTimeout: purchase and claim responses wait for ledger settlement.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("presale-engine listening", "port", cfg.Server.Port, "ledger", cfg.Ledger.Mode, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down presale-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("presale-engine stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, cleanup *[]func()) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = s
		slog.Info("opened SQLite mirror", "path", cfg.Store.SQLitePath)
	default:
		slog.Warn("using in-memory store (mirror will not persist)")
		return store.NewMemoryStore(), nil
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		*cleanup = append(*cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, nil
}

func openLedger(ctx context.Context, cfg *config.Config, reg *asset.Registry, oracle *pricing.Oracle) (ledger.Ledger, ledger.Wallet, error) {
	if cfg.Ledger.Mode == config.LedgerEVM {
		client, err := evm.Dial(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		wallet, err := evm.DialWallet(ctx, cfg.SignerURL())
		if err != nil {
			return nil, nil, err
		}
		l, err := evm.New(client, wallet, cfg.ContractAddress(), reg, cfg.Pricing.QuoteAsset,
			evm.WithPollInterval(cfg.Ledger.PollInterval),
			evm.WithPercentOfSupply(cfg.Sale.TokenPercentOfSupply),
		)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("bound sale contract", "contract", cfg.ContractAddress().Hex())
		return l, wallet, nil
	}

	sale, err := cfg.SaleConfig(reg, time.Now())
	if err != nil {
		return nil, nil, err
	}
	l, err := memledger.New(sale, oracle,
		memledger.WithOpenBalances(),
		memledger.WithSettleDelay(cfg.Ledger.SettleDelay),
	)
	if err != nil {
		return nil, nil, err
	}
	slog.Warn("using in-memory ledger (sale state will not persist)", "start", sale.StartTime, "end", sale.EndTime)
	return l, nil, nil
}

func syncLoop(ctx context.Context, eng *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.Sync(ctx); err != nil {
				slog.Warn("ledger sync failed", "err", err)
			}
		}
	}
}
