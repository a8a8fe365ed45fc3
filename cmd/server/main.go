package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/api"
	"github.com/lexportal/bank-engine/internal/binary"
	"github.com/lexportal/bank-engine/internal/catalog"
	"github.com/lexportal/bank-engine/internal/config"
	"github.com/lexportal/bank-engine/internal/copytrade"
	"github.com/lexportal/bank-engine/internal/futures"
	"github.com/lexportal/bank-engine/internal/invest"
	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/logging"
	"github.com/lexportal/bank-engine/internal/oracle"
	"github.com/lexportal/bank-engine/internal/p2p"
	"github.com/lexportal/bank-engine/internal/risk"
	"github.com/lexportal/bank-engine/internal/settlement"
	"github.com/lexportal/bank-engine/internal/store"
)

func main() {
	cfg := config.Load()

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.LogFile != "" {
		logger, err = logging.NewWithFile(cfg.LogLevel, cfg.LogFile)
	} else {
		logger, err = logging.New(cfg.LogLevel)
	}
	if err != nil {
		panic("logger: " + err.Error())
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bank-engine failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Reference data ---
	cat, err := catalog.Default()
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
	}
	if err != nil {
		return err
	}

	// --- Store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Ledger + engines ---
	feed := oracle.NewRandomWalk(cat.Assets, cfg.OracleSeed)
	hub := api.NewWSHub(logger)
	l := ledger.New(st, feed, cat, logger, ledger.WithNotifier(hub))

	limiter := risk.NewExposureLimiter(cat.Risk.MaxSymbolExposure, cat.Risk.MaxCorrelatedExposure, func(symbol string) string {
		if a, ok := cat.Asset(symbol); ok {
			return string(a.Class)
		}
		return symbol
	})
	eng := api.Engines{
		Futures: futures.New(l, limiter),
		Binary:  binary.New(l),
		Invest:  invest.New(l),
		P2P:     p2p.New(l),
		Copy:    copytrade.New(l),
	}
	sched := settlement.New(l, cfg.TickInterval, cfg.OracleMaxStaleness,
		eng.Futures, eng.Binary, eng.Invest, eng.P2P, eng.Copy)

	go hub.Run(ctx)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("settlement stopped", zap.Error(err))
		}
	}()

	// --- HTTP ---
	svc := api.NewService(l, eng, logger)
	identity := api.NewIdentity(cfg.JWTSecret)
	if !identity.Verified() {
		logger.Warn("JWT_SECRET is not set; trusting X-User-ID from any caller")
	}
	router := api.NewRouter(svc, hub, identity,
		api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID"},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("bank-engine listening",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreBackend),
			zap.Duration("tick", cfg.TickInterval),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down bank-engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("bank-engine stopped")
	return nil
}

// openStore picks the backend named by STORE_BACKEND. Postgres can be
// fronted by a Redis read-through cache.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to PostgreSQL")

		if cfg.RedisURL == "" {
			return pg, nil
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
		return store.NewCachedStore(pg, redis.NewClient(opt), cfg.CacheTTL), nil

	case "pebble":
		ps, err := store.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened Pebble store", zap.String("path", cfg.PebblePath))
		return ps, nil

	default:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}
