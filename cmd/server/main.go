package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gerardkasemba/betadame-sub004/internal/archive"
	"github.com/gerardkasemba/betadame-sub004/internal/auth"
	"github.com/gerardkasemba/betadame-sub004/internal/config"
	"github.com/gerardkasemba/betadame-sub004/internal/lock"
	"github.com/gerardkasemba/betadame-sub004/internal/metrics"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/notify"
	"github.com/gerardkasemba/betadame-sub004/internal/quote"
	"github.com/gerardkasemba/betadame-sub004/internal/risk"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
	"github.com/gerardkasemba/betadame-sub004/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("AMM_CONFIG"), "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("market-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		db, err := store.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		lite := store.NewSQLiteStore(db)
		cleanup = append(cleanup, func() { lite.Close() })
		if err := lite.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLite.Path)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, distributed lock, shared change feed ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, logger)
		slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
	}

	var locker lock.Locker = lock.NewKeyedMutex(cfg.Engine.LockWait.Duration)
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL.Duration, cfg.Engine.LockWait.Duration)
		slog.Info("using Redis pool lock")
	}

	// --- Change events ---
	hub := notify.NewHub(logger)
	var notifier notify.Notifier = hub
	var bridge *notify.Bridge
	if rdb != nil {
		// Every instance publishes to the shared channel and fans the
		// channel back out to its own WebSocket clients.
		bus := notify.NewRedisBus(rdb)
		notifier = notify.NewBusNotifier(bus, cfg.Redis.Channel)
		shapes := func(ctx context.Context, marketID string) (model.Shape, error) {
			p, err := st.GetPool(ctx, marketID)
			if err != nil {
				return "", err
			}
			return p.Shape, nil
		}
		bridge = notify.NewBridge(bus, cfg.Redis.Channel, shapes, hub, logger)
	}

	// --- Ledger archive ---
	var archiver trade.Archiver
	if cfg.S3.Bucket != "" {
		w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := w.Health(ctx); err != nil {
			slog.Warn("archive bucket not reachable", "bucket", cfg.S3.Bucket, "err", err)
		}
		archiver = archive.New(st, w, logger)
	}

	// --- Trade service ---
	limiter := risk.NewPositionLimiter(cfg.Risk.MaxTradeAmount, cfg.Risk.MaxPerMarket, cfg.Risk.MaxPerEvent)
	exec := trade.NewExecutor(st, locker,
		trade.WithLimiter(limiter),
		trade.WithNotifier(notifier),
		trade.WithCommitTimeout(cfg.Engine.CommitTimeout.Duration),
		trade.WithLogger(logger),
	)
	tradeSvc := trade.NewService(st, exec, quote.NewService(st), archiver, logger)

	if markets, err := st.ListMarkets(ctx); err == nil {
		open := 0
		for _, m := range markets {
			if m.Status == model.StatusOpen {
				open++
			}
		}
		metrics.ActiveMarkets.Set(float64(open))
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Without a secret every route is open and trades carry user_id in the body.
	authenticate := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Secret != "" {
		authenticate = auth.New(cfg.Auth.Secret, cfg.Auth.Issuer).Middleware
	} else {
		slog.Warn("auth disabled: AMM_AUTH_SECRET not set")
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", hub.HandleWS)

		// Market reads and previews.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/price", tradeSvc.GetPrice)
		r.Get("/markets/{marketID}/history", tradeSvc.GetMarketHistory)
		r.With(middleware.Timeout(10*time.Second)).Post("/quote", tradeSvc.Quote)

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			// Trade execution and portfolio queries.
			r.With(auth.Require(auth.PermTrade)).Post("/trade", tradeSvc.ExecuteTrade)
			r.With(auth.Require(auth.PermTrade)).Get("/portfolio/{userID}", tradeSvc.GetPortfolio)

			// Operator actions.
			r.Group(func(r chi.Router) {
				r.Use(auth.Require(auth.PermOperator))
				r.Post("/markets", tradeSvc.CreateMarket)
				r.Post("/markets/{marketID}/reopen", tradeSvc.ReopenMarket)
				r.Post("/markets/{marketID}/archive", tradeSvc.ArchiveMarket)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.Server.Port, "store", cfg.Store.Driver, "lock", cfg.Lock.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown.
		<-gctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
