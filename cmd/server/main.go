package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/api"
	"github.com/mocktrade/contest-engine/internal/book"
	"github.com/mocktrade/contest-engine/internal/engine"
	"github.com/mocktrade/contest-engine/internal/feed"
	"github.com/mocktrade/contest-engine/internal/leaderboard"
	"github.com/mocktrade/contest-engine/internal/metrics"
	"github.com/mocktrade/contest-engine/internal/model"
	"github.com/mocktrade/contest-engine/internal/oracle"
	"github.com/mocktrade/contest-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Local development convenience; production uses real env vars.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cached *store.CachedStore
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured. The cache also
	// backs order idempotency keys.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cached = store.NewCachedStore(st, rdb, 30*time.Second)
		st = cached
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Optional dev competition seed ---
	if os.Getenv("SEED_COMPETITION") == "true" {
		seedCompetition(st)
	}

	// --- Core components ---
	or := oracle.New()
	bk := book.New()
	wsHub := api.NewWSHub()
	go wsHub.Run()

	eng := engine.New(st, bk, or, wsHub)
	if err := eng.LoadRestingOrders(context.Background()); err != nil {
		slog.Error("failed to load resting orders", "err", err)
		os.Exit(1)
	}

	dispatcher := feed.NewDispatcher(eng, 64)
	defer dispatcher.Close()

	valuator := leaderboard.NewValuator(st, or)

	// Idempotency checks need Redis; disabled when running without it.
	var idem api.IdempotencyReserver
	if cached != nil {
		idem = cached
	}
	svc := api.NewService(eng, st, valuator, dispatcher, idem, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Participant-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"contest-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("contest-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down contest-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("contest-engine stopped")
}

// seedCompetition creates a week-long competition for local development.
func seedCompetition(st store.Store) {
	initial := decimal.NewFromInt(1_000_000)
	if raw := os.Getenv("INITIAL_BALANCE"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || !v.IsPositive() {
			slog.Error("invalid INITIAL_BALANCE", "value", raw)
			os.Exit(1)
		}
		initial = v
	}

	feeRate := decimal.NewFromFloat(0.0005)
	if raw := os.Getenv("FEE_RATE"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			slog.Error("invalid FEE_RATE", "value", raw)
			os.Exit(1)
		}
		feeRate = v
	}

	now := time.Now().UTC()
	comp := &model.Competition{
		ID:             uuid.NewString(),
		Name:           "dev competition",
		InitialBalance: initial,
		FeeRate:        feeRate,
		StartTime:      now,
		EndTime:        now.Add(7 * 24 * time.Hour),
		Status:         model.CompetitionActive,
		CreatedAt:      now,
	}
	if err := st.CreateCompetition(context.Background(), comp); err != nil {
		slog.Error("failed to seed competition", "err", err)
		os.Exit(1)
	}
	slog.Info("seeded dev competition", "competition", comp.ID, "initial_balance", initial.String())
}
