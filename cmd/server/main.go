package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/olympimarket/groundstation/internal/anchor"
	"github.com/olympimarket/groundstation/internal/config"
	"github.com/olympimarket/groundstation/internal/ledger"
	"github.com/olympimarket/groundstation/internal/metrics"
	"github.com/olympimarket/groundstation/internal/model"
	"github.com/olympimarket/groundstation/internal/race"
	"github.com/olympimarket/groundstation/internal/state"
	"github.com/olympimarket/groundstation/internal/store"
	"github.com/olympimarket/groundstation/internal/trade"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
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

	switch {
	case cfg.DatabaseURL != "":
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case cfg.StateDir != "":
		fs, err := store.NewFileStore(cfg.StateDir)
		if err != nil {
			slog.Error("state dir unusable", "dir", cfg.StateDir, "err", err)
			os.Exit(1)
		}
		st = fs
		slog.Info("using file store", "dir", cfg.StateDir)
	default:
		slog.Warn("DATABASE_URL and STATE_DIR not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Anchor broadcaster ---
	var broadcaster anchor.Broadcaster = anchor.LogBroadcaster{Logger: logger}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		broadcaster = anchor.NewRedisBroadcaster(rdb, cfg.AnchorStream, 10000)
		slog.Info("anchoring through Redis stream", "stream", cfg.AnchorStream)
	} else {
		slog.Warn("REDIS_URL not set, anchor payloads are only logged")
	}

	submitter := anchor.NewSubmitter(broadcaster,
		anchor.WithProtocolTag(cfg.AnchorProtocolTag),
		anchor.WithTimeout(cfg.AnchorTimeout),
		anchor.WithLogger(logger),
		anchor.WithRecorder(func(rec model.AnchorRecord) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.SaveAnchor(saveCtx, rec); err != nil {
				slog.Error("failed to record anchor", "digest", rec.Commitment.Digest.String(), "err", err)
			}
		}),
	)

	// --- Ledger ---
	led := ledger.New(cfg.StartingBalance)
	participants, err := st.LoadLedger(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Info("no saved ledger, starting empty", "starting_balance", cfg.StartingBalance.String())
	case err != nil:
		slog.Error("failed to load ledger", "err", err)
		os.Exit(1)
	default:
		led.Restore(participants)
		slog.Info("ledger restored", "participants", len(participants))
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Wager service and race machine ---
	svc := trade.NewService(led, state.New(), st, wsHub)
	machine := race.New(race.Config{
		Anchorer: submitter,
		Settler:  svc,
		Sink:     svc,
		Policy:   race.ThresholdPolicy(cfg.SuccessThreshold),
		Logger:   logger,
	})
	svc.BindRace(machine)

	saved, err := st.LoadRace(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Info("no saved race, starting OFFLINE")
	case err != nil:
		slog.Error("failed to load race state", "err", err)
		os.Exit(1)
	default:
		machine.Restore(saved)
		slog.Info("race restored", "phase", saved.Phase, "events", len(saved.Log))
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"groundstation"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for race and odds updates. Kept outside the
		// timeout middleware since the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/state", svc.GetState)
			r.Get("/race", svc.GetRace)
			r.Post("/race/reset", svc.ResetRace)

			r.Post("/wagers", svc.PlaceWager)
			r.Get("/participants/{userID}", svc.GetParticipant)

			r.Get("/anchors", svc.ListAnchors)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("groundstation listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.DevicePath != "" {
		g.Go(func() error {
			slog.Info("reading device", "path", cfg.DevicePath)
			return machine.RunDevice(gctx, race.FileOpener(cfg.DevicePath), cfg.DeviceRetry)
		})
	} else {
		slog.Warn("DEVICE_PATH not set, race stays OFFLINE until a device is configured")
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down groundstation...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("groundstation stopped with error", "err", err)
	}

	// Let in-flight anchor submissions finish and record their outcome.
	submitter.Wait()
	fmt.Println("groundstation stopped")
}
