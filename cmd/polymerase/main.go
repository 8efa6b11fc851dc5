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

	"github.com/redis/go-redis/v9"

	"github.com/Nano112/polymerase-sub001/internal/api"
	"github.com/Nano112/polymerase-sub001/internal/auth"
	"github.com/Nano112/polymerase-sub001/internal/config"
	"github.com/Nano112/polymerase-sub001/internal/crypto"
	"github.com/Nano112/polymerase-sub001/internal/db"
	"github.com/Nano112/polymerase-sub001/internal/ratelimit"
	"github.com/Nano112/polymerase-sub001/internal/repository"
	"github.com/Nano112/polymerase-sub001/internal/runs"
	"github.com/Nano112/polymerase-sub001/internal/storage"
	"github.com/Nano112/polymerase-sub001/internal/worker"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			serve()
			return
		case "worker":
			// Sandboxed script runtime over stdio, spawned per run by the
			// scheduler when worker isolation is on.
			if err := worker.ServeStdio(slog.Default(), nil); err != nil {
				slog.Error("worker exited", "err", err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Println("polymerase v0.1.0")
	fmt.Println("Usage: polymerase serve | polymerase worker")
}

func serve() {
	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flows := repository.NewMemoryFlowRepository()
	apis := repository.NewMemoryFlowAPIRepository()
	runRepo := repository.NewMemoryRunRepository()

	var (
		flowStore    repository.FlowRepository    = flows
		flowAPIStore repository.FlowAPIRepository = apis
		runStore     repository.RunRepository     = runRepo
	)

	if cfg.Database.URL != "" {
		database, err := db.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connect failed", "err", err)
			os.Exit(1)
		}
		defer database.Close()
		if cfg.Database.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(crypto.KeyFromString(cfg.Database.EncryptionKey))
			if err != nil {
				slog.Error("encryptor init failed", "err", err)
				os.Exit(1)
			}
			database.SetEncryptor(enc)
		}
		if err := database.Migrate(ctx); err != nil {
			slog.Error("database migrate failed", "err", err)
			os.Exit(1)
		}
		if n, err := database.MarkOrphanedRunsFailed(ctx); err != nil {
			slog.Warn("orphaned run sweep failed", "err", err)
		} else if n > 0 {
			slog.Info("orphaned runs marked failed", "count", n)
		}

		pf := repository.NewPersistentFlowRepository(flows, database)
		pa := repository.NewPersistentFlowAPIRepository(apis, database)
		if err := pf.Load(ctx); err != nil {
			slog.Warn("flow hydration failed", "err", err)
		}
		if err := pa.Load(ctx); err != nil {
			slog.Warn("flow api hydration failed", "err", err)
		}
		flowStore = pf
		flowAPIStore = pa
		runStore = repository.NewPersistentRunRepository(runRepo, database)
	}

	blobs, err := storage.NewLocalBlobStore(cfg.Storage.Dir)
	if err != nil {
		slog.Error("blob storage init failed", "err", err)
		os.Exit(1)
	}

	var store ratelimit.WindowStore = ratelimit.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		store = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), "")
	}

	var factory worker.Factory
	if cfg.Worker.Isolate {
		self, err := os.Executable()
		if err != nil {
			slog.Error("cannot resolve own binary for worker isolation", "err", err)
			os.Exit(1)
		}
		factory = worker.SubprocessFactory(self, "worker")
	}

	svc := runs.NewService(runs.Options{
		Runs:        runStore,
		Blobs:       blobs,
		Factory:     factory,
		BaseURL:     cfg.BaseURL(),
		DefaultTTL:  time.Duration(cfg.Runs.DefaultTTL) * time.Second,
		MaxTTL:      time.Duration(cfg.Runs.MaxTTL) * time.Second,
		InlineLimit: cfg.Runs.InlineLimit,
		NodeTimeout: time.Duration(cfg.Runs.NodeTimeout) * time.Second,
	})
	defer svc.Close()
	if err := svc.StartSweeper(time.Duration(cfg.Runs.SweepInterval) * time.Second); err != nil {
		slog.Error("sweeper start failed", "err", err)
		os.Exit(1)
	}

	srv := api.NewServer(api.ServerOptions{
		Flows:        flowStore,
		APIs:         flowAPIStore,
		Runs:         svc,
		Auth:         auth.New(cfg.Auth.APIKeys, cfg.Auth.JWTSecret, cfg.Auth.PublicAccess),
		Limiter:      ratelimit.New(store, time.Minute),
		Blobs:        blobs,
		BaseURL:      cfg.BaseURL(),
		DefaultLimit: cfg.Auth.DefaultRateLimit,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	slog.Info("starting polymerase server", "addr", addr, "baseUrl", cfg.BaseURL())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
