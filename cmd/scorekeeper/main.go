package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/park285/card-scorekeeper/internal/archive"
	appcfg "github.com/park285/card-scorekeeper/internal/config"
	"github.com/park285/card-scorekeeper/internal/connectivity"
	"github.com/park285/card-scorekeeper/internal/httpapi"
	"github.com/park285/card-scorekeeper/internal/localstore"
	"github.com/park285/card-scorekeeper/internal/msgcat"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/park285/card-scorekeeper/internal/remote"
	"github.com/park285/card-scorekeeper/internal/scoring"
	"github.com/park285/card-scorekeeper/internal/syncer"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	backend, err := openBackend(cfg)
	if err != nil {
		logger.Fatal("local_store_open_failed", zap.String("path", cfg.LocalDBPath), zap.Error(err))
	}
	local := localstore.New(backend, localstore.Options{
		PlayerCount: cfg.PlayerCount,
		DefaultRoom: cfg.DefaultRoom,
		Logger:      obslog.Named("local"),
	})

	client, err := remote.NewClient(cfg.RedisURL, remote.Options{
		DefaultRoom: cfg.DefaultRoom,
		PlayerCount: cfg.PlayerCount,
		Logger:      obslog.Named("remote"),
	})
	if err != nil {
		logger.Fatal("remote_init_failed", zap.Error(err))
	}

	monitor := connectivity.New(connectivity.Options{
		Debounce: cfg.SyncDebounce,
		Network:  true,
		Forced:   cfg.ForceOffline,
		Logger:   obslog.Named("connectivity"),
	})

	messages, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_load_failed", zap.String("dir", cfg.MessagesDir), zap.Error(err))
	}

	coord := syncer.New(syncer.Options{
		Local:    local,
		Remote:   client,
		Listener: client.NewListener(),
		Monitor:  monitor,
		RetryMax: cfg.SyncRetryMax,
		Logger:   obslog.Named("sync"),
	})

	svc := scoring.New(scoring.Options{
		Local:       local,
		Saver:       coord,
		Watcher:     client.NewListener(),
		Messages:    messages,
		PlayerCount: cfg.PlayerCount,
		Logger:      obslog.Named("scoring"),
	})

	var repo *archive.Repository
	if cfg.DatabaseURL != "" {
		repo, err = archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			// archive is optional; keep scoring without it
			logger.Warn("archive_init_failed", zap.Error(err))
			repo = nil
		} else {
			svc.AttachArchive(repo)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := connectivity.NewProber(cfg.ProbeURL, connectivity.WithProbeLogger(obslog.Named("probe")))
	go prober.Watch(ctx, cfg.ProbeInterval, monitor.SetNetwork)
	go client.WatchStatus(ctx, cfg.StatusPing, monitor.SetBackend)

	coord.Start(ctx)
	if err := coord.StartRetry(cfg.SyncRetryInterval); err != nil {
		logger.Warn("sync_retry_schedule_failed", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	api := httpapi.New(httpapi.Deps{
		Coordinator:    coord,
		Scoring:        svc,
		Rooms:          client,
		Local:          local,
		Monitor:        monitor,
		Messages:       messages,
		CacheVersion:   cfg.CacheVersion,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         obslog.Named("http"),
	})
	api.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.ListenAddr), zap.String("room", coord.Room()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_serve_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_start")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.Stop()
	_ = srv.Shutdown(shutdownCtx)
	svc.StopWatch()
	coord.Stop()
	_ = client.Close()
	_ = repo.Close()
	if err := local.Close(); err != nil {
		logger.Warn("local_store_close_failed", zap.Error(err))
	}
	logger.Info("shutdown_done")
}

func openBackend(cfg *appcfg.AppConfig) (localstore.Backend, error) {
	if cfg.LocalStore == appcfg.LocalStoreMemory {
		return localstore.NewMemoryBackend(), nil
	}
	return localstore.OpenBolt(cfg.LocalDBPath)
}
