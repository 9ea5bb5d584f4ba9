// Copyright 2025 Lumenworks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenworks/card-forge/internal/api"
	"github.com/lumenworks/card-forge/internal/artifact"
	"github.com/lumenworks/card-forge/internal/auth"
	"github.com/lumenworks/card-forge/internal/capacity"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/dispatch"
	"github.com/lumenworks/card-forge/internal/jobs"
	"github.com/lumenworks/card-forge/internal/ledger"
	"github.com/lumenworks/card-forge/internal/model"
	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/lumenworks/card-forge/internal/queue"
	"github.com/lumenworks/card-forge/internal/redisclient"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	var store artifact.Store
	if cfg.Storage.Backend == "memory" {
		store = artifact.NewMemoryStore()
	} else {
		s3store, err := artifact.NewS3Store(cfg, logger)
		if err != nil {
			logger.Fatal("artifact store init failed", obs.Err(err))
		}
		store = s3store
	}

	bedrock, err := model.NewBedrockClient(cfg)
	if err != nil {
		logger.Fatal("bedrock client init failed", obs.Err(err))
	}
	imageModel := model.NewImageModel(bedrock, cfg.Models.ImageModelID, logger)
	videoModel := model.NewVideoModel(bedrock, cfg.Models.VideoModelID, cfg.Models.VideoOutputURI, logger)

	led := ledger.New(store, cfg.Limits, logger)
	jobStore := jobs.NewStore(rdb, logger)
	q := queue.New(cfg, rdb, logger)
	caps := capacity.New(cfg, rdb, logger)
	authr := auth.New(cfg.Auth)

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueDepthUpdater(ctx, cfg, rdb, logger)

	switch role {
	case "api":
		runAPI(ctx, cfg, logger, authr, led, jobStore, q, caps, videoModel, store)
	case "worker":
		disp := dispatch.New(cfg, q, caps, jobStore, led, imageModel, logger)
		if err := disp.Run(ctx); err != nil {
			logger.Fatal("dispatcher error", obs.Err(err))
		}
	case "all":
		disp := dispatch.New(cfg, q, caps, jobStore, led, imageModel, logger)
		go func() {
			if err := disp.Run(ctx); err != nil {
				logger.Error("dispatcher error", obs.Err(err))
				cancel()
			}
		}()
		runAPI(ctx, cfg, logger, authr, led, jobStore, q, caps, videoModel, store)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *zap.Logger, authr *auth.Authenticator, led *ledger.Ledger, jobStore *jobs.Store, q *queue.Queue, caps *capacity.Controller, video model.VideoClient, store artifact.Store) {
	srv := api.NewServer(cfg, logger, authr, led, jobStore, q, caps, video, store)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("intake API error", obs.Err(err))
	}
}
