// URL-Upload Server
//
// Features:
// - Fetches remote files (http, https, optional s3) into a scratch directory
// - Delivers them over the Bot API, the MTProto large-file transport, or as
//   split parts when neither can carry the file whole
// - Chat front-end (long polling) and JSON/SSE HTTP API
// - Prometheus metrics & structured logging (zap)
// - Optional PostgreSQL transfer history
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/api"
	"github.com/torevar615/URL-UploadV1/internal/bot"
	"github.com/torevar615/URL-UploadV1/internal/config"
	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/events"
	"github.com/torevar615/URL-UploadV1/internal/fetch"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/pipeline"
	"github.com/torevar615/URL-UploadV1/internal/primary"
	"github.com/torevar615/URL-UploadV1/internal/records"
	"github.com/torevar615/URL-UploadV1/internal/records/postgres"
	"github.com/torevar615/URL-UploadV1/internal/router"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
	"github.com/torevar615/URL-UploadV1/internal/secondary"
	"github.com/torevar615/URL-UploadV1/internal/split"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("URL-Upload server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("primary_cap", delivery.FormatSize(cfg.PrimaryMaxSize)),
		zap.String("chunk_size", delivery.FormatSize(cfg.ChunkSize)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scratch directory lives for the whole process
	scratchDir, err := scratch.New(cfg.ScratchParent)
	if err != nil {
		logging.Fatal("scratch directory init failed", zap.Error(err))
	}
	logging.Info("scratch directory ready", zap.String("path", scratchDir.Path()))

	// Optional PostgreSQL transfer history
	var store *postgres.Store
	var recorder records.Recorder
	var reader records.Reader
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		store, err = postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := store.Migrate(dir); err != nil {
				logging.Fatal("migration failed", zap.Error(err))
			}
		}
		recorder, reader = store, store
	} else {
		logging.Info("DATABASE_URL not set, transfer history disabled")
	}

	// Fetcher with http(s) and optional s3 sources
	fetcher := fetch.New(scratchDir, fetch.Config{
		HardCeiling: cfg.HardMaxFileSize,
		BufferSize:  cfg.DownloadBufferSize,
		Timeout:     cfg.DownloadTimeout,
	}, fetch.NewHTTPSource(cfg.UserAgent))
	if cfg.S3SourceEnabled {
		s3src, err := fetch.NewS3Source(ctx, fetch.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			logging.Fatal("S3 source init failed", zap.Error(err))
		}
		fetcher.Register("s3", s3src)
		logging.Info("S3 fetch source enabled", zap.String("endpoint", cfg.S3Endpoint))
	}

	// Transports
	primarySender := primary.New(primary.Config{
		Token:             cfg.BotToken,
		Endpoint:          cfg.BotAPIEndpoint,
		RequestsPerSecond: cfg.PrimaryRatePerSec,
	})

	mtCfg := secondary.MTProtoConfig{
		AppID:       cfg.TelegramAPIID,
		AppHash:     cfg.TelegramAPIHash,
		BotToken:    cfg.BotToken,
		SessionFile: cfg.MTProtoSessionFile,
	}
	session := secondary.NewSession(secondary.NewMTProtoDialer(mtCfg), mtCfg.Configured(), secondary.Options{
		MaxRateLimitRetries: cfg.RateLimitMaxRetries,
	})
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := session.Start(startCtx); err != nil {
		logging.Error("secondary transport start failed", zap.Error(err))
	}
	startCancel()

	rt, err := router.New(primarySender, session, split.New(scratchDir, cfg.ChunkSize), cfg.PrimaryMaxSize)
	if err != nil {
		logging.Fatal("router init failed", zap.Error(err))
	}

	// SSE broadcaster doubles as the progress observer
	broadcaster := events.NewBroadcaster()

	pipe := pipeline.New(scratchDir, fetcher, rt, pipeline.Config{
		DefaultCeiling: cfg.DefaultMaxFileSize,
		MaxConcurrent:  cfg.MaxConcurrent,
	}, pipeline.Options{
		Recorder: recorder,
		Observer: broadcaster,
		Results:  broadcaster,
	})

	srv := api.NewServer(pipe, broadcaster, api.Options{
		APIToken: cfg.APIToken,
		Session:  session,
		Scratch:  scratchDir,
		Records:  reader,
	})

	// Chat front-end
	var listener *bot.Listener
	botDone := make(chan struct{})
	if cfg.BotPolling {
		botAPI, err := bot.Connect(cfg.BotToken, cfg.BotAPIEndpoint, nil)
		if err != nil {
			logging.Error("bot polling disabled", zap.Error(err))
			close(botDone)
		} else {
			logging.Info("bot authorized", zap.String("username", botAPI.Self.UserName))
			listener = bot.NewListener(botAPI, pipe, primarySender, bot.Config{SizeCeiling: cfg.DefaultMaxFileSize})
			go func() {
				defer close(botDone)
				if err := listener.Run(ctx); err != nil {
					logging.Error("bot listener error", zap.Error(err))
				}
			}()
		}
	} else {
		close(botDone)
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown: stop accepting work, then cancel what is in flight
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		if listener != nil {
			listener.Stop()
		}
		httpServer.Close()
		cancel()
		metricsServer.Close()
	}()

	// Periodic gauges
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if store != nil {
					store.UpdateConnectionMetrics()
				}
				if _, err := scratchDir.Free(); err != nil {
					logging.Debug("scratch free space unavailable", zap.Error(err))
				}
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Error("server error", zap.Error(err))
		cancel()
	}

	<-botDone
	pipe.Wait()
	if err := session.Stop(); err != nil {
		logging.Warn("secondary transport stop failed", zap.Error(err))
	}
	if err := scratchDir.Close(); err != nil {
		logging.Warn("scratch directory removal failed", zap.Error(err))
	}
	if store != nil {
		store.Close()
	}
	logging.Info("shutdown complete")
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
