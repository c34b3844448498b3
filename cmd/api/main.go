package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/livegate/livegate/backend/internal/alert"
	"github.com/livegate/livegate/backend/internal/config"
	"github.com/livegate/livegate/backend/internal/database"
	"github.com/livegate/livegate/backend/internal/gateway"
	"github.com/livegate/livegate/backend/internal/logger"
	"github.com/livegate/livegate/backend/internal/metrics"
	"github.com/livegate/livegate/backend/internal/server"
	"github.com/livegate/livegate/backend/internal/services"
	"github.com/livegate/livegate/backend/internal/stream"
	"github.com/livegate/livegate/backend/internal/version"
	"github.com/livegate/livegate/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatalf("create log dir: %v", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "livegate.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Environment == "development", io.MultiWriter(os.Stdout, rotator))
	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []gateway.Option{}

	if cfg.RedisAddr != "" {
		store, err := gateway.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer store.Close()
		opts = append(opts, gateway.WithWindowStore(store))
		logger.Log().WithField("addr", cfg.RedisAddr).Info("using redis window store")
	}

	auditStore := services.NewAuditStoreService(db)
	opts = append(opts, gateway.WithAuditSink(auditStore))

	if len(cfg.KafkaBrokers) > 0 {
		producer := stream.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		opts = append(opts, gateway.WithAuditSink(producer))
		logger.Log().WithField("topic", cfg.KafkaTopic).Info("publishing security events to kafka")
	}

	if len(cfg.AlertURLs) > 0 {
		opts = append(opts, gateway.WithAlertNotifier(alert.NewNotifier(cfg.AlertURLs)))
	}

	gw, err := gateway.New(cfg.Gateway, opts...)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	wsServer := ws.NewServer(gw, cfg.IdentitySecret)
	ws.RegisterLiveEventHandlers(wsServer)
	defer wsServer.Shutdown()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		gw.Cleanup()
	}); err != nil {
		log.Fatalf("schedule cleanup: %v", err)
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		purged, err := auditStore.Purge(30 * 24 * time.Hour)
		if err != nil {
			logger.Log().WithError(err).Warn("audit purge failed")
			return
		}
		logger.Log().WithField("rows", purged).Info("purged old audit entries")
	}); err != nil {
		log.Fatalf("schedule audit purge: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv, err := server.New(db, cfg, gw, wsServer, registry)
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	logger.Log().WithField("port", cfg.HTTPPort).Info("listening")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
