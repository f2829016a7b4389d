package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"learnhub-backend-go/internal/config"
	"learnhub-backend-go/internal/db"
	httpapi "learnhub-backend-go/internal/http"
	"learnhub-backend-go/internal/logging"
	"learnhub-backend-go/internal/migrations"
	"learnhub-backend-go/internal/services"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	cleanupLogs, err := logging.Setup(cfg.LogDir, cfg.LogRetentionDays)
	if err != nil {
		log.Printf("logger setup failed: %v", err)
	} else {
		defer cleanupLogs()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()
	if _, err := migrations.Apply(ctx, database, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	ledger := services.NewPostgresLedger(database)

	certs, err := services.NewCertificateIssuer(services.CertificateConfig{
		Root:          cfg.CertStoragePath,
		PublicBaseURL: cfg.PublicBaseURL,
		Secret:        cfg.CertSigningSecret,
		AllowUnsigned: cfg.CertAllowUnsigned,
	}, ledger)
	if err != nil {
		log.Fatalf("certificates: %v", err)
	}

	hub := services.NewAlertHub()
	notifier := buildNotifier(cfg, hub)

	server := httpapi.NewServer(cfg, ledger, certs, notifier)
	server.AlertHub = hub
	server.Health = &services.HealthProbe{
		DiskPath:        cfg.HealthDiskPath,
		DiskThreshold:   cfg.HealthDiskThreshold,
		MemoryThreshold: cfg.HealthMemoryThreshold,
		Alerts:          server.Alerts,
		Ping:            database.PingContext,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		server.Limiter = services.NewRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute)
	}

	scheduler, err := services.NewScheduler(server.Cascade, server.Health, services.JobConfig{
		RepairSpec:  cfg.RepairCron,
		RepairBatch: cfg.RepairBatch,
		HealthSpec:  cfg.HealthCron,
	})
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(ctx),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		log.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(ctxShutdown)
	})
	if err := g.Wait(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("shutdown complete")
}

func buildNotifier(cfg config.Config, hub *services.AlertHub) services.Notifier {
	notifiers := services.MultiNotifier{services.HubNotifier{Hub: hub}}
	if cfg.OpsWebhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookNotifier(cfg.OpsWebhookURL, cfg.NotifyTimeout))
	}
	if email := services.NewEmailNotifier(cfg.SendgridAPIKey, cfg.SendgridFromEmail, cfg.SendgridFromName); email != nil {
		notifiers = append(notifiers, email)
	}
	return notifiers
}
