package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"sequence-engine/internal/archive"
	"sequence-engine/internal/config"
	"sequence-engine/internal/logger"
	"sequence-engine/internal/notify"
	"sequence-engine/internal/queue"
	"sequence-engine/internal/ratelimit"
	"sequence-engine/internal/scheduler"
	"sequence-engine/internal/store"
	"sequence-engine/internal/telemetry"
	"sequence-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.Env, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", slog.Any("error", err))
		os.Exit(1)
	}

	q := queue.NewStepQueue(cfg)

	var mailer notify.Mailer
	if cfg.PostmarkServerToken != "" {
		mailer, err = notify.NewPostmarkMailer(notify.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			SenderEmail:  cfg.SenderEmail,
			ReplyTo:      cfg.ReplyToEmail,
		})
		if err != nil {
			log.Error("init postmark mailer", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		log.Warn("no postmark token configured, emails will only be logged")
		mailer = notify.NewDevMailer(log)
	}

	exec := worker.NewExecutor(cfg, q, st, mailer, log)

	if cfg.ArchiveS3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Error("init s3 archiver", slog.Any("error", err))
			os.Exit(1)
		}
		exec = exec.WithArchiver(archiver)
	}

	if cfg.SendLimitCapacity > 0 {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		exec = exec.WithSendLimiter(ratelimit.NewTokenBucket(
			limiterClient, cfg.SendLimitCapacity, cfg.SendLimitRefill, 24*time.Hour))
	}

	sched := scheduler.New(st, q, cfg.PollInterval, cfg.DueBatchSize, log)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler stopped", slog.Any("error", err))
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	log.Info("worker started",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Int("due_batch_size", cfg.DueBatchSize),
		slog.Duration("visibility", cfg.VisibilityTimeout))
	if err := exec.Run(ctx); err != nil {
		log.Info("worker stopped", slog.Any("error", err))
	}
}
