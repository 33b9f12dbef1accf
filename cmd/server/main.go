package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/ai"
	"github.com/dfda/dfda-node/internal/bot"
	"github.com/dfda/dfda-node/internal/bot/handlers"
	"github.com/dfda/dfda-node/internal/config"
	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/httpapi"
	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/logger"
	"github.com/dfda/dfda-node/internal/reminders"
	"github.com/dfda/dfda-node/internal/repository"
	"github.com/dfda/dfda-node/internal/rrule"
	"github.com/dfda/dfda-node/internal/scheduler"
)

const retryCounterTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync(lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.New(ctx, cfg.DatabaseURI, database.Options{SlowQueryThreshold: cfg.SlowQueryThreshold}, lg)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		lg.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Repositories
	scheduleRepo := repository.NewScheduleRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	timelineRepo := repository.NewTimelineRepository(db)
	measurementRepo := repository.NewMeasurementRepository(db)
	variableRepo := repository.NewVariableRepository(db)

	// Reminder pipeline
	engine := rrule.NewEngine(cfg.Lookback)
	materializer := reminders.NewMaterializer(scheduleRepo, profileRepo, notificationRepo, engine, cfg.RunInterval, lg)
	actions := reminders.NewActions(notificationRepo, lg)
	timeline := reminders.NewTimeline(profileRepo, timelineRepo, measurementRepo, lg)

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// retries requeue and the run lock is skipped while Redis is down
		lg.Warn("Redis unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// Job queue
	queue, err := jobs.Dial(cfg.RabbitMQURL, lg)
	if err != nil {
		lg.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer queue.Close()

	runner := jobs.NewRunner(materializer, jobs.NewRetryCounter(rdb, retryCounterTTL), cfg.JobMaxRetries, lg)
	go func() {
		if err := queue.Consume(ctx, runner); err != nil {
			lg.Error("Job consumer stopped", zap.Error(err))
			stop()
		}
	}()

	// Telegram bot (optional)
	var notifier scheduler.Notifier
	if cfg.BotEnabled() {
		var drafter handlers.Drafter
		if cfg.AIEnabled() {
			drafter = ai.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
			lg.Info("AI drafting enabled", zap.String("model", cfg.AIModel))
		}

		repos := &handlers.Repositories{
			Profiles:      profileRepo,
			Variables:     variableRepo,
			Schedules:     scheduleRepo,
			Notifications: notificationRepo,
		}
		b, err := bot.New(cfg.TelegramToken, repos, actions, timeline, queue, drafter, lg)
		if err != nil {
			lg.Fatal("Failed to create bot", zap.Error(err))
		}
		notifier = b

		go func() {
			if err := b.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("Bot stopped", zap.Error(err))
			}
		}()
	} else {
		lg.Info("TELEGRAM_TOKEN not set, reminders are materialized but not pushed")
	}

	// Scheduler
	sched := scheduler.New(materializer, queue, notificationRepo, notifier, scheduler.NewRedisLock(rdb), cfg.RunInterval, lg)
	go sched.Start(ctx)

	// HTTP API
	if cfg.JWTSecret == "" {
		lg.Warn("JWT_SECRET not set, /v1 tokens cannot be verified")
	}
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(&httpapi.Deps{
			Actions:        actions,
			Timeline:       timeline,
			Schedules:      scheduleRepo,
			Jobs:           queue,
			DB:             db.Pool,
			JWTSecret:      cfg.JWTSecret,
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         lg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("HTTP shutdown failed", zap.Error(err))
	}
}
