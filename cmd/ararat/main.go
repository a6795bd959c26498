// Package main запускает сервис подтверждения платежей и рассылки push-уведомлений АРАРАТ.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ararat-backend/internal/config"
	"github.com/mmeshcher/ararat-backend/internal/events"
	"github.com/mmeshcher/ararat-backend/internal/handler"
	"github.com/mmeshcher/ararat-backend/internal/lease"
	"github.com/mmeshcher/ararat-backend/internal/logging"
	"github.com/mmeshcher/ararat-backend/internal/middleware"
	"github.com/mmeshcher/ararat-backend/internal/push"
	"github.com/mmeshcher/ararat-backend/internal/repository"
	"github.com/mmeshcher/ararat-backend/internal/service"
	"github.com/mmeshcher/ararat-backend/internal/tracing"
)

const serviceName = "ararat-backend"

type store interface {
	service.PaymentRepository
	service.TokenRepository
	Close() error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.AppEnv})
	if err != nil {
		log.Fatalf("logger initialization error: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("application terminated with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.Init(ctx, serviceName, cfg.OTLPEndpoint, cfg.AppEnv)
		if err != nil {
			return fmt.Errorf("tracing initialization: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown error", zap.Error(err))
			}
		}()
	}

	repo, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("record store initialization: %w", err)
	}
	defer repo.Close()

	var locker lease.Locker
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = lease.NewRedis(rdb, cfg.LeaseTTL, logger)
		logger.Info("payment lease enabled", zap.String("redis", cfg.RedisAddress))
	}

	payments := service.NewPaymentService(repo, locker, cfg.ProcessingDelay, logger)

	var dispatcher *service.NotificationDispatcher
	if cfg.NotificationsEnabled() {
		fcm, err := push.NewFCM(ctx, cfg.FirebaseCredentials)
		if err != nil {
			return fmt.Errorf("push transport initialization: %w", err)
		}
		dispatcher = service.NewNotificationDispatcher(repo, fcm, cfg.PushTimeout, logger)
	} else {
		logger.Warn("firebase credentials not set, notifications disabled")
	}

	var h *handler.Handler
	if dispatcher != nil {
		h = handler.NewHandler(payments, dispatcher, middleware.NewSignatureMiddleware(cfg.TriggerSecret), logger)
	} else {
		h = handler.NewHandler(payments, nil, nil, logger)
	}

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if dispatcher != nil && len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewConsumer(dispatcher, logger)
		g.Go(func() error {
			logger.Info("starting notification consumer",
				zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.NotificationTopic))
			return consumer.Start(ctx, cfg.KafkaBrokers, cfg.KafkaGroup, cfg.NotificationTopic)
		})
	}

	g.Go(func() error {
		logger.Info("starting ararat server", zap.String("addr", cfg.RunAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func openStore(cfg *config.Config) (store, error) {
	if cfg.UseMongo() {
		return repository.NewMongoRepository(cfg.MongoURI, cfg.MongoDatabase)
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}
