// Package main запускает HTTP-сервер реферальной сети.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/referral-network/internal/config"
	"github.com/mmeshcher/referral-network/internal/handler"
	"github.com/mmeshcher/referral-network/internal/metrics"
	"github.com/mmeshcher/referral-network/internal/notify"
	"github.com/mmeshcher/referral-network/internal/repository"
	"github.com/mmeshcher/referral-network/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("application terminated with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("storage initialization error: %w", err)
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := notify.NewHub(logger)
	metrics.WebsocketClients(reg, hub.Clients)

	var (
		sinks notify.Sinks
		redis *notify.RedisSink
	)
	if cfg.RedisAddress != "" {
		redis, err = notify.NewRedisSink(ctx, cfg.RedisAddress)
		if err != nil {
			return fmt.Errorf("redis initialization error: %w", err)
		}
		defer redis.Close()
		// живые подключения получают уведомления через подписку, в том числе от других экземпляров
		sinks = append(sinks, redis)
	} else {
		sinks = append(sinks, hub)
	}
	if cfg.AMQPURL != "" {
		broker, err := notify.NewAMQPSink(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("amqp initialization error: %w", err)
		}
		defer broker.Close()
		sinks = append(sinks, broker)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL))
	}

	dispatcher := notify.NewDispatcher(sinks, cfg.NotifyQueueSize, logger, m)

	svc := service.NewService(repo, dispatcher, logger, service.WithMetrics(m))

	if cfg.SeedDemo {
		if err := svc.SeedDemo(ctx); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}

	h := handler.NewHandler(svc, hub, logger, handler.WithMetrics(m, reg))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Доставка уведомлений из исходящей очереди
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	if redis != nil {
		g.Go(func() error {
			return redis.Relay(ctx, hub, logger)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting referral server", "addr", cfg.RunAddress, "persistent", cfg.DatabaseURI != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}
