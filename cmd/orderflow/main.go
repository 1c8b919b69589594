// Package main запускает HTTP-сервер и планировщик сервиса заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/orderflow/internal/config"
	"github.com/mmeshcher/orderflow/internal/events"
	"github.com/mmeshcher/orderflow/internal/gateway"
	"github.com/mmeshcher/orderflow/internal/handler"
	"github.com/mmeshcher/orderflow/internal/middleware"
	"github.com/mmeshcher/orderflow/internal/repository"
	"github.com/mmeshcher/orderflow/internal/scheduler"
	"github.com/mmeshcher/orderflow/internal/service"
	"github.com/mmeshcher/orderflow/internal/session"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := service.Deps{
		Products:  repo,
		Customers: repo,
		Payments:  repo,
		Activity:  repo,
	}
	var schedOpts []scheduler.Option

	if cfg.PaymentGatewayAddress != "" {
		deps.Initiator = gateway.NewClient(cfg.PaymentGatewayAddress)
	}

	if cfg.RedisAddr != "" {
		client, err := session.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer client.Close()

		store := session.NewStore(client, "orderflow")
		deps.Sessions = store
		schedOpts = append(schedOpts, scheduler.WithLease(store.Lease("expire-orders")))
	}

	if cfg.RabbitURL != "" {
		publisher, err := events.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			// события доставляются по возможности, сервис работает и без брокера
			sugar.Warnw("rabbitmq unavailable, transition events disabled", "error", err.Error())
		} else {
			defer publisher.Close()
			deps.Notifier = publisher
			schedOpts = append(schedOpts, scheduler.WithNotifier(publisher))
		}
	}

	svc := service.NewService(repo, deps, logger)

	sched := scheduler.New(repo, repo, scheduler.Config{
		Interval:      cfg.SweepInterval(),
		Timeout:       cfg.CancelTimeout(),
		ExpirePending: cfg.ExpirePending,
	}, logger.Named("scheduler"), schedOpts...)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, sched, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый цикл отмены зависших заказов
	g.Go(func() error {
		handle := sched.Start(ctx)
		<-handle.Done()
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting orderflow server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
