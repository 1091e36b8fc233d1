// Package main запускает HTTP-сервер кредитного сервиса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/credits-system/internal/config"
	"github.com/mmeshcher/credits-system/internal/handler"
	"github.com/mmeshcher/credits-system/internal/middleware"
	"github.com/mmeshcher/credits-system/internal/payment"
	"github.com/mmeshcher/credits-system/internal/repository"
	"github.com/mmeshcher/credits-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	defaultCredit, err := decimal.NewFromString(cfg.DefaultCredit)
	if err != nil {
		sugar.Fatalw("default credit parse error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, defaultCredit)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	provider := payment.NewClient(payment.Config{
		PID:          cfg.EzfpPID,
		Key:          cfg.EzfpKey,
		Endpoint:     cfg.EzfpEndpoint,
		CallbackHost: cfg.EzfpCallbackHost,
		ServiceName:  cfg.ServiceName,
	})

	// Хранилище диалогов живёт во внешнем приложении; без него пометка
	// сообщений об ошибках просто не выполняется.
	svc := service.NewService(repo, provider, nil)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting credits server", "addr", cfg.RunAddress)
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
