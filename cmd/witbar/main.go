// Package main запускает сервис witbar: приём платежей и бар-бот.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/witbar-system/internal/chain"
	"github.com/mmeshcher/witbar-system/internal/config"
	"github.com/mmeshcher/witbar-system/internal/handler"
	"github.com/mmeshcher/witbar-system/internal/middleware"
	"github.com/mmeshcher/witbar-system/internal/notifier"
	"github.com/mmeshcher/witbar-system/internal/repository"
	"github.com/mmeshcher/witbar-system/internal/service"
	"github.com/mmeshcher/witbar-system/internal/telegram"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil {
		sugar.Debugw("no .env file found")
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if cfg.BotToken == "" {
		sugar.Fatalw("BOT_TOKEN is required")
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var chainClient *chain.Client
	if cfg.ProviderAddress != "" {
		chainClient = chain.NewClient(cfg.ProviderAddress, cfg.ProviderAPIKey)
	}

	svc := service.NewService(repo, chainClient, logger, cfg.TokenMint, cfg.ReceivingAddress)
	defer svc.Close()

	bot, err := telegram.New(cfg.BotToken, svc, logger, cfg.ReceivingAddress)
	if err != nil {
		sugar.Fatalw("telegram bot initialization error", "error", err.Error())
	}

	svc.SetDispatcher(notifier.New(bot, cfg.OperatorChatID, logger))

	operatorAuth := middleware.NewOperatorAuth(cfg.OperatorToken)
	h := handler.NewHandler(svc, logger, operatorAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой доставки уведомлений и догоняющего опроса провайдера
	g.Go(func() error {
		svc.StartNotificationDispatcher(ctx)
		svc.StartCatchupUpdates(ctx)
		return nil
	})

	// Запуск long polling Telegram-бота
	g.Go(func() error {
		sugar.Infow("starting telegram bot polling")
		bot.Start(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting witbar server", "addr", cfg.RunAddress)
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
