// Package telegram реализует командный интерфейс бара в Telegram.
package telegram

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/model"
)

// Service определяет контракт бизнес-логики, используемой обработчиками бота.
type Service interface {
	LinkWallet(ctx context.Context, userID int64, address string) error
	GetAddressByUser(ctx context.Context, userID int64) (string, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	Purchase(ctx context.Context, userID int64, kind model.ItemKind) (*model.Ticket, error)
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
}

// Bot оборачивает Telegram-бота и его обработчики команд.
type Bot struct {
	bot              *bot.Bot
	service          Service
	logger           *zap.Logger
	receivingAddress string
}

// New создаёт нового Telegram-бота и регистрирует обработчики команд.
func New(token string, svc Service, logger *zap.Logger, receivingAddress string) (*Bot, error) {
	b := &Bot{
		service:          svc,
		logger:           logger,
		receivingAddress: receivingAddress,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/menu", bot.MatchTypeExact, b.menuHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/balance", bot.MatchTypeExact, b.balanceHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/tickets", bot.MatchTypeExact, b.ticketsHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/buy_beer", bot.MatchTypeExact, b.buyHandler(model.ItemBeer))
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/buy_cocktail", bot.MatchTypeExact, b.buyHandler(model.ItemCocktail))
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/buy_bucket", bot.MatchTypeExact, b.buyHandler(model.ItemBucket))

	return b, nil
}

// Start запускает long polling. Блокируется до отмены контекста.
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// SendMessage отправляет HTML-сообщение в указанный чат.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	return err
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("send reply", zap.Error(err), zap.Int64("chatID", chatID))
	}
}
