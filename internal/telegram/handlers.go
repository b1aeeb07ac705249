package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/mmeshcher/witbar-system/internal/repository"
	"github.com/mmeshcher/witbar-system/internal/service"
)

var itemLabels = map[model.ItemKind]string{
	model.ItemBeer:     "Пиво 🍺",
	model.ItemCocktail: "Коктейль 🍸",
	model.ItemBucket:   "Ведро для вечеринки 🎉",
}

func itemLabel(kind model.ItemKind) string {
	if label, ok := itemLabels[kind]; ok {
		return label
	}
	return string(kind)
}

func (b *Bot) startHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	text := fmt.Sprintf(
		"🍻 Добро пожаловать в <b>WIT Bar</b>!\n\n"+
			"Кошелёк бара:\n<code>%s</code>\n\n"+
			"Отправь WIT на кошелёк бара и покупай напитки!\n\n"+
			"Пришли адрес своего кошелька Solana, чтобы я знал, кому зачислять WIT.",
		b.receivingAddress,
	)

	b.reply(ctx, update.Message.Chat.ID, text)
}

func (b *Bot) menuHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString("🍹 <b>Меню WIT Bar</b>\n\n")
	for _, kind := range []model.ItemKind{model.ItemBeer, model.ItemCocktail, model.ItemBucket} {
		price := model.Prices[kind]
		sb.WriteString(fmt.Sprintf("%s — %.0f WIT\nКупить: /buy_%s\n\n", itemLabel(kind), float64(price)/100, kind))
	}

	b.reply(ctx, update.Message.Chat.ID, sb.String())
}

func (b *Bot) balanceHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	userID := update.Message.From.ID

	balance, err := b.service.GetBalance(ctx, userID)
	if err != nil {
		b.logger.Error("get balance", zap.Error(err), zap.Int64("userID", userID))
		b.reply(ctx, update.Message.Chat.ID, "⚠️ Не удалось получить баланс, попробуй позже.")
		return
	}

	text := fmt.Sprintf("💰 Баланс: <b>%.2f WIT</b>\nПотрачено: %.2f WIT", balance.Current, balance.Spent)

	if _, err := b.service.GetAddressByUser(ctx, userID); errors.Is(err, repository.ErrWalletNotLinked) {
		text += "\n\nКошелёк ещё не привязан — пришли адрес, чтобы пополнять баланс."
	}

	b.reply(ctx, update.Message.Chat.ID, text)
}

func (b *Bot) ticketsHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	userID := update.Message.From.ID

	tickets, err := b.service.GetTicketsByUser(ctx, userID)
	if err != nil {
		b.logger.Error("get tickets", zap.Error(err), zap.Int64("userID", userID))
		b.reply(ctx, update.Message.Chat.ID, "⚠️ Не удалось получить талоны, попробуй позже.")
		return
	}

	if len(tickets) == 0 {
		b.reply(ctx, update.Message.Chat.ID, "У тебя пока нет талонов. Загляни в /menu 🍹")
		return
	}

	var sb strings.Builder
	sb.WriteString("🎫 <b>Твои талоны</b>\n\n")
	for _, t := range tickets {
		status := "действителен"
		if t.Redeemed {
			status = "погашен"
		}
		sb.WriteString(fmt.Sprintf("%s — %s\n<code>%s</code>\n\n", itemLabel(t.Kind), status, t.ID))
	}

	b.reply(ctx, update.Message.Chat.ID, sb.String())
}

func (b *Bot) buyHandler(kind model.ItemKind) bot.HandlerFunc {
	return func(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}

		userID := update.Message.From.ID

		ticket, err := b.service.Purchase(ctx, userID, kind)
		if err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				price := model.Prices[kind]
				b.reply(ctx, update.Message.Chat.ID, fmt.Sprintf(
					"❌ Недостаточно WIT!\n%s стоит <b>%.0f WIT</b>. Проверь баланс: /balance",
					itemLabel(kind), float64(price)/100,
				))
				return
			}
			b.logger.Error("purchase", zap.Error(err), zap.Int64("userID", userID), zap.String("kind", string(kind)))
			b.reply(ctx, update.Message.Chat.ID, "⚠️ Покупка не прошла, попробуй позже.")
			return
		}

		balance, err := b.service.GetBalance(ctx, userID)
		remaining := ""
		if err == nil {
			remaining = fmt.Sprintf("\nОстаток: <b>%.2f WIT</b>", balance.Current)
		}

		b.reply(ctx, update.Message.Chat.ID, fmt.Sprintf(
			"🎉 Ты купил %s!\nТалон: <code>%s</code>%s",
			itemLabel(ticket.Kind), ticket.ID, remaining,
		))
	}
}

// defaultHandler обрабатывает произвольный текст: сообщение, похожее на адрес
// кошелька, привязывает его к отправителю.
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return
	}

	userID := update.Message.From.ID

	err := b.service.LinkWallet(ctx, userID, text)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAddress) {
			// Не адрес: молча игнорируем произвольный текст, как и оригинал.
			return
		}
		b.logger.Error("link wallet", zap.Error(err), zap.Int64("userID", userID))
		b.reply(ctx, update.Message.Chat.ID, "⚠️ Не удалось привязать кошелёк, попробуй позже.")
		return
	}

	b.reply(ctx, update.Message.Chat.ID, "🔗 Кошелёк привязан!\nЯ сообщу, когда придут WIT.")
}
