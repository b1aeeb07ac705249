// Package notifier отправляет уведомления о зачислениях через Telegram.
package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/service"
	"github.com/mmeshcher/witbar-system/internal/telegram"
)

// TelegramNotifier доставляет уведомления пользователю и, при наличии,
// в операторский чат. Доставка best-effort: ошибка отправки не влияет
// на состояние баланса и не повторяется.
type TelegramNotifier struct {
	bot            *telegram.Bot
	operatorChatID int64
	logger         *zap.Logger
}

// New создаёт новый TelegramNotifier. operatorChatID равный нулю отключает
// дублирование уведомлений оператору.
func New(bot *telegram.Bot, operatorChatID int64, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:            bot,
		operatorChatID: operatorChatID,
		logger:         logger,
	}
}

// DispatchCredit отправляет пользователю сообщение о поступившем платеже.
func (n *TelegramNotifier) DispatchCredit(ctx context.Context, cn service.CreditNotification) error {
	text := fmt.Sprintf(
		"🍻 <b>WIT получены!</b>\nЗачислено: <b>%.2f WIT</b>\nНовый баланс: <b>%.2f WIT</b>",
		float64(cn.Amount)/100, float64(cn.NewBalance)/100,
	)

	if err := n.bot.SendMessage(ctx, cn.UserID, text); err != nil {
		return fmt.Errorf("send credit message: %w", err)
	}

	if n.operatorChatID != 0 {
		opText := fmt.Sprintf(
			"💰 Платёж: %.2f WIT от пользователя %d\nПодпись: <code>%s</code>",
			float64(cn.Amount)/100, cn.UserID, cn.Signature,
		)
		if err := n.bot.SendMessage(ctx, n.operatorChatID, opText); err != nil {
			n.logger.Warn("send operator notification", zap.Error(err))
		}
	}

	return nil
}
