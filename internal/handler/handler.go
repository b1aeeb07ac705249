// Package handler содержит HTTP-обработчики API сервиса witbar.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/middleware"
	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/mmeshcher/witbar-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IngestTransfers(ctx context.Context, events []model.TransferEvent) error
	RedeemTicket(ctx context.Context, ticketID string) error
}

// Handler реализует HTTP-обработчики API сервиса witbar.
type Handler struct {
	service      Service
	logger       *zap.Logger
	operatorAuth *middleware.OperatorAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, operatorAuth *middleware.OperatorAuth) *Handler {
	return &Handler{
		service:      s,
		logger:       logger,
		operatorAuth: operatorAuth,
	}
}

type transferRecord struct {
	Signature   string          `json:"signature"`
	TokenID     string          `json:"tokenId"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Amount      decimal.Decimal `json:"amount"`
}

// IngestTransfers принимает пачку нормализованных событий переводов от
// провайдера вебхуков. Ошибка хранилища возвращает 500, чтобы провайдер
// повторил доставку; дубликаты при повторе поглощаются дедупликацией.
func (h *Handler) IngestTransfers(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var records []transferRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	events := make([]model.TransferEvent, 0, len(records))
	for _, rec := range records {
		events = append(events, model.TransferEvent{
			Signature:   rec.Signature,
			TokenID:     rec.TokenID,
			FromAddress: rec.FromAddress,
			ToAddress:   rec.ToAddress,
			Amount:      rec.Amount.Shift(2).IntPart(),
		})
	}

	if err := h.service.IngestTransfers(r.Context(), events); err != nil {
		h.logger.Error("ingest transfers error", zap.Error(err), zap.Int("batch", len(events)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RedeemTicket помечает талон погашенным по запросу оператора.
func (h *Handler) RedeemTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")

	err := h.service.RedeemTicket(r.Context(), ticketID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTicketNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTicketRedeemed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("redeem ticket error", zap.Error(err), zap.String("ticket", ticketID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
