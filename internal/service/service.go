// Package service реализует бизнес-логику сервиса witbar.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/chain"
	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/mmeshcher/witbar-system/internal/repository"
	"github.com/mmeshcher/witbar-system/internal/validation"
)

// ErrInvalidAddress возвращается при попытке привязать некорректный адрес кошелька.
var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrUnknownItem возвращается при попытке купить неизвестную позицию меню.
	ErrUnknownItem = errors.New("unknown menu item")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	LinkWallet(ctx context.Context, userID int64, address string) error
	GetUserByAddress(ctx context.Context, address string) (int64, error)
	GetAddressByUser(ctx context.Context, userID int64) (string, error)
	ApplyTransfer(ctx context.Context, ev model.TransferEvent) (*repository.TransferResult, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
	CreateTicket(ctx context.Context, ticket model.Ticket) error
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	RedeemTicket(ctx context.Context, ticketID string) error
}

// CreditNotification описывает уведомление о зачислении средств.
type CreditNotification struct {
	UserID     int64
	Amount     int64
	NewBalance int64
	Signature  string
}

// Dispatcher описывает канал доставки уведомлений пользователю.
type Dispatcher interface {
	DispatchCredit(ctx context.Context, n CreditNotification) error
}

const notifyQueueSize = 256

// Service содержит бизнес-логику сервиса witbar.
type Service struct {
	repo             Repository
	dispatcher       Dispatcher
	chainClient      *chain.Client
	logger           *zap.Logger
	tokenMint        string
	receivingAddress string

	notifications chan CreditNotification
}

// NewService создаёт новый сервис. Dispatcher подключается отдельно через
// SetDispatcher, поскольку бот создаётся после сервиса.
func NewService(repo Repository, chainClient *chain.Client, logger *zap.Logger, tokenMint, receivingAddress string) *Service {
	return &Service{
		repo:             repo,
		chainClient:      chainClient,
		logger:           logger,
		tokenMint:        tokenMint,
		receivingAddress: receivingAddress,
		notifications:    make(chan CreditNotification, notifyQueueSize),
	}
}

// SetDispatcher задаёт канал доставки уведомлений.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// LinkWallet проверяет адрес и привязывает его к пользователю.
// Прежние привязки пользователя и адреса затираются.
func (s *Service) LinkWallet(ctx context.Context, userID int64, address string) error {
	if !validation.IsValidWalletAddress(address) {
		return ErrInvalidAddress
	}
	return s.repo.LinkWallet(ctx, userID, address)
}

// GetAddressByUser возвращает привязанный адрес пользователя.
func (s *Service) GetAddressByUser(ctx context.Context, userID int64) (string, error) {
	return s.repo.GetAddressByUser(ctx, userID)
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	current, spent, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current: float64(current) / 100,
		Spent:   float64(spent) / 100,
	}, nil
}

// IngestTransfers применяет пачку событий переводов. Чужие токены и переводы
// не на принимающий адрес отбрасываются, дубликаты подписи поглощаются без
// эффекта. Ошибка хранилища прерывает пачку, чтобы провайдер повторил доставку.
func (s *Service) IngestTransfers(ctx context.Context, events []model.TransferEvent) error {
	for _, ev := range events {
		if ev.TokenID != s.tokenMint || ev.ToAddress != s.receivingAddress {
			continue
		}

		if ev.Signature == "" || ev.Amount <= 0 {
			s.logger.Warn("malformed transfer record skipped",
				zap.String("signature", ev.Signature),
				zap.Int64("amount", ev.Amount),
			)
			continue
		}

		res, err := s.repo.ApplyTransfer(ctx, ev)
		if err != nil {
			return fmt.Errorf("apply transfer %s: %w", ev.Signature, err)
		}

		if !res.Applied {
			s.logger.Debug("duplicate transfer discarded", zap.String("signature", ev.Signature))
			continue
		}

		if res.UserID == nil {
			s.logger.Info("transfer from unlinked wallet consumed",
				zap.String("signature", ev.Signature),
				zap.String("from", ev.FromAddress),
			)
			continue
		}

		s.enqueueCredit(CreditNotification{
			UserID:     *res.UserID,
			Amount:     ev.Amount,
			NewBalance: res.NewBalance,
			Signature:  ev.Signature,
		})
	}

	return nil
}

// enqueueCredit ставит уведомление в очередь. Переполнение очереди не должно
// блокировать обработку пачки: уведомление отбрасывается с предупреждением.
func (s *Service) enqueueCredit(n CreditNotification) {
	select {
	case s.notifications <- n:
	default:
		s.logger.Warn("notification queue full, dropping credit notification",
			zap.Int64("userID", n.UserID),
			zap.String("signature", n.Signature),
		)
	}
}

// Purchase списывает стоимость позиции меню и выдаёт талон.
func (s *Service) Purchase(ctx context.Context, userID int64, kind model.ItemKind) (*model.Ticket, error) {
	price, ok := model.PriceFor(kind)
	if !ok {
		return nil, ErrUnknownItem
	}

	ticket := model.Ticket{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Price:     price,
		CreatedAt: time.Now(),
	}

	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	return &ticket, nil
}

// GetTicketsByUser возвращает талоны пользователя.
func (s *Service) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.repo.GetTicketsByUser(ctx, userID)
}

// RedeemTicket помечает талон погашенным.
func (s *Service) RedeemTicket(ctx context.Context, ticketID string) error {
	if _, err := uuid.Parse(ticketID); err != nil {
		return repository.ErrTicketNotFound
	}
	return s.repo.RedeemTicket(ctx, ticketID)
}

// StartNotificationDispatcher запускает фоновую доставку уведомлений.
// Доставка не влияет на состояние баланса: неудачи только логируются.
func (s *Service) StartNotificationDispatcher(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-s.notifications:
				if err := s.dispatcher.DispatchCredit(ctx, n); err != nil {
					s.logger.Error("dispatch credit notification",
						zap.Error(err),
						zap.Int64("userID", n.UserID),
						zap.String("signature", n.Signature),
					)
				}
			}
		}
	}()
}

// StartCatchupUpdates запускает фоновый опрос провайдера: переводы, которые
// вебхук не доставил, догоняются через тот же идемпотентный путь обработки.
func (s *Service) StartCatchupUpdates(ctx context.Context) {
	if s.chainClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processCatchupBatch(ctx)
			}
		}
	}()
}

func (s *Service) processCatchupBatch(ctx context.Context) {
	events, statusCode, retryAfter, err := s.chainClient.GetRecentTransfers(ctx, s.receivingAddress, 100)
	if err != nil {
		s.logger.Warn("catchup poll failed", zap.Error(err))
		return
	}

	if statusCode == http.StatusTooManyRequests {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		return
	}

	if err := s.IngestTransfers(ctx, events); err != nil {
		s.logger.Error("catchup ingest failed", zap.Error(err))
	}
}
