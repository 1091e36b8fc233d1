// Package service реализует бизнес-логику кредитного сервиса.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/credits-system/internal/model"
	"github.com/mmeshcher/credits-system/internal/payment"
	"github.com/mmeshcher/credits-system/internal/repository"
)

// ErrNoCredit возвращается, когда баланс пользователя не позволяет выполнить операцию.
var (
	ErrNoCredit = errors.New("insufficient credit")
	// ErrInvalidSignature возвращается при недостоверной подписи уведомления провайдера.
	ErrInvalidSignature = errors.New("invalid callback signature")
)

// tradeSuccessStatus — статус успешной оплаты в уведомлении провайдера.
const tradeSuccessStatus = "TRADE_SUCCESS"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InitBalance(ctx context.Context, userID string) (*model.Balance, error)
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	ListBalances(ctx context.Context, userIDs []string) ([]model.Balance, error)
	SetBalance(ctx context.Context, userID string, credit decimal.Decimal, detail model.LogDetail) error
	AddBalance(ctx context.Context, userID string, delta decimal.Decimal, detail model.LogDetail) error
	GetCreditLogByUser(ctx context.Context, userID string, offset, limit int) ([]model.CreditLogEntry, error)
	CreateTicket(ctx context.Context, id, userID string, amount decimal.Decimal, detail map[string]any) (*model.TradeTicket, error)
	GetTicket(ctx context.Context, id string) (*model.TradeTicket, error)
	SettleTicket(ctx context.Context, id string, detail map[string]any) error
}

// Provider описывает контракт платёжного провайдера.
type Provider interface {
	Sign(payload map[string]string) map[string]string
	Verify(payload map[string]string) bool
	CreateTrade(ctx context.Context, payType, outTradeNo string, amount decimal.Decimal, clientIP, ua string) *payment.TradeResponse
}

// ChatStore описывает внешнее хранилище диалогов, в котором сервис
// помечает сообщения ошибкой при нехватке кредитов.
type ChatStore interface {
	AnnotateMessageError(ctx context.Context, chatID, messageID, errMsg string) error
}

// Service содержит бизнес-логику кредитного сервиса.
type Service struct {
	repo     Repository
	provider Provider
	chats    ChatStore
}

// NewService создаёт новый сервис с указанным репозиторием, платёжным провайдером
// и хранилищем диалогов. Провайдер и хранилище диалогов могут быть nil.
func NewService(repo Repository, provider Provider, chats ChatStore) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		chats:    chats,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// InitBalance возвращает баланс пользователя, создавая его при первом обращении.
func (s *Service) InitBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := s.repo.InitBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("init balance: %w", err)
	}
	return b, nil
}

// GetBalance возвращает баланс пользователя. Отсутствие строки баланса — не ошибка:
// в этом случае возвращается nil без ошибки.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// ListBalances возвращает балансы перечисленных пользователей.
func (s *Service) ListBalances(ctx context.Context, userIDs []string) ([]model.Balance, error) {
	return s.repo.ListBalances(ctx, userIDs)
}

// SetBalance выставляет пользователю абсолютное значение баланса и возвращает
// свежепрочитанный баланс.
func (s *Service) SetBalance(ctx context.Context, userID string, credit decimal.Decimal, detail model.LogDetail) (*model.Balance, error) {
	if _, err := s.InitBalance(ctx, userID); err != nil {
		return nil, err
	}

	if err := s.repo.SetBalance(ctx, userID, credit, detail); err != nil {
		return nil, fmt.Errorf("set balance: %w", err)
	}

	return s.repo.GetBalance(ctx, userID)
}

// AddBalance изменяет баланс пользователя на delta и возвращает свежепрочитанный баланс.
func (s *Service) AddBalance(ctx context.Context, userID string, delta decimal.Decimal, detail model.LogDetail) (*model.Balance, error) {
	if _, err := s.InitBalance(ctx, userID); err != nil {
		return nil, err
	}

	if err := s.repo.AddBalance(ctx, userID, delta, detail); err != nil {
		return nil, fmt.Errorf("add balance: %w", err)
	}

	return s.repo.GetBalance(ctx, userID)
}

// GetCreditLog возвращает кредитную историю пользователя, новые записи первыми.
func (s *Service) GetCreditLog(ctx context.Context, userID string, offset, limit int) ([]model.CreditLogEntry, error) {
	return s.repo.GetCreditLogByUser(ctx, userID, offset, limit)
}

// CheckBalance пропускает операцию только при строго положительном балансе.
// При нехватке кредитов и наличии в meta ссылки на диалог сервис сначала
// помечает сообщение ошибкой, затем возвращает ErrNoCredit с текстом errMsg.
func (s *Service) CheckBalance(ctx context.Context, userID, errMsg string, meta map[string]any) error {
	b, err := s.InitBalance(ctx, userID)
	if err != nil {
		return err
	}

	if b.Credit.Sign() > 0 {
		return nil
	}

	if s.chats != nil {
		chatID, _ := meta["chat_id"].(string)
		messageID, _ := meta["message_id"].(string)
		if messageID == "" {
			messageID, _ = meta["id"].(string)
		}
		if chatID != "" && messageID != "" {
			_ = s.chats.AnnotateMessageError(ctx, chatID, messageID, errMsg)
		}
	}

	return fmt.Errorf("%w: %s", ErrNoCredit, errMsg)
}

// CreateTrade создаёт платёжный тикет и запрашивает у провайдера создание платежа.
// Тикет создаётся локально до обращения к провайдеру, поэтому исходящий вызов
// не держит открытой транзакции БД; тикет без подтверждения остаётся
// необработанным до прихода уведомления.
func (s *Service) CreateTrade(ctx context.Context, userID, payType string, amount decimal.Decimal, clientIP, ua string) (*payment.TradeResponse, error) {
	if amount.Sign() <= 0 {
		return nil, errors.New("trade amount must be positive")
	}

	outTradeNo := strings.ReplaceAll(uuid.New().String(), "-", "")

	if _, err := s.repo.CreateTicket(ctx, outTradeNo, userID, amount, map[string]any{}); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	return s.provider.CreateTrade(ctx, payType, outTradeNo, amount, clientIP, ua), nil
}

// SettleTicket применяет подтверждение оплаты к тикету.
func (s *Service) SettleTicket(ctx context.Context, id string, detail map[string]any) error {
	if _, err := s.repo.GetTicket(ctx, id); err != nil {
		return err
	}

	return s.repo.SettleTicket(ctx, id, detail)
}

// HandleCallback обрабатывает асинхронное уведомление провайдера: проверяет
// подпись, и при статусе успешной оплаты зачисляет средства по тикету.
// Повторная доставка уведомления по уже обработанному тикету не является ошибкой.
func (s *Service) HandleCallback(ctx context.Context, payload map[string]string) error {
	if !s.provider.Verify(payload) {
		return ErrInvalidSignature
	}

	if payload["trade_status"] != tradeSuccessStatus {
		return nil
	}

	detail := make(map[string]any, len(payload))
	for k, v := range payload {
		detail[k] = v
	}

	err := s.SettleTicket(ctx, payload["out_trade_no"], detail)
	if errors.Is(err, repository.ErrTicketSettled) {
		return nil
	}

	return err
}
