// Package service реализует бизнес-логику сервиса карса: оркестрацию покупок
// и обновлений мерчантов между леджером и локальным хранилищем.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/idempotency"
	"github.com/mmeshcher/carsa-system/internal/ledger"
	"github.com/mmeshcher/carsa-system/internal/model"
)

// maxPurchaseAmount — максимальная сумма покупки в минимальных фиатных единицах.
const maxPurchaseAmount = 1_000_000_000

// ErrInvalidRequest возвращается при некорректном составе запроса.
var (
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMerchantInactive возвращается при покупке у неактивного мерчанта.
	ErrMerchantInactive = errors.New("merchant is not active")
	// ErrConflict возвращается, если операция с этим ключом уже исполняется.
	ErrConflict = errors.New("operation already in progress")
	// ErrInsufficientBalance возвращается, если баланс токенов меньше суммы погашения.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrLedgerFailure возвращается, если леджер отклонил операцию или не подтвердил её.
	// Эффект не произошёл, повтор с тем же ключом безопасен.
	ErrLedgerFailure = errors.New("ledger operation failed")
	// ErrPersistenceFailure возвращается, когда эффект в леджере подтверждён,
	// а локальная запись не сохранена. Повтор идентичного запроса доисполнит
	// только запись в хранилище.
	ErrPersistenceFailure = errors.New("ledger effect confirmed but local record is pending")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateMerchant(ctx context.Context, m *model.Merchant) error
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	GetMerchantByWallet(ctx context.Context, wallet string) (*model.Merchant, error)
	ApplyMerchantUpdate(ctx context.Context, id string, cashbackRateBps *int32, isActive *bool) error
	InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error)
	GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]model.Transaction, error)
	GetAmbiguousIdempotencyKeys(ctx context.Context, minAge time.Duration, limit int) ([]model.IdempotencyRecord, error)
}

// Guard описывает контракт защиты идемпотентности.
type Guard interface {
	BeginOperation(ctx context.Context, key string, operation model.OperationKind, payload []byte) (idempotency.Begin, error)
	Complete(ctx context.Context, key, ledgerSignature string, transactionID, tokensAwarded *int64) error
	Fail(ctx context.Context, key string) error
	MarkAmbiguous(ctx context.Context, key, ledgerSignature string, payload []byte) error
}

// Ledger описывает контракт клиента шлюза леджера.
type Ledger interface {
	SubmitPurchase(ctx context.Context, req ledger.PurchaseRequest) (string, error)
	SubmitMerchantUpdate(ctx context.Context, req ledger.MerchantUpdateRequest) (string, error)
	SubmitMerchantRegister(ctx context.Context, req ledger.MerchantRegisterRequest) (string, error)
	TokenBalance(ctx context.Context, wallet string) (int64, error)
}

// Service содержит бизнес-логику сервиса карса.
type Service struct {
	repo         Repository
	guard        Guard
	ledgerClient Ledger
	exchangeRate int64
	logger       *zap.Logger
}

// NewService создаёт новый сервис с указанными зависимостями.
// exchangeRate — количество минимальных единиц токена на одну фиатную единицу.
func NewService(repo Repository, guard Guard, ledgerClient Ledger, exchangeRate int64, logger *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		guard:        guard,
		ledgerClient: ledgerClient,
		exchangeRate: exchangeRate,
		logger:       logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetMerchant возвращает мерчанта по идентификатору.
func (s *Service) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	return s.repo.GetMerchant(ctx, id)
}

// GetTransactionsByMerchant возвращает список транзакций мерчанта.
func (s *Service) GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]model.Transaction, error) {
	if _, err := s.repo.GetMerchant(ctx, merchantID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByMerchant(ctx, merchantID)
}

// failKey помечает ключ FAILED перед возвратом ошибки, чтобы повтор с тем же
// ключом исполнил операцию заново. Вызывается только до отправки в леджер.
func (s *Service) failKey(ctx context.Context, key string) {
	if err := s.guard.Fail(ctx, key); err != nil {
		s.logger.Error("fail idempotency key", zap.Error(err), zap.String("key", key))
	}
}
