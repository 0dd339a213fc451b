package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/idempotency"
	"github.com/mmeshcher/carsa-system/internal/ledger"
	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/mmeshcher/carsa-system/internal/repository"
)

// fakeBackend эмулирует PostgresRepository: реализует и контракт хранилища
// записей идемпотентности, и контракт репозитория сервиса.
type fakeBackend struct {
	mu           sync.Mutex
	records      map[string]*model.IdempotencyRecord
	merchants    map[string]*model.Merchant
	transactions map[string]*model.Transaction
	nextTxID     int64

	insertTxErr       error
	applyUpdateErr    error
	createMerchantErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records:      make(map[string]*model.IdempotencyRecord),
		merchants:    make(map[string]*model.Merchant),
		transactions: make(map[string]*model.Transaction),
	}
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) InsertIdempotencyKey(ctx context.Context, key string, operation model.OperationKind, payload []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[key]; ok {
		return false, nil
	}
	b.records[key] = &model.IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Status:    model.IdempotencyStatusPending,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	return true, nil
}

func (b *fakeBackend) GetIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	cp := *rec
	return &cp, nil
}

func (b *fakeBackend) RearmIdempotencyKey(ctx context.Context, key string, payload []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok || rec.Status != model.IdempotencyStatusFailed {
		return false, nil
	}
	rec.Status = model.IdempotencyStatusPending
	rec.Payload = payload
	rec.LedgerSignature = nil
	rec.CreatedAt = time.Now()
	return true, nil
}

func (b *fakeBackend) CompleteIdempotencyKey(ctx context.Context, key, ledgerSignature string, transactionID, tokensAwarded *int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok || rec.Status != model.IdempotencyStatusPending {
		return repository.ErrInvalidTransition
	}
	rec.Status = model.IdempotencyStatusCompleted
	rec.LedgerSignature = &ledgerSignature
	rec.TransactionID = transactionID
	rec.TokensAwarded = tokensAwarded
	return nil
}

func (b *fakeBackend) FailIdempotencyKey(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok || rec.Status != model.IdempotencyStatusPending || rec.LedgerSignature != nil {
		return repository.ErrInvalidTransition
	}
	rec.Status = model.IdempotencyStatusFailed
	return nil
}

func (b *fakeBackend) MarkIdempotencyAmbiguous(ctx context.Context, key, ledgerSignature string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok || rec.Status != model.IdempotencyStatusPending {
		return repository.ErrInvalidTransition
	}
	rec.LedgerSignature = &ledgerSignature
	rec.Payload = payload
	return nil
}

func (b *fakeBackend) CreateMerchant(ctx context.Context, m *model.Merchant) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createMerchantErr != nil {
		return b.createMerchantErr
	}
	if _, ok := b.merchants[m.ID]; ok {
		return repository.ErrMerchantExists
	}
	cp := *m
	b.merchants[m.ID] = &cp
	return nil
}

func (b *fakeBackend) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.merchants[id]
	if !ok {
		return nil, repository.ErrMerchantNotFound
	}
	cp := *m
	return &cp, nil
}

func (b *fakeBackend) GetMerchantByWallet(ctx context.Context, wallet string) (*model.Merchant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range b.merchants {
		if m.WalletAddress == wallet {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrMerchantNotFound
}

func (b *fakeBackend) ApplyMerchantUpdate(ctx context.Context, id string, cashbackRateBps *int32, isActive *bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.applyUpdateErr != nil {
		return b.applyUpdateErr
	}
	m, ok := b.merchants[id]
	if !ok {
		return repository.ErrMerchantNotFound
	}
	if cashbackRateBps != nil {
		m.CashbackRateBps = *cashbackRateBps
	}
	if isActive != nil {
		m.IsActive = *isActive
	}
	return nil
}

func (b *fakeBackend) InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.insertTxErr != nil {
		return 0, b.insertTxErr
	}
	if existing, ok := b.transactions[t.LedgerSignature]; ok {
		return existing.ID, nil
	}
	b.nextTxID++
	cp := *t
	cp.ID = b.nextTxID
	b.transactions[t.LedgerSignature] = &cp
	return cp.ID, nil
}

func (b *fakeBackend) GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]model.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res []model.Transaction
	for _, t := range b.transactions {
		if t.MerchantID == merchantID {
			res = append(res, *t)
		}
	}
	return res, nil
}

func (b *fakeBackend) GetAmbiguousIdempotencyKeys(ctx context.Context, minAge time.Duration, limit int) ([]model.IdempotencyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res []model.IdempotencyRecord
	for _, rec := range b.records {
		if rec.Status == model.IdempotencyStatusPending && rec.LedgerSignature != nil &&
			time.Since(rec.CreatedAt) >= minAge && len(res) < limit {
			res = append(res, *rec)
		}
	}
	return res, nil
}

// stubLedger считает обращения к леджеру и позволяет подменять исходы.
type stubLedger struct {
	mu          sync.Mutex
	submitCalls int
	signature   string
	submitErr   error
	balance     int64
	balanceErr  error
}

func (l *stubLedger) submit() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitCalls++
	if l.submitErr != nil {
		return "", l.submitErr
	}
	if l.signature != "" {
		return l.signature, nil
	}
	return fmt.Sprintf("sig-%d", l.submitCalls), nil
}

func (l *stubLedger) SubmitPurchase(ctx context.Context, req ledger.PurchaseRequest) (string, error) {
	return l.submit()
}

func (l *stubLedger) SubmitMerchantUpdate(ctx context.Context, req ledger.MerchantUpdateRequest) (string, error) {
	return l.submit()
}

func (l *stubLedger) SubmitMerchantRegister(ctx context.Context, req ledger.MerchantRegisterRequest) (string, error) {
	return l.submit()
}

func (l *stubLedger) TokenBalance(ctx context.Context, wallet string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.balanceErr
}

func (l *stubLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitCalls
}

func newTestService(backend *fakeBackend, lc *stubLedger) *Service {
	guard := idempotency.NewGuard(backend)
	return NewService(backend, guard, lc, 1, zap.NewNop())
}

func activeMerchant(id string, rateBps int32) *model.Merchant {
	return &model.Merchant{
		ID:              id,
		WalletAddress:   "merchant-wallet",
		Name:            "Kopi Kenangan",
		Category:        "coffee_shop",
		CashbackRateBps: rateBps,
		IsActive:        true,
	}
}

var _ Repository = (*fakeBackend)(nil)
var _ idempotency.Store = (*fakeBackend)(nil)
var _ Ledger = (*stubLedger)(nil)

var errStoreDown = errors.New("store unavailable")
