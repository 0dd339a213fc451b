package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/idempotency"
	"github.com/mmeshcher/carsa-system/internal/ledger"
	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/mmeshcher/carsa-system/internal/repository"
	"github.com/mmeshcher/carsa-system/internal/reward"
)

type merchantUpdatePayload struct {
	MerchantID      string `json:"merchantId"`
	NewCashbackRate *int32 `json:"newCashbackRate,omitempty"`
	IsActive        *bool  `json:"isActive,omitempty"`
}

type merchantRegisterPayload struct {
	MerchantID      string `json:"merchantId"`
	WalletAddress   string `json:"walletAddress"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	CashbackRateBps int32  `json:"cashbackRateBps"`
}

// UpdateMerchant обновляет ставку кешбэка и/или флаг активности мерчанта по
// той же схеме, что и покупка: begin -> леджер -> запись -> complete.
// Хотя бы одно из опциональных полей должно быть задано.
func (s *Service) UpdateMerchant(ctx context.Context, op model.MerchantUpdateOperation) (*model.MerchantUpdateResult, error) {
	if op.NewCashbackRate == nil && op.IsActive == nil {
		return nil, fmt.Errorf("%w: at least one of newCashbackRate or isActive is required", ErrInvalidRequest)
	}
	if op.NewCashbackRate != nil && (*op.NewCashbackRate < 0 || *op.NewCashbackRate > 10000) {
		return nil, reward.ErrInvalidRate
	}

	payload, err := json.Marshal(merchantUpdatePayload{
		MerchantID:      op.MerchantID,
		NewCashbackRate: op.NewCashbackRate,
		IsActive:        op.IsActive,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	begin, err := s.guard.BeginOperation(ctx, op.IdempotencyKey, model.OperationMerchantUpdate, payload)
	if err != nil {
		return nil, err
	}

	switch begin.State {
	case idempotency.StateAlreadyCompleted:
		if begin.Record.LedgerSignature == nil {
			return nil, fmt.Errorf("%w: completed record is missing result fields", ErrPersistenceFailure)
		}
		return &model.MerchantUpdateResult{LedgerSignature: *begin.Record.LedgerSignature}, nil
	case idempotency.StateAlreadyPending:
		return nil, ErrConflict
	case idempotency.StateResumePersistence:
		return s.resumeMerchantUpdate(ctx, op.IdempotencyKey, begin.Record)
	}

	// Неактивного мерчанта обновлять можно: именно так его активируют заново.
	merchant, err := s.repo.GetMerchant(ctx, op.MerchantID)
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, err
	}

	signature, err := s.ledgerClient.SubmitMerchantUpdate(ctx, ledger.MerchantUpdateRequest{
		MerchantWallet:     merchant.WalletAddress,
		NewCashbackRateBps: op.NewCashbackRate,
		IsActive:           op.IsActive,
		TransactionID:      ledger.DeriveTransactionID(op.IdempotencyKey),
	})
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	if err := s.repo.ApplyMerchantUpdate(ctx, op.MerchantID, op.NewCashbackRate, op.IsActive); err != nil {
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, payload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	if err := s.guard.Complete(ctx, op.IdempotencyKey, signature, nil, nil); err != nil {
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, payload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	return &model.MerchantUpdateResult{LedgerSignature: signature}, nil
}

// resumeMerchantUpdate доисполняет обновление мерчанта с уже подтверждённой
// подписью леджера: применяет изменение локально и завершает ключ.
// Повторное применение тех же значений безвредно.
func (s *Service) resumeMerchantUpdate(ctx context.Context, key string, rec *model.IdempotencyRecord) (*model.MerchantUpdateResult, error) {
	var p merchantUpdatePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal stored payload: %w", ErrPersistenceFailure, err)
	}

	signature := *rec.LedgerSignature

	if err := s.repo.ApplyMerchantUpdate(ctx, p.MerchantID, p.NewCashbackRate, p.IsActive); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	if err := s.guard.Complete(ctx, key, signature, nil, nil); err != nil &&
		!errors.Is(err, repository.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	s.logger.Info("reconciled merchant update after persistence failure",
		zap.String("key", key), zap.String("signature", signature))

	return &model.MerchantUpdateResult{LedgerSignature: signature}, nil
}

// RegisterMerchant регистрирует нового мерчанта: создаёт аккаунт в леджере и
// локальную запись. Идентификатор мерчанта генерируется до начала операции и
// сохраняется в записи идемпотентности, поэтому повтор возвращает тот же ID.
func (s *Service) RegisterMerchant(ctx context.Context, op model.MerchantRegisterOperation) (*model.MerchantRegisterResult, error) {
	if op.CashbackRateBps < 0 || op.CashbackRateBps > 10000 {
		return nil, reward.ErrInvalidRate
	}

	payload, err := json.Marshal(merchantRegisterPayload{
		MerchantID:      uuid.NewString(),
		WalletAddress:   op.WalletAddress,
		Name:            op.Name,
		Category:        op.Category,
		CashbackRateBps: op.CashbackRateBps,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	begin, err := s.guard.BeginOperation(ctx, op.IdempotencyKey, model.OperationMerchantRegister, payload)
	if err != nil {
		return nil, err
	}

	switch begin.State {
	case idempotency.StateAlreadyCompleted:
		return registerResultFromRecord(begin.Record)
	case idempotency.StateAlreadyPending:
		return nil, ErrConflict
	case idempotency.StateResumePersistence:
		return s.resumeMerchantRegister(ctx, op.IdempotencyKey, begin.Record)
	}

	// Свежая запись могла сохранить payload конкурентного вызова; перечитывать
	// не нужно — Started получает ровно один вызов, и его payload в записи.
	var p merchantRegisterPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if _, err := s.repo.GetMerchantByWallet(ctx, op.WalletAddress); err == nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, fmt.Errorf("%w: %s", repository.ErrMerchantExists, op.WalletAddress)
	} else if !errors.Is(err, repository.ErrMerchantNotFound) {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, err
	}

	signature, err := s.ledgerClient.SubmitMerchantRegister(ctx, ledger.MerchantRegisterRequest{
		MerchantWallet:  op.WalletAddress,
		Name:            op.Name,
		Category:        op.Category,
		CashbackRateBps: op.CashbackRateBps,
		TransactionID:   ledger.DeriveTransactionID(op.IdempotencyKey),
	})
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	if err := s.persistMerchant(ctx, p); err != nil {
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, payload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	if err := s.guard.Complete(ctx, op.IdempotencyKey, signature, nil, nil); err != nil {
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, payload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	return &model.MerchantRegisterResult{
		MerchantID:      p.MerchantID,
		LedgerSignature: signature,
	}, nil
}

func (s *Service) resumeMerchantRegister(ctx context.Context, key string, rec *model.IdempotencyRecord) (*model.MerchantRegisterResult, error) {
	var p merchantRegisterPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal stored payload: %w", ErrPersistenceFailure, err)
	}

	signature := *rec.LedgerSignature

	if err := s.persistMerchant(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	if err := s.guard.Complete(ctx, key, signature, nil, nil); err != nil &&
		!errors.Is(err, repository.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	s.logger.Info("reconciled merchant registration after persistence failure",
		zap.String("key", key), zap.String("signature", signature))

	return &model.MerchantRegisterResult{
		MerchantID:      p.MerchantID,
		LedgerSignature: signature,
	}, nil
}

// persistMerchant создаёт локальную запись мерчанта; повторное создание той же
// записи (повтор после сбоя) безвредно.
func (s *Service) persistMerchant(ctx context.Context, p merchantRegisterPayload) error {
	err := s.repo.CreateMerchant(ctx, &model.Merchant{
		ID:              p.MerchantID,
		WalletAddress:   p.WalletAddress,
		Name:            p.Name,
		Category:        p.Category,
		CashbackRateBps: p.CashbackRateBps,
		IsActive:        true,
	})
	if err != nil && !errors.Is(err, repository.ErrMerchantExists) {
		return err
	}
	return nil
}

func registerResultFromRecord(rec *model.IdempotencyRecord) (*model.MerchantRegisterResult, error) {
	var p merchantRegisterPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal stored payload: %w", ErrPersistenceFailure, err)
	}
	if rec.LedgerSignature == nil {
		return nil, fmt.Errorf("%w: completed record is missing result fields", ErrPersistenceFailure)
	}
	return &model.MerchantRegisterResult{
		MerchantID:      p.MerchantID,
		LedgerSignature: *rec.LedgerSignature,
	}, nil
}
