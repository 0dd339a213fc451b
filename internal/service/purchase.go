package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/idempotency"
	"github.com/mmeshcher/carsa-system/internal/ledger"
	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/mmeshcher/carsa-system/internal/repository"
	"github.com/mmeshcher/carsa-system/internal/reward"
)

// purchasePayload хранится в записи идемпотентности. При создании записи
// содержит входные данные операции; после подтверждения леджера перезаписывается
// полностью рассчитанными значениями, достаточными для досведения записи
// в хранилище без повторного обращения к леджеру.
type purchasePayload struct {
	MerchantID          string `json:"merchantId"`
	CustomerWallet      string `json:"customerWallet"`
	FiatAmount          int64  `json:"fiatAmount"`
	RedeemedTokenAmount int64  `json:"redeemedTokenAmount"`
	TotalValue          int64  `json:"totalValue"`
	TokensAwarded       int64  `json:"tokensAwarded"`
}

// ProcessPurchase обрабатывает покупку: начинает операцию по ключу
// идемпотентности, рассчитывает вознаграждение, отправляет атомарную операцию
// в леджер и после подтверждения сохраняет транзакцию локально.
// Повтор завершённой операции возвращает сохранённый результат без повторного
// обращения к леджеру; повтор после сбоя хранилища доисполняет только запись.
func (s *Service) ProcessPurchase(ctx context.Context, op model.PurchaseOperation) (*model.PurchaseResult, error) {
	if op.FiatAmount < 0 || op.RedeemTokenAmount < 0 {
		return nil, fmt.Errorf("%w: amounts must be non-negative", ErrInvalidRequest)
	}
	if op.FiatAmount > maxPurchaseAmount {
		return nil, fmt.Errorf("%w: fiat amount exceeds %d", ErrInvalidRequest, int64(maxPurchaseAmount))
	}

	payload, err := json.Marshal(purchasePayload{
		MerchantID:          op.MerchantID,
		CustomerWallet:      op.CustomerWallet,
		FiatAmount:          op.FiatAmount,
		RedeemedTokenAmount: op.RedeemTokenAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	begin, err := s.guard.BeginOperation(ctx, op.IdempotencyKey, model.OperationPurchase, payload)
	if err != nil {
		return nil, err
	}

	switch begin.State {
	case idempotency.StateAlreadyCompleted:
		return purchaseResultFromRecord(begin.Record)
	case idempotency.StateAlreadyPending:
		return nil, ErrConflict
	case idempotency.StateResumePersistence:
		return s.resumePurchase(ctx, op.IdempotencyKey, begin.Record)
	}

	merchant, err := s.repo.GetMerchant(ctx, op.MerchantID)
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, err
	}
	if !merchant.IsActive {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, fmt.Errorf("%w: %s", ErrMerchantInactive, merchant.ID)
	}

	if op.RedeemTokenAmount > 0 {
		balance, err := s.ledgerClient.TokenBalance(ctx, op.CustomerWallet)
		if err != nil {
			s.failKey(ctx, op.IdempotencyKey)
			return nil, fmt.Errorf("%w: balance check: %w", ErrLedgerFailure, err)
		}
		if balance < op.RedeemTokenAmount {
			s.failKey(ctx, op.IdempotencyKey)
			return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, op.RedeemTokenAmount)
		}
	}

	computed, err := reward.Compute(op.FiatAmount, op.RedeemTokenAmount, s.exchangeRate, merchant.CashbackRateBps)
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, err
	}

	// Точка невозврата: после успешной отправки эффект в леджере необратим,
	// и ключ больше нельзя помечать FAILED.
	signature, err := s.ledgerClient.SubmitPurchase(ctx, ledger.PurchaseRequest{
		CustomerWallet:    op.CustomerWallet,
		MerchantWallet:    merchant.WalletAddress,
		FiatAmount:        op.FiatAmount,
		RedeemTokenAmount: op.RedeemTokenAmount,
		RewardAmount:      computed.TokensAwarded,
		TransactionID:     ledger.DeriveTransactionID(op.IdempotencyKey),
	})
	if err != nil {
		s.failKey(ctx, op.IdempotencyKey)
		return nil, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	resultPayload, err := json.Marshal(purchasePayload{
		MerchantID:          op.MerchantID,
		CustomerWallet:      op.CustomerWallet,
		FiatAmount:          op.FiatAmount,
		RedeemedTokenAmount: op.RedeemTokenAmount,
		TotalValue:          computed.TotalValue,
		TokensAwarded:       computed.TokensAwarded,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}

	transactionID, err := s.repo.InsertTransaction(ctx, &model.Transaction{
		MerchantID:          op.MerchantID,
		CustomerWallet:      op.CustomerWallet,
		FiatAmount:          op.FiatAmount,
		RedeemedTokenAmount: op.RedeemTokenAmount,
		TotalValue:          computed.TotalValue,
		TokensAwarded:       computed.TokensAwarded,
		UsedTokens:          op.RedeemTokenAmount > 0,
		LedgerSignature:     signature,
	})
	if err != nil {
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, resultPayload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	if err := s.guard.Complete(ctx, op.IdempotencyKey, signature, &transactionID, &computed.TokensAwarded); err != nil {
		// Транзакция записана, но запись идемпотентности не завершена:
		// оставляем подпись у ключа, фоновая досводка завершит его позже.
		s.markAmbiguous(ctx, op.IdempotencyKey, signature, resultPayload)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	return &model.PurchaseResult{
		TransactionID:   transactionID,
		LedgerSignature: signature,
		TokensAwarded:   computed.TokensAwarded,
	}, nil
}

// resumePurchase доисполняет покупку, у которой эффект в леджере уже
// подтверждён: записывает транзакцию по сохранённой подписи и завершает ключ.
// Леджер на этом пути не вызывается.
func (s *Service) resumePurchase(ctx context.Context, key string, rec *model.IdempotencyRecord) (*model.PurchaseResult, error) {
	var p purchasePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal stored payload: %w", ErrPersistenceFailure, err)
	}

	signature := *rec.LedgerSignature

	transactionID, err := s.repo.InsertTransaction(ctx, &model.Transaction{
		MerchantID:          p.MerchantID,
		CustomerWallet:      p.CustomerWallet,
		FiatAmount:          p.FiatAmount,
		RedeemedTokenAmount: p.RedeemedTokenAmount,
		TotalValue:          p.TotalValue,
		TokensAwarded:       p.TokensAwarded,
		UsedTokens:          p.RedeemedTokenAmount > 0,
		LedgerSignature:     signature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	// Конкурентный вызов (живой повтор либо фоновая досводка) мог уже
	// завершить ключ; проигрыш этой гонки не ошибка.
	if err := s.guard.Complete(ctx, key, signature, &transactionID, &p.TokensAwarded); err != nil &&
		!errors.Is(err, repository.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	s.logger.Info("reconciled purchase after persistence failure",
		zap.String("key", key), zap.String("signature", signature))

	return &model.PurchaseResult{
		TransactionID:   transactionID,
		LedgerSignature: signature,
		TokensAwarded:   p.TokensAwarded,
	}, nil
}

// markAmbiguous фиксирует подпись леджера у ключа. Вызывается, когда хранилище
// уже отказало, поэтому выполняет несколько попыток с нарастающей задержкой:
// потеря подписи означает невосстановимую рассинхронизацию с леджером.
func (s *Service) markAmbiguous(ctx context.Context, key, signature string, payload []byte) {
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(200*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.guard.MarkAmbiguous(ctx, key, signature, payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record confirmed ledger signature",
			zap.Error(err), zap.String("key", key), zap.String("signature", signature))
	}
}

func purchaseResultFromRecord(rec *model.IdempotencyRecord) (*model.PurchaseResult, error) {
	if rec.LedgerSignature == nil || rec.TransactionID == nil || rec.TokensAwarded == nil {
		return nil, fmt.Errorf("%w: completed record is missing result fields", ErrPersistenceFailure)
	}
	return &model.PurchaseResult{
		TransactionID:   *rec.TransactionID,
		LedgerSignature: *rec.LedgerSignature,
		TokensAwarded:   *rec.TokensAwarded,
	}, nil
}
