package service

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/model"
)

const (
	// ambiguousMinAge — минимальный возраст записи для досведения: более свежие
	// записи ещё могут завершаться обрабатывающим запросом.
	ambiguousMinAge = 10 * time.Second

	reconcileBatchSize = 100
)

// StartReconciliation запускает фоновый процесс досведения записей, у которых
// эффект в леджере подтверждён, но локальная запись не сохранена. Досводка
// повторяет только половину с записью в хранилище и никогда не обращается
// к леджеру.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcileBatch(ctx context.Context) {
	records, err := s.repo.GetAmbiguousIdempotencyKeys(ctx, ambiguousMinAge, reconcileBatchSize)
	if err != nil {
		s.logger.Error("select ambiguous keys", zap.Error(err))
		return
	}

	for _, rec := range records {
		if err := s.reconcileRecord(ctx, rec); err != nil {
			s.logger.Error("reconcile ambiguous key",
				zap.Error(err), zap.String("key", rec.Key), zap.String("operation", string(rec.Operation)))
		}
	}
}

// reconcileRecord доисполняет одну запись с несколькими попытками записи.
func (s *Service) reconcileRecord(ctx context.Context, rec model.IdempotencyRecord) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error

		switch rec.Operation {
		case model.OperationPurchase:
			_, err = s.resumePurchase(ctx, rec.Key, &rec)
		case model.OperationMerchantUpdate:
			_, err = s.resumeMerchantUpdate(ctx, rec.Key, &rec)
		case model.OperationMerchantRegister:
			_, err = s.resumeMerchantRegister(ctx, rec.Key, &rec)
		}

		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
