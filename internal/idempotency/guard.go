// Package idempotency реализует защиту операций от повторного исполнения
// по ключу идемпотентности поверх долговременного хранилища.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/carsa-system/internal/model"
)

// ErrOperationMismatch возвращается, если ключ уже использован операцией другого типа.
var ErrOperationMismatch = errors.New("idempotency key used by another operation")

// Store описывает контракт хранилища записей идемпотентности.
// Вставка обязана быть атомарной "insert-if-absent" (уникальное ограничение),
// а не проверкой перед вставкой.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, key string, operation model.OperationKind, payload []byte) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	RearmIdempotencyKey(ctx context.Context, key string, payload []byte) (bool, error)
	CompleteIdempotencyKey(ctx context.Context, key, ledgerSignature string, transactionID, tokensAwarded *int64) error
	FailIdempotencyKey(ctx context.Context, key string) error
	MarkIdempotencyAmbiguous(ctx context.Context, key, ledgerSignature string, payload []byte) error
}

// BeginState описывает исход начала операции по ключу.
type BeginState int

const (
	// StateStarted — ключ захвачен этим вызовом, операция исполняется с нуля.
	StateStarted BeginState = iota
	// StateAlreadyPending — операция по ключу исполняется другим вызовом.
	StateAlreadyPending
	// StateAlreadyCompleted — операция уже завершена, результат сохранён.
	StateAlreadyCompleted
	// StateResumePersistence — эффект в леджере подтверждён ранее;
	// допустимо доисполнить только запись в хранилище.
	StateResumePersistence
)

// Begin содержит исход начала операции и запись идемпотентности,
// когда она нужна вызывающему (завершённый результат либо данные досведения).
type Begin struct {
	State  BeginState
	Record *model.IdempotencyRecord
}

// Guard координирует жизненный цикл записей идемпотентности.
type Guard struct {
	store Store
}

// NewGuard создаёт новую защиту идемпотентности поверх указанного хранилища.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// BeginOperation атомарно начинает операцию по ключу. Из конкурентных вызовов
// с одним ключом ровно один получает StateStarted; остальные — StateAlreadyPending
// либо, после завершения первого, StateAlreadyCompleted. Ключ в статусе FAILED
// перезаводится и исполняется заново; ключ с сохранённой подписью леджера
// возвращает StateResumePersistence и никогда не приводит к повторной отправке.
func (g *Guard) BeginOperation(ctx context.Context, key string, operation model.OperationKind, payload []byte) (Begin, error) {
	inserted, err := g.store.InsertIdempotencyKey(ctx, key, operation, payload)
	if err != nil {
		return Begin{}, fmt.Errorf("begin operation: %w", err)
	}
	if inserted {
		return Begin{State: StateStarted}, nil
	}

	// Ключ уже существует: разбираем его состояние. Ограниченное число
	// попыток покрывает гонку с конкурентным перезаводом FAILED-записи.
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := g.store.GetIdempotencyKey(ctx, key)
		if err != nil {
			return Begin{}, fmt.Errorf("begin operation: %w", err)
		}

		if rec.Operation != operation {
			return Begin{}, fmt.Errorf("%w: key %q", ErrOperationMismatch, key)
		}

		switch rec.Status {
		case model.IdempotencyStatusCompleted:
			return Begin{State: StateAlreadyCompleted, Record: rec}, nil

		case model.IdempotencyStatusFailed:
			rearmed, err := g.store.RearmIdempotencyKey(ctx, key, payload)
			if err != nil {
				return Begin{}, fmt.Errorf("begin operation: %w", err)
			}
			if rearmed {
				return Begin{State: StateStarted}, nil
			}
			// Перезавод выполнил конкурентный вызов — перечитываем запись.
			continue

		case model.IdempotencyStatusPending:
			if rec.Ambiguous() {
				return Begin{State: StateResumePersistence, Record: rec}, nil
			}
			return Begin{State: StateAlreadyPending, Record: rec}, nil

		default:
			return Begin{}, fmt.Errorf("begin operation: unknown status %q for key %q", rec.Status, key)
		}
	}

	return Begin{State: StateAlreadyPending}, nil
}

// Complete переводит запись в COMPLETED и сохраняет результат операции.
func (g *Guard) Complete(ctx context.Context, key, ledgerSignature string, transactionID, tokensAwarded *int64) error {
	return g.store.CompleteIdempotencyKey(ctx, key, ledgerSignature, transactionID, tokensAwarded)
}

// Fail переводит запись в FAILED; последующий BeginOperation с тем же ключом
// исполнит операцию заново.
func (g *Guard) Fail(ctx context.Context, key string) error {
	return g.store.FailIdempotencyKey(ctx, key)
}

// MarkAmbiguous фиксирует у PENDING-записи подтверждённую подпись леджера и
// рассчитанный результат. Запись остаётся PENDING, но повтор по ключу будет
// выполнять только половину с записью в хранилище.
func (g *Guard) MarkAmbiguous(ctx context.Context, key, ledgerSignature string, payload []byte) error {
	return g.store.MarkIdempotencyAmbiguous(ctx, key, ledgerSignature, payload)
}
