package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/carsa-system/internal/model"
)

// InsertIdempotencyKey атомарно создаёт запись PENDING для ключа.
// Возвращает true, если запись создана этим вызовом, и false, если ключ уже
// существовал. Гонка конкурентных вставок разрешается уникальным ограничением,
// а не проверкой перед вставкой.
func (r *PostgresRepository) InsertIdempotencyKey(ctx context.Context, key string, operation model.OperationKind, payload []byte) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, operation, status, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		key, string(operation), string(model.IdempotencyStatusPending), payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// GetIdempotencyKey возвращает запись идемпотентности по ключу.
func (r *PostgresRepository) GetIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var (
		rec       model.IdempotencyRecord
		operation string
		status    string
		payload   []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT key, operation, status, ledger_signature, transaction_id, tokens_awarded,
		        payload, created_at, completed_at
		 FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &operation, &status, &rec.LedgerSignature, &rec.TransactionID,
		&rec.TokensAwarded, &payload, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	rec.Operation = model.OperationKind(operation)
	rec.Status = model.IdempotencyStatus(status)
	rec.Payload = payload

	return &rec, nil
}

// RearmIdempotencyKey переводит запись FAILED обратно в PENDING для повторной
// попытки с тем же ключом. Возвращает true, если перевод выполнен этим вызовом;
// условный UPDATE гарантирует, что при конкурентных повторах побеждает один.
func (r *PostgresRepository) RearmIdempotencyKey(ctx context.Context, key string, payload []byte) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $2, payload = $3, created_at = now(), completed_at = NULL
		 WHERE key = $1 AND status = $4`,
		key, string(model.IdempotencyStatusPending), payload, string(model.IdempotencyStatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("rearm idempotency key: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// CompleteIdempotencyKey переводит запись PENDING в COMPLETED и сохраняет результат.
// Возвращает ErrInvalidTransition, если запись отсутствует или уже не PENDING.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, key, ledgerSignature string, transactionID, tokensAwarded *int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $2, ledger_signature = $3, transaction_id = $4,
		     tokens_awarded = $5, completed_at = now()
		 WHERE key = $1 AND status = $6`,
		key, string(model.IdempotencyStatusCompleted), ledgerSignature,
		transactionID, tokensAwarded, string(model.IdempotencyStatusPending),
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailIdempotencyKey переводит запись PENDING в FAILED, разрешая повтор с тем же
// ключом. Запись с уже известной подписью леджера пометить FAILED нельзя:
// повтор по ней обязан доисполнить только запись в хранилище.
func (r *PostgresRepository) FailIdempotencyKey(ctx context.Context, key string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $2, completed_at = now()
		 WHERE key = $1 AND status = $3 AND ledger_signature IS NULL`,
		key, string(model.IdempotencyStatusFailed), string(model.IdempotencyStatusPending),
	)
	if err != nil {
		return fmt.Errorf("fail idempotency key: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkIdempotencyAmbiguous фиксирует подтверждённую подпись леджера у записи
// PENDING вместе с полностью рассчитанным результатом операции, чтобы любой
// процесс мог позднее доисполнить половину с записью в хранилище.
func (r *PostgresRepository) MarkIdempotencyAmbiguous(ctx context.Context, key, ledgerSignature string, payload []byte) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET ledger_signature = $2, payload = $3
		 WHERE key = $1 AND status = $4`,
		key, ledgerSignature, payload, string(model.IdempotencyStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark idempotency ambiguous: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// GetAmbiguousIdempotencyKeys возвращает записи PENDING с известной подписью
// леджера не моложе minAge — кандидатов для фоновой досведения.
func (r *PostgresRepository) GetAmbiguousIdempotencyKeys(ctx context.Context, minAge time.Duration, limit int) ([]model.IdempotencyRecord, error) {
	var res []model.IdempotencyRecord

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT key, operation, status, ledger_signature, transaction_id, tokens_awarded,
			        payload, created_at, completed_at
			 FROM idempotency_keys
			 WHERE status = $1 AND ledger_signature IS NOT NULL AND created_at < now() - make_interval(secs => $2)
			 ORDER BY created_at
			 LIMIT $3`,
			string(model.IdempotencyStatusPending), minAge.Seconds(), limit,
		)
		if err != nil {
			return fmt.Errorf("select ambiguous keys: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				rec       model.IdempotencyRecord
				operation string
				status    string
				payload   []byte
			)
			if err := rows.Scan(&rec.Key, &operation, &status, &rec.LedgerSignature,
				&rec.TransactionID, &rec.TokensAwarded, &payload, &rec.CreatedAt,
				&rec.CompletedAt); err != nil {
				return fmt.Errorf("scan idempotency key: %w", err)
			}
			rec.Operation = model.OperationKind(operation)
			rec.Status = model.IdempotencyStatus(status)
			rec.Payload = payload
			res = append(res, rec)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
