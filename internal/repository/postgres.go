// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMerchantExists возвращается при попытке зарегистрировать мерчанта с уже занятым кошельком.
var (
	ErrMerchantExists = errors.New("merchant already exists")
	// ErrMerchantNotFound возвращается, если мерчант не найден.
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrKeyNotFound возвращается, если запись идемпотентности не найдена.
	ErrKeyNotFound = errors.New("idempotency key not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса записи идемпотентности.
	ErrInvalidTransition = errors.New("invalid idempotency status transition")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только ошибки сериализации и дедлоки; с переподключением pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateMerchant сохраняет нового мерчанта.
func (r *PostgresRepository) CreateMerchant(ctx context.Context, m *model.Merchant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO merchants (id, wallet_address, name, category, cashback_rate_bps, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.WalletAddress, m.Name, m.Category, m.CashbackRateBps, m.IsActive,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrMerchantExists, m.WalletAddress)
		}
		return fmt.Errorf("create merchant: %w", err)
	}
	return nil
}

// GetMerchant возвращает мерчанта по идентификатору.
func (r *PostgresRepository) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	var m model.Merchant

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT id, wallet_address, name, category, cashback_rate_bps, is_active,
			        total_transactions, total_volume, total_rewards, created_at
			 FROM merchants WHERE id = $1`,
			id,
		)
		return row.Scan(&m.ID, &m.WalletAddress, &m.Name, &m.Category, &m.CashbackRateBps,
			&m.IsActive, &m.TotalTransactions, &m.TotalVolume, &m.TotalRewards, &m.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}

	return &m, nil
}

// GetMerchantByWallet возвращает мерчанта по адресу кошелька.
func (r *PostgresRepository) GetMerchantByWallet(ctx context.Context, wallet string) (*model.Merchant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, wallet_address, name, category, cashback_rate_bps, is_active,
		        total_transactions, total_volume, total_rewards, created_at
		 FROM merchants WHERE wallet_address = $1`,
		wallet,
	)

	var m model.Merchant
	err := row.Scan(&m.ID, &m.WalletAddress, &m.Name, &m.Category, &m.CashbackRateBps,
		&m.IsActive, &m.TotalTransactions, &m.TotalVolume, &m.TotalRewards, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant by wallet: %w", err)
	}

	return &m, nil
}

// ApplyMerchantUpdate обновляет ставку кешбэка и/или флаг активности мерчанта.
// Незаданные поля остаются без изменений.
func (r *PostgresRepository) ApplyMerchantUpdate(ctx context.Context, id string, cashbackRateBps *int32, isActive *bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE merchants
		 SET cashback_rate_bps = COALESCE($2, cashback_rate_bps),
		     is_active = COALESCE($3, is_active)
		 WHERE id = $1`,
		id, cashbackRateBps, isActive,
	)
	if err != nil {
		return fmt.Errorf("update merchant: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMerchantNotFound
	}
	return nil
}

// InsertTransaction сохраняет транзакцию покупки и обновляет статистику мерчанта
// в одной транзакции БД. Вставка идемпотентна по подписи леджера: повторный
// вызов с той же подписью возвращает идентификатор уже существующей записи
// без повторного обновления статистики.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	inserted := true
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions
		     (merchant_id, customer_wallet, fiat_amount, redeemed_token_amount,
		      total_value, tokens_awarded, used_tokens, ledger_signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ledger_signature) DO NOTHING
		 RETURNING id`,
		t.MerchantID, t.CustomerWallet, t.FiatAmount, t.RedeemedTokenAmount,
		t.TotalValue, t.TokensAwarded, t.UsedTokens, t.LedgerSignature,
	).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("insert transaction: %w", err)
		}

		// Подпись уже записана ранее — читаем существующий идентификатор.
		inserted = false
		err = tx.QueryRow(ctx,
			`SELECT id FROM transactions WHERE ledger_signature = $1`,
			t.LedgerSignature,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("select transaction by signature: %w", err)
		}
	}

	if inserted {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE merchants
			 SET total_transactions = total_transactions + 1,
			     total_volume = total_volume + $2,
			     total_rewards = total_rewards + $3
			 WHERE id = $1`,
			t.MerchantID, t.TotalValue, t.TokensAwarded,
		)
		if err != nil {
			return 0, fmt.Errorf("update merchant stats: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return 0, ErrMerchantNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetTransactionsByMerchant возвращает список транзакций мерчанта.
func (r *PostgresRepository) GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, merchant_id, customer_wallet, fiat_amount, redeemed_token_amount,
		        total_value, tokens_awarded, used_tokens, ledger_signature, created_at
		 FROM transactions
		 WHERE merchant_id = $1
		 ORDER BY created_at DESC`,
		merchantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.MerchantID, &t.CustomerWallet, &t.FiatAmount,
			&t.RedeemedTokenAmount, &t.TotalValue, &t.TokensAwarded, &t.UsedTokens,
			&t.LedgerSignature, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
