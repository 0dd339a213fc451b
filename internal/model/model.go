// Package model содержит доменные сущности сервиса карса.
package model

import (
	"encoding/json"
	"time"
)

// Merchant представляет зарегистрированного мерчанта программы лояльности.
type Merchant struct {
	ID              string
	WalletAddress   string
	Name            string
	Category        string
	CashbackRateBps int32
	IsActive        bool

	// Накопительная статистика, обновляется при каждой успешной покупке.
	TotalTransactions int64
	TotalVolume       int64
	TotalRewards      int64

	CreatedAt time.Time
}

// Transaction описывает зафиксированную покупку после подтверждения леджером.
type Transaction struct {
	ID                  int64
	MerchantID          string
	CustomerWallet      string
	FiatAmount          int64
	RedeemedTokenAmount int64
	TotalValue          int64
	TokensAwarded       int64
	UsedTokens          bool
	LedgerSignature     string
	CreatedAt           time.Time
}

// IdempotencyStatus описывает статус обработки операции по ключу идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "PENDING"
	IdempotencyStatusCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// OperationKind различает типы операций, защищаемых ключом идемпотентности.
type OperationKind string

const (
	OperationPurchase         OperationKind = "purchase"
	OperationMerchantUpdate   OperationKind = "merchant_update"
	OperationMerchantRegister OperationKind = "merchant_register"
)

// IdempotencyRecord хранит состояние операции по ключу идемпотентности.
// Переходы статуса монотонны: PENDING -> COMPLETED или PENDING -> FAILED.
// Запись PENDING с заполненной LedgerSignature означает, что эффект в леджере
// подтверждён, но локальная запись ещё не создана (амбивалентное состояние).
type IdempotencyRecord struct {
	Key             string
	Operation       OperationKind
	Status          IdempotencyStatus
	LedgerSignature *string
	TransactionID   *int64
	TokensAwarded   *int64
	Payload         json.RawMessage
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Ambiguous сообщает, что эффект в леджере уже подтверждён, а локальная
// запись ещё не сохранена. Повтор по такому ключу выполняет только запись.
func (r *IdempotencyRecord) Ambiguous() bool {
	return r.Status == IdempotencyStatusPending && r.LedgerSignature != nil
}

// PurchaseOperation описывает входящий запрос на покупку (не сохраняется как есть).
type PurchaseOperation struct {
	MerchantID        string
	CustomerWallet    string
	FiatAmount        int64
	RedeemTokenAmount int64
	IdempotencyKey    string
}

// MerchantUpdateOperation описывает запрос на изменение атрибутов мерчанта.
// Хотя бы одно из опциональных полей должно быть задано.
type MerchantUpdateOperation struct {
	MerchantID      string
	NewCashbackRate *int32
	IsActive        *bool
	IdempotencyKey  string
}

// MerchantRegisterOperation описывает запрос на регистрацию нового мерчанта.
type MerchantRegisterOperation struct {
	WalletAddress   string
	Name            string
	Category        string
	CashbackRateBps int32
	IdempotencyKey  string
}

// PurchaseResult содержит результат успешно обработанной покупки.
type PurchaseResult struct {
	TransactionID   int64
	LedgerSignature string
	TokensAwarded   int64
}

// MerchantUpdateResult содержит результат успешного обновления мерчанта.
type MerchantUpdateResult struct {
	LedgerSignature string
}

// MerchantRegisterResult содержит результат успешной регистрации мерчанта.
type MerchantRegisterResult struct {
	MerchantID      string
	LedgerSignature string
}
