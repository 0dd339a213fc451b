// Package handler содержит HTTP-обработчики API сервиса карса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/carsa-system/internal/idempotency"
	"github.com/mmeshcher/carsa-system/internal/model"
	"github.com/mmeshcher/carsa-system/internal/repository"
	"github.com/mmeshcher/carsa-system/internal/reward"
	"github.com/mmeshcher/carsa-system/internal/service"
	"github.com/mmeshcher/carsa-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ProcessPurchase(ctx context.Context, op model.PurchaseOperation) (*model.PurchaseResult, error)
	UpdateMerchant(ctx context.Context, op model.MerchantUpdateOperation) (*model.MerchantUpdateResult, error)
	RegisterMerchant(ctx context.Context, op model.MerchantRegisterOperation) (*model.MerchantRegisterResult, error)
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]model.Transaction, error)
}

// Handler реализует HTTP-обработчики API сервиса карса.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type purchaseRequest struct {
	MerchantID        string `json:"merchantId"`
	CustomerWallet    string `json:"customerWallet"`
	FiatAmount        int64  `json:"fiatAmount"`
	RedeemTokenAmount int64  `json:"redeemTokenAmount"`
	IdempotencyKey    string `json:"idempotencyKey"`
}

type purchaseResponse struct {
	TransactionID   int64  `json:"transactionId"`
	LedgerSignature string `json:"ledgerSignature"`
	TokensAwarded   int64  `json:"tokensAwarded"`
}

// Purchase обрабатывает покупку у мерчанта с начислением вознаграждения.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MerchantID == "" || !validation.IsValidWalletAddress(req.CustomerWallet) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key, ok := normalizeIdempotencyKey(req.IdempotencyKey)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ProcessPurchase(r.Context(), model.PurchaseOperation{
		MerchantID:        req.MerchantID,
		CustomerWallet:    req.CustomerWallet,
		FiatAmount:        req.FiatAmount,
		RedeemTokenAmount: req.RedeemTokenAmount,
		IdempotencyKey:    key,
	})
	if err != nil {
		h.writeServiceError(w, err, "process purchase")
		return
	}

	writeJSON(w, h.logger, purchaseResponse{
		TransactionID:   res.TransactionID,
		LedgerSignature: res.LedgerSignature,
		TokensAwarded:   res.TokensAwarded,
	})
}

type merchantUpdateRequest struct {
	MerchantID      string `json:"merchantId"`
	NewCashbackRate *int32 `json:"newCashbackRate,omitempty"`
	IsActive        *bool  `json:"isActive,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

type merchantUpdateResponse struct {
	LedgerSignature string `json:"ledgerSignature"`
}

// UpdateMerchant изменяет ставку кешбэка и/или флаг активности мерчанта.
func (h *Handler) UpdateMerchant(w http.ResponseWriter, r *http.Request) {
	var req merchantUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MerchantID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key, ok := normalizeIdempotencyKey(req.IdempotencyKey)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.UpdateMerchant(r.Context(), model.MerchantUpdateOperation{
		MerchantID:      req.MerchantID,
		NewCashbackRate: req.NewCashbackRate,
		IsActive:        req.IsActive,
		IdempotencyKey:  key,
	})
	if err != nil {
		h.writeServiceError(w, err, "update merchant")
		return
	}

	writeJSON(w, h.logger, merchantUpdateResponse{LedgerSignature: res.LedgerSignature})
}

type merchantRegisterRequest struct {
	WalletAddress   string `json:"walletAddress"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	CashbackRateBps int32  `json:"cashbackRateBps"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

type merchantRegisterResponse struct {
	MerchantID      string `json:"merchantId"`
	LedgerSignature string `json:"ledgerSignature"`
}

// RegisterMerchant регистрирует нового мерчанта программы лояльности.
func (h *Handler) RegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var req merchantRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidWalletAddress(req.WalletAddress) ||
		!validation.IsValidMerchantName(req.Name) ||
		!validation.IsValidMerchantCategory(req.Category) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key, ok := normalizeIdempotencyKey(req.IdempotencyKey)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.RegisterMerchant(r.Context(), model.MerchantRegisterOperation{
		WalletAddress:   req.WalletAddress,
		Name:            req.Name,
		Category:        req.Category,
		CashbackRateBps: req.CashbackRateBps,
		IdempotencyKey:  key,
	})
	if err != nil {
		h.writeServiceError(w, err, "register merchant")
		return
	}

	writeJSON(w, h.logger, merchantRegisterResponse{
		MerchantID:      res.MerchantID,
		LedgerSignature: res.LedgerSignature,
	})
}

type merchantResponse struct {
	ID                string `json:"id"`
	WalletAddress     string `json:"walletAddress"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	CashbackRateBps   int32  `json:"cashbackRateBps"`
	IsActive          bool   `json:"isActive"`
	TotalTransactions int64  `json:"totalTransactions"`
	TotalVolume       int64  `json:"totalVolume"`
	TotalRewards      int64  `json:"totalRewards"`
	CreatedAt         string `json:"createdAt"`
}

// GetMerchant возвращает мерчанта с накопительной статистикой.
func (h *Handler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	merchant, err := h.service.GetMerchant(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get merchant")
		return
	}

	writeJSON(w, h.logger, merchantResponse{
		ID:                merchant.ID,
		WalletAddress:     merchant.WalletAddress,
		Name:              merchant.Name,
		Category:          merchant.Category,
		CashbackRateBps:   merchant.CashbackRateBps,
		IsActive:          merchant.IsActive,
		TotalTransactions: merchant.TotalTransactions,
		TotalVolume:       merchant.TotalVolume,
		TotalRewards:      merchant.TotalRewards,
		CreatedAt:         merchant.CreatedAt.Format(time.RFC3339),
	})
}

type transactionResponse struct {
	ID                  int64  `json:"id"`
	CustomerWallet      string `json:"customerWallet"`
	FiatAmount          int64  `json:"fiatAmount"`
	RedeemedTokenAmount int64  `json:"redeemedTokenAmount"`
	TotalValue          int64  `json:"totalValue"`
	TokensAwarded       int64  `json:"tokensAwarded"`
	UsedTokens          bool   `json:"usedTokens"`
	LedgerSignature     string `json:"ledgerSignature"`
	CreatedAt           string `json:"createdAt"`
}

// GetMerchantTransactions возвращает историю транзакций мерчанта.
func (h *Handler) GetMerchantTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transactions, err := h.service.GetTransactionsByMerchant(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get merchant transactions")
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			ID:                  t.ID,
			CustomerWallet:      t.CustomerWallet,
			FiatAmount:          t.FiatAmount,
			RedeemedTokenAmount: t.RedeemedTokenAmount,
			TotalValue:          t.TotalValue,
			TokensAwarded:       t.TokensAwarded,
			UsedTokens:          t.UsedTokens,
			LedgerSignature:     t.LedgerSignature,
			CreatedAt:           t.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, resp)
}

// writeServiceError преобразует ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, reward.ErrInvalidRate),
		errors.Is(err, reward.ErrOverflow),
		errors.Is(err, reward.ErrInvalidInput),
		errors.Is(err, idempotency.ErrOperationMismatch):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrMerchantNotFound),
		errors.Is(err, service.ErrMerchantInactive):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, repository.ErrMerchantExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, service.ErrLedgerFailure):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// normalizeIdempotencyKey проверяет ключ клиента либо генерирует серверный.
func normalizeIdempotencyKey(key string) (string, bool) {
	if key == "" {
		return uuid.NewString(), true
	}
	if !validation.IsValidIdempotencyKey(key) {
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", zap.Error(err))
	}
}
