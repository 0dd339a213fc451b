// Package ledger предоставляет клиент для шлюза леджера программы лояльности.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом леджера.
// Отправка операций выполняется без автоматических повторов: подтверждённый
// эффект в леджере необратим, и повтор отправки может привести к двойному
// исполнению. Чтения (баланс) повторяются свободно.
type Client struct {
	baseURL      string
	submitClient *http.Client
	readClient   *retryablehttp.Client
}

// PurchaseRequest описывает атомарную операцию покупки для леджера:
// опциональный перевод токенов покупатель->мерчант, начисление вознаграждения
// и обновление статистики мерчанта — всё или ничего.
type PurchaseRequest struct {
	CustomerWallet    string `json:"customerWallet"`
	MerchantWallet    string `json:"merchantWallet"`
	FiatAmount        int64  `json:"fiatAmount"`
	RedeemTokenAmount int64  `json:"redeemTokenAmount"`
	RewardAmount      int64  `json:"rewardAmount"`
	TransactionID     string `json:"transactionId"`
}

// MerchantUpdateRequest описывает операцию обновления атрибутов мерчанта.
type MerchantUpdateRequest struct {
	MerchantWallet     string `json:"merchantWallet"`
	NewCashbackRateBps *int32 `json:"newCashbackRateBps,omitempty"`
	IsActive           *bool  `json:"isActive,omitempty"`
	TransactionID      string `json:"transactionId"`
}

// MerchantRegisterRequest описывает операцию регистрации мерчанта.
type MerchantRegisterRequest struct {
	MerchantWallet  string `json:"merchantWallet"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	CashbackRateBps int32  `json:"cashbackRateBps"`
	TransactionID   string `json:"transactionId"`
}

type submitResponse struct {
	Signature string `json:"signature"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// NewClient создаёт клиент шлюза леджера с указанным адресом и таймаутом подтверждения.
func NewClient(baseURL string, timeout time.Duration) *Client {
	readClient := retryablehttp.NewClient()
	readClient.RetryMax = 3
	readClient.Logger = nil
	readClient.HTTPClient.Timeout = timeout

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		submitClient: &http.Client{
			Timeout: timeout,
		},
		readClient: readClient,
	}
}

// DeriveTransactionID выводит 32-байтовый идентификатор транзакции леджера из
// ключа идемпотентности. Детерминированность даёт второй рубеж защиты:
// программа леджера отвергнет повторную отправку с тем же идентификатором.
func DeriveTransactionID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return hex.EncodeToString(sum[:])
}

// SubmitPurchase отправляет операцию покупки и блокируется до подтверждения
// или ошибки. Возвращает подпись подтверждённой транзакции.
func (c *Client) SubmitPurchase(ctx context.Context, req PurchaseRequest) (string, error) {
	return c.submit(ctx, "/api/ledger/purchase", req)
}

// SubmitMerchantUpdate отправляет операцию обновления мерчанта.
func (c *Client) SubmitMerchantUpdate(ctx context.Context, req MerchantUpdateRequest) (string, error) {
	return c.submit(ctx, "/api/ledger/merchant/update", req)
}

// SubmitMerchantRegister отправляет операцию регистрации мерчанта.
func (c *Client) SubmitMerchantRegister(ctx context.Context, req MerchantRegisterRequest) (string, error) {
	return c.submit(ctx, "/api/ledger/merchant/register", req)
}

func (c *Client) submit(ctx context.Context, path string, payload any) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("ledger client not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.normalizedBase()+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.submitClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ledger rejected operation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Signature == "" {
		return "", fmt.Errorf("ledger returned empty signature")
	}

	return result.Signature, nil
}

// TokenBalance возвращает баланс токенов кошелька. Чтение идемпотентно и
// выполняется с автоматическими повторами.
func (c *Client) TokenBalance(ctx context.Context, wallet string) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("ledger client not configured")
	}

	url := fmt.Sprintf("%s/api/ledger/balance/%s", c.normalizedBase(), wallet)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.readClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	return result.Balance, nil
}

func (c *Client) normalizedBase() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}
