package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/messaging/internal/logger"
)

const DefaultTimeout = 5 * time.Second

// ErrDisabled: URL платёжного сервиса не задан.
var ErrDisabled = errors.New("payment service not configured")

// CaptureRequest: списание суммы с плательщика в пользу получателя.
// IdempotencyKey повторяется при ретраях, сервис не списывает дважды.
type CaptureRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PayerID        string `json:"payer_id"`
	PayeeID        string `json:"payee_id"`
}

type CaptureResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status,omitempty"`
}

// Client вызывает платёжный микросервис. Каждый вызов ограничен timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient создаёт клиент. baseURL пустой: Capture всегда возвращает ErrDisabled.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Capture проводит платёж. Любой не-2xx ответ или таймаут: ошибка.
func (c *Client) Capture(ctx context.Context, in CaptureRequest) (*CaptureResult, error) {
	if c.baseURL == "" {
		return nil, ErrDisabled
	}
	defer logger.DeferLogDuration("payment.Capture", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/captures", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("capture: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out CaptureResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("capture decode: %w", err)
	}
	if out.PaymentID == "" {
		return nil, errors.New("capture: empty payment_id")
	}
	return &out, nil
}
