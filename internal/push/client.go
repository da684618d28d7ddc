package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/messaging/internal/logger"
)

// Client вызывает микросервис пуш-уведомлений. Если URL пустой: методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой: пуши отключены.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title,omitempty"`
	Body   string            `json:"body,omitempty"`
	Badge  int               `json:"badge"`
	Data   map[string]string `json:"data,omitempty"`
}

// Enabled: задан ли URL сервиса.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// UnreadChanged отправляет бейдж непрочитанных в фоне: запись сообщения его не ждёт.
func (c *Client) UnreadChanged(_ context.Context, userID, conversationID string, unread int) {
	if c.baseURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Notify(ctx, NotifyRequest{
			UserID: userID,
			Badge:  unread,
			Data: map[string]string{
				"conversation_id": conversationID,
				"unread_count":    strconv.Itoa(unread),
			},
		})
	}()
}

// Notify отправляет пуш пользователю. Ошибки только логируются.
func (c *Client) Notify(ctx context.Context, payload NotifyRequest) {
	if c.baseURL == "" {
		return
	}
	bodyBytes, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		logger.Errorf("push notify request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Errorf("push notify: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		logger.Errorf("push notify: %d", resp.StatusCode)
	}
}
