package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

// MaxPerMessage ограничивает число вложений в одном сообщении.
const MaxPerMessage = 10

// Client резолвит id вложений в URL через файловый сервис.
// baseURL пустой: id принимаются как есть, без URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type resolveRequest struct {
	IDs []string `json:"ids"`
}

type resolveResponse struct {
	Files []model.Attachment `json:"files"`
}

// Resolve возвращает вложения в порядке ids. Неизвестный id: ValidationError.
func (c *Client) Resolve(ctx context.Context, ids []string) ([]model.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxPerMessage {
		return nil, model.NewValidationError("attachments", fmt.Sprintf("at most %d", MaxPerMessage))
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, model.NewValidationError("attachments", "empty id")
		}
		if _, dup := seen[id]; dup {
			return nil, model.NewValidationError("attachments", "duplicate id "+id)
		}
		seen[id] = struct{}{}
	}
	if c.baseURL == "" {
		out := make([]model.Attachment, len(ids))
		for i, id := range ids {
			out[i] = model.Attachment{ID: id}
		}
		return out, nil
	}

	defer logger.DeferLogDuration("attachment.Resolve", time.Now())()
	body, err := json.Marshal(resolveRequest{IDs: ids})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment resolve: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment resolve: %d", resp.StatusCode)
	}
	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("attachment resolve decode: %w", err)
	}
	byID := make(map[string]model.Attachment, len(out.Files))
	for _, f := range out.Files {
		byID[f.ID] = f
	}
	res := make([]model.Attachment, len(ids))
	for i, id := range ids {
		a, ok := byID[id]
		if !ok || a.URL == "" {
			return nil, model.NewValidationError("attachments", "unknown attachment "+id)
		}
		res[i] = a
	}
	return res, nil
}
