// Package notifier предоставляет клиент внешнего сервиса уведомлений.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// creditIssuedEvent описывает тело уведомления о начисленном вознаграждении.
type creditIssuedEvent struct {
	UserID    int64  `json:"user_id"`
	CreditID  int64  `json:"credit_id"`
	ExpiresAt string `json:"expires_at"`
}

// NewClient создаёт HTTP-клиент для отправки уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// NotifyCreditIssued отправляет уведомление о начисленном вознаграждении.
func (c *Client) NotifyCreditIssued(ctx context.Context, userID, creditID int64, expiresAt time.Time) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notifier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(creditIssuedEvent{
		UserID:    userID,
		CreditID:  creditID,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
