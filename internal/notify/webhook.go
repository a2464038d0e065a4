package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/referral-network/internal/model"
)

const maxRetryAfter = 3 * time.Second

// WebhookSink отправляет уведомления POST-запросом во внешнюю систему.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink создаёт HTTP-приёмник по указанному адресу.
func NewWebhookSink(url string) *WebhookSink {
	url = strings.TrimRight(url, "/")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	return &WebhookSink{
		url: url,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Deliver отправляет кадр уведомления. На 429 выполняется одна повторная попытка
// после паузы из Retry-After, если она укладывается в maxRetryAfter.
func (s *WebhookSink) Deliver(ctx context.Context, n model.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	statusCode, retryAfter, err := s.post(ctx, payload)
	if err != nil {
		return err
	}

	if statusCode == http.StatusTooManyRequests && retryAfter > 0 && retryAfter <= maxRetryAfter {
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		statusCode, _, err = s.post(ctx, payload)
		if err != nil {
			return err
		}
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", statusCode)
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	retryAfter := time.Duration(0)
	if resp.StatusCode == http.StatusTooManyRequests {
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	return resp.StatusCode, retryAfter, nil
}
