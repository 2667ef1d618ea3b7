// Package webhook posts order events to the marketplace backend.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ordinals-market-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	retryBackoff    = 500 * time.Millisecond
)

// Sender delivers events to one endpoint. Every attempt of one event carries
// the same Idempotency-Key header.
type Sender struct {
	httpClient http.Client
	url        string
	authToken  string
	attempts   int
	backoff    time.Duration
}

func NewSender(cfg models.WebhookConfig) (*Sender, error) {
	if cfg.Url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   10 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("unable to configure http2 transport: %w", err)
	}

	return &Sender{
		httpClient: http.Client{Transport: tr, Timeout: timeout},
		url:        cfg.Url,
		authToken:  cfg.AuthToken,
		attempts:   defaultAttempts,
		backoff:    retryBackoff,
	}, nil
}

// Send posts the event, retrying server errors and transport failures.
// Client errors are not retried.
func (s *Sender) Send(ctx context.Context, event models.OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("unable to marshal event: %w", err)
	}
	key := uuid.New().String()

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		retry, err := s.post(ctx, key, body)
		if err == nil {
			zap.L().Debug("Webhook delivered",
				zap.String("event", event.EventType),
				zap.String("idempotency_key", key),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if !retry || attempt == s.attempts {
			break
		}

		zap.L().Warn("Webhook attempt failed, retrying",
			zap.String("event", event.EventType),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(s.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("unable to deliver %s event: %w", event.EventType, lastErr)
}

func (s *Sender) post(ctx context.Context, key string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	default:
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
}
