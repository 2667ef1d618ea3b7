package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ordinals-market-engine/internal/models"

	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	statuses []int
	keys     []string
	auth     []string
	events   []models.OrderEvent
}

func (c *capture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		var event models.OrderEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		c.events = append(c.events, event)
		c.keys = append(c.keys, r.Header.Get("Idempotency-Key"))
		c.auth = append(c.auth, r.Header.Get("Authorization"))

		status := http.StatusOK
		if len(c.statuses) > 0 {
			status = c.statuses[0]
			c.statuses = c.statuses[1:]
		}
		w.WriteHeader(status)
	}
}

func newTestSender(t *testing.T, url string) *Sender {
	t.Helper()
	s, err := NewSender(models.WebhookConfig{Url: url, AuthToken: "secret", Timeout: time.Second})
	require.NoError(t, err)
	s.backoff = time.Millisecond
	return s
}

var testEvent = models.OrderEvent{EventType: models.EventOrderConfirmed, TxId: "abcd", OrderIds: []int64{1, 2}}

func TestSend(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	require.NoError(t, newTestSender(t, server.URL).Send(context.Background(), testEvent))
	require.Equal(t, []models.OrderEvent{testEvent}, c.events)
	require.Equal(t, "Bearer secret", c.auth[0])
	require.NotEmpty(t, c.keys[0])
}

func TestSend_RetriesServerErrors(t *testing.T) {
	c := &capture{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	require.NoError(t, newTestSender(t, server.URL).Send(context.Background(), testEvent))
	require.Len(t, c.events, 3)
	require.Equal(t, c.keys[0], c.keys[2])
}

func TestSend_GivesUp(t *testing.T) {
	c := &capture{statuses: []int{500, 500, 500, 500}}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	err := newTestSender(t, server.URL).Send(context.Background(), testEvent)
	require.ErrorContains(t, err, "status 500")
	require.Len(t, c.events, defaultAttempts)
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	c := &capture{statuses: []int{http.StatusUnauthorized}}
	server := httptest.NewServer(c.handler(t))
	defer server.Close()

	err := newTestSender(t, server.URL).Send(context.Background(), testEvent)
	require.ErrorContains(t, err, "status 401")
	require.Len(t, c.events, 1)
}

func TestNewSender_RequiresUrl(t *testing.T) {
	_, err := NewSender(models.WebhookConfig{})
	require.Error(t, err)
}
