// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks observer hooks update the right series and the handler exposes them

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/forward"
	"github.com/2389/coven-relay/internal/store"
)

// Metrics must satisfy every observer hook it is wired into.
var (
	_ conversation.Observer          = (*Metrics)(nil)
	_ conversation.BroadcastObserver = (*Metrics)(nil)
	_ forward.Observer               = (*Metrics)(nil)
)

func TestMetrics_IngestCounters(t *testing.T) {
	m := New()

	m.EventAppended(store.RoleUser, store.EventTypeMessage)
	m.EventAppended(store.RoleUser, store.EventTypeMessage)
	m.EventAppended(store.RoleAssistant, store.EventTypeMessage)
	m.ReactionApplied("composite", "add", true)
	m.CorrelationMiss("id")
	m.CallbackDuplicate()

	assert.InDelta(t, 2, testutil.ToFloat64(m.eventsAppended.WithLabelValues("user", "MESSAGE")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsAppended.WithLabelValues("assistant", "MESSAGE")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reactions.WithLabelValues("composite", "add", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.correlationMisses.WithLabelValues("id")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.callbackDuplicates), 0)
}

func TestMetrics_BroadcastHooks(t *testing.T) {
	m := New()

	m.SubscriberCount(3)
	m.PayloadPublished("MESSAGE", 3)
	m.PayloadPublished("ERROR", 2)
	m.SubscriberDropped()
	m.SubscriberCount(2)

	assert.InDelta(t, 2, testutil.ToFloat64(m.subscribers), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.payloadDeliveries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.payloadsPublished.WithLabelValues("ERROR")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.subscribersDropped), 0)
}

func TestMetrics_ForwardAndHTTP(t *testing.T) {
	m := New()

	m.ForwardCompleted(forward.OutcomeOK, 20*time.Millisecond)
	m.ForwardCompleted(forward.OutcomeTimeout, 10*time.Second)
	m.ObserveHTTP(http.MethodPost, "/api/send_message", http.StatusOK, time.Millisecond)
	m.RateLimited()

	assert.InDelta(t, 1, testutil.ToFloat64(m.forwards.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/send_message", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rateLimited), 0)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.EventAppended(store.RoleUser, store.EventTypeFileUpload)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `coven_relay_events_appended_total{event_type="FILE_UPLOAD",role="user"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
