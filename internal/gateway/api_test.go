// ABOUTME: Tests for the producer, backend callback and reaction HTTP handlers
// ABOUTME: Uses httptest recorders against the full middleware chain and a fake backend

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
)

// fakeBackend records every forwarded body.
type fakeBackend struct {
	srv      *httptest.Server
	bodies   chan map[string]any
	received atomic.Int32
}

func newFakeBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *fakeBackend {
	t.Helper()
	b := &fakeBackend{bodies: make(chan map[string]any, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.received.Add(1)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			b.bodies <- body
		}
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func withBackend(b *fakeBackend, timeout time.Duration) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Forwarding.Endpoint = b.srv.URL + "/api/receive_message"
		cfg.Forwarding.Timeout = timeout
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSendMessage_AppendsBroadcastsAndForwards(t *testing.T) {
	backend := newFakeBackend(t, nil)
	gw := newTestGateway(t, withBackend(backend, 2*time.Second))
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi","thread_id":"t1","user_name":"ada"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "OK", resp["status"])
	assert.Equal(t, float64(1), resp["message_id"])
	assert.Equal(t, "t1", resp["thread_id"])
	assert.NotEmpty(t, resp["timestamp"])

	p := receive(t, sub)
	assert.Equal(t, int64(1), p["id"])
	assert.Equal(t, "user", p["role"])
	assert.Equal(t, "hi", p["content"])
	assert.Equal(t, "t1", p["thread_id"])
	assert.Equal(t, "ada", p["user_name"])
	assert.Equal(t, false, p["is_internal"])
	assert.Equal(t, "MESSAGE", p["event_type"])
	assert.Equal(t, []string{}, p["reactions"])

	select {
	case body := <-backend.bodies:
		assert.Equal(t, float64(1), body["id"])
		assert.Equal(t, "hi", body["content"])
		assert.Equal(t, "default_client", body["client_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the forwarded event")
	}
	assertNoBroadcast(t, sub)
}

func TestSendMessage_GeneratesThreadAndTimestamp(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.NotEmpty(t, resp["thread_id"])
	assert.Regexp(t, `^\d+\.\d{6}$`, resp["timestamp"])
}

func TestSendMessage_NumericTimestamp(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi","timestamp":1718000000.5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1718000000.5", decodeBody(t, rec)["timestamp"])
}

func TestSendMessage_EmptyTextRejected(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"   ","thread_id":"t1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "ERROR", resp["status"])
	assert.Contains(t, resp["message"], "text is required")
	assert.Equal(t, 0, gw.store.Len())
	assertNoBroadcast(t, sub)
}

func TestSendMessage_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decodeBody(t, rec)["message"])
}

func TestSendMessage_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/send_message", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUploadFiles_BroadcastsDescriptors(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/upload_files",
		`{"files":[{"name":"a.txt","url":"/f/a"}],"thread_id":"t1"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := receive(t, sub)
	assert.Equal(t, "FILE_UPLOAD", p["event_type"])
	assert.Equal(t, "user", p["role"])

	encoded, err := json.Marshal(p["files_content"])
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"a.txt","url":"/f/a"}]`, string(encoded))
}

func TestUploadFiles_RequiresFiles(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/upload_files", `{"files":[]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForwardTimeout_OneErrorAfterSubmitReturns(t *testing.T) {
	release := make(chan struct{})
	backend := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	gw := newTestGateway(t, withBackend(backend, 150*time.Millisecond))
	sub := subscribe(t, gw)

	start := time.Now()
	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi","thread_id":"t1"}`)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "submit must not wait for the backend")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "MESSAGE", receive(t, sub)["event_type"])

	errPayload := receive(t, sub)
	assert.Equal(t, "ERROR", errPayload["event_type"])
	assert.Contains(t, errPayload["error"], "did not respond")

	select {
	case p := <-sub:
		t.Fatalf("expected exactly one error broadcast, got %v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestForwardFailure_BadStatusBroadcastsError(t *testing.T) {
	backend := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	gw := newTestGateway(t, withBackend(backend, 2*time.Second))
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	receive(t, sub)
	errPayload := receive(t, sub)
	assert.Equal(t, "ERROR", errPayload["event_type"])
	assert.Contains(t, errPayload["error"], "502")
}

func TestBackendEvent_AssistantMessageNotForwarded(t *testing.T) {
	backend := newFakeBackend(t, nil)
	gw := newTestGateway(t, withBackend(backend, 2*time.Second))
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"MESSAGE","text":"hello back","thread_id":"t1","timestamp":"1718000001.000000"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "OK", resp["status"])
	assert.Equal(t, float64(1), resp["message_id"])

	p := receive(t, sub)
	assert.Equal(t, "assistant", p["role"])
	assert.Equal(t, "hello back", p["content"])

	assert.Never(t, func() bool { return backend.received.Load() > 0 },
		150*time.Millisecond, 10*time.Millisecond)
}

func TestBackendEvent_InternalMessage(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"MESSAGE","text":"thinking","thread_id":"t1","is_internal":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	p := receive(t, sub)
	assert.Equal(t, "assistant_internal", p["role"])
	assert.Equal(t, true, p["is_internal"])
}

func TestBackendEvent_ReactionAddByTimestampAndThread(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/send_message",
		`{"text":"hi","thread_id":"t1","timestamp":"1718000000.123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sub := subscribe(t, gw)

	rec = doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"REACTION_ADD","timestamp":"1718000000.123456","thread_id":"t1","reaction_name":"+1"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "OK", resp["status"])
	assert.Equal(t, true, resp["matched"])

	p := receive(t, sub)
	assert.Equal(t, conversation.Payload{
		"update":        "reaction_add",
		"timestamp":     "1718000000.123456",
		"thread_id":     "t1",
		"reaction_name": "+1",
		"event_type":    "REACTION_UPDATE",
	}, p)

	ev, err := gw.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"+1"}, ev.Reactions)
}

func TestBackendEvent_ReactionRemoveByTimestampAndThread(t *testing.T) {
	gw := newTestGateway(t)

	doRequest(t, gw, http.MethodPost, "/api/send_message",
		`{"text":"hi","thread_id":"t1","timestamp":"1718000000.123456"}`)
	doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"REACTION_ADD","timestamp":"1718000000.123456","thread_id":"t1","reaction_name":"eyes"}`)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"REACTION_REMOVE","timestamp":"1718000000.123456","thread_id":"t1","reaction_name":"eyes"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	ev, err := gw.store.Get(1)
	require.NoError(t, err)
	assert.Empty(t, ev.Reactions)
}

func TestBackendEvent_ReactionMissIsAcknowledged(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"REACTION_ADD","timestamp":"1.000000","thread_id":"nope","reaction_name":"+1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["matched"])
	assertNoBroadcast(t, sub)
}

func TestBackendEvent_ReactionMissingFields(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event",
		`{"event_type":"REACTION_ADD","thread_id":"t1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "timestamp")
}

func TestBackendEvent_UnknownEventType(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/backend_event", `{"event_type":"TYPING","text":"x"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, gw.store.Len())
	assertNoBroadcast(t, sub)
}

func TestBackendEvent_DuplicateCallbackIgnored(t *testing.T) {
	gw := newTestGateway(t)
	body := `{"event_type":"MESSAGE","text":"once","thread_id":"t1","callback_id":"cb-1"}`

	first := doRequest(t, gw, http.MethodPost, "/api/backend_event", body)
	second := doRequest(t, gw, http.MethodPost, "/api/backend_event", body)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decodeBody(t, second)["duplicate"])
	assert.Equal(t, 1, gw.store.Len())
}

func TestAddReaction_ByID(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi","thread_id":"t1"}`)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":1,"reaction":"heart"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "Reaction added", resp["status"])
	assert.Equal(t, []any{"heart"}, resp["reactions"])

	p := receive(t, sub)
	assert.Equal(t, "reaction", p["update"])
	assert.Equal(t, int64(1), p["message_id"])
	assert.Equal(t, []string{"heart"}, p["reactions"])
	assert.Equal(t, "REACTION_UPDATE", p["event_type"])
}

func TestAddReaction_QueryParameters(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi"}`)

	rec := doRequest(t, gw, http.MethodPost, "/api/add_reaction?message_index=1&reaction=fire", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev, err := gw.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"fire"}, ev.Reactions)
}

func TestAddReaction_IsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi"}`)

	doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":1,"reaction":"heart"}`)
	rec := doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":1,"reaction":"heart"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"heart"}, decodeBody(t, rec)["reactions"])
}

func TestAddReaction_UnknownIDNotFoundNoBroadcast(t *testing.T) {
	gw := newTestGateway(t)
	sub := subscribe(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":999,"reaction":"heart"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "ERROR", resp["status"])
	assert.Equal(t, "message 999 not found", resp["message"])
	assertNoBroadcast(t, sub)
}

func TestAddReaction_MissingFields(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"no message id", "/api/add_reaction", `{"reaction":"x"}`, "message_id is required"},
		{"no reaction", "/api/add_reaction", `{"message_id":1}`, "reaction is required"},
		{"bad query id", "/api/add_reaction?message_id=abc&reaction=x", "", "message_id must be an integer"},
		{"bad json", "/api/add_reaction", `{`, "invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeBody(t, rec)["message"])
		})
	}
}

func TestRemoveReaction_ByID(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"hi"}`)
	doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":1,"reaction":"a"}`)
	doRequest(t, gw, http.MethodPost, "/api/add_reaction", `{"message_id":1,"reaction":"b"}`)

	rec := doRequest(t, gw, http.MethodPost, "/api/remove_reaction", `{"message_id":1,"reaction":"a"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "Reaction removed", resp["status"])
	assert.Equal(t, []any{"b"}, resp["reactions"])
}

func TestRemoveReaction_UnknownID(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/remove_reaction", `{"message_id":5,"reaction":"a"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMessages(t *testing.T) {
	gw := newTestGateway(t)
	doRequest(t, gw, http.MethodPost, "/api/send_message", `{"text":"one","thread_id":"t1"}`)
	doRequest(t, gw, http.MethodPost, "/api/backend_event", `{"event_type":"MESSAGE","text":"two","thread_id":"t1"}`)

	rec := doRequest(t, gw, http.MethodGet, "/api/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "one", resp.Messages[0]["content"])
	assert.Equal(t, "user", resp.Messages[0]["role"])
	assert.Equal(t, "two", resp.Messages[1]["content"])
	assert.Equal(t, "assistant", resp.Messages[1]["role"])
}

func TestRequestBodyTooLarge(t *testing.T) {
	gw := newTestGateway(t)

	body := `{"text":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`
	rec := doRequest(t, gw, http.MethodPost, "/api/send_message", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, gw.store.Len())
}
