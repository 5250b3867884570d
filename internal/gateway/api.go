// ABOUTME: HTTP API handlers for producers and the processing backend
// ABOUTME: Message and file submission, backend callbacks, reactions by id and the history snapshot

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/send_message.
type SendMessageRequest struct {
	Text      string     `json:"text"`
	ThreadID  string     `json:"thread_id,omitempty"`
	UserName  string     `json:"user_name,omitempty"`
	Timestamp flexString `json:"timestamp,omitempty"`
}

// UploadFilesRequest is the JSON request body for POST /api/upload_files.
// File descriptors are passed through untouched.
type UploadFilesRequest struct {
	Files     []json.RawMessage `json:"files"`
	ThreadID  string            `json:"thread_id,omitempty"`
	UserName  string            `json:"user_name,omitempty"`
	Timestamp flexString        `json:"timestamp,omitempty"`
}

// SubmitResponse acknowledges an appended producer event.
type SubmitResponse struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
}

// BackendEventRequest is the JSON request body for POST /api/backend_event.
type BackendEventRequest struct {
	EventType    string            `json:"event_type"`
	Text         string            `json:"text,omitempty"`
	FilesContent []json.RawMessage `json:"files_content,omitempty"`
	Timestamp    flexString        `json:"timestamp,omitempty"`
	ThreadID     string            `json:"thread_id,omitempty"`
	ReactionName string            `json:"reaction_name,omitempty"`
	IsInternal   bool              `json:"is_internal,omitempty"`
	CallbackID   string            `json:"callback_id,omitempty"`
}

// BackendEventResponse acknowledges a backend callback.
type BackendEventResponse struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id,omitempty"`
	Matched   *bool  `json:"matched,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ReactionRequest is the JSON request body for the by-id reaction endpoints.
// message_id and reaction may also be given as query parameters.
type ReactionRequest struct {
	MessageID *int64 `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// ReactionResponse reports the reaction set after an edit.
type ReactionResponse struct {
	Status    string   `json:"status"`
	MessageID int64    `json:"message_id"`
	Reactions []string `json:"reactions"`
}

// MessagesResponse is the JSON response for GET /api/messages.
type MessagesResponse struct {
	Messages []conversation.Payload `json:"messages"`
}

// flexString accepts a JSON string or number. Producers send timestamps either way.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("expected a string or number")
	}
	*f = flexString(n.String())
	return nil
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev, err := g.conversation.SubmitMessage(r.Context(), conversation.SubmitRequest{
		Text:      req.Text,
		ThreadID:  req.ThreadID,
		UserName:  req.UserName,
		Timestamp: string(req.Timestamp),
	})
	if err != nil {
		g.sendServiceError(w, "send message", err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		Status:    "OK",
		MessageID: ev.ID,
		ThreadID:  ev.ThreadID,
		Timestamp: ev.Timestamp,
	})
}

func (g *Gateway) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req UploadFilesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev, err := g.conversation.SubmitFiles(r.Context(), conversation.FileSubmitRequest{
		Files:     req.Files,
		ThreadID:  req.ThreadID,
		UserName:  req.UserName,
		Timestamp: string(req.Timestamp),
	})
	if err != nil {
		g.sendServiceError(w, "upload files", err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		Status:    "OK",
		MessageID: ev.ID,
		ThreadID:  ev.ThreadID,
		Timestamp: ev.Timestamp,
	})
}

// handleBackendEvent accepts events pushed by the processing backend.
// A reaction whose target cannot be found is acknowledged with matched=false.
func (g *Gateway) handleBackendEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req BackendEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := g.conversation.HandleCallback(r.Context(), conversation.CallbackRequest{
		EventType:    req.EventType,
		Text:         req.Text,
		FilesContent: req.FilesContent,
		Timestamp:    string(req.Timestamp),
		ThreadID:     req.ThreadID,
		ReactionName: req.ReactionName,
		IsInternal:   req.IsInternal,
		CallbackID:   req.CallbackID,
	})
	if err != nil {
		g.sendServiceError(w, "backend event", err)
		return
	}

	resp := BackendEventResponse{Status: "OK", Duplicate: res.Duplicate}
	switch {
	case res.Duplicate:
	case req.EventType == conversation.CallbackReactionAdd || req.EventType == conversation.CallbackReactionRemove:
		matched := res.Matched
		resp.Matched = &matched
	default:
		resp.MessageID = res.Event.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	g.handleReaction(w, r, true)
}

func (g *Gateway) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	g.handleReaction(w, r, false)
}

func (g *Gateway) handleReaction(w http.ResponseWriter, r *http.Request, add bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, reaction, err := parseReactionRequest(w, r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		ev     store.Event
		status string
	)
	if add {
		ev, err = g.conversation.AddReaction(r.Context(), id, reaction)
		status = "Reaction added"
	} else {
		ev, err = g.conversation.RemoveReaction(r.Context(), id, reaction)
		status = "Reaction removed"
	}
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, fmt.Sprintf("message %d not found", id))
		return
	}
	if err != nil {
		g.sendServiceError(w, "reaction", err)
		return
	}

	writeJSON(w, http.StatusOK, ReactionResponse{
		Status:    status,
		MessageID: ev.ID,
		Reactions: ev.Reactions,
	})
}

// parseReactionRequest reads message_id and reaction from the JSON body,
// falling back to query parameters for either one.
func parseReactionRequest(w http.ResponseWriter, r *http.Request) (int64, string, error) {
	var req ReactionRequest
	if r.Body != nil {
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return 0, "", errors.New("invalid JSON body")
		}
	}

	q := r.URL.Query()
	if req.MessageID == nil {
		for _, key := range []string{"message_id", "message_index"} {
			v := q.Get(key)
			if v == "" {
				continue
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%s must be an integer", key)
			}
			req.MessageID = &n
			break
		}
	}
	if req.Reaction == "" {
		req.Reaction = q.Get("reaction")
	}

	if req.MessageID == nil {
		return 0, "", errors.New("message_id is required")
	}
	if req.Reaction == "" {
		return 0, "", errors.New("reaction is required")
	}
	return *req.MessageID, req.Reaction, nil
}

// handleListMessages returns the whole log in append order, rendered like broadcasts.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events := g.conversation.Events()
	resp := MessagesResponse{Messages: make([]conversation.Payload, 0, len(events))}
	for _, ev := range events {
		resp.Messages = append(resp.Messages, conversation.EventPayload(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// sendServiceError maps service errors onto status codes. Unexpected errors
// are logged and reported without detail.
func (g *Gateway) sendServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, conversation.ErrValidation), errors.Is(err, conversation.ErrUnknownEventType):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, err.Error())
	default:
		g.logger.Error("request failed", "op", op, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendJSONError writes {"status":"ERROR","message":...} with the given status.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "ERROR", "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}
