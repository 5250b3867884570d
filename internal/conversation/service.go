// ABOUTME: Service is the ingest layer every inbound event flows through
// ABOUTME: Append to the log, broadcast to subscribers, then forward user events to the backend

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

var (
	// ErrValidation marks a request rejected before it reaches the log.
	ErrValidation = errors.New("invalid request")

	// ErrUnknownEventType is returned for backend callbacks with an unrecognized event_type.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Backend callback event types. MESSAGE and FILE_UPLOAD reuse the stored event types.
const (
	CallbackReactionAdd    = "REACTION_ADD"
	CallbackReactionRemove = "REACTION_REMOVE"
)

// Publisher fans a payload out to live subscribers.
type Publisher interface {
	Publish(p Payload)
}

// Forwarder hands a user event to the processing backend. Forward must not block.
type Forwarder interface {
	Forward(p Payload)
}

// Deduper remembers callback ids. CheckAndMark returns true when key was already seen.
type Deduper interface {
	CheckAndMark(key string) bool
}

// Observer receives ingest activity for metrics.
type Observer interface {
	EventAppended(role store.Role, eventType store.EventType)
	ReactionApplied(strategy, op string, changed bool)
	CorrelationMiss(strategy string)
	CallbackDuplicate()
}

// Service owns the ingest path. A single mutex covers append+publish and
// reaction edit+publish, so subscribers observe events in append order and
// concurrent edits to one event are applied one at a time.
type Service struct {
	mu         sync.Mutex
	events     store.Store
	correlator *Correlator
	publisher  Publisher
	forwarder  Forwarder
	deduper    Deduper
	observer   Observer
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDeduper drops backend callbacks whose callback_id was already handled.
func WithDeduper(d Deduper) Option {
	return func(s *Service) { s.deduper = d }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithClock overrides the time source for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the ingest service. forwarder may be nil to disable forwarding.
func New(events store.Store, publisher Publisher, forwarder Forwarder, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		events:     events,
		correlator: NewCorrelator(events),
		publisher:  publisher,
		forwarder:  forwarder,
		now:        time.Now,
		logger:     logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest is a text message from a producer.
type SubmitRequest struct {
	Text      string
	ThreadID  string
	UserName  string
	Timestamp string
}

// FileSubmitRequest is a file upload from a producer. Descriptors are opaque.
type FileSubmitRequest struct {
	Files     []json.RawMessage
	ThreadID  string
	UserName  string
	Timestamp string
}

// CallbackRequest is an event pushed by the processing backend.
type CallbackRequest struct {
	EventType    string
	Text         string
	FilesContent []json.RawMessage
	Timestamp    string
	ThreadID     string
	ReactionName string
	IsInternal   bool
	CallbackID   string
}

// CallbackResult describes what a backend callback did.
type CallbackResult struct {
	Event     store.Event // appended or mutated event, zero when nothing matched
	Matched   bool        // reaction callbacks: a target event was found
	Changed   bool        // reaction callbacks: the reaction set changed
	Duplicate bool        // callback_id was already handled
}

// SubmitMessage appends a user text message, broadcasts it and forwards it.
func (s *Service) SubmitMessage(ctx context.Context, req SubmitRequest) (store.Event, error) {
	if strings.TrimSpace(req.Text) == "" {
		return store.Event{}, fmt.Errorf("%w: text is required", ErrValidation)
	}
	return s.ingest(ctx, store.Draft{
		Role:      store.RoleUser,
		EventType: store.EventTypeMessage,
		Content:   req.Text,
		ThreadID:  req.ThreadID,
		Timestamp: req.Timestamp,
		UserName:  req.UserName,
	}), nil
}

// SubmitFiles appends a user file upload, broadcasts it and forwards it.
func (s *Service) SubmitFiles(ctx context.Context, req FileSubmitRequest) (store.Event, error) {
	if len(req.Files) == 0 {
		return store.Event{}, fmt.Errorf("%w: files are required", ErrValidation)
	}
	return s.ingest(ctx, store.Draft{
		Role:      store.RoleUser,
		EventType: store.EventTypeFileUpload,
		Files:     req.Files,
		ThreadID:  req.ThreadID,
		Timestamp: req.Timestamp,
		UserName:  req.UserName,
	}), nil
}

// HandleCallback applies an event sent back by the processing backend.
func (s *Service) HandleCallback(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	if err := validateCallback(req); err != nil {
		return CallbackResult{}, err
	}

	if req.CallbackID != "" && s.deduper != nil && s.deduper.CheckAndMark(req.CallbackID) {
		s.logger.Debug("duplicate callback ignored", "callback_id", req.CallbackID)
		if s.observer != nil {
			s.observer.CallbackDuplicate()
		}
		return CallbackResult{Duplicate: true}, nil
	}

	role := store.RoleAssistant
	if req.IsInternal {
		role = store.RoleAssistantInternal
	}

	switch req.EventType {
	case string(store.EventTypeMessage):
		ev := s.ingest(ctx, store.Draft{
			Role:      role,
			EventType: store.EventTypeMessage,
			Content:   req.Text,
			ThreadID:  req.ThreadID,
			Timestamp: req.Timestamp,
		})
		return CallbackResult{Event: ev}, nil

	case string(store.EventTypeFileUpload):
		ev := s.ingest(ctx, store.Draft{
			Role:      role,
			EventType: store.EventTypeFileUpload,
			Files:     req.FilesContent,
			ThreadID:  req.ThreadID,
			Timestamp: req.Timestamp,
		})
		return CallbackResult{Event: ev}, nil

	case CallbackReactionAdd, CallbackReactionRemove:
		return s.reactByCompositeKey(req)
	}

	// validateCallback already rejected anything else
	return CallbackResult{}, fmt.Errorf("%w: %q", ErrUnknownEventType, req.EventType)
}

// AddReaction adds label to the event with the given id.
func (s *Service) AddReaction(ctx context.Context, id int64, label string) (store.Event, error) {
	return s.reactByID(id, label, true)
}

// RemoveReaction removes label from the event with the given id.
func (s *Service) RemoveReaction(ctx context.Context, id int64, label string) (store.Event, error) {
	return s.reactByID(id, label, false)
}

// Events returns a snapshot of the log.
func (s *Service) Events() []store.Event {
	return s.events.List()
}

// ingest appends a normalized draft, publishes it and forwards user events.
func (s *Service) ingest(_ context.Context, draft store.Draft) store.Event {
	if draft.ThreadID == "" {
		draft.ThreadID = uuid.New().String()
	}
	if draft.Timestamp == "" {
		draft.Timestamp = FormatTimestamp(s.now())
	}

	s.mu.Lock()
	ev := s.events.Append(draft)
	s.publisher.Publish(EventPayload(ev))
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.EventAppended(ev.Role, ev.EventType)
	}

	s.logger.Info("event recorded",
		"event_id", ev.ID,
		"role", ev.Role,
		"type", ev.EventType,
		"thread_id", ev.ThreadID)

	// Only producer events go to the backend; its own callbacks never loop back.
	if ev.Role == store.RoleUser && s.forwarder != nil {
		s.forwarder.Forward(EventPayload(ev))
	}
	return ev
}

func (s *Service) reactByID(id int64, label string, add bool) (store.Event, error) {
	if label == "" {
		return store.Event{}, fmt.Errorf("%w: reaction is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.correlator.ByID(id); err != nil {
		if s.observer != nil {
			s.observer.CorrelationMiss("id")
		}
		return store.Event{}, err
	}

	ev, changed, err := s.mutate(id, label, add)
	if err != nil {
		return store.Event{}, err
	}

	s.publisher.Publish(Payload{
		"update":     "reaction",
		"message_id": ev.ID,
		"reactions":  ev.Reactions,
		"event_type": string(store.EventTypeReactionUpdate),
	})

	if s.observer != nil {
		s.observer.ReactionApplied("id", opName(add), changed)
	}
	s.logger.Debug("reaction applied by id",
		"event_id", ev.ID,
		"reaction", label,
		"op", opName(add),
		"changed", changed)
	return ev, nil
}

func (s *Service) reactByCompositeKey(req CallbackRequest) (CallbackResult, error) {
	add := req.EventType == CallbackReactionAdd

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.correlator.ByCompositeKey(req.Timestamp, req.ThreadID)
	if errors.Is(err, ErrTargetNotFound) {
		s.logger.Warn("reaction target not found",
			"timestamp", req.Timestamp,
			"thread_id", req.ThreadID,
			"reaction", req.ReactionName)
		if s.observer != nil {
			s.observer.CorrelationMiss("composite")
		}
		return CallbackResult{}, nil
	}
	if err != nil {
		return CallbackResult{}, err
	}

	ev, changed, err := s.mutate(target.ID, req.ReactionName, add)
	if err != nil {
		return CallbackResult{}, err
	}

	s.publisher.Publish(Payload{
		"update":        "reaction_" + opName(add),
		"timestamp":     req.Timestamp,
		"thread_id":     req.ThreadID,
		"reaction_name": req.ReactionName,
		"event_type":    string(store.EventTypeReactionUpdate),
	})

	if s.observer != nil {
		s.observer.ReactionApplied("composite", opName(add), changed)
	}
	s.logger.Debug("reaction applied by timestamp",
		"event_id", ev.ID,
		"reaction", req.ReactionName,
		"op", opName(add),
		"changed", changed)
	return CallbackResult{Event: ev, Matched: true, Changed: changed}, nil
}

// mutate must be called with s.mu held.
func (s *Service) mutate(id int64, label string, add bool) (store.Event, bool, error) {
	if add {
		return s.events.AddReaction(id, label)
	}
	return s.events.RemoveReaction(id, label)
}

func opName(add bool) string {
	if add {
		return "add"
	}
	return "remove"
}

func validateCallback(req CallbackRequest) error {
	switch req.EventType {
	case string(store.EventTypeMessage):
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("%w: text is required", ErrValidation)
		}
	case string(store.EventTypeFileUpload):
		if len(req.FilesContent) == 0 {
			return fmt.Errorf("%w: files_content is required", ErrValidation)
		}
	case CallbackReactionAdd, CallbackReactionRemove:
		var missing []string
		if req.Timestamp == "" {
			missing = append(missing, "timestamp")
		}
		if req.ThreadID == "" {
			missing = append(missing, "thread_id")
		}
		if req.ReactionName == "" {
			missing = append(missing, "reaction_name")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s required for %s", ErrValidation, strings.Join(missing, ", "), req.EventType)
		}
	case "":
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, req.EventType)
	}
	return nil
}

// EventPayload renders a stored event the way subscribers and the backend see it.
func EventPayload(ev store.Event) Payload {
	p := Payload{
		"id":          ev.ID,
		"role":        string(ev.Role),
		"content":     ev.Content,
		"thread_id":   ev.ThreadID,
		"timestamp":   ev.Timestamp,
		"reactions":   ev.Reactions,
		"is_internal": ev.IsInternal(),
		"event_type":  string(ev.EventType),
	}
	if ev.UserName != "" {
		p["user_name"] = ev.UserName
	}
	if ev.EventType == store.EventTypeFileUpload {
		p["files_content"] = ev.Files
	}
	return p
}

// FormatTimestamp renders t as UTC epoch seconds with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}
