// ABOUTME: In-memory append-only implementation of the event log
// ABOUTME: Single RWMutex serializes appends and reaction edits; reads return copies

package store

import (
	"log/slog"
	"sync"
)

// Memory is the process-lifetime event log.
type Memory struct {
	mu     sync.RWMutex
	events []*Event // events[i].ID == i+1
	logger *slog.Logger
}

// NewMemory creates an empty log. Pass nil logger for default.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		events: make([]*Event, 0, 256),
		logger: logger.With("component", "store"),
	}
}

// Append stores the draft as the next event.
func (m *Memory) Append(draft Draft) Event {
	m.mu.Lock()
	ev := (&Event{
		ID:        int64(len(m.events)) + 1,
		Role:      draft.Role,
		EventType: draft.EventType,
		Content:   draft.Content,
		Files:     draft.Files,
		ThreadID:  draft.ThreadID,
		Timestamp: draft.Timestamp,
		UserName:  draft.UserName,
		Reactions: []string{},
	}).clone()
	m.events = append(m.events, &ev)
	out := ev.clone()
	m.mu.Unlock()

	m.logger.Debug("appended event",
		"event_id", out.ID,
		"role", out.Role,
		"type", out.EventType,
		"thread_id", out.ThreadID)
	return out
}

// Get returns a copy of the event with the given id.
func (m *Memory) Get(id int64) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.lookupLocked(id)
	if !ok {
		return Event{}, ErrNotFound
	}
	return ev.clone(), nil
}

// FindLatest walks the log newest first and returns the first match.
func (m *Memory) FindLatest(match func(Event) bool) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if match(*m.events[i]) {
			return m.events[i].clone(), nil
		}
	}
	return Event{}, ErrNotFound
}

// List returns copies of all events in append order.
func (m *Memory) List() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.clone()
	}
	return out
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// AddReaction appends label to the reaction set unless already present.
func (m *Memory) AddReaction(id int64, label string) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.lookupLocked(id)
	if !ok {
		return Event{}, false, ErrNotFound
	}
	if ev.HasReaction(label) {
		return ev.clone(), false, nil
	}
	ev.Reactions = append(ev.Reactions, label)
	return ev.clone(), true, nil
}

// RemoveReaction deletes label from the reaction set, keeping the order of the rest.
func (m *Memory) RemoveReaction(id int64, label string) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.lookupLocked(id)
	if !ok {
		return Event{}, false, ErrNotFound
	}
	for i, r := range ev.Reactions {
		if r == label {
			ev.Reactions = append(ev.Reactions[:i:i], ev.Reactions[i+1:]...)
			return ev.clone(), true, nil
		}
	}
	return ev.clone(), false, nil
}

// lookupLocked maps an id onto its slot. Must be called with mu held.
func (m *Memory) lookupLocked(id int64) (*Event, bool) {
	if id < 1 || id > int64(len(m.events)) {
		return nil, false
	}
	return m.events[id-1], true
}
