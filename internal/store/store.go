// ABOUTME: Event log types and the Store interface for the relay
// ABOUTME: Defines Event, Draft, roles and event types shared by every component

package store

import (
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested event does not exist
var ErrNotFound = errors.New("not found")

// Role identifies who produced an event
type Role string

const (
	RoleUser              Role = "user"
	RoleAssistant         Role = "assistant"
	RoleAssistantInternal Role = "assistant_internal"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAssistantInternal:
		return true
	}
	return false
}

// IsInternal is true for assistant output that is not meant for the end user
func (r Role) IsInternal() bool {
	return r == RoleAssistantInternal
}

// IsAssistant is true for both visible and internal assistant roles
func (r Role) IsAssistant() bool {
	return r == RoleAssistant || r == RoleAssistantInternal
}

// EventType tags the payload shape of an event
type EventType string

const (
	EventTypeMessage        EventType = "MESSAGE"
	EventTypeFileUpload     EventType = "FILE_UPLOAD"
	EventTypeReactionUpdate EventType = "REACTION_UPDATE"
	EventTypeError          EventType = "ERROR"
)

// Event is one unit of conversation activity in the log.
// ID, Role, ThreadID and Timestamp never change once appended.
type Event struct {
	ID        int64
	Role      Role
	EventType EventType
	Content   string            // MESSAGE text
	Files     []json.RawMessage // FILE_UPLOAD descriptors, opaque to the relay
	ThreadID  string
	Timestamp string // UTC epoch seconds as a decimal string
	UserName  string
	Reactions []string
}

// IsInternal is derived from the role
func (e Event) IsInternal() bool {
	return e.Role.IsInternal()
}

// HasReaction reports whether label is in the event's reaction set
func (e Event) HasReaction(label string) bool {
	for _, r := range e.Reactions {
		if r == label {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never share slices with the log
func (e *Event) clone() Event {
	out := *e
	out.Reactions = append(make([]string, 0, len(e.Reactions)), e.Reactions...)
	if e.Files != nil {
		out.Files = make([]json.RawMessage, len(e.Files))
		for i, f := range e.Files {
			out.Files[i] = append(json.RawMessage(nil), f...)
		}
	}
	return out
}

// Draft is an event before the store assigns its identifier
type Draft struct {
	Role      Role
	EventType EventType
	Content   string
	Files     []json.RawMessage
	ThreadID  string
	Timestamp string
	UserName  string
}

// Store defines the event log operations used by the relay
type Store interface {
	// Append assigns the next id, stores the event and returns a copy of it
	Append(draft Draft) Event

	// Get returns the event with the given id or ErrNotFound
	Get(id int64) (Event, error)

	// FindLatest returns the most recently appended event accepted by match.
	// match receives a shallow copy and must not modify or retain it.
	FindLatest(match func(Event) bool) (Event, error)

	// List returns every event in append order
	List() []Event

	// Len returns the number of events appended so far
	Len() int

	// AddReaction inserts label into the event's reaction set.
	// The bool is false when the label was already present.
	AddReaction(id int64, label string) (Event, bool, error)

	// RemoveReaction drops label from the event's reaction set.
	// The bool is false when the label was absent.
	RemoveReaction(id int64, label string) (Event, bool, error)
}
