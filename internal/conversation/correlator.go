// ABOUTME: Resolves reaction mutations to a target event in the log
// ABOUTME: Two strategies: exact id, or most recent user event by timestamp and thread

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/store"
)

// ErrTargetNotFound is returned when no event matches a correlation key.
var ErrTargetNotFound = fmt.Errorf("reaction target %w", store.ErrNotFound)

// EventLookup is the read side of the store the correlator needs.
type EventLookup interface {
	Get(id int64) (store.Event, error)
	FindLatest(match func(store.Event) bool) (store.Event, error)
}

// Correlator finds the event a reaction refers to.
type Correlator struct {
	events EventLookup
}

// NewCorrelator creates a correlator over the given log.
func NewCorrelator(events EventLookup) *Correlator {
	return &Correlator{events: events}
}

// ByID returns the event with exactly this id.
func (c *Correlator) ByID(id int64) (store.Event, error) {
	ev, err := c.events.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Event{}, fmt.Errorf("message %d: %w", id, ErrTargetNotFound)
	}
	if err != nil {
		return store.Event{}, err
	}
	return ev, nil
}

// ByCompositeKey returns the most recently appended user event carrying both
// timestamp and threadID. Producers can reuse a timestamp within a thread, in
// which case the latest event wins.
func (c *Correlator) ByCompositeKey(timestamp, threadID string) (store.Event, error) {
	ev, err := c.events.FindLatest(func(e store.Event) bool {
		return e.Role == store.RoleUser && e.Timestamp == timestamp && e.ThreadID == threadID
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Event{}, fmt.Errorf("timestamp %s in thread %s: %w", timestamp, threadID, ErrTargetNotFound)
	}
	if err != nil {
		return store.Event{}, err
	}
	return ev, nil
}
