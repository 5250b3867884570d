// Package store holds the relay's conversation event log.
//
// # Overview
//
// The log is an ordered, append-only sequence of Events kept in memory for
// the lifetime of the process. The store owns identifier allocation: ids
// start at 1 and grow by one per append, so an event's id is also its
// position in append order.
//
// # Mutation
//
// Only an event's Reactions may change after it is appended. Reactions
// behave as an ordered set:
//
//   - AddReaction of a label already present leaves the set unchanged
//   - RemoveReaction of an absent label is a no-op, not an error
//
// # Concurrency
//
// Memory guards the log with a single RWMutex. Append is linearizable and
// every append is visible to the next read. Reads hand out copies, so no
// caller can reach the underlying slice.
//
// # Errors
//
//   - ErrNotFound: no event with the requested id, or no event matched
package store
