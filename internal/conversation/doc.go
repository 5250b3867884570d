// Package conversation is the relay's ingest layer.
//
// # Service
//
// Every inbound event goes through Service:
//
//	svc := conversation.New(events, broadcaster, forwarder, logger)
//
//   - SubmitMessage / SubmitFiles: producer events, role=user. Appended,
//     broadcast, then handed to the Forwarder without waiting for it.
//   - HandleCallback: events from the processing backend. MESSAGE and
//     FILE_UPLOAD are appended as assistant (or assistant_internal) events.
//     REACTION_ADD and REACTION_REMOVE locate their target by timestamp and
//     thread_id.
//   - AddReaction / RemoveReaction: reaction edits addressed by message id.
//
// Append and publish happen under one mutex, so every subscriber receives
// events in the order they were appended.
//
// # Correlator
//
// Reactions reference their target in one of two ways:
//
//   - ByID: the id the relay assigned at append time.
//   - ByCompositeKey: the (timestamp, thread_id) pair of a user event. The
//     backend never learns relay ids, so it uses this key. When several user
//     events in a thread share a timestamp, the most recent one is used.
//
// A miss by id is a client error (404). A miss by composite key is logged and
// acknowledged.
//
// # Broadcaster
//
// Broadcaster keeps the set of live subscribers. Publish never blocks: a
// subscriber whose buffer is full is disconnected and the others still get the
// payload. There is no replay for late subscribers.
//
// Payload shapes:
//
//	{"id":1,"role":"user","content":"hi","thread_id":"t1","timestamp":"...","reactions":[],"is_internal":false,"event_type":"MESSAGE"}
//	{"update":"reaction_add","timestamp":"...","thread_id":"t1","reaction_name":"+1","event_type":"REACTION_UPDATE"}
//	{"update":"reaction","message_id":1,"reactions":["+1"],"event_type":"REACTION_UPDATE"}
//	{"event_type":"ERROR","error":"..."}
package conversation
