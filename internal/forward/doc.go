// Package forward delivers user events to the external processing backend.
//
// Forward returns at once; the POST runs on its own goroutine using one
// http.Client shared by the whole process. The request body is the event
// payload plus client_id:
//
//	{"id":1,"role":"user","content":"hi","thread_id":"t1","timestamp":"...","event_type":"MESSAGE","client_id":"default_client"}
//
// A non-2xx status, a timeout or a connection error is logged and reported to
// subscribers as one {"event_type":"ERROR","error":"..."} payload. The
// producer that submitted the event never sees forwarding errors.
package forward
