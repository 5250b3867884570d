// Package realtime serves the /ws stream.
//
// Every connection subscribes to the conversation broadcaster and receives
// each payload published after it connected, as one JSON text frame. Nothing
// published earlier is replayed. The server pings every PingPeriod; a peer
// that does not answer within PongWait, or a write that fails, ends the
// connection and its subscription. Frames sent by the peer are ignored.
package realtime
