// Package connection implements the realtime channel.
//
// A Channel owns one persistent WebSocket connection to the push backend:
//   - Connection-state machine (Disconnected, Connecting, Connected, Reconnecting)
//   - Server acknowledgement before a connection counts as Connected
//   - Room membership, re-joined after every reconnect before further frames are read
//   - Application-level ping while Connected
//   - Exponential backoff reconnection with unbounded attempts
//
// Control frames are handled here. Domain frames are forwarded unparsed on
// Messages for the router to decode.
package connection
