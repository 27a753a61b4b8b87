package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAckTimeout    = errors.New("no connection acknowledgement")
	ErrAlreadyClosed = errors.New("already closed")
)

// ChannelError is a connect, handshake or transport failure. It drives the
// channel into Reconnecting and is never returned to consumers.
type ChannelError struct {
	Op  string // "dial", "handshake", "auth", "read", "ping", "join"
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// State is the channel's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Frame events exchanged with the push backend.
const (
	EventConnected  = "connected"
	EventJoinRoom   = "join_room"
	EventJoinedRoom = "joined_room"
	EventPing       = "ping"
	EventPong       = "pong"
	EventError      = "error"
)

// Room names.
const PlatformRoom = "platform"

// TenantRoom returns the room carrying tenant-scoped events.
func TenantRoom(tenantID int64) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

// Frame is the wire envelope for every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// errorData is the payload of an error frame.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a domain frame forwarded to the router.
type RawMessage struct {
	Event      string
	Data       json.RawMessage
	SessionID  string    // Connection session that delivered the frame
	ReceivedAt time.Time // Local timestamp when the client read the frame
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://push.example.com/ws)
	Token            string        // Bearer credential sent on the handshake
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends
	ReadTimeout      time.Duration // Max silence between inbound frames; 0 disables
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	URL               string
	Token             string
	AckTimeout        time.Duration // Wait for the server's connected frame
	PingInterval      time.Duration // Heartbeat while Connected
	ReconnectBaseWait time.Duration // First backoff delay
	ReconnectMaxWait  time.Duration // Backoff cap
	MessageBufferSize int           // Buffer size for the output channel
	IdleTimeout       time.Duration // Reconnect after this long without a frame; 0 disables
}

// DefaultChannelConfig returns sensible defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		AckTimeout:        10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  10 * time.Second,
		MessageBufferSize: 10000,
	}
}
