package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Channel owns one persistent connection and its room membership.
// Only the channel's run loop writes its State.
type Channel struct {
	cfg    ChannelConfig
	logger *slog.Logger
	dial   func(ClientConfig, *slog.Logger) Client

	out     chan RawMessage
	dropped atomic.Int64 // domain frames lost to a full out buffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	started   bool
	closed    bool
	client    Client // non-nil only while Connected
	sessionID string
	rooms     map[string]struct{}
	listeners map[int]func(State)
	nextID    int
}

// NewChannel creates a channel in the Disconnected state. Nothing is dialed
// until Start.
func NewChannel(cfg ChannelConfig, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultChannelConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = max(def.ReconnectMaxWait, cfg.ReconnectBaseWait)
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}

	return &Channel{
		cfg:       cfg,
		logger:    logger.With("component", "channel"),
		dial:      NewClient,
		out:       make(chan RawMessage, cfg.MessageBufferSize),
		state:     Disconnected,
		rooms:     make(map[string]struct{}),
		listeners: make(map[int]func(State)),
	}
}

// Start launches the connect loop. It returns immediately; progress is
// observable through OnStateChange.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	c.logger.Info("channel started", "url", c.cfg.URL)
	return nil
}

// Close tears the channel down: the connect loop, heartbeat and any pending
// backoff stop, the socket is closed, listeners are dropped and Messages is
// closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.setState(Disconnected)

	c.mu.Lock()
	clear(c.listeners)
	c.mu.Unlock()

	close(c.out)
	c.logger.Info("channel closed")
	return nil
}

// Messages returns domain frames in delivery order.
func (c *Channel) Messages() <-chan RawMessage {
	return c.out
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped returns how many domain frames were discarded because Messages
// was not drained fast enough.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// SessionID identifies the current connection. Empty unless Connected.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// OnStateChange registers fn for every state transition. The returned func
// removes it.
func (c *Channel) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Rooms returns the joined room set, sorted.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Channel) roomsLocked() []string {
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	slices.Sort(rooms)
	return rooms
}

// Join adds room to the membership set. While Connected the join is sent
// immediately; otherwise it is sent on the next connection.
func (c *Channel) Join(room string) {
	c.mu.Lock()
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		return
	}
	c.rooms[room] = struct{}{}
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return
	}
	if err := sendFrame(client, EventJoinRoom, room); err != nil {
		// The read loop will see the broken connection and rejoin on reconnect.
		c.logger.Debug("join failed", "room", room, "error", err)
	}
}

// Leave removes room so it is not joined on the next connection.
func (c *Channel) Leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.logger.Debug("state change", "from", prev, "to", s)
	for _, fn := range fns {
		fn(s)
	}
}

// run is the connect loop. It never gives up; only Close stops it.
func (c *Channel) run() {
	defer c.wg.Done()

	wait := c.cfg.ReconnectBaseWait
	for {
		c.setState(Connecting)

		established, err := c.session()
		if c.ctx.Err() != nil {
			return
		}
		if established {
			wait = c.cfg.ReconnectBaseWait
		}

		c.setState(Reconnecting)
		c.logger.Warn("channel lost, reconnecting", "error", err, "backoff", wait)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = nextBackoff(wait, c.cfg.ReconnectMaxWait)
	}
}

// nextBackoff doubles d up to limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

// session runs one connection from dial to failure. established reports
// whether the server acknowledged it.
func (c *Channel) session() (established bool, err error) {
	cl := c.dial(ClientConfig{
		URL:         c.cfg.URL,
		Token:       c.cfg.Token,
		ReadTimeout: c.cfg.IdleTimeout,
	}, c.logger)

	if err := cl.Connect(c.ctx); err != nil {
		return false, &ChannelError{Op: "dial", Err: err}
	}
	defer func() {
		c.mu.Lock()
		c.client = nil
		c.sessionID = ""
		c.mu.Unlock()
		cl.Close()
	}()

	if err := c.awaitAck(cl); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.client = cl
	c.sessionID = uuid.NewString()
	rooms := c.roomsLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.setState(Connected)
	c.logger.Info("channel connected", "session", sessionID, "rooms", len(rooms))

	// Membership does not survive a drop. Rejoin before reading anything else.
	for _, room := range rooms {
		if err := sendFrame(cl, EventJoinRoom, room); err != nil {
			return true, &ChannelError{Op: "join", Err: err}
		}
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return true, c.ctx.Err()

		case err := <-cl.Errors():
			return true, &ChannelError{Op: "read", Err: err}

		case <-ping.C:
			if err := sendFrame(cl, EventPing, time.Now().UnixMilli()); err != nil {
				return true, &ChannelError{Op: "ping", Err: err}
			}

		case msg := <-cl.Messages():
			c.handle(msg, sessionID)
		}
	}
}

// awaitAck waits for the server's connected frame.
func (c *Channel) awaitAck(cl Client) error {
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-timer.C:
			return &ChannelError{Op: "handshake", Err: ErrAckTimeout}
		case err := <-cl.Errors():
			return &ChannelError{Op: "handshake", Err: err}
		case msg := <-cl.Messages():
			var f Frame
			if err := json.Unmarshal(msg.Data, &f); err != nil {
				c.logger.Debug("ignoring malformed frame before ack", "error", err)
				continue
			}
			switch f.Event {
			case EventConnected:
				return nil
			case EventError:
				return &ChannelError{Op: "auth", Err: serverError(f.Data)}
			default:
				c.logger.Debug("ignoring frame before ack", "event", f.Event)
			}
		}
	}
}

// handle processes one frame received while Connected.
func (c *Channel) handle(msg TimestampedMessage, sessionID string) {
	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		c.logger.Warn("malformed frame", "error", err)
		return
	}

	switch f.Event {
	case EventConnected:
		return
	case EventJoinedRoom:
		c.logger.Debug("joined room", "room", string(f.Data))
		return
	case EventPong:
		c.logger.Debug("pong", "data", string(f.Data))
		return
	case EventError:
		c.logger.Warn("server error", "error", serverError(f.Data))
		return
	}

	raw := RawMessage{
		Event:      f.Event,
		Data:       f.Data,
		SessionID:  sessionID,
		ReceivedAt: msg.ReceivedAt,
	}

	select {
	case c.out <- raw:
	case <-c.ctx.Done():
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("message buffer full, dropping", "event", f.Event, "dropped_total", n)
	}
}

func sendFrame(cl Client, event string, data any) error {
	f := Frame{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		f.Data = b
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return cl.Send(b)
}

func serverError(data json.RawMessage) error {
	var e errorData
	if err := json.Unmarshal(data, &e); err != nil || e.Message == "" {
		return errors.New("server error: " + string(data))
	}
	if e.Code != "" {
		return errors.New(e.Code + ": " + e.Message)
	}
	return errors.New(e.Message)
}
