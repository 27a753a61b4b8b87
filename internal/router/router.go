package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pixdesk/ledgersync/internal/connection"
)

// ErrUnknownContext is returned by Subscribe for an unconfigured context name.
var ErrUnknownContext = errors.New("unknown delivery context")

// Joiner manages room membership on the realtime channel.
// *connection.Channel satisfies it.
type Joiner interface {
	Join(room string)
	Leave(room string)
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64 // delivered to at least one subscriber
	Filtered         int64 // decoded but rejected by every predicate
	ParseErrors      int64
	UnknownMessages  int64
	Subscribers      int
}

// Router decodes domain frames from the channel and fans them out to
// subscribers whose delivery predicate accepts them.
type Router struct {
	cfg      RouterConfig
	logger   *slog.Logger
	input    <-chan connection.RawMessage
	joiner   Joiner
	contexts map[string]DeliveryContext

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	subs    map[int]*Subscriber
	rooms   map[string]int // room -> subscriber refcount
	nextID  int
	stopped bool

	received        int64
	routed          int64
	filtered        int64
	parseErrors     int64
	unknownMessages int64
}

// NewRouter creates a router reading from input. joiner may be nil when
// room membership is managed elsewhere.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, joiner Joiner, contexts []DeliveryContext, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRouterConfig()
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = def.SubscriberBufferSize
	}
	if cfg.SubscriberMaxBuffer <= 0 {
		cfg.SubscriberMaxBuffer = def.SubscriberMaxBuffer
	}

	byName := make(map[string]DeliveryContext, len(contexts))
	for _, dc := range contexts {
		if err := dc.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[dc.Name]; dup {
			return nil, fmt.Errorf("duplicate context %q", dc.Name)
		}
		byName[dc.Name] = dc
	}

	return &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		input:    input,
		joiner:   joiner,
		contexts: byName,
		subs:     make(map[int]*Subscriber),
		rooms:    make(map[string]int),
	}, nil
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started",
		"contexts", len(r.contexts),
		"subscriber_buffer", r.cfg.SubscriberBufferSize,
	)
	return nil
}

// Stop shuts down the router and closes every subscriber.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	r.mu.Lock()
	r.stopped = true
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		Filtered:         r.filtered,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		Subscribers:      len(r.subs),
	}
}

// Context returns the named delivery context.
func (r *Router) Context(name string) (DeliveryContext, bool) {
	dc, ok := r.contexts[name]
	return dc, ok
}

// Subscribe registers a consumer and joins the rooms it needs.
func (r *Router) Subscribe(sub Subscription) (*Subscriber, error) {
	dc, ok := r.contexts[sub.Context]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContext, sub.Context)
	}
	if dc.Kind == ContextTenant && sub.TenantID == 0 {
		return nil, fmt.Errorf("context %s: subscription tenant id is required", dc.Name)
	}

	rooms := Rooms(dc, sub)
	s := &Subscriber{
		router: r,
		sub:    sub,
		dc:     dc,
		rooms:  rooms,
		buf:    NewBoundedBuffer[Event](r.cfg.SubscriberBufferSize, r.cfg.SubscriberMaxBuffer),
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, errors.New("router stopped")
	}
	s.id = r.nextID
	r.nextID++
	r.subs[s.id] = s
	var join []string
	for _, room := range rooms {
		if r.rooms[room] == 0 {
			join = append(join, room)
		}
		r.rooms[room]++
	}
	r.mu.Unlock()

	if r.joiner != nil {
		for _, room := range join {
			r.joiner.Join(room)
		}
	}

	r.logger.Debug("subscriber added",
		"context", sub.Context,
		"tenant_id", sub.TenantID,
		"account_id", sub.AccountID,
		"rooms", rooms,
	)
	return s, nil
}

func (r *Router) unsubscribe(s *Subscriber) {
	r.mu.Lock()
	if _, ok := r.subs[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subs, s.id)
	var leave []string
	for _, room := range s.rooms {
		r.rooms[room]--
		if r.rooms[room] <= 0 {
			delete(r.rooms, room)
			leave = append(leave, room)
		}
	}
	r.mu.Unlock()

	if r.joiner != nil {
		for _, room := range leave {
			r.joiner.Leave(room)
		}
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route decodes a single frame and delivers it.
func (r *Router) route(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	ev, err := Decode(raw)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrUnknownEvent) {
			r.unknownMessages++
		} else {
			r.parseErrors++
		}
		r.mu.Unlock()

		if errors.Is(err, ErrUnknownEvent) {
			r.logger.Debug("skipping event", "event", raw.Event)
		} else {
			r.logger.Warn("failed to decode event", "event", raw.Event, "error", err)
		}
		return
	}

	r.mu.RLock()
	targets := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if ShouldDeliver(s.dc, ev, s.sub) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := false
	for _, s := range targets {
		if s.buf.Send(ev) {
			delivered = true
		}
	}

	r.mu.Lock()
	if delivered {
		r.routed++
	} else {
		r.filtered++
	}
	r.mu.Unlock()
}

// Subscriber receives the events accepted for one Subscription.
type Subscriber struct {
	id     int
	router *Router
	sub    Subscription
	dc     DeliveryContext
	rooms  []string
	buf    *GrowableBuffer[Event]
	once   sync.Once
}

// Subscription returns the subscription this subscriber was created for.
func (s *Subscriber) Subscription() Subscription { return s.sub }

// Receive blocks until an event is available. It returns false once the
// subscriber is closed and drained.
func (s *Subscriber) Receive() (Event, bool) {
	return s.buf.Receive()
}

// TryReceive returns the next event without blocking.
func (s *Subscriber) TryReceive() (Event, bool) {
	return s.buf.TryReceive()
}

// Dropped returns how many events were evicted because the consumer lagged.
func (s *Subscriber) Dropped() int64 {
	return s.buf.Stats().Dropped
}

// Close unregisters the subscriber and unblocks Receive.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.router.unsubscribe(s)
		s.buf.Close()
	})
}
