package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/model"
)

func frame(event, data string) connection.RawMessage {
	return connection.RawMessage{
		Event:      event,
		Data:       json.RawMessage(data),
		SessionID:  "s1",
		ReceivedAt: time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC),
	}
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg.SubscriberBufferSize != 256 {
		t.Errorf("SubscriberBufferSize = %d, want 256", cfg.SubscriberBufferSize)
	}
	if cfg.SubscriberMaxBuffer != 10000 {
		t.Errorf("SubscriberMaxBuffer = %d, want 10000", cfg.SubscriberMaxBuffer)
	}
}

func TestDecode_Deposit(t *testing.T) {
	ev, err := Decode(frame("deposit_processed", `{
		"timestamp": "2025-03-01T12:00:00Z",
		"data": {
			"tenantId": "2",
			"accountId": 77,
			"transactionId": "tx-9",
			"endToEndId": "e2e-abc",
			"reconciliationId": "rec-1",
			"journalId": 501,
			"amount": "-150.25",
			"currency": "brl",
			"payer": {"name": "Ana", "taxId": "123"}
		}
	}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if ev.Kind != EventDepositProcessed || ev.TenantID != 2 || ev.AccountID != "77" {
		t.Errorf("event scope = %s/%d/%s", ev.Kind, ev.TenantID, ev.AccountID)
	}
	if ev.SessionID != "s1" {
		t.Errorf("SessionID = %q", ev.SessionID)
	}
	mv := ev.Movement
	if mv == nil {
		t.Fatal("expected movement")
	}
	if mv.Direction != model.Credit {
		t.Errorf("Direction = %s, want CREDIT", mv.Direction)
	}
	if mv.Amount.String() != "150.25" {
		t.Errorf("Amount = %s, want 150.25", mv.Amount)
	}
	if mv.Currency != "BRL" || mv.Source != model.SourcePush || mv.Provider != "" {
		t.Errorf("movement = %+v", mv)
	}
	if mv.ID != "tx-9" || mv.TransactionID != "tx-9" || mv.EndToEndID != "e2e-abc" {
		t.Errorf("ids = %q/%q/%q", mv.ID, mv.TransactionID, mv.EndToEndID)
	}
	if !mv.OccurredAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("OccurredAt = %v", mv.OccurredAt)
	}
	if mv.Counterparty == nil || mv.Counterparty.Name != "Ana" || mv.Counterparty.Document != "123" {
		t.Errorf("Counterparty = %+v", mv.Counterparty)
	}
}

func TestDecode_Withdrawal(t *testing.T) {
	ev, err := Decode(frame("withdrawal_completed", `{
		"timestamp": 1740830400000,
		"data": {
			"tenantId": 3,
			"journalId": "j-1",
			"amount": 20,
			"provider": "P1",
			"occurredAt": "2025-03-01T09:00:00-03:00",
			"payer": {"name": "Us"},
			"payee": {"name": "Bob", "document": "999"}
		}
	}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	mv := ev.Movement
	if mv.Direction != model.Debit {
		t.Errorf("Direction = %s, want DEBIT", mv.Direction)
	}
	if mv.ID != "j-1" || mv.Provider != model.ProviderP1 {
		t.Errorf("ID/Provider = %q/%q", mv.ID, mv.Provider)
	}
	if !ev.Timestamp.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
	if !mv.OccurredAt.Equal(ev.Timestamp) {
		t.Errorf("OccurredAt = %v, want payload time", mv.OccurredAt)
	}
	if mv.Counterparty == nil || mv.Counterparty.Name != "Bob" {
		t.Errorf("Counterparty = %+v, want payee", mv.Counterparty)
	}
}

func TestDecode_TransactionDirection(t *testing.T) {
	tests := []struct {
		name string
		data string
		want model.Direction
	}{
		{"direction field", `{"id":"1","direction":"OUT","amount":5}`, model.Debit},
		{"type field", `{"id":"1","type":"C","amount":-5}`, model.Credit},
		{"negative amount", `{"id":"1","amount":-5}`, model.Debit},
		{"positive amount", `{"id":"1","amount":5}`, model.Credit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(frame("transaction", `{"data":`+tt.data+`}`))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if ev.Movement.Direction != tt.want {
				t.Errorf("Direction = %s, want %s", ev.Movement.Direction, tt.want)
			}
			if ev.TenantID != 0 {
				t.Errorf("TenantID = %d, want unscoped", ev.TenantID)
			}
			if !ev.Timestamp.Equal(ev.ReceivedAt) {
				t.Errorf("Timestamp = %v, want receive time fallback", ev.Timestamp)
			}
		})
	}
}

func TestDecode_MissingIDIsDeterministic(t *testing.T) {
	raw := frame("transaction", `{"data":{"amount":1,"currency":"USD"}}`)
	a, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	b, _ := Decode(raw)
	if a.Movement.ID == "" || a.Movement.ID != b.Movement.ID {
		t.Errorf("ids %q and %q should match and be non-empty", a.Movement.ID, b.Movement.ID)
	}
}

func TestDecode_BalanceUpdate(t *testing.T) {
	ev, err := Decode(frame("balance_update", `{
		"timestamp": "2025-03-01T12:00:00Z",
		"data": {"tenantId": 2, "accountId": "a1", "balances": [
			{"currency": "brl", "available": "100.50", "blocked": "0"},
			{"currency": "USDT", "available": 3, "blocked": 1}
		]}
	}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Movement != nil || ev.Balance == nil {
		t.Fatal("expected a balance snapshot only")
	}
	if len(ev.Balance.Balances) != 2 || ev.Balance.Balances[0].Currency != "BRL" {
		t.Errorf("Balances = %+v", ev.Balance.Balances)
	}
	if ev.Balance.Balances[0].Available.String() != "100.5" {
		t.Errorf("Available = %s", ev.Balance.Balances[0].Available)
	}
	if ev.Balance.TenantID != 2 || ev.Balance.AccountID != "a1" {
		t.Errorf("scope = %d/%s", ev.Balance.TenantID, ev.Balance.AccountID)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(frame("orderbook", `{"data":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown event err = %v", err)
	}
	for _, data := range []string{`not json`, `{"timestamp":"x"}`, `{"data":null}`, `{"data":{"amount":"abc"}}`} {
		if _, err := Decode(frame("transaction", data)); err == nil {
			t.Errorf("Decode(%s) expected error", data)
		}
	}
	if _, err := Decode(frame("deposit_processed", `{"data":{"tenantId":"two"}}`)); err == nil {
		t.Error("non-numeric tenant id should fail")
	}
}

func TestShouldDeliver(t *testing.T) {
	all := DeliveryContext{Name: "admin", Kind: ContextAll}
	fixed := DeliveryContext{Name: "desk", Kind: ContextFixed, TenantID: 2, AccountID: "a1"}
	fixedTenant := DeliveryContext{Name: "ops", Kind: ContextFixed, TenantID: 2}
	tenant := DeliveryContext{Name: "tcr", Kind: ContextTenant}

	sub2 := Subscription{Context: "tcr", TenantID: 2}
	sub2a := Subscription{Context: "tcr", TenantID: 2, AccountID: "a1"}

	tests := []struct {
		name string
		dc   DeliveryContext
		ev   Event
		sub  Subscription
		want bool
	}{
		{"all accepts unscoped", all, Event{}, sub2, true},
		{"all accepts other tenant", all, Event{TenantID: 9}, sub2, true},
		{"fixed pair match", fixed, Event{TenantID: 2, AccountID: "a1"}, sub2, true},
		{"fixed other account", fixed, Event{TenantID: 2, AccountID: "a2"}, sub2, false},
		{"fixed missing account", fixed, Event{TenantID: 2}, sub2, false},
		{"fixed other tenant", fixed, Event{TenantID: 3, AccountID: "a1"}, sub2, false},
		{"fixed tenant only", fixedTenant, Event{TenantID: 2, AccountID: "zz"}, sub2, true},
		{"fixed unscoped", fixedTenant, Event{}, sub2, false},
		{"tenant match", tenant, Event{TenantID: 2}, sub2, true},
		{"tenant other", tenant, Event{TenantID: 3}, sub2, false},
		{"tenant unscoped", tenant, Event{}, sub2, false},
		{"tenant account match", tenant, Event{TenantID: 2, AccountID: "a1"}, sub2a, true},
		{"tenant account mismatch", tenant, Event{TenantID: 2, AccountID: "a2"}, sub2a, false},
		{"tenant event without account", tenant, Event{TenantID: 2}, sub2a, true},
		{"unknown kind", DeliveryContext{Kind: "bogus"}, Event{TenantID: 2}, sub2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDeliver(tt.dc, tt.ev, tt.sub); got != tt.want {
				t.Errorf("ShouldDeliver = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRooms(t *testing.T) {
	tests := []struct {
		dc   DeliveryContext
		sub  Subscription
		want []string
	}{
		{DeliveryContext{Kind: ContextAll}, Subscription{TenantID: 4}, []string{"platform"}},
		{DeliveryContext{Kind: ContextFixed, TenantID: 7}, Subscription{TenantID: 4}, []string{"platform", "tenant:7"}},
		{DeliveryContext{Kind: ContextTenant}, Subscription{TenantID: 4}, []string{"platform", "tenant:4"}},
	}
	for _, tt := range tests {
		if got := Rooms(tt.dc, tt.sub); !slices.Equal(got, tt.want) {
			t.Errorf("Rooms(%s) = %v, want %v", tt.dc.Kind, got, tt.want)
		}
	}
}

// fakeJoiner records room membership changes.
type fakeJoiner struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (f *fakeJoiner) Join(room string) {
	f.mu.Lock()
	f.joined = append(f.joined, room)
	f.mu.Unlock()
}

func (f *fakeJoiner) Leave(room string) {
	f.mu.Lock()
	f.left = append(f.left, room)
	f.mu.Unlock()
}

var testContexts = []DeliveryContext{
	{Name: "admin", Kind: ContextAll},
	{Name: "tcr", Kind: ContextTenant},
}

func TestNewRouter_Validation(t *testing.T) {
	bad := [][]DeliveryContext{
		{{Name: "", Kind: ContextAll}},
		{{Name: "x", Kind: "weird"}},
		{{Name: "x", Kind: ContextFixed}},
		{{Name: "x", Kind: ContextAll}, {Name: "x", Kind: ContextTenant}},
	}
	for _, contexts := range bad {
		if _, err := NewRouter(DefaultRouterConfig(), nil, nil, contexts, nil); err == nil {
			t.Errorf("NewRouter(%+v) expected error", contexts)
		}
	}
}

func TestRouter_SubscribeRooms(t *testing.T) {
	j := &fakeJoiner{}
	r, err := NewRouter(DefaultRouterConfig(), nil, j, testContexts, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if _, err := r.Subscribe(Subscription{Context: "nope"}); !errors.Is(err, ErrUnknownContext) {
		t.Errorf("unknown context err = %v", err)
	}
	if _, err := r.Subscribe(Subscription{Context: "tcr"}); err == nil {
		t.Error("tenant context without tenant id should fail")
	}

	a, _ := r.Subscribe(Subscription{Context: "tcr", TenantID: 2})
	b, _ := r.Subscribe(Subscription{Context: "tcr", TenantID: 2})
	c, _ := r.Subscribe(Subscription{Context: "admin"})

	j.mu.Lock()
	joined := slices.Clone(j.joined)
	j.mu.Unlock()
	if !slices.Equal(joined, []string{"platform", "tenant:2"}) {
		t.Errorf("joined = %v, want each room once", joined)
	}

	a.Close()
	a.Close()
	b.Close()
	j.mu.Lock()
	left := slices.Clone(j.left)
	j.mu.Unlock()
	if !slices.Equal(left, []string{"tenant:2"}) {
		t.Errorf("left = %v, want tenant:2 only (platform still held)", left)
	}

	c.Close()
	if got := r.Stats().Subscribers; got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}

func receiveWithin(t *testing.T, s *Subscriber, d time.Duration) (Event, bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if ev, ok := s.TryReceive(); ok {
			return ev, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return Event{}, false
}

func TestRouter_Fanout(t *testing.T) {
	input := make(chan connection.RawMessage, 10)
	r, err := NewRouter(DefaultRouterConfig(), input, nil, testContexts, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(ctx)

	admin, _ := r.Subscribe(Subscription{Context: "admin"})
	tenant2, _ := r.Subscribe(Subscription{Context: "tcr", TenantID: 2})

	input <- frame("transaction", `{"data":{"id":"u1","amount":1}}`)
	input <- frame("deposit_processed", `{"data":{"tenantId":3,"transactionId":"t3","amount":1}}`)
	input <- frame("deposit_processed", `{"data":{"tenantId":2,"transactionId":"t2","amount":1}}`)
	input <- frame("orderbook", `{}`)
	input <- frame("transaction", `garbage`)

	for _, want := range []string{"u1", "t3", "t2"} {
		ev, ok := receiveWithin(t, admin, time.Second)
		if !ok || ev.Movement.ID != want {
			t.Fatalf("admin got %+v, %v; want %s", ev.Movement, ok, want)
		}
	}
	ev, ok := receiveWithin(t, tenant2, time.Second)
	if !ok || ev.Movement.ID != "t2" {
		t.Fatalf("tenant2 got %+v, %v; want t2", ev.Movement, ok)
	}
	if _, ok := receiveWithin(t, tenant2, 50*time.Millisecond); ok {
		t.Error("tenant2 should receive nothing else")
	}

	waitFor(t, "stats", func() bool {
		s := r.Stats()
		return s.MessagesReceived == 5 && s.UnknownMessages == 1 && s.ParseErrors == 1
	})
	if stats := r.Stats(); stats.MessagesRouted != 3 || stats.Subscribers != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRouter_StopClosesSubscribers(t *testing.T) {
	input := make(chan connection.RawMessage)
	r, _ := NewRouter(DefaultRouterConfig(), input, nil, testContexts, nil)
	r.Start(context.Background())

	s, _ := r.Subscribe(Subscription{Context: "admin"})
	done := make(chan bool, 1)
	go func() {
		_, ok := s.Receive()
		done <- ok
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive should report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock subscriber")
	}
	if _, err := r.Subscribe(Subscription{Context: "admin"}); err == nil {
		t.Error("Subscribe after Stop should fail")
	}
}

// pushBackend is a minimal push server that records joins per connection.
type pushBackend struct {
	srv *httptest.Server

	mu      sync.Mutex
	joins   [][]string
	current *websocket.Conn
}

func newPushBackend(t *testing.T) *pushBackend {
	b := &pushBackend{}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		b.mu.Lock()
		idx := len(b.joins)
		b.joins = append(b.joins, nil)
		b.current = conn
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`))
		b.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f connection.Frame
			if json.Unmarshal(data, &f) != nil || f.Event != connection.EventJoinRoom {
				continue
			}
			var room string
			json.Unmarshal(f.Data, &room)
			b.mu.Lock()
			b.joins[idx] = append(b.joins[idx], room)
			b.mu.Unlock()
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *pushBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *pushBackend) send(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (b *pushBackend) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.UnderlyingConn().Close()
	}
}

func (b *pushBackend) joined(idx int, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return idx < len(b.joins) && slices.Contains(b.joins[idx], room)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func depositFrame(tenant int, tx string) string {
	return `{"event":"deposit_processed","data":{"timestamp":"2025-03-01T12:00:00Z","data":{"tenantId":` +
		strconv.Itoa(tenant) + `,"transactionId":"` + tx + `","amount":"10.00"}}}`
}

// TestRouter_TenantIsolationAcrossReconnect drives a real channel through a
// forced disconnect and checks a tenant subscriber only ever sees its tenant.
func TestRouter_TenantIsolationAcrossReconnect(t *testing.T) {
	backend := newPushBackend(t)

	ch := connection.NewChannel(connection.ChannelConfig{
		URL:               backend.url(),
		AckTimeout:        500 * time.Millisecond,
		PingInterval:      time.Hour,
		ReconnectBaseWait: 10 * time.Millisecond,
		ReconnectMaxWait:  50 * time.Millisecond,
		MessageBufferSize: 100,
	}, nil)

	var (
		stMu   sync.Mutex
		states []connection.State
	)
	ch.OnStateChange(func(s connection.State) {
		stMu.Lock()
		states = append(states, s)
		stMu.Unlock()
	})
	sawState := func(want connection.State) func() bool {
		return func() bool {
			stMu.Lock()
			defer stMu.Unlock()
			return slices.Contains(states, want)
		}
	}

	r, err := NewRouter(DefaultRouterConfig(), ch.Messages(), ch, testContexts, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop(ctx)

	sub, err := r.Subscribe(Subscription{Context: "tcr", TenantID: 2})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := ch.Start(ctx); err != nil {
		t.Fatalf("channel Start failed: %v", err)
	}
	defer ch.Close()

	waitFor(t, "first join", func() bool { return backend.joined(0, "tenant:2") })

	backend.send(depositFrame(3, "before-3"))
	backend.send(depositFrame(2, "before-2"))
	ev, ok := receiveWithin(t, sub, time.Second)
	if !ok || ev.Movement.TransactionID != "before-2" {
		t.Fatalf("got %+v, %v; want before-2", ev.Movement, ok)
	}

	backend.drop()
	waitFor(t, "reconnecting", sawState(connection.Reconnecting))
	if _, ok := sub.TryReceive(); ok {
		t.Error("no events expected while disconnected")
	}

	waitFor(t, "rejoin", func() bool { return backend.joined(1, "tenant:2") })
	if !backend.joined(1, connection.PlatformRoom) {
		t.Error("platform room not rejoined")
	}

	backend.send(depositFrame(3, "after-3"))
	backend.send(depositFrame(2, "after-2"))
	ev, ok = receiveWithin(t, sub, time.Second)
	if !ok || ev.Movement.TransactionID != "after-2" {
		t.Fatalf("got %+v, %v; want after-2", ev.Movement, ok)
	}
	if ev, ok := receiveWithin(t, sub, 100*time.Millisecond); ok {
		t.Errorf("unexpected event for tenant %d", ev.TenantID)
	}
}
