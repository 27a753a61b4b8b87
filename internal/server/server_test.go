package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/feed"
	"github.com/pixdesk/ledgersync/internal/model"
)

type fakeAccount struct {
	id       string
	items    []model.Movement
	status   feed.Status
	filters  model.Filters
	balances *model.BalanceSnapshot
	moreErr  error
	loaded   []model.Provider
}

func (a *fakeAccount) AccountID() string               { return a.id }
func (a *fakeAccount) Providers() []model.Provider     { return []model.Provider{model.ProviderP1, model.ProviderP3} }
func (a *fakeAccount) Feed() []model.Movement          { return a.items }
func (a *fakeAccount) Status() feed.Status             { return a.status }
func (a *fakeAccount) Filters() model.Filters          { return a.filters }
func (a *fakeAccount) SetFilters(_ context.Context, f model.Filters) error {
	a.filters = f
	return nil
}

func (a *fakeAccount) Balances() (model.BalanceSnapshot, bool) {
	if a.balances == nil {
		return model.BalanceSnapshot{}, false
	}
	return *a.balances, true
}

func (a *fakeAccount) LoadMore(_ context.Context, p model.Provider) (model.Page, error) {
	if a.moreErr != nil {
		return model.Page{}, a.moreErr
	}
	a.loaded = append(a.loaded, p)
	return model.Page{Items: make([]model.Movement, 3), HasMore: true}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeState connection.State

func (s fakeState) State() connection.State { return connection.State(s) }
func (s fakeState) Dropped() int64          { return 0 }

type droppingState struct{ dropped int64 }

func (s droppingState) State() connection.State { return connection.Connected }
func (s droppingState) Dropped() int64          { return s.dropped }

func newTestAccount() *fakeAccount {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeAccount{
		id: "acc-1",
		items: []model.Movement{
			{ID: "b", Provider: model.ProviderP1, OccurredAt: t0, Direction: model.Credit, Amount: decimal.RequireFromString("10.5"), Currency: "BRL", Source: model.SourcePoll},
			{ID: "a", Provider: model.ProviderP3, OccurredAt: t0.Add(-time.Hour), Direction: model.Debit, Amount: decimal.RequireFromString("2"), Currency: "BRL", Source: model.SourcePush},
		},
		status: feed.Status{
			RealTime: true,
			State:    connection.Connected,
			HasMore:  map[model.Provider]bool{model.ProviderP1: true, model.ProviderP3: false},
		},
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Feed(t *testing.T) {
	acc := newTestAccount()
	h := New([]Account{acc}, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/accounts/acc-1/feed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		AccountID string `json:"accountId"`
		Status    struct {
			RealTime bool            `json:"realTime"`
			State    string          `json:"state"`
			HasMore  map[string]bool `json:"hasMore"`
		} `json:"status"`
		Items []struct {
			ID     string `json:"id"`
			Amount string `json:"amount"`
			Source string `json:"source"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AccountID != "acc-1" || len(body.Items) != 2 || body.Items[0].ID != "b" {
		t.Errorf("body = %+v", body)
	}
	if body.Items[0].Amount != "10.5" || body.Items[1].Source != "push" {
		t.Errorf("items = %+v", body.Items)
	}
	if !body.Status.RealTime || body.Status.State != connection.Connected.String() || !body.Status.HasMore["p1"] {
		t.Errorf("status = %+v", body.Status)
	}

	t.Run("limit", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/accounts/acc-1/feed?limit=1")
		if !strings.Contains(rec.Body.String(), `"id":"b"`) || strings.Contains(rec.Body.String(), `"id":"a"`) {
			t.Errorf("limit not applied: %s", rec.Body)
		}
		if rec := do(t, h, http.MethodGet, "/accounts/acc-1/feed?limit=x"); rec.Code != http.StatusBadRequest {
			t.Errorf("bad limit status = %d", rec.Code)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/accounts/nope/feed"); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestServer_More(t *testing.T) {
	acc := newTestAccount()
	h := New([]Account{acc}, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/accounts/acc-1/more?provider=P3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(acc.loaded) != 1 || acc.loaded[0] != model.ProviderP3 {
		t.Errorf("loaded = %v", acc.loaded)
	}
	if !strings.Contains(rec.Body.String(), `"loaded":3`) {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/accounts/acc-1/more?provider=p9"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad provider status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/accounts/acc-1/more?provider=p1"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	tests := []struct {
		err  error
		want int
	}{
		{feed.ErrUnknownProvider, http.StatusNotFound},
		{feed.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("upstream down"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		acc.moreErr = tt.err
		if rec := do(t, h, http.MethodPost, "/accounts/acc-1/more?provider=p1"); rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestServer_Balances(t *testing.T) {
	acc := newTestAccount()
	h := New([]Account{acc}, nil, nil, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/accounts/acc-1/balances"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before any snapshot", rec.Code)
	}

	acc.balances = &model.BalanceSnapshot{
		AccountID: "acc-1",
		At:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Balances:  []model.Balance{{Currency: "BRL", Available: decimal.RequireFromString("100.25")}},
	}
	rec := do(t, h, http.MethodGet, "/accounts/acc-1/balances")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"available":"100.25"`) {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestServer_Filters(t *testing.T) {
	acc := newTestAccount()
	h := New([]Account{acc}, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPut, "/accounts/acc-1/filters?from=2025-01-01&to=2025-01-31")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !acc.filters.DateFrom.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("DateFrom = %v", acc.filters.DateFrom)
	}

	if rec := do(t, h, http.MethodPut, "/accounts/acc-1/filters?from=2025-02-01&to=2025-01-01"); rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/accounts/acc-1/filters?from=soon"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name     string
		db       Pinger
		channel  StateSource
		stale    bool
		wantCode int
		want     string
	}{
		{"all good", fakePinger{}, fakeState(connection.Connected), false, http.StatusOK, `"status":"healthy"`},
		{"reconnecting", fakePinger{}, fakeState(connection.Reconnecting), false, http.StatusOK, `"status":"degraded"`},
		{"stale account", nil, nil, true, http.StatusOK, `"status":"degraded"`},
		{"db down", fakePinger{err: errors.New("refused")}, fakeState(connection.Connected), false, http.StatusServiceUnavailable, `"status":"unhealthy"`},
		{"frames dropped", fakePinger{}, droppingState{dropped: 7}, false, http.StatusOK, `"realtime":{"dropped":7,"state":"connected"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := newTestAccount()
			acc.status.Stale = tt.stale
			h := New([]Account{acc}, tt.db, tt.channel, nil).Handler()

			rec := do(t, h, http.MethodGet, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %s, want %s", rec.Body, tt.want)
			}
		})
	}
}

func TestServer_Accounts(t *testing.T) {
	h := New([]Account{newTestAccount()}, nil, nil, nil).Handler()
	rec := do(t, h, http.MethodGet, "/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"providers":["p1","p3"]`) || !strings.Contains(rec.Body.String(), `"items":2`) {
		t.Errorf("body = %s", rec.Body)
	}
}
