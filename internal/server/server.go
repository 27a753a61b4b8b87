// Package server exposes the merged feeds over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/feed"
	"github.com/pixdesk/ledgersync/internal/model"
)

// Account is the per-account view the handlers serve. *feed.Session satisfies it.
type Account interface {
	AccountID() string
	Providers() []model.Provider
	Feed() []model.Movement
	Status() feed.Status
	Filters() model.Filters
	Balances() (model.BalanceSnapshot, bool)
	LoadMore(ctx context.Context, p model.Provider) (model.Page, error)
	SetFilters(ctx context.Context, f model.Filters) error
}

// Pinger checks a dependency. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateSource reports realtime channel state and how many frames the channel
// had to drop. *connection.Channel satisfies it.
type StateSource interface {
	State() connection.State
	Dropped() int64
}

// Server routes HTTP requests to accounts.
type Server struct {
	accounts map[string]Account
	order    []string
	db       Pinger
	channel  StateSource
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New builds the handler set. db and channel may be nil.
func New(accounts []Account, db Pinger, channel StateSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		accounts: make(map[string]Account, len(accounts)),
		db:       db,
		channel:  channel,
		logger:   logger.With("component", "http"),
		mux:      http.NewServeMux(),
	}
	for _, a := range accounts {
		s.accounts[a.AccountID()] = a
		s.order = append(s.order, a.AccountID())
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /accounts", s.handleAccounts)
	s.mux.HandleFunc("GET /accounts/{id}/feed", s.withAccount(s.handleFeed))
	s.mux.HandleFunc("POST /accounts/{id}/more", s.withAccount(s.handleMore))
	s.mux.HandleFunc("GET /accounts/{id}/balances", s.withAccount(s.handleBalances))
	s.mux.HandleFunc("PUT /accounts/{id}/filters", s.withAccount(s.handleFilters))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

type statusView struct {
	RealTime bool            `json:"realTime"`
	State    string          `json:"state"`
	Stale    bool            `json:"stale"`
	HasMore  map[string]bool `json:"hasMore"`
}

func viewStatus(st feed.Status) statusView {
	v := statusView{
		RealTime: st.RealTime,
		State:    st.State.String(),
		Stale:    st.Stale,
		HasMore:  make(map[string]bool, len(st.HasMore)),
	}
	for p, more := range st.HasMore {
		v.HasMore[string(p)] = more
	}
	return v
}

type filtersView struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func viewFilters(f model.Filters) filtersView {
	var v filtersView
	if !f.DateFrom.IsZero() {
		v.From = &f.DateFrom
	}
	if !f.DateTo.IsZero() {
		v.To = &f.DateTo
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}
	}

	if s.channel != nil {
		state := s.channel.State()
		health.Components["realtime"] = map[string]any{
			"state":   state.String(),
			"dropped": s.channel.Dropped(),
		}
		if state != connection.Connected && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	stale := 0
	for _, a := range s.accounts {
		if a.Status().Stale {
			stale++
		}
	}
	health.Components["accounts"] = map[string]int{
		"total": len(s.accounts),
		"stale": stale,
	}
	if stale > 0 && health.Status == "healthy" {
		health.Status = "degraded"
	}

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	type accountView struct {
		ID        string     `json:"id"`
		Providers []string   `json:"providers"`
		Items     int        `json:"items"`
		Status    statusView `json:"status"`
	}
	out := make([]accountView, 0, len(s.order))
	for _, id := range s.order {
		a := s.accounts[id]
		v := accountView{ID: id, Items: len(a.Feed()), Status: viewStatus(a.Status())}
		for _, p := range a.Providers() {
			v.Providers = append(v.Providers, string(p))
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, a Account) {
	items := a.Feed()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(items) {
			items = items[:limit]
		}
	}
	s.writeJSON(w, http.StatusOK, struct {
		AccountID string           `json:"accountId"`
		Filters   filtersView      `json:"filters"`
		Status    statusView       `json:"status"`
		Items     []model.Movement `json:"items"`
	}{a.AccountID(), viewFilters(a.Filters()), viewStatus(a.Status()), items})
}

func (s *Server) handleMore(w http.ResponseWriter, r *http.Request, a Account) {
	p, err := model.ParseProvider(r.URL.Query().Get("provider"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := a.LoadMore(r.Context(), p)
	if err != nil {
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, feed.ErrUnknownProvider):
			code = http.StatusNotFound
		case errors.Is(err, feed.ErrClosed):
			code = http.StatusServiceUnavailable
		}
		s.logger.Warn("load more failed", "account", a.AccountID(), "provider", p, "error", err)
		s.writeError(w, code, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Provider string `json:"provider"`
		Loaded   int    `json:"loaded"`
		HasMore  bool   `json:"hasMore"`
	}{string(p), len(page.Items), page.HasMore})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, a Account) {
	snap, ok := a.Balances()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no balance snapshot yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request, a Account) {
	var f model.Filters
	var err error
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if f.DateFrom, err = model.ParseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "from: "+err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if f.DateTo, err = model.ParseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "to: "+err.Error())
			return
		}
	}
	if !f.DateFrom.IsZero() && !f.DateTo.IsZero() && f.DateTo.Before(f.DateFrom) {
		s.writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	// The first page per provider is reported through status, not the response.
	if err := a.SetFilters(r.Context(), f); err != nil && errors.Is(err, feed.ErrClosed) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Filters filtersView `json:"filters"`
		Status  statusView  `json:"status"`
	}{viewFilters(a.Filters()), viewStatus(a.Status())})
}

func (s *Server) withAccount(h func(http.ResponseWriter, *http.Request, Account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.accounts[r.PathValue("id")]
		if !ok {
			s.writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		h(w, r, a)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
