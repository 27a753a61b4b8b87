package commands

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/config"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/router"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output = %s", out)
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		contains string
	}{
		{"10.50", "USD", "10.50"},
		{"1500", "JPY", "1,500"},
		{"3.1", "ZZZ", "3.1 ZZZ"},
	}
	for _, tt := range tests {
		got := formatAmount(decimal.RequireFromString(tt.amount), tt.currency)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("formatAmount(%s, %s) = %q, want it to contain %q", tt.amount, tt.currency, got, tt.contains)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := router.Event{
		Kind:      router.EventDepositProcessed,
		Timestamp: ts,
		TenantID:  2,
		AccountID: "acc-1",
		Movement: &model.Movement{
			Direction:    model.Credit,
			Amount:       decimal.RequireFromString("25"),
			Currency:     "USD",
			Status:       "SETTLED",
			Counterparty: &model.Counterparty{Name: "Acme"},
		},
	}
	line := formatEvent(ev)
	for _, want := range []string{"2025-03-01 12:00:00", "tenant=2", "account=acc-1", "CREDIT", "25.00", "SETTLED", "Acme"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	bal := router.Event{
		Kind:      router.EventBalanceUpdate,
		Timestamp: ts,
		Balance: &model.BalanceSnapshot{Balances: []model.Balance{
			{Currency: "USD", Available: decimal.RequireFromString("7")},
		}},
	}
	if line := formatEvent(bal); !strings.Contains(line, "7.00") {
		t.Errorf("balance line = %q", line)
	}
}

func TestReconcileConfig(t *testing.T) {
	c := &config.Config{}
	c.Reconcile.DepositDelay = time.Second
	if rc := reconcileConfig(c); rc.Retries != config.DefaultRevalidateRetries || rc.DepositDelay != time.Second {
		t.Errorf("rc = %+v", rc)
	}
	zero := 0
	c.Reconcile.Retries = &zero
	if rc := reconcileConfig(c); rc.Retries != 0 {
		t.Errorf("explicit zero retries lost: %+v", rc)
	}
}

func TestNewSessions(t *testing.T) {
	logger = slog.Default()
	c := &config.Config{
		API:      config.APIConfig{BaseURL: "http://127.0.0.1:1"},
		Accounts: []config.AccountConfig{
			{ID: "acc-1", Providers: []string{"p1", "p2"}},
			{ID: "acc-2", Providers: []string{"p3"}, From: "2025-01-01"},
		},
	}
	client, err := newAPIClient(c)
	if err != nil {
		t.Fatalf("newAPIClient failed: %v", err)
	}

	sessions, err := newSessions(c, client, nil, nil)
	if err != nil {
		t.Fatalf("newSessions failed: %v", err)
	}
	if len(sessions) != 2 || len(sessions[0].Providers()) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions[1].Filters().DateFrom.IsZero() {
		t.Error("account filters not applied")
	}
	for _, s := range sessions {
		s.Close()
	}

	only, err := newSessions(c, client, nil, []string{"acc-2"})
	if err != nil || len(only) != 1 || only[0].AccountID() != "acc-2" {
		t.Errorf("filtered sessions = %v, %v", only, err)
	}
	if _, err := newSessions(c, client, nil, []string{"nope"}); err == nil {
		t.Error("expected error for no matching accounts")
	}
}
