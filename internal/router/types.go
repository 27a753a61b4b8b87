package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/shopspring/decimal"
)

// RouterConfig holds configuration for the event router.
type RouterConfig struct {
	SubscriberBufferSize int // Initial per-subscriber buffer. Default: 256
	SubscriberMaxBuffer  int // Growth limit before drop-oldest. Default: 10000
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SubscriberBufferSize: 256,
		SubscriberMaxBuffer:  10000,
	}
}

// EventKind names a domain push event.
type EventKind string

const (
	EventTransaction         EventKind = "transaction"          // generic, unscoped at the source
	EventDepositProcessed    EventKind = "deposit_processed"    // tenant/account scoped
	EventWithdrawalCompleted EventKind = "withdrawal_completed" // tenant/account scoped
	EventBalanceUpdate       EventKind = "balance_update"
)

// IsMovement reports whether events of this kind carry a Movement.
func (k EventKind) IsMovement() bool {
	switch k {
	case EventTransaction, EventDepositProcessed, EventWithdrawalCompleted:
		return true
	}
	return false
}

// Event is a decoded push event. Exactly one of Movement and Balance is set.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	TenantID  int64  // 0 when the event is unscoped
	AccountID string // Empty when the event names no account

	Movement *model.Movement
	Balance  *model.BalanceSnapshot

	SessionID  string    // Channel session that delivered the frame
	ReceivedAt time.Time // Local receive time
}

// ContextKind selects the delivery predicate of a context.
type ContextKind string

const (
	ContextAll    ContextKind = "all"    // deliver every event
	ContextFixed  ContextKind = "fixed"  // only the configured tenant/account pair
	ContextTenant ContextKind = "tenant" // only the subscription's tenant
)

// ParseContextKind validates a config string.
func ParseContextKind(s string) (ContextKind, error) {
	k := ContextKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ContextAll, ContextFixed, ContextTenant:
		return k, nil
	}
	return "", fmt.Errorf("unknown context kind %q", s)
}

// DeliveryContext is a named delivery policy.
type DeliveryContext struct {
	Name      string
	Kind      ContextKind
	TenantID  int64  // Required for fixed contexts
	AccountID string // Optional for fixed contexts
}

// Subscription identifies which events a consumer wants.
type Subscription struct {
	Context   string // DeliveryContext name
	TenantID  int64
	AccountID string // Optional
}

// Wire types for JSON parsing

// eventEnvelope is the data of every domain frame.
type eventEnvelope struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// movementWire covers the transaction, deposit and withdrawal payloads.
type movementWire struct {
	ID               flexString       `json:"id"`
	TenantID         flexInt          `json:"tenantId"`
	AccountID        flexString       `json:"accountId"`
	Provider         string           `json:"provider"`
	TransactionID    flexString       `json:"transactionId"`
	EndToEndID       string           `json:"endToEndId"`
	ReconciliationID flexString       `json:"reconciliationId"`
	JournalID        flexString       `json:"journalId"`
	Amount           *decimal.Decimal `json:"amount"`
	Currency         string           `json:"currency"`
	Status           string           `json:"status"`
	Direction        string           `json:"direction"`
	Type             string           `json:"type"`
	Description      string           `json:"description"`
	OccurredAt       string           `json:"occurredAt"`
	CreatedAt        string           `json:"createdAt"`
	Payer            *partyWire       `json:"payer"`
	Payee            *partyWire       `json:"payee"`
}

type partyWire struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	TaxID    string `json:"taxId"`
}

// balanceWire is the balance_update payload.
type balanceWire struct {
	TenantID  flexInt    `json:"tenantId"`
	AccountID flexString `json:"accountId"`
	Balances  []struct {
		Currency  string          `json:"currency"`
		Available decimal.Decimal `json:"available"`
		Blocked   decimal.Decimal `json:"blocked"`
	} `json:"balances"`
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number or numeric string.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := json.Number(s).Int64()
	if err != nil {
		return fmt.Errorf("tenant id %q: %w", string(s), err)
	}
	*n = flexInt(v)
	return nil
}
