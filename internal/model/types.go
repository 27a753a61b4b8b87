package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Providers
// -----------------------------------------------------------------------------

// Provider identifies an upstream statement source.
type Provider string

const (
	ProviderP1 Provider = "p1" // single cursor, settlement-type direction
	ProviderP2 Provider = "p2" // single cursor, signed amounts
	ProviderP3 Provider = "p3" // independent inbound/outbound markers
)

// Providers lists every known provider in a stable order.
var Providers = []Provider{ProviderP1, ProviderP2, ProviderP3}

// ParseProvider converts a config or query string into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderP1, ProviderP2, ProviderP3:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// -----------------------------------------------------------------------------
// Movements
// -----------------------------------------------------------------------------

// Direction is the side of a movement from the account's point of view.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// Source records how a movement entered the engine.
type Source string

const (
	SourcePoll Source = "poll" // fetched from a statement page
	SourcePush Source = "push" // delivered by the realtime channel
)

// Counterparty is the other side of a movement.
type Counterparty struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// Movement is the canonical transaction record merged into the feed.
// Movements are immutable once normalized; a newer record with the same
// merge key supersedes an older one.
type Movement struct {
	ID            string          `json:"id"`                 // Unique within Provider
	Provider      Provider        `json:"provider,omitempty"` // Empty for push events that name none
	OccurredAt    time.Time       `json:"occurredAt"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"` // Non-negative
	Currency      string          `json:"currency"`
	Status        string          `json:"status,omitempty"`
	EndToEndID    string          `json:"endToEndId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Description   string          `json:"description,omitempty"`
	Counterparty  *Counterparty   `json:"counterparty,omitempty"`
	Source        Source          `json:"source"`
	Raw           json.RawMessage `json:"raw,omitempty"` // Untransformed provider payload
}

// HasNaturalKey reports whether the movement carries a cross-provider identifier.
func (m Movement) HasNaturalKey() bool {
	return m.EndToEndID != "" || m.TransactionID != ""
}

// SignedAmount returns the amount with debits negated.
func (m Movement) SignedAmount() decimal.Decimal {
	if m.Direction == Debit {
		return m.Amount.Neg()
	}
	return m.Amount
}

// Differs reports whether two records of the same event disagree on any
// field a consumer would render.
func (m Movement) Differs(o Movement) bool {
	return !m.Amount.Equal(o.Amount) ||
		m.Direction != o.Direction ||
		m.Status != o.Status ||
		m.Currency != o.Currency ||
		!m.OccurredAt.Equal(o.OccurredAt)
}

// -----------------------------------------------------------------------------
// Balances
// -----------------------------------------------------------------------------

// Balance is a single-currency balance line.
type Balance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Blocked   decimal.Decimal `json:"blocked"`
}

// BalanceSnapshot is a point-in-time set of per-currency balances.
type BalanceSnapshot struct {
	TenantID  int64     `json:"tenantId,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	At        time.Time `json:"at"`
	Balances  []Balance `json:"balances"`
}

// -----------------------------------------------------------------------------
// Pages
// -----------------------------------------------------------------------------

// Page is one provider response after normalization.
type Page struct {
	Items      []Movement
	HasMore    bool
	NextCursor *Cursor // nil when HasMore is false
}
