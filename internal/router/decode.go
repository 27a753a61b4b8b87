package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/model"
)

// ErrUnknownEvent is returned by Decode for frames that are not domain events.
var ErrUnknownEvent = errors.New("unknown event")

// pushNamespace seeds ids for push movements that carry none.
var pushNamespace = uuid.MustParse("b3a4e0d2-7c1f-4f36-9d0e-2a8c6e15f7a9")

// Decode converts a domain frame into an Event.
func Decode(raw connection.RawMessage) (Event, error) {
	kind := EventKind(raw.Event)
	ev := Event{
		Kind:       kind,
		SessionID:  raw.SessionID,
		ReceivedAt: raw.ReceivedAt,
	}

	var env eventEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return ev, fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ev, fmt.Errorf("decode %s: missing data", kind)
	}
	ev.Timestamp = envelopeTime(env.Timestamp, raw.ReceivedAt)

	switch {
	case kind.IsMovement():
		var w movementWire
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return ev, fmt.Errorf("decode %s: %w", kind, err)
		}
		mv := movementFromWire(kind, w, env.Data, ev.Timestamp)
		ev.TenantID = int64(w.TenantID)
		ev.AccountID = string(w.AccountID)
		ev.Movement = &mv

	case kind == EventBalanceUpdate:
		var w balanceWire
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return ev, fmt.Errorf("decode %s: %w", kind, err)
		}
		snap := model.BalanceSnapshot{
			TenantID:  int64(w.TenantID),
			AccountID: string(w.AccountID),
			At:        ev.Timestamp,
			Balances:  make([]model.Balance, 0, len(w.Balances)),
		}
		for _, b := range w.Balances {
			snap.Balances = append(snap.Balances, model.Balance{
				Currency:  strings.ToUpper(b.Currency),
				Available: b.Available,
				Blocked:   b.Blocked,
			})
		}
		ev.TenantID = snap.TenantID
		ev.AccountID = snap.AccountID
		ev.Balance = &snap

	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Event)
	}

	return ev, nil
}

// envelopeTime parses the envelope timestamp, falling back to the receive time.
func envelopeTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) > 0 {
		var s flexString
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			if t, err := model.ParseTime(string(s)); err == nil {
				return t
			}
		}
	}
	return fallback.UTC()
}

func movementFromWire(kind EventKind, w movementWire, raw json.RawMessage, ts time.Time) model.Movement {
	mv := model.Movement{
		EndToEndID:    strings.TrimSpace(w.EndToEndID),
		TransactionID: strings.TrimSpace(string(w.TransactionID)),
		Currency:      strings.ToUpper(strings.TrimSpace(w.Currency)),
		Status:        strings.ToUpper(w.Status),
		Description:   w.Description,
		Source:        model.SourcePush,
		Raw:           append(json.RawMessage(nil), raw...),
	}
	if mv.Currency == "" {
		mv.Currency = "BRL"
	}
	if p, err := model.ParseProvider(w.Provider); err == nil {
		mv.Provider = p
	}

	if w.Amount != nil {
		mv.Amount = w.Amount.Abs()
	}
	mv.Direction = pushDirection(kind, w)

	mv.OccurredAt = ts
	for _, s := range []string{w.OccurredAt, w.CreatedAt} {
		if s == "" {
			continue
		}
		if t, err := model.ParseTime(s); err == nil {
			mv.OccurredAt = t
			break
		}
	}

	party := w.Payer
	if mv.Direction == model.Debit {
		party = w.Payee
	}
	if party != nil && (party.Name != "" || party.Document != "" || party.TaxID != "") {
		doc := party.Document
		if doc == "" {
			doc = party.TaxID
		}
		mv.Counterparty = &model.Counterparty{Name: party.Name, Document: doc}
	}

	for _, id := range []flexString{w.ID, w.TransactionID, w.JournalID, w.ReconciliationID} {
		if id != "" {
			mv.ID = string(id)
			break
		}
	}
	if mv.ID == "" {
		mv.ID = uuid.NewSHA1(pushNamespace, raw).String()
	}
	return mv
}

func pushDirection(kind EventKind, w movementWire) model.Direction {
	switch kind {
	case EventDepositProcessed:
		return model.Credit
	case EventWithdrawalCompleted:
		return model.Debit
	}
	for _, s := range []string{w.Direction, w.Type} {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "C", "CREDIT", "IN", "CASH_IN", "DEPOSIT":
			return model.Credit
		case "D", "DEBIT", "OUT", "CASH_OUT", "WITHDRAWAL":
			return model.Debit
		}
	}
	if w.Amount != nil && w.Amount.IsNegative() {
		return model.Debit
	}
	return model.Credit
}
