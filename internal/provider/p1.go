package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/model"
)

// P1Source is the subset of api.Client used by P1.
type P1Source interface {
	GetP1Statement(ctx context.Context, opts api.StatementOptions) (*api.P1StatementResponse, error)
}

// P1 pages a single-cursor statement whose direction comes from a
// settlement-type field.
type P1 struct {
	src     P1Source
	account string
	settings
}

// NewP1 creates a P1 adapter.
func NewP1(src P1Source, accountID string, opts ...Option) *P1 {
	s := newSettings(opts)
	s.logger = s.logger.With("provider", model.ProviderP1, "account", accountID)
	return &P1{src: src, account: accountID, settings: s}
}

func (a *P1) Provider() model.Provider { return model.ProviderP1 }

func (a *P1) AccountID() string { return a.account }

// FetchPage fetches the page after cursor.
func (a *P1) FetchPage(ctx context.Context, filters model.Filters, cursor *model.Cursor, pageSize int) (model.Page, error) {
	if err := cursor.Check(model.ProviderP1); err != nil {
		return model.Page{}, err
	}
	token, _ := cursor.Token()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.src.GetP1Statement(ctx, api.StatementOptions{
		AccountID: a.account,
		From:      filters.DateFrom,
		To:        filters.DateTo,
		Cursor:    token,
		Limit:     pageSizeOrDefault(pageSize),
	})
	if err != nil {
		return model.Page{}, classify(ctx, model.ProviderP1, "fetch statement", a.timeout, err)
	}

	page := model.Page{Items: normalizeAll(*resp.Data, filters, a.Normalize)}
	if resp.HasMore && resp.Cursor != "" {
		page.HasMore = true
		page.NextCursor = model.NewTokenCursor(model.ProviderP1, resp.Cursor)
	} else if resp.HasMore {
		a.logger.Warn("page reports more data without a cursor; ending chain")
	}

	a.logger.Debug("fetched page", "items", len(page.Items), "has_more", page.HasMore)
	return page, nil
}

// Normalize converts one P1 record.
func (a *P1) Normalize(raw json.RawMessage) model.Movement {
	r := decodeRecord(raw)

	amount, _ := r.decimal("amount", "value")
	mv := model.Movement{
		ID:            r.str("id", "movementId", "_id"),
		Provider:      model.ProviderP1,
		OccurredAt:    r.time("createdAt", "created_at", "date", "occurredAt"),
		Amount:        amount.Abs(),
		Currency:      normalizeCurrency(r.str("currency")),
		Status:        strings.ToUpper(r.str("status")),
		EndToEndID:    r.str("endToEndId", "end_to_end_id", "e2eId"),
		TransactionID: r.str("transactionId", "transaction_id", "txId"),
		Description:   r.str("description", "memo"),
		Counterparty:  r.counterparty([]string{"counterparty"}, "counterparty"),
		Source:        model.SourcePoll,
		Raw:           raw,
	}
	mv.Direction = p1Direction(r.str("type", "settlementType", "creditDebitType"), amount)
	if mv.ID == "" {
		mv.ID = fallbackID(model.ProviderP1, raw)
	}
	return mv
}

// p1Direction maps the settlement type. Unknown types fall back to the sign
// of the amount.
func p1Direction(settlement string, amount decimal.Decimal) model.Direction {
	switch strings.ToUpper(settlement) {
	case "C", "CREDIT", "CASH_IN", "IN":
		return model.Credit
	case "D", "DEBIT", "CASH_OUT", "OUT":
		return model.Debit
	}
	if amount.IsNegative() {
		return model.Debit
	}
	return model.Credit
}
