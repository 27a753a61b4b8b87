package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/model"
)

// P2Source is the subset of api.Client used by P2.
type P2Source interface {
	GetP2Transactions(ctx context.Context, opts api.StatementOptions) (*api.P2TransactionsResponse, error)
}

// P2 pages a single-cursor statement with signed amounts.
type P2 struct {
	src     P2Source
	account string
	settings
}

// NewP2 creates a P2 adapter.
func NewP2(src P2Source, accountID string, opts ...Option) *P2 {
	s := newSettings(opts)
	s.logger = s.logger.With("provider", model.ProviderP2, "account", accountID)
	return &P2{src: src, account: accountID, settings: s}
}

func (a *P2) Provider() model.Provider { return model.ProviderP2 }

func (a *P2) AccountID() string { return a.account }

// FetchPage fetches the page after cursor.
func (a *P2) FetchPage(ctx context.Context, filters model.Filters, cursor *model.Cursor, pageSize int) (model.Page, error) {
	if err := cursor.Check(model.ProviderP2); err != nil {
		return model.Page{}, err
	}
	token, _ := cursor.Token()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.src.GetP2Transactions(ctx, api.StatementOptions{
		AccountID: a.account,
		From:      filters.DateFrom,
		To:        filters.DateTo,
		Cursor:    token,
		Limit:     pageSizeOrDefault(pageSize),
	})
	if err != nil {
		return model.Page{}, classify(ctx, model.ProviderP2, "fetch transactions", a.timeout, err)
	}

	page := model.Page{Items: normalizeAll(*resp.Items, filters, a.Normalize)}
	if resp.Pagination.HasMore && resp.Pagination.NextCursor != "" {
		page.HasMore = true
		page.NextCursor = model.NewTokenCursor(model.ProviderP2, resp.Pagination.NextCursor)
	} else if resp.Pagination.HasMore {
		a.logger.Warn("page reports more data without a cursor; ending chain")
	}

	a.logger.Debug("fetched page", "items", len(page.Items), "has_more", page.HasMore)
	return page, nil
}

// Normalize converts one P2 record. The sign of value is the direction.
func (a *P2) Normalize(raw json.RawMessage) model.Movement {
	r := decodeRecord(raw)

	value, _ := r.decimal("value", "amount")
	mv := model.Movement{
		ID:            r.str("id", "transactionCode", "code"),
		Provider:      model.ProviderP2,
		OccurredAt:    p2Time(r),
		Direction:     model.Credit,
		Amount:        value.Abs(),
		Currency:      normalizeCurrency(r.str("currency", "currencyCode")),
		Status:        strings.ToUpper(r.str("status", "situation")),
		EndToEndID:    r.str("endToEndId", "e2e", "endToEnd"),
		TransactionID: r.str("txId", "transactionId"),
		Description:   r.str("description", "history"),
		Source:        model.SourcePoll,
		Raw:           raw,
	}
	if value.IsNegative() {
		mv.Direction = model.Debit
		mv.Counterparty = r.counterparty([]string{"payee", "receiver"}, "payee")
	} else {
		mv.Counterparty = r.counterparty([]string{"payer", "sender"}, "payer")
	}
	if mv.ID == "" {
		mv.ID = fallbackID(model.ProviderP2, raw)
	}
	return mv
}

// p2Time joins entryDate and entryTime. Records that carry a full timestamp
// use it instead.
func p2Time(r record) time.Time {
	if t := r.time("createdAt", "timestamp"); !t.IsZero() {
		return t
	}
	date := r.str("entryDate", "date")
	if date == "" {
		return time.Time{}
	}
	if clock := r.str("entryTime", "time"); clock != "" {
		if t, err := model.ParseTime(date + "T" + clock); err == nil {
			return t
		}
	}
	t, _ := model.ParseTime(date)
	return t
}
