package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
)

// P3Source is the subset of api.Client used by P3.
type P3Source interface {
	GetP3Statement(ctx context.Context, opts api.P3StatementOptions) (*api.P3StatementResponse, error)
}

// P3 pages inbound and outbound movements as independent marker streams.
// Each FetchPage advances every stream that is not yet exhausted.
type P3 struct {
	src     P3Source
	account string
	settings
}

// NewP3 creates a P3 adapter.
func NewP3(src P3Source, accountID string, opts ...Option) *P3 {
	s := newSettings(opts)
	s.logger = s.logger.With("provider", model.ProviderP3, "account", accountID)
	return &P3{src: src, account: accountID, settings: s}
}

func (a *P3) Provider() model.Provider { return model.ProviderP3 }

func (a *P3) AccountID() string { return a.account }

type streamResult struct {
	items  []model.Movement
	marker string
	done   bool
}

// FetchPage fetches the next page of both streams. The date range is always
// applied locally, and a stream stops as soon as it yields a record older
// than DateFrom since streams are newest-first.
func (a *P3) FetchPage(ctx context.Context, filters model.Filters, cursor *model.Cursor, pageSize int) (model.Page, error) {
	if err := cursor.Check(model.ProviderP3); err != nil {
		return model.Page{}, err
	}
	markers, ok := cursor.Markers()
	if cursor != nil && !ok {
		return model.Page{}, fmt.Errorf("p3 fetch: %w: expected marker cursor", model.ErrForeignCursor)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var in, out streamResult
	in.done, out.done = markers.InboundDone, markers.OutboundDone
	in.marker, out.marker = markers.Inbound, markers.Outbound

	g, gctx := errgroup.WithContext(ctx)
	if !in.done {
		g.Go(func() (err error) {
			in, err = a.fetchStream(gctx, api.P3Inbound, markers.Inbound, filters, pageSize)
			return err
		})
	}
	if !out.done {
		g.Go(func() (err error) {
			out, err = a.fetchStream(gctx, api.P3Outbound, markers.Outbound, filters, pageSize)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return model.Page{}, classify(ctx, model.ProviderP3, "fetch statement", a.timeout, err)
	}

	items := make([]model.Movement, 0, len(in.items)+len(out.items))
	items = append(items, in.items...)
	items = append(items, out.items...)

	next := model.Markers{
		Inbound:      in.marker,
		Outbound:     out.marker,
		InboundDone:  in.done,
		OutboundDone: out.done,
	}
	dedup.SortNewestFirst(items)

	page := model.Page{Items: items}
	if !next.Done() {
		page.HasMore = true
		page.NextCursor = model.NewMarkerCursor(model.ProviderP3, next)
	}

	a.logger.Debug("fetched page",
		"items", len(page.Items),
		"inbound_done", next.InboundDone,
		"outbound_done", next.OutboundDone,
	)
	return page, nil
}

func (a *P3) fetchStream(ctx context.Context, dir api.P3Direction, marker string, filters model.Filters, pageSize int) (streamResult, error) {
	resp, err := a.src.GetP3Statement(ctx, api.P3StatementOptions{
		AccountID: a.account,
		Direction: dir,
		Marker:    marker,
		Limit:     pageSizeOrDefault(pageSize),
		SendDates: a.serverFilters,
		From:      filters.DateFrom,
		To:        filters.DateTo,
	})
	if err != nil {
		return streamResult{}, err
	}

	implied := model.Credit
	if dir == api.P3Outbound {
		implied = model.Debit
	}

	res := streamResult{marker: resp.Marker}
	pastRange := false
	for _, raw := range *resp.Transactions {
		mv := a.normalize(raw, implied)
		if !filters.DateFrom.IsZero() && !mv.OccurredAt.IsZero() && mv.OccurredAt.Before(filters.DateFrom) {
			pastRange = true
			continue
		}
		if filters.Contains(mv.OccurredAt) {
			res.items = append(res.items, mv)
		}
	}

	res.done = !resp.Truncated || resp.Marker == "" || pastRange
	if pastRange && resp.Truncated {
		a.logger.Debug("stream passed date range", "direction", dir)
	}
	return res, nil
}

// Normalize converts one P3 record. Records fetched through a stream take
// their direction from it; standalone records read an explicit field.
func (a *P3) Normalize(raw json.RawMessage) model.Movement {
	return a.normalize(raw, "")
}

func (a *P3) normalize(raw json.RawMessage, implied model.Direction) model.Movement {
	r := decodeRecord(raw)

	currency := normalizeCurrency(r.str("currency"))
	mv := model.Movement{
		ID:            r.str("id", "transactionId", "txid"),
		Provider:      model.ProviderP3,
		OccurredAt:    r.time("occurredAt", "createdAt", "dateTime"),
		Direction:     implied,
		Amount:        p3Amount(r, currency),
		Currency:      currency,
		Status:        strings.ToUpper(r.str("status")),
		EndToEndID:    r.str("endToEndId", "e2eId"),
		TransactionID: r.str("txid", "transactionId"),
		Description:   r.str("description", "remittanceInformation"),
		Source:        model.SourcePoll,
		Raw:           raw,
	}
	if mv.Direction == "" {
		mv.Direction = p3Direction(r.str("direction", "type"))
	}
	mv.Counterparty = p3Counterparty(raw, mv.Direction)
	if mv.Counterparty == nil {
		mv.Counterparty = r.counterparty([]string{"counterparty"}, "counterparty")
	}
	if mv.ID == "" {
		mv.ID = fallbackID(model.ProviderP3, raw)
	}
	return mv
}

// p3Amount prefers minor units and scales them by the currency's fraction
// digits.
func p3Amount(r record, currency string) decimal.Decimal {
	if cents, ok := r.int("amountCents", "amount_cents", "valueInCents"); ok {
		fraction := 2
		if cur := money.GetCurrency(currency); cur != nil {
			fraction = cur.Fraction
		}
		return decimal.New(cents, -int32(fraction)).Abs()
	}
	amount, _ := r.decimal("amount", "value")
	return amount.Abs()
}

func p3Direction(s string) model.Direction {
	switch strings.ToUpper(s) {
	case "OUT", "D", "DEBIT", "OUTBOUND":
		return model.Debit
	}
	return model.Credit
}

// p3Counterparty reads the party on the other side: the debtor of an
// inbound transfer or the creditor of an outbound one.
func p3Counterparty(raw json.RawMessage, dir model.Direction) *model.Counterparty {
	var obj any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	party := "$.debtor"
	if dir == model.Debit {
		party = "$.creditor"
	}

	cp := model.Counterparty{
		Name:     pathString(obj, party+".name"),
		Document: pathString(obj, party+".document"),
	}
	if cp.Document == "" {
		cp.Document = pathString(obj, party+".taxId")
	}
	if cp.Name == "" && cp.Document == "" {
		return nil
	}
	return &cp
}

func pathString(obj any, path string) string {
	v, err := jsonpath.Get(path, obj)
	if err != nil {
		return ""
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
