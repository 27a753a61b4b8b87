package writer

import (
	"encoding/json"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
)

// defaultFraction is used for currencies go-money does not know.
const defaultFraction = 2

// toMinorUnits converts a decimal amount to the currency's smallest unit,
// rounding half away from zero.
func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	fraction := defaultFraction
	if c := money.GetCurrency(currency); c != nil {
		fraction = c.Fraction
	}
	return amount.Shift(int32(fraction)).Round(0).IntPart()
}

// jsonOrNil returns nil for empty or invalid payloads so the column stays NULL.
func jsonOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" || !json.Valid(raw) {
		return nil
	}
	return raw
}

// toRow converts a queued record into its table row.
func toRow(r Record) movementRow {
	mv := r.Movement
	row := movementRow{
		AccountID:     r.AccountID,
		MergeKey:      dedup.Key(mv),
		Provider:      string(mv.Provider),
		MovementID:    mv.ID,
		OccurredAt:    mv.OccurredAt.UTC(),
		Direction:     string(mv.Direction),
		Amount:        mv.Amount.String(),
		AmountMinor:   toMinorUnits(mv.SignedAmount(), mv.Currency),
		Currency:      mv.Currency,
		Status:        mv.Status,
		EndToEndID:    mv.EndToEndID,
		TransactionID: mv.TransactionID,
		Description:   mv.Description,
		Source:        string(mv.Source),
		Raw:           jsonOrNil(mv.Raw),
		Replaces:      r.Replaces,
	}
	if mv.Counterparty != nil {
		row.Counterparty, _ = json.Marshal(mv.Counterparty)
	}
	if row.Source == "" {
		row.Source = string(model.SourcePoll)
	}
	return row
}
