package provider

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/model"
)

// record is a raw provider item decoded with json.Number preserved.
// Accessors take several candidate names and return the first usable value.
type record map[string]any

func decodeRecord(raw json.RawMessage) record {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var r record
	if err := dec.Decode(&r); err != nil || r == nil {
		return record{}
	}
	return r
}

func (r record) str(names ...string) string {
	for _, name := range names {
		switch v := r[name].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (r record) decimal(names ...string) (decimal.Decimal, bool) {
	for _, name := range names {
		var s string
		switch v := r[name].(type) {
		case json.Number:
			s = v.String()
		case string:
			s = strings.TrimSpace(v)
		default:
			continue
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

func (r record) int(names ...string) (int64, bool) {
	for _, name := range names {
		switch v := r[name].(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil && d.IsInteger() {
				return d.IntPart(), true
			}
		}
	}
	return 0, false
}

func (r record) time(names ...string) time.Time {
	for _, name := range names {
		switch v := r[name].(type) {
		case string:
			if t, err := model.ParseTime(v); err == nil {
				return t
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return model.EpochTime(n)
			}
		}
	}
	return time.Time{}
}

func (r record) object(names ...string) record {
	for _, name := range names {
		if m, ok := r[name].(map[string]any); ok {
			return record(m)
		}
	}
	return nil
}

// counterparty reads {name, document} from a nested object or flat fields
// sharing a prefix.
func (r record) counterparty(objects []string, prefix string) *model.Counterparty {
	var cp model.Counterparty
	if obj := r.object(objects...); obj != nil {
		cp.Name = obj.str("name", "fullName", "legalName")
		cp.Document = obj.str("document", "taxId", "cpfCnpj")
	}
	if cp.Name == "" {
		cp.Name = r.str(prefix+"Name", prefix+"_name")
	}
	if cp.Document == "" {
		cp.Document = r.str(prefix+"Document", prefix+"_document", prefix+"TaxId")
	}
	if cp.Name == "" && cp.Document == "" {
		return nil
	}
	return &cp
}

// Providers occasionally omit the identifier. Records without one get an id
// derived from their bytes so refetches of the same payload collapse.
var syntheticIDSpace = uuid.MustParse("6f1c3c0e-2d0f-4b8e-9a57-5d0c8a1e7b42")

func fallbackID(p model.Provider, raw json.RawMessage) string {
	return uuid.NewSHA1(syntheticIDSpace, append([]byte(p+":"), raw...)).String()
}

func normalizeCurrency(s string) string {
	if s == "" {
		return defaultCurrency
	}
	return strings.ToUpper(s)
}

const defaultCurrency = "BRL"
