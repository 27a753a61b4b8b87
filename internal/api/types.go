package api

import (
	"encoding/json"
	"time"
)

// StatusResponse from GET /health
type StatusResponse struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers,omitempty"`
}

// P1StatementResponse from GET /p1/accounts/{account}/statement
type P1StatementResponse struct {
	Data    *[]json.RawMessage `json:"data"` // nil when missing or null
	HasMore bool               `json:"hasMore"`
	Cursor  string             `json:"cursor"`
}

// P2TransactionsResponse from GET /p2/accounts/{account}/transactions
type P2TransactionsResponse struct {
	Items      *[]json.RawMessage `json:"items"`
	Pagination *P2Pagination      `json:"pagination"`
}

// P2Pagination is P2's continuation block.
type P2Pagination struct {
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor"`
}

// P3StatementResponse from GET /p3/accounts/{account}/statement
type P3StatementResponse struct {
	Transactions *[]json.RawMessage `json:"transactions"`
	Marker       string             `json:"marker"`
	Truncated    bool               `json:"truncated"` // true when more pages follow
}

// P3Direction selects one of P3's independent statement streams.
type P3Direction string

const (
	P3Inbound  P3Direction = "in"
	P3Outbound P3Direction = "out"
)

// StatementOptions configures a P1 or P2 page request.
type StatementOptions struct {
	AccountID string
	From      time.Time // zero = open
	To        time.Time // zero = open
	Cursor    string
	Limit     int
}

// P3StatementOptions configures a P3 page request.
type P3StatementOptions struct {
	AccountID string
	Direction P3Direction
	Marker    string
	Limit     int

	// SendDates forwards From/To to the server. P3 deployments that ignore
	// them still get filtered client-side.
	SendDates bool
	From      time.Time
	To        time.Time
}
