package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrMissingItems is returned when a page lacks its item array.
var ErrMissingItems = errors.New("response has no item array")

// GetStatus fetches backend health.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

// GetP1Statement fetches one page of P1's statement, newest first.
func (c *Client) GetP1Statement(ctx context.Context, opts StatementOptions) (*P1StatementResponse, error) {
	query := url.Values{}
	query.Set("order", "desc")
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	setTime(query, "from", opts.From)
	setTime(query, "to", opts.To)

	path := "/p1/accounts/" + url.PathEscape(opts.AccountID) + "/statement"

	var resp P1StatementResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, fmt.Errorf("get p1 statement: %w", err)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("get p1 statement: %w", &DecodeError{Path: path, Err: ErrMissingItems})
	}

	return &resp, nil
}

// GetP2Transactions fetches one page of P2's transactions, newest first.
func (c *Client) GetP2Transactions(ctx context.Context, opts StatementOptions) (*P2TransactionsResponse, error) {
	query := url.Values{}
	query.Set("order", "desc")
	if opts.Limit > 0 {
		query.Set("pageSize", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	setTime(query, "startDate", opts.From)
	setTime(query, "endDate", opts.To)

	path := "/p2/accounts/" + url.PathEscape(opts.AccountID) + "/transactions"

	var resp P2TransactionsResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, fmt.Errorf("get p2 transactions: %w", err)
	}
	if resp.Items == nil {
		return nil, fmt.Errorf("get p2 transactions: %w", &DecodeError{Path: path, Err: ErrMissingItems})
	}
	if resp.Pagination == nil {
		resp.Pagination = &P2Pagination{}
	}

	return &resp, nil
}

// GetP3Statement fetches one page of one P3 stream.
func (c *Client) GetP3Statement(ctx context.Context, opts P3StatementOptions) (*P3StatementResponse, error) {
	query := url.Values{}
	query.Set("direction", string(opts.Direction))
	query.Set("order", "desc")
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Marker != "" {
		query.Set("marker", opts.Marker)
	}
	if opts.SendDates {
		setTime(query, "from", opts.From)
		setTime(query, "to", opts.To)
	}

	path := "/p3/accounts/" + url.PathEscape(opts.AccountID) + "/statement"

	var resp P3StatementResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, fmt.Errorf("get p3 statement (%s): %w", opts.Direction, err)
	}
	if resp.Transactions == nil {
		return nil, fmt.Errorf("get p3 statement (%s): %w", opts.Direction, &DecodeError{Path: path, Err: ErrMissingItems})
	}

	return &resp, nil
}

func setTime(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.UTC().Format(time.RFC3339))
	}
}
