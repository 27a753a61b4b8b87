package writer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/router"
)

// fakeDB applies the writer's batches to an in-memory movements table using
// the same conflict rule as the upsert statement.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]string // account|merge_key -> source
	batches int
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]string)}
}

type fakeOutcome struct {
	tag      pgconn.CommandTag
	inserted bool
	noRows   bool
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches++

	var out []fakeOutcome
	for _, q := range b.QueuedQueries {
		account := q.Arguments[0].(string)
		key := account + "|" + q.Arguments[1].(string)
		if q.SQL == deleteMovementSQL {
			n := 0
			if _, ok := db.rows[key]; ok {
				delete(db.rows, key)
				n = 1
			}
			if n == 1 {
				out = append(out, fakeOutcome{tag: pgconn.NewCommandTag("DELETE 1")})
			} else {
				out = append(out, fakeOutcome{tag: pgconn.NewCommandTag("DELETE 0")})
			}
			continue
		}

		source := q.Arguments[14].(string)
		existing, ok := db.rows[key]
		switch {
		case !ok:
			db.rows[key] = source
			out = append(out, fakeOutcome{inserted: true})
		case existing == "push" || source == "poll":
			db.rows[key] = source
			out = append(out, fakeOutcome{})
		default:
			out = append(out, fakeOutcome{noRows: true})
		}
	}
	return &fakeResults{outcomes: out}
}

func (db *fakeDB) source(account, key string) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.rows[account+"|"+key]
	return s, ok
}

type fakeResults struct {
	outcomes []fakeOutcome
}

func (r *fakeResults) next() fakeOutcome {
	o := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return o
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) { return r.next().tag, nil }
func (r *fakeResults) Query() (pgx.Rows, error)         { panic("unused") }
func (r *fakeResults) QueryRow() pgx.Row                { return fakeRow(r.next()) }
func (r *fakeResults) Close() error                     { return nil }

type fakeRow fakeOutcome

func (r fakeRow) Scan(dest ...any) error {
	if r.noRows {
		return pgx.ErrNoRows
	}
	*dest[0].(*bool) = r.inserted
	return nil
}

func testMovement(id string, source model.Source) model.Movement {
	return model.Movement{
		ID:         id,
		Provider:   model.ProviderP1,
		OccurredAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("BRT", -3*3600)),
		Direction:  model.Debit,
		Amount:     decimal.RequireFromString("12.345"),
		Currency:   "BRL",
		Status:     "SETTLED",
		Source:     source,
	}
}

func TestToRow(t *testing.T) {
	mv := testMovement("m1", model.SourcePush)
	mv.EndToEndID = "e2e-abc"
	mv.Counterparty = &model.Counterparty{Name: "Acme", Document: "123"}
	mv.Raw = json.RawMessage(`{"id":"m1"}`)

	row := toRow(Record{AccountID: "acc-1", Movement: mv, Replaces: "id:p1:m1"})

	if row.MergeKey != "e2e:E2E-ABC" {
		t.Errorf("MergeKey = %q, want e2e:E2E-ABC", row.MergeKey)
	}
	if row.OccurredAt.Location() != time.UTC || !row.OccurredAt.Equal(mv.OccurredAt) {
		t.Errorf("OccurredAt = %v", row.OccurredAt)
	}
	if row.Amount != "12.345" {
		t.Errorf("Amount = %q", row.Amount)
	}
	if row.AmountMinor != -1235 {
		t.Errorf("AmountMinor = %d, want -1235", row.AmountMinor)
	}
	if string(row.Counterparty) != `{"name":"Acme","document":"123"}` {
		t.Errorf("Counterparty = %s", row.Counterparty)
	}
	if string(row.Raw) != `{"id":"m1"}` || row.Source != "push" || row.Replaces != "id:p1:m1" {
		t.Errorf("row = %+v", row)
	}

	mv.Raw = json.RawMessage("null")
	mv.Counterparty = nil
	mv.Source = ""
	row = toRow(Record{AccountID: "acc-1", Movement: mv})
	if row.Raw != nil || row.Counterparty != nil || row.Source != "poll" {
		t.Errorf("empty fields row = %+v", row)
	}
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"10.50", "BRL", 1050},
		{"-10.50", "USD", -1050},
		{"1500", "JPY", 1500},
		{"1.2345", "KWD", 1235},
		{"3.14", "XYZ", 314},
	}
	for _, tt := range tests {
		got := toMinorUnits(decimal.RequireFromString(tt.amount), tt.currency)
		if got != tt.want {
			t.Errorf("toMinorUnits(%s, %s) = %d, want %d", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestMovementWriter_BatchUpsert(t *testing.T) {
	db := newFakeDB()
	w := NewMovementWriter(DefaultWriterConfig(), router.NewGrowableBuffer[Record](10), db, nil)

	push := testMovement("m1", model.SourcePush)
	poll := testMovement("m1", model.SourcePoll)
	poll.Status = "CONFIRMED"

	w.add(Record{AccountID: "acc-1", Movement: push})
	w.add(Record{AccountID: "acc-1", Movement: poll})
	w.add(Record{AccountID: "acc-1", Movement: push})
	w.flush()

	stats := w.Stats()
	if stats.Inserts != 1 || stats.Updates != 1 || stats.Kept != 1 || stats.Flushes != 1 {
		t.Errorf("stats = %+v, want 1 insert, 1 update, 1 kept", stats)
	}
	if src, _ := db.source("acc-1", "id:p1:m1"); src != "poll" {
		t.Errorf("stored source = %q, want poll", src)
	}
}

func TestMovementWriter_ReplacesOldKey(t *testing.T) {
	db := newFakeDB()
	w := NewMovementWriter(DefaultWriterConfig(), router.NewGrowableBuffer[Record](10), db, nil)

	first := testMovement("m1", model.SourcePush)
	w.add(Record{AccountID: "acc-1", Movement: first})
	w.flush()

	linked := testMovement("m1", model.SourcePoll)
	linked.EndToEndID = "E1"
	w.add(Record{AccountID: "acc-1", Movement: linked, Replaces: "id:p1:m1"})
	w.flush()

	if _, ok := db.source("acc-1", "id:p1:m1"); ok {
		t.Error("old key row should be deleted")
	}
	if src, ok := db.source("acc-1", "e2e:E1"); !ok || src != "poll" {
		t.Errorf("new key row = %q, %v", src, ok)
	}
	if stats := w.Stats(); stats.Replaced != 1 || stats.Inserts != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMovementWriter_NoDatabaseCountsError(t *testing.T) {
	w := NewMovementWriter(DefaultWriterConfig(), router.NewGrowableBuffer[Record](10), nil, nil)
	w.add(Record{AccountID: "acc-1", Movement: testMovement("m1", model.SourcePoll)})
	w.flush()

	if stats := w.Stats(); stats.Errors != 1 || stats.Flushes != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMovementWriter_AddSkipsKeyless(t *testing.T) {
	w := NewMovementWriter(DefaultWriterConfig(), router.NewGrowableBuffer[Record](10), nil, nil)
	if w.add(Record{AccountID: "acc-1"}) {
		t.Error("keyless record should not trigger a flush")
	}
	w.batchMu.Lock()
	n := len(w.batch)
	w.batchMu.Unlock()
	if n != 0 {
		t.Errorf("batch length = %d, want 0", n)
	}
}

func TestMovementWriter_Lifecycle(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
	}
	input := router.NewGrowableBuffer[Record](10)
	db := newFakeDB()
	w := NewMovementWriter(cfg, input, db, nil)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Two records fill a batch and flush without waiting for the ticker.
	input.Send(Record{AccountID: "acc-1", Movement: testMovement("m1", model.SourcePoll)})
	input.Send(Record{AccountID: "acc-1", Movement: testMovement("m2", model.SourcePoll)})

	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Inserts < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.Stats().Inserts; got != 2 {
		t.Fatalf("Inserts = %d, want 2", got)
	}

	// A third record sits below the batch size until Stop flushes it.
	input.Send(Record{AccountID: "acc-1", Movement: testMovement("m3", model.SourcePoll)})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if got := w.Stats().Inserts; got != 3 {
		t.Errorf("Inserts after Stop = %d, want 3", got)
	}
}

// failingDB fails every query with err, or only the commit with closeErr.
type failingDB struct {
	err      error
	closeErr error
}

func (db failingDB) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return failingResults(db)
}

type failingResults failingDB

func (r failingResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, r.err }
func (r failingResults) Query() (pgx.Rows, error)         { panic("unused") }
func (r failingResults) QueryRow() pgx.Row                { return errRow{r.err} }
func (r failingResults) Close() error                     { return r.closeErr }

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = true
	return nil
}

func TestMovementWriter_Write(t *testing.T) {
	t.Run("commits before returning", func(t *testing.T) {
		db := newFakeDB()
		w := NewMovementWriter(DefaultWriterConfig(), nil, db, nil)

		err := w.Write(context.Background(), []Record{
			{AccountID: "acc-1", Movement: testMovement("m1", model.SourcePoll)},
			{AccountID: "acc-1"},
			{AccountID: "acc-1", Movement: testMovement("m2", model.SourcePoll)},
		})
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if _, ok := db.source("acc-1", "id:p1:m2"); !ok {
			t.Error("m2 should be stored when Write returns")
		}
		if stats := w.Stats(); stats.Inserts != 2 || stats.Flushes != 1 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		w := NewMovementWriter(DefaultWriterConfig(), nil, failingDB{err: errors.New("connection reset")}, nil)
		err := w.Write(context.Background(), []Record{{AccountID: "acc-1", Movement: testMovement("m1", model.SourcePoll)}})
		if err == nil || !strings.Contains(err.Error(), "connection reset") {
			t.Fatalf("Write() error = %v", err)
		}
		if stats := w.Stats(); stats.Errors != 1 || stats.Inserts != 0 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		w := NewMovementWriter(DefaultWriterConfig(), nil, failingDB{closeErr: errors.New("commit aborted")}, nil)
		err := w.Write(context.Background(), []Record{{AccountID: "acc-1", Movement: testMovement("m1", model.SourcePoll)}})
		if err == nil || !strings.Contains(err.Error(), "commit aborted") {
			t.Fatalf("Write() error = %v", err)
		}
	})

	t.Run("nothing to write", func(t *testing.T) {
		w := NewMovementWriter(DefaultWriterConfig(), nil, nil, nil)
		if err := w.Write(context.Background(), []Record{{AccountID: "acc-1"}}); err != nil {
			t.Errorf("Write() error = %v", err)
		}
	})
}
