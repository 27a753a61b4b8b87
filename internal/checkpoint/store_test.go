package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pixdesk/ledgersync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "acc-1", model.ProviderP1, "..")
	if err != nil || ok {
		t.Errorf("Get = ok %v, err %v; want no checkpoint", ok, err)
	}
}

func TestStore_SaveAndResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c1 := model.NewTokenCursor(model.ProviderP1, "page-2")
	if err := s.Save(ctx, "acc-1", model.ProviderP1, "..", c1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	c2 := model.NewMarkerCursor(model.ProviderP3, model.Markers{Inbound: "i2", OutboundDone: true})
	if err := s.Save(ctx, "acc-1", model.ProviderP3, "..", c2); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cp, ok, err := s.Get(ctx, "acc-1", model.ProviderP1, "..")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if tok, _ := cp.Cursor.Token(); tok != "page-2" || cp.Done || cp.Pages != 1 {
		t.Errorf("checkpoint = %+v", cp)
	}

	cp, _, _ = s.Get(ctx, "acc-1", model.ProviderP3, "..")
	if m, ok := cp.Cursor.Markers(); !ok || m.Inbound != "i2" || !m.OutboundDone {
		t.Errorf("markers = %+v, %v", m, ok)
	}

	t.Run("nil cursor marks done", func(t *testing.T) {
		if err := s.Save(ctx, "acc-1", model.ProviderP1, "..", nil); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		cp, _, _ := s.Get(ctx, "acc-1", model.ProviderP1, "..")
		if !cp.Done || cp.Cursor != nil || cp.Pages != 2 {
			t.Errorf("checkpoint = %+v", cp)
		}
	})

	t.Run("filters are part of the key", func(t *testing.T) {
		if _, ok, _ := s.Get(ctx, "acc-1", model.ProviderP1, "2025-01-01T00:00:00Z.."); ok {
			t.Error("different filters should not share a checkpoint")
		}
	})

	t.Run("List and Reset", func(t *testing.T) {
		all, err := s.List(ctx)
		if err != nil || len(all) != 2 {
			t.Fatalf("List = %d, %v", len(all), err)
		}
		if all[0].Provider != model.ProviderP1 || all[1].Provider != model.ProviderP3 {
			t.Errorf("order = %s, %s", all[0].Provider, all[1].Provider)
		}
		n, err := s.Reset(ctx, "acc-1")
		if err != nil || n != 2 {
			t.Errorf("Reset = %d, %v", n, err)
		}
	})
}

func TestStore_ForeignCursorRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A p2 cursor saved under p1 indicates a corrupt store.
	if err := s.Save(ctx, "acc-1", model.ProviderP1, "..", model.NewTokenCursor(model.ProviderP2, "x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, _, err := s.Get(ctx, "acc-1", model.ProviderP1, ".."); err == nil {
		t.Error("expected foreign cursor error")
	}
}

func TestStore_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(ctx, "acc-1", model.ProviderP2, "..", model.NewTokenCursor(model.ProviderP2, "3")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	cp, ok, err := s.Get(ctx, "acc-1", model.ProviderP2, "..")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if tok, _ := cp.Cursor.Token(); tok != "3" {
		t.Errorf("token = %q, want 3", tok)
	}
}
