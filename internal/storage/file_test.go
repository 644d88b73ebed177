package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "relaybot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q): expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	entries := []DeliveryEntry{
		{MessageID: 1, Destination: "-100", OK: true},
		{MessageID: 1, Destination: "-200", OK: false, Class: "unreachable", Error: "chat not found"},
		{MessageID: 2, Destination: "-100", OK: false, Class: "forbidden", Error: "forbidden"},
	}
	for _, e := range entries {
		if err := st.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	got, err := st.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := Totals{Delivered: 1, Failed: 2, Pruned: 1}
	if got != want {
		t.Fatalf("Totals = %+v, want %+v", got, want)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileStoreReplayAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := st.AppendDelivery(ctx, DeliveryEntry{MessageID: 7, Destination: "-1", OK: true}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	got, err := st.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if got.Delivered != 1 {
		t.Fatalf("Delivered = %d, want 1", got.Delivered)
	}
}
