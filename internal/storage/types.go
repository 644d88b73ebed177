package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures delivery history storage.
//
// Driver values:
//   - "file": dependency-free file backend (append-only jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one delivery attempt outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At          time.Time
	MessageID   int
	Destination string
	OK          bool
	Class       string // transport error kind on failure, empty on success
	Error       string
	Cycle       uint64 // 0 for the immediate path
}

// Totals is an aggregate over the recorded history.
type Totals struct {
	Delivered int64
	Failed    int64
	Pruned    int64 // failures that removed a destination
}
