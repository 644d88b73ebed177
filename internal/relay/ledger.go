package relay

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/liststore"
	"relaybot/internal/retry"
	logx "relaybot/pkg/logx"
)

const ledgerKey = "message_ids.txt"

// Ledger is the ordered set of known source message ids: insertion ordered,
// duplicates forbidden. The only removal path is a confirmed "message not
// found" from the transport.
type Ledger struct {
	mu    sync.Mutex
	order []int
	index map[int]struct{}

	store   *liststore.Store
	log     logx.Logger
	persist retry.Policy
}

func NewLedger(store *liststore.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		index:   map[int]struct{}{},
		store:   store,
		log:     log,
		persist: retry.Fixed(3, time.Second),
	}
}

// Load merges persisted ids into memory, deduplicated, preserving the
// on-disk order for ids seen first on disk.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	ids, err := l.store.LoadInts(ledgerKey)
	if err != nil {
		return err
	}
	l.mu.Lock()
	for _, id := range ids {
		if _, ok := l.index[id]; ok {
			continue
		}
		l.index[id] = struct{}{}
		l.order = append(l.order, id)
	}
	l.mu.Unlock()
	return nil
}

// RecordIfNew appends id if unseen and persists. Returns true when newly added.
func (l *Ledger) RecordIfNew(ctx context.Context, id int) bool {
	l.mu.Lock()
	if _, ok := l.index[id]; ok {
		l.mu.Unlock()
		return false
	}
	l.index[id] = struct{}{}
	l.order = append(l.order, id)
	l.mu.Unlock()

	l.persistNow(ctx)
	return true
}

// Remove prunes id and persists. No-op when absent.
func (l *Ledger) Remove(ctx context.Context, id int) bool {
	l.mu.Lock()
	if _, ok := l.index[id]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.index, id)
	for i, cur := range l.order {
		if cur == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	l.persistNow(ctx)
	return true
}

// All returns an insertion-ordered snapshot.
func (l *Ledger) All() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.order))
	copy(out, l.order)
	return out
}

// Head returns the oldest known id.
func (l *Ledger) Head() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return 0, false
	}
	return l.order[0], true
}

func (l *Ledger) Contains(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[id]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) persistNow(ctx context.Context) {
	if l.store == nil {
		return
	}
	l.mu.Lock()
	ids := make([]int, len(l.order))
	copy(ids, l.order)
	l.mu.Unlock()

	err := l.persist.Do(ctx, func(context.Context) error {
		return l.store.SaveInts(ledgerKey, "known source message ids", ids)
	})
	if err != nil {
		l.log.Error("ledger persist failed", logx.Int("count", len(ids)), logx.Err(err))
	}
}
