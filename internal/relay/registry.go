package relay

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/liststore"
	"relaybot/internal/retry"
	logx "relaybot/pkg/logx"
)

const registryKey = "registered_groups.txt"

// Registry is the persisted set of approved destinations. Membership is
// unique; insertion order is preserved so the on-disk file is stable.
//
// Mutations persist synchronously before returning. A persist failure is
// logged and swallowed; the in-memory set stays authoritative and the next
// successful save writes current state.
type Registry struct {
	mu    sync.Mutex
	order []Destination
	index map[Destination]struct{}

	store   *liststore.Store
	log     logx.Logger
	persist retry.Policy
}

func NewRegistry(store *liststore.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		index:   map[Destination]struct{}{},
		store:   store,
		log:     log,
		persist: retry.Fixed(3, time.Second),
	}
}

// Load merges the persisted destinations into memory. Called once at startup.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	lines, err := r.store.LoadLines(registryKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, line := range lines {
		d := Destination(line)
		if _, ok := r.index[d]; ok {
			continue
		}
		r.index[d] = struct{}{}
		r.order = append(r.order, d)
	}
	r.mu.Unlock()
	return nil
}

// Seed adds configured destinations without persisting; they come from
// config, not runtime registration, so the file is left as-is.
func (r *Registry) Seed(dests []Destination) {
	r.mu.Lock()
	for _, d := range dests {
		if d == "" {
			continue
		}
		if _, ok := r.index[d]; ok {
			continue
		}
		r.index[d] = struct{}{}
		r.order = append(r.order, d)
	}
	r.mu.Unlock()
}

// Add inserts d and persists. Returns false if already present.
func (r *Registry) Add(ctx context.Context, d Destination) bool {
	r.mu.Lock()
	if _, ok := r.index[d]; ok {
		r.mu.Unlock()
		return false
	}
	r.index[d] = struct{}{}
	r.order = append(r.order, d)
	r.mu.Unlock()

	r.persistNow(ctx)
	return true
}

// Remove deletes d and persists. Removing an absent destination is a no-op.
func (r *Registry) Remove(ctx context.Context, d Destination) bool {
	r.mu.Lock()
	if _, ok := r.index[d]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, d)
	for i, cur := range r.order {
		if cur == d {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.persistNow(ctx)
	return true
}

// List returns an insertion-ordered snapshot.
func (r *Registry) List() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Destination, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Contains(d Destination) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[d]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) persistNow(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	lines := make([]string, len(r.order))
	for i, d := range r.order {
		lines[i] = string(d)
	}
	r.mu.Unlock()

	err := r.persist.Do(ctx, func(context.Context) error {
		return r.store.SaveLines(registryKey, "registered destinations", lines)
	})
	if err != nil {
		r.log.Error("registry persist failed", logx.Int("count", len(lines)), logx.Err(err))
	}
}
