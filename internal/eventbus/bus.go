// Package eventbus carries the relay's in-process notifications: ledger
// appends, delivery outcomes, registry changes, gate approvals, and cycle
// boundaries. Publishers fire and forget; a subscriber that falls behind
// loses events rather than slowing the dispatch path.
package eventbus

import (
	"sync"
	"time"
)

// Event is one notification. Type is the dotted name the publisher
// defines (relay.*, registry.*, gate.*, cycle.*); Data is a small map of
// identifiers consumed by the log sink and the status report.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is the in-memory fanout. Publish never blocks; each subscriber
// receives on its own buffered channel and drops when full.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus with no background goroutines of its own.
func New() Bus {
	return &fanout{subs: map[int]chan Event{}}
}

type fanout struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	for _, ch := range chs {
		// An unsubscribe can close the channel between the snapshot above
		// and this send; the recover absorbs that race.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
