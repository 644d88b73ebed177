package relay

import (
	"strconv"
	"sync"
	"time"
)

// Destination is an opaque downstream chat handle. For the Telegram
// transport it is the decimal chat id, but the relay core never assumes
// that beyond parsing it at dispatch time.
type Destination string

func DestinationFromChat(chatID int64) Destination {
	return Destination(strconv.FormatInt(chatID, 10))
}

// ChatID parses the destination back into a transport chat id.
func (d Destination) ChatID() (int64, bool) {
	n, err := strconv.ParseInt(string(d), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GateState is the result of a join request.
type GateState int

const (
	GateAlreadyRegistered GateState = iota
	GatePending
	GatePrivateChannelUnavailable
)

func (s GateState) String() string {
	switch s {
	case GateAlreadyRegistered:
		return "already_registered"
	case GatePending:
		return "pending"
	case GatePrivateChannelUnavailable:
		return "private_channel_unavailable"
	default:
		return "unknown"
	}
}

// GateResult is the result of a secret submission.
type GateResult int

const (
	GateNoPending GateResult = iota
	GateApproved
	GateRejected
	// GateDropped means the pending registration was discarded after too
	// many wrong secrets; the requester must start over with the trigger.
	GateDropped
)

func (r GateResult) String() string {
	switch r {
	case GateNoPending:
		return "no_pending"
	case GateApproved:
		return "approved"
	case GateRejected:
		return "rejected"
	case GateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Outcome summarizes one full-registry delivery of a single message.
type Outcome struct {
	Success int
	Failed  []Destination
	// SourceGone is set when the transport reported the source message as
	// no longer existing upstream. The scheduler prunes the ledger entry.
	SourceGone bool
}

// TotalFailure reports whether nothing was delivered despite there being
// destinations to deliver to.
func (o Outcome) TotalFailure() bool {
	return o.Success == 0 && len(o.Failed) > 0
}

// DeliveryRecords is the resend-suppression window: message id to the time
// the last full-registry delivery completed. It is deliberately in-memory
// only; after a restart one extra delivery inside the window may occur.
//
// TrySend makes "check window, deliver, stamp" a single critical section
// per message id, so the immediate path and the cycle pass can never
// double-deliver the same message concurrently.
type DeliveryRecords struct {
	mu    sync.Mutex
	last  map[int]time.Time
	locks map[int]*sync.Mutex

	now func() time.Time
}

func NewDeliveryRecords() *DeliveryRecords {
	return &DeliveryRecords{
		last:  map[int]time.Time{},
		locks: map[int]*sync.Mutex{},
		now:   time.Now,
	}
}

// TrySend runs send unless the message was delivered within window. send
// reports whether the attempt counts as delivered; only then is the
// timestamp updated. Returns false when suppressed by the window.
func (r *DeliveryRecords) TrySend(id int, window time.Duration, send func() bool) bool {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	last, ok := r.last[id]
	now := r.now()
	r.mu.Unlock()

	if ok && window > 0 && now.Sub(last) < window {
		return false
	}

	if !send() {
		return true
	}

	r.mu.Lock()
	r.last[id] = r.now()
	r.mu.Unlock()
	return true
}

// LastSent returns the last recorded delivery time for id.
func (r *DeliveryRecords) LastSent(id int) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.last[id]
	return t, ok
}

// Forget drops the delivery stamp for id. Used when a ledger entry is
// pruned. The per-id lock stays in place: a TrySend may still be holding
// it, and minting a fresh mutex for the same id would let two critical
// sections overlap.
func (r *DeliveryRecords) Forget(id int) {
	r.mu.Lock()
	delete(r.last, id)
	r.mu.Unlock()
}

func (r *DeliveryRecords) lockFor(id int) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// CatchupFlags tracks which destinations already received the ledger head
// through their catch-up delivery. The cycle pass consults it so a brand
// new destination is not handed the head message twice. Cleared at the
// start of every cycle.
type CatchupFlags struct {
	mu  sync.Mutex
	set map[Destination]struct{}
}

func NewCatchupFlags() *CatchupFlags {
	return &CatchupFlags{set: map[Destination]struct{}{}}
}

func (f *CatchupFlags) Set(d Destination) {
	f.mu.Lock()
	f.set[d] = struct{}{}
	f.mu.Unlock()
}

func (f *CatchupFlags) IsSet(d Destination) bool {
	f.mu.Lock()
	_, ok := f.set[d]
	f.mu.Unlock()
	return ok
}

func (f *CatchupFlags) Clear() {
	f.mu.Lock()
	f.set = map[Destination]struct{}{}
	f.mu.Unlock()
}
