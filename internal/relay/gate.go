package relay

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	gateMaxAttempts = 5
	gatePendingTTL  = 10 * time.Minute
)

// Texter is the transport subset the gate needs.
type Texter interface {
	SendText(ctx context.Context, to int64, text string) (transport.MessageRef, error)
}

type pendingReg struct {
	dest      Destination
	createdAt time.Time
	attempts  int
}

// Gate runs the registration handshake: a trigger message inside an
// unregistered group opens a pending registration for the requester, who
// must then DM the shared secret. Wrong secrets are bounded at
// gateMaxAttempts and a pending entry expires after gatePendingTTL.
type Gate struct {
	mu      sync.Mutex
	pending map[int64]*pendingReg

	secret   string
	registry *Registry
	tx       Texter
	log      logx.Logger
	now      func() time.Time

	// onApproved runs after a destination is added; the service uses it to
	// launch the catch-up delivery. Must not block.
	onApproved func(Destination)
}

func NewGate(secret string, registry *Registry, tx Texter, log logx.Logger, onApproved func(Destination)) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		pending:    map[int64]*pendingReg{},
		secret:     secret,
		registry:   registry,
		tx:         tx,
		log:        log,
		now:        time.Now,
		onApproved: onApproved,
	}
}

// RequestJoin handles the trigger phrase sent inside a group. The group
// chat id doubles as the destination identifier.
func (g *Gate) RequestJoin(ctx context.Context, requester int64, chatID int64) GateState {
	dest := DestinationFromChat(chatID)
	if g.registry.Contains(dest) {
		return GateAlreadyRegistered
	}

	g.mu.Lock()
	g.pending[requester] = &pendingReg{dest: dest, createdAt: g.now()}
	g.mu.Unlock()

	// The private notification must succeed; without a DM channel the
	// requester has no way to submit the secret.
	if _, err := g.tx.SendText(ctx, requester, "Registration started. Reply here with the access secret to finish."); err != nil {
		g.mu.Lock()
		delete(g.pending, requester)
		g.mu.Unlock()
		g.log.Warn("gate private notify failed", logx.Int64("requester", requester), logx.Err(err))
		if _, err := g.tx.SendText(ctx, chatID, "I could not message you privately. Start a chat with me first, then send the trigger again."); err != nil {
			g.log.Debug("gate group notify failed", logx.Int64("chat", chatID), logx.Err(err))
		}
		return GatePrivateChannelUnavailable
	}

	if _, err := g.tx.SendText(ctx, chatID, "Registration requested. Check your private messages."); err != nil {
		g.log.Debug("gate group notify failed", logx.Int64("chat", chatID), logx.Err(err))
	}
	g.log.Info("registration pending", logx.Int64("requester", requester), logx.String("dest", string(dest)))
	return GatePending
}

// SubmitSecret handles a private message from a requester with a pending
// registration. Comparison is constant time.
func (g *Gate) SubmitSecret(ctx context.Context, requester int64, secret string) GateResult {
	g.mu.Lock()
	p, ok := g.pending[requester]
	if ok && g.now().Sub(p.createdAt) > gatePendingTTL {
		delete(g.pending, requester)
		ok = false
	}
	if !ok {
		g.mu.Unlock()
		return GateNoPending
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) == 1 {
		dest := p.dest
		delete(g.pending, requester)
		g.mu.Unlock()

		g.registry.Add(ctx, dest)
		g.log.Info("destination approved", logx.Int64("requester", requester), logx.String("dest", string(dest)))
		if _, err := g.tx.SendText(ctx, requester, "Registered. The group will now receive relayed messages."); err != nil {
			g.log.Debug("gate approve notify failed", logx.Int64("requester", requester), logx.Err(err))
		}
		if g.onApproved != nil {
			g.onApproved(dest)
		}
		return GateApproved
	}

	p.attempts++
	if p.attempts >= gateMaxAttempts {
		delete(g.pending, requester)
		g.mu.Unlock()
		g.log.Warn("registration dropped after repeated wrong secrets", logx.Int64("requester", requester))
		if _, err := g.tx.SendText(ctx, requester, "Too many wrong attempts. Send the trigger in the group again to restart."); err != nil {
			g.log.Debug("gate drop notify failed", logx.Int64("requester", requester), logx.Err(err))
		}
		return GateDropped
	}
	remaining := gateMaxAttempts - p.attempts
	g.mu.Unlock()

	g.log.Info("wrong secret", logx.Int64("requester", requester), logx.Int("remaining", remaining))
	if _, err := g.tx.SendText(ctx, requester, "Wrong secret. Try again."); err != nil {
		g.log.Debug("gate reject notify failed", logx.Int64("requester", requester), logx.Err(err))
	}
	return GateRejected
}

// HasPending reports whether requester currently has a live pending
// registration. Expired entries count as absent.
func (g *Gate) HasPending(requester int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[requester]
	if !ok {
		return false
	}
	return g.now().Sub(p.createdAt) <= gatePendingTTL
}

// PendingCount is used by the status surface.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Sweep evicts expired pending registrations. Run periodically so
// abandoned handshakes do not pile up for the process lifetime.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for requester, p := range g.pending {
		if now.Sub(p.createdAt) > gatePendingTTL {
			delete(g.pending, requester)
			n++
		}
	}
	return n
}
