package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func newTestGate(t *testing.T, tx *fakeTransport) (*Gate, *Registry, *[]Destination) {
	t.Helper()
	reg := NewRegistry(nil, logx.Nop())
	var approved []Destination
	g := NewGate("hunter2", reg, tx, logx.Nop(), func(d Destination) {
		approved = append(approved, d)
	})
	return g, reg, &approved
}

func TestGateHandshake(t *testing.T) {
	tx := &fakeTransport{}
	g, reg, approved := newTestGate(t, tx)
	ctx := context.Background()

	if got := g.RequestJoin(ctx, 42, -1001); got != GatePending {
		t.Fatalf("RequestJoin = %s, want pending", got)
	}
	if !g.HasPending(42) {
		t.Fatal("no pending registration after trigger")
	}

	if got := g.SubmitSecret(ctx, 42, "wrong"); got != GateRejected {
		t.Fatalf("SubmitSecret(wrong) = %s, want rejected", got)
	}
	if !g.HasPending(42) {
		t.Fatal("pending registration dropped after single wrong secret")
	}

	if got := g.SubmitSecret(ctx, 42, "hunter2"); got != GateApproved {
		t.Fatalf("SubmitSecret(correct) = %s, want approved", got)
	}
	if g.HasPending(42) {
		t.Fatal("pending registration retained after approval")
	}
	if !reg.Contains(DestinationFromChat(-1001)) {
		t.Fatal("approved destination missing from registry")
	}
	if len(*approved) != 1 || (*approved)[0] != DestinationFromChat(-1001) {
		t.Fatalf("onApproved calls = %v, want one for -1001", *approved)
	}
}

func TestGateAlreadyRegistered(t *testing.T) {
	tx := &fakeTransport{}
	g, reg, _ := newTestGate(t, tx)
	ctx := context.Background()

	reg.Add(ctx, DestinationFromChat(-1001))
	if got := g.RequestJoin(ctx, 42, -1001); got != GateAlreadyRegistered {
		t.Fatalf("RequestJoin = %s, want already_registered", got)
	}
	if g.HasPending(42) {
		t.Fatal("pending created for an already registered destination")
	}
}

func TestGatePrivateChannelUnavailable(t *testing.T) {
	tx := &fakeTransport{
		sendErr: func(to int64) error {
			if to == 42 {
				return errors.New("forbidden: bot can't initiate conversation")
			}
			return nil
		},
	}
	g, _, _ := newTestGate(t, tx)
	ctx := context.Background()

	if got := g.RequestJoin(ctx, 42, -1001); got != GatePrivateChannelUnavailable {
		t.Fatalf("RequestJoin = %s, want private_channel_unavailable", got)
	}
	if g.HasPending(42) {
		t.Fatal("pending registration retained without a private channel")
	}
}

func TestGateNoPendingIsNoop(t *testing.T) {
	tx := &fakeTransport{}
	g, _, _ := newTestGate(t, tx)

	if got := g.SubmitSecret(context.Background(), 42, "hunter2"); got != GateNoPending {
		t.Fatalf("SubmitSecret without pending = %s, want no_pending", got)
	}
}

func TestGateDropsAfterRepeatedWrongSecrets(t *testing.T) {
	tx := &fakeTransport{}
	g, reg, _ := newTestGate(t, tx)
	ctx := context.Background()

	g.RequestJoin(ctx, 42, -1001)
	for i := 0; i < gateMaxAttempts-1; i++ {
		if got := g.SubmitSecret(ctx, 42, "wrong"); got != GateRejected {
			t.Fatalf("attempt %d: got %s, want rejected", i+1, got)
		}
	}
	if got := g.SubmitSecret(ctx, 42, "wrong"); got != GateDropped {
		t.Fatalf("final attempt = %s, want dropped", got)
	}
	if g.HasPending(42) {
		t.Fatal("pending registration retained after drop")
	}
	if reg.Len() != 0 {
		t.Fatal("registry mutated by failed handshake")
	}
}

func TestGatePendingExpires(t *testing.T) {
	tx := &fakeTransport{}
	g, _, _ := newTestGate(t, tx)
	ctx := context.Background()

	now := time.Now()
	g.now = func() time.Time { return now }

	g.RequestJoin(ctx, 42, -1001)
	now = now.Add(gatePendingTTL + time.Second)

	if g.HasPending(42) {
		t.Fatal("expired pending still reported live")
	}
	if got := g.SubmitSecret(ctx, 42, "hunter2"); got != GateNoPending {
		t.Fatalf("SubmitSecret after expiry = %s, want no_pending", got)
	}
}

func TestGateSweep(t *testing.T) {
	tx := &fakeTransport{}
	g, _, _ := newTestGate(t, tx)
	ctx := context.Background()

	now := time.Now()
	g.now = func() time.Time { return now }

	g.RequestJoin(ctx, 1, -1001)
	g.RequestJoin(ctx, 2, -1002)
	now = now.Add(gatePendingTTL + time.Second)
	g.RequestJoin(ctx, 3, -1003)

	if n := g.Sweep(); n != 2 {
		t.Fatalf("Sweep() = %d, want 2", n)
	}
	if g.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", g.PendingCount())
	}
}
