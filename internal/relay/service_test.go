package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const testSourceChat int64 = -500

func newTestService(t *testing.T, tx *fakeTransport, dests ...string) *Service {
	t.Helper()
	cfg := ServiceConfig{
		SourceChat:   testSourceChat,
		Secret:       "hunter2",
		Destinations: dests,
		Engine:       testEngineConfig(testSourceChat),
	}
	s, err := NewService(cfg, newTestLists(t), tx, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func channelPost(id int, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateChannelPost,
		Message: &transport.Message{
			ID:     id,
			ChatID: testSourceChat,
			Scope:  transport.ScopeChannel,
			Text:   text,
		},
	}
}

func groupText(chatID, fromID int64, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:     1,
			ChatID: chatID,
			Scope:  transport.ScopeGroup,
			FromID: fromID,
			Text:   text,
		},
	}
}

func privateText(fromID int64, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:     1,
			ChatID: fromID,
			Scope:  transport.ScopePrivate,
			FromID: fromID,
			Text:   text,
		},
	}
}

func TestServiceConfigValidation(t *testing.T) {
	tx := &fakeTransport{}
	lists := newTestLists(t)

	if _, err := NewService(ServiceConfig{Secret: "x"}, lists, tx, nil, nil, logx.Nop()); err == nil {
		t.Fatal("NewService accepted a zero source channel")
	}
	if _, err := NewService(ServiceConfig{SourceChat: -500}, lists, tx, nil, nil, logx.Nop()); err == nil {
		t.Fatal("NewService accepted an empty secret")
	}
}

func TestSourceMessageRecordedWithEmptyRegistry(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	s.HandleUpdate(ctx, channelPost(101, "announcement"))

	waitFor(t, "delivery stamp", func() bool {
		_, ok := s.records.LastSent(101)
		return ok
	})
	if got := s.ledger.All(); len(got) != 1 || got[0] != 101 {
		t.Fatalf("ledger = %v, want [101]", got)
	}
	if tx.forwardCount() != 0 {
		t.Fatalf("forwards = %d with empty registry, want 0", tx.forwardCount())
	}
}

func TestSourceMessageImmediateFanOut(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx, "-100", "-200")
	ctx := context.Background()

	s.HandleUpdate(ctx, channelPost(101, "announcement"))

	waitFor(t, "immediate fan-out", func() bool { return tx.forwardCount() == 2 })
	if tx.forwardsTo(-100) != 1 || tx.forwardsTo(-200) != 1 {
		t.Fatal("not every destination received the message once")
	}
}

func TestDuplicateSourceMessageSuppressed(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx, "-100")
	ctx := context.Background()

	s.HandleUpdate(ctx, channelPost(101, "announcement"))
	waitFor(t, "first delivery", func() bool { return tx.forwardCount() == 1 })

	// Same id again, inside the resend window.
	s.HandleUpdate(ctx, channelPost(101, "announcement"))
	// An edit of the same message is not a new delivery either.
	edited := channelPost(101, "announcement (edited)")
	edited.Message.Edited = true
	s.HandleUpdate(ctx, edited)

	time.Sleep(100 * time.Millisecond)
	if tx.forwardCount() != 1 {
		t.Fatalf("forwards = %d after duplicates, want 1", tx.forwardCount())
	}
	if s.ledger.Len() != 1 {
		t.Fatalf("ledger len = %d, want 1", s.ledger.Len())
	}
}

func TestRegistrationCatchupDeliversHeadOnce(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	s.HandleUpdate(ctx, channelPost(101, "announcement"))
	waitFor(t, "delivery stamp", func() bool {
		_, ok := s.records.LastSent(101)
		return ok
	})

	s.HandleUpdate(ctx, groupText(-1001, 42, "/register"))
	if !s.gate.HasPending(42) {
		t.Fatal("trigger did not open a pending registration")
	}
	s.HandleUpdate(ctx, privateText(42, "hunter2"))

	waitFor(t, "catch-up delivery", func() bool { return tx.forwardsTo(-1001) == 1 })
	if !s.registry.Contains(DestinationFromChat(-1001)) {
		t.Fatal("approved destination missing from registry")
	}

	// The cycle pass skips the head for the caught-up destination.
	out := s.engine.Deliver(ctx, 101)
	if out.Success != 0 || tx.forwardsTo(-1001) != 1 {
		t.Fatalf("head redelivered to caught-up destination: %+v", out)
	}
}

func TestWrongSecretDoesNotRegister(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	s.HandleUpdate(ctx, groupText(-1001, 42, "/register"))
	s.HandleUpdate(ctx, privateText(42, "letmein"))

	if s.registry.Len() != 0 {
		t.Fatal("registry mutated by a wrong secret")
	}
	if !s.gate.HasPending(42) {
		t.Fatal("pending registration dropped after a single wrong secret")
	}
}

func TestUnrelatedGroupTextIgnored(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	s.HandleUpdate(ctx, groupText(-1001, 42, "hello all"))
	if s.gate.PendingCount() != 0 {
		t.Fatal("non-trigger text opened a pending registration")
	}

	// Private text without a pending registration is ignored too.
	s.HandleUpdate(ctx, privateText(42, "hunter2"))
	if s.registry.Len() != 0 {
		t.Fatal("stray private text mutated the registry")
	}
}

func TestControlCommands(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	reply, handled := s.HandleControlCommand(ctx, "set-message-interval 15")
	if !handled || !strings.Contains(reply, "15") {
		t.Fatalf("set-message-interval reply = %q handled=%v", reply, handled)
	}
	if got := s.settings.MessageInterval(); got != 15*time.Minute {
		t.Fatalf("MessageInterval = %s, want 15m", got)
	}

	reply, handled = s.HandleControlCommand(ctx, "set-resend-interval 90")
	if !handled || !strings.Contains(reply, "90") {
		t.Fatalf("set-resend-interval reply = %q handled=%v", reply, handled)
	}
	if got := s.settings.CycleInterval(); got != 90*time.Minute {
		t.Fatalf("CycleInterval = %s, want 90m", got)
	}

	for _, bad := range []string{
		"set-message-interval",
		"set-message-interval abc",
		"set-message-interval 0",
	} {
		reply, handled = s.HandleControlCommand(ctx, bad)
		if !handled || !strings.HasPrefix(reply, "usage:") {
			t.Fatalf("HandleControlCommand(%q) = %q handled=%v, want usage hint", bad, reply, handled)
		}
	}
	// The rejected values left the settings alone.
	if got := s.settings.MessageInterval(); got != 15*time.Minute {
		t.Fatalf("MessageInterval = %s after bad input, want 15m", got)
	}

	if _, handled = s.HandleControlCommand(ctx, "just a post"); handled {
		t.Fatal("ordinary text treated as a command")
	}
}

func TestShowStatus(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx, "-100", "-200")
	ctx := context.Background()

	s.ledger.RecordIfNew(ctx, 101)

	text := s.StatusText(ctx)
	for _, want := range []string{
		"state: idle",
		"ledger: 1 message(s)",
		"destinations: 2",
		"pending registrations: 0",
		"message interval: 10m0s",
		"resend interval: 1h0m0s",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("status %q missing %q", text, want)
		}
	}
}

func TestShowStatusRepliesToSource(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx)
	ctx := context.Background()

	s.HandleUpdate(ctx, channelPost(5, "show-status"))

	waitFor(t, "status reply", func() bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return len(tx.texts) == 1 && tx.texts[0].To == testSourceChat
	})
	// A command post never lands in the ledger.
	if s.ledger.Len() != 0 {
		t.Fatalf("ledger len = %d after command post, want 0", s.ledger.Len())
	}
}

func TestConfigDestinationsSeedRegistry(t *testing.T) {
	tx := &fakeTransport{}
	s := newTestService(t, tx, "-100", " -200 ", "")

	want := []Destination{"-100", "-200"}
	got := s.registry.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}
