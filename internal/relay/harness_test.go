package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybot/internal/liststore"
	"relaybot/internal/transport"
)

// fakeTransport implements ServiceTransport for tests.
type fakeTransport struct {
	mu sync.Mutex

	forwards []fakeForward
	pins     []transport.MessageRef
	texts    []fakeText

	// forwardErr, when set, decides the outcome per call.
	forwardErr func(to int64, messageID int) error
	// sendErr, when set, decides SendText outcomes per recipient.
	sendErr func(to int64) error

	nextID int
}

type fakeForward struct {
	To        int64
	MessageID int
}

type fakeText struct {
	To   int64
	Text string
}

func (f *fakeTransport) Forward(ctx context.Context, to int64, from int64, messageID int) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardErr != nil {
		if err := f.forwardErr(to, messageID); err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.forwards = append(f.forwards, fakeForward{To: to, MessageID: messageID})
	f.nextID++
	return transport.MessageRef{ChatID: to, MessageID: f.nextID}, nil
}

func (f *fakeTransport) Pin(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, ref)
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, to int64, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(to); err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.texts = append(f.texts, fakeText{To: to, Text: text})
	f.nextID++
	return transport.MessageRef{ChatID: to, MessageID: f.nextID}, nil
}

func (f *fakeTransport) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

func (f *fakeTransport) forwardsTo(chat int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fw := range f.forwards {
		if fw.To == chat {
			n++
		}
	}
	return n
}

func newTestLists(t *testing.T) *liststore.Store {
	t.Helper()
	s, err := liststore.New(t.TempDir())
	if err != nil {
		t.Fatalf("liststore.New: %v", err)
	}
	return s
}

// testEngineConfig removes pacing and backoff waits.
func testEngineConfig(sourceChat int64) EngineConfig {
	return EngineConfig{
		SourceChat:     sourceChat,
		Pace:           time.Nanosecond,
		ForwardBackoff: func(int) time.Duration { return 0 },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
