package transport

import "context"

type UpdateKind string

const (
	UpdateChannelPost UpdateKind = "channel_post"
	UpdateMessage     UpdateKind = "message"
)

// Scope classifies where a message came from.
type Scope string

const (
	ScopeChannel Scope = "channel"
	ScopeGroup   Scope = "group"
	ScopePrivate Scope = "private"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	Scope        Scope
	FromID       int64
	FromUsername string
	Text         string
	Edited       bool
}

// MessageRef identifies a concrete message inside a chat.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Identity is the bot's own identity as reported by the platform.
type Identity struct {
	ID       int64
	Username string
}

// Adapter is the messaging transport consumed by the relay core.
//
// Forward copies a source message verbatim into another chat and returns a
// reference to the forwarded copy. Pin is best-effort; callers are expected
// to ignore its error. Self doubles as a liveness probe.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Forward(ctx context.Context, to int64, from int64, messageID int) (MessageRef, error)
	Pin(ctx context.Context, ref MessageRef) error
	SendText(ctx context.Context, to int64, text string) (MessageRef, error)

	// DropPendingUpdates clears any webhook and discards queued updates so a
	// restarted process does not replay stale traffic.
	DropPendingUpdates(ctx context.Context) error

	Self(ctx context.Context) (Identity, error)
}
