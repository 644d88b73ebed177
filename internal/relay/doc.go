// Package relay implements the message relay core: the registration gate,
// the destination registry, the message ledger, the dispatch engine, and
// the perpetual cycle scheduler.
//
// Delivery is at-least-once with bounded duplicate suppression. State is
// persisted through small line files; a restart loses only the in-memory
// resend window, so one extra delivery per message may occur after boot.
package relay
