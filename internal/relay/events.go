package relay

// Event types published on the in-process bus. Data payloads are small
// maps so subscribers (status report, future sinks) stay decoupled.
const (
	EventRecorded        = "relay.recorded"
	EventDelivered       = "relay.delivered"
	EventFailed          = "relay.failed"
	EventLedgerPruned    = "relay.ledger_pruned"
	EventRegistryAdded   = "registry.added"
	EventRegistryRemoved = "registry.removed"
	EventGateApproved    = "gate.approved"
	EventCycleStarted    = "cycle.started"
	EventCycleCompleted  = "cycle.completed"
)
