package bus

// Run lifecycle topics.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunEvent        = "run.event"
	TopicRunCompleted    = "run.completed"
	TopicRunFailed       = "run.failed"
	TopicRunCanceled     = "run.canceled"
	TopicRunRequeued     = "run.requeued"
)

// RunStateChangedEvent is published when a run's state changes.
type RunStateChangedEvent struct {
	RunID         string // Run ID
	TaskSessionID string // Owning task session ID
	OldState      string // Previous state (e.g. queued)
	NewState      string // New state (e.g. running)
}

// RunEventAppended is published when a new row lands in the event log.
// Stream tails use it to wake up early instead of waiting out their poll
// interval; the log itself is authoritative.
type RunEventAppended struct {
	RunID     string // Run ID
	EventSeq  int64  // Sequence of the appended event
	EventType string // Event type (e.g. run.completed)
}
