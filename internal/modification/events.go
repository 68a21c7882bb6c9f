package modification

import "time"

// Lifecycle event names.
const (
	EventApplied     = "applied"
	EventApplyFailed = "apply_failed"
	EventReverted    = "reverted"
	EventReconciled  = "reconciled"
)

// LifecycleEvent describes one step in a modification's life.
type LifecycleEvent struct {
	RecordID string    `json:"record_id"`
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	TargetID string    `json:"target_id"`
	Event    string    `json:"event"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives lifecycle events. It is called on the dispatcher
// goroutine and must not block.
type EventSink interface {
	ModificationEvent(ev LifecycleEvent)
}

func lifecycleEvent(rec *Record, op string, err error) LifecycleEvent {
	ev := LifecycleEvent{
		RecordID: rec.ID,
		Name:     rec.Name,
		Kind:     rec.Kind,
		TargetID: rec.TargetID,
		At:       time.Now().UTC(),
	}
	switch op {
	case opApply:
		ev.Event = EventApplied
		if err != nil {
			ev.Event = EventApplyFailed
		}
	case opRevert:
		ev.Event = EventReverted
	case opReconcile:
		ev.Event = EventReconciled
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
