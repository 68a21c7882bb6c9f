// Package registry holds the device and entity registries that
// modifications are layered on top of.
//
// The Registry keeps every device and entity in memory, persists through a
// Repository (SQLite in production) and emits a ChangeEvent to each
// Notifier after a mutation commits.
//
// Updates are partial and report what actually changed:
//
//	ev, err := reg.UpdateDevice(ctx, id, registry.Attributes{
//	    registry.AttrSWVersion: "2.0",
//	})
//	// ev.Changes == []string{"sw_version"}, or the zero event when it
//	// already was "2.0"
//
// No event is emitted for an update that changes nothing, which lets
// listeners treat every update event as a real transition. The returned
// event is the one notifiers receive, so its Seq lets a writer recognise
// its own write when the event comes back.
//
// Thread Safety:
//
// All Registry methods are safe for concurrent use. Writers are serialised
// so a read-modify-write of one attribute never loses another writer's
// change. Notifiers run on the writer's goroutine after the lock is
// released.
package registry
