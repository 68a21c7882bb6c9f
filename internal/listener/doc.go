// Package listener delivers registry change events to per-item handlers.
//
// A Dispatcher owns a single goroutine. Registry writes queue events with
// Notify; the dispatcher hands each one to the Listener routed for its
// kind, which invokes the handlers registered for the event's target ID.
// Work that must observe a consistent view of handler registrations is
// submitted with Dispatcher.Do and runs on the same goroutine.
//
// Because delivery is asynchronous, a handler that writes to its own target
// would otherwise see its own write as an external change. The write side
// suppresses exactly that event by its sequence number, so a third-party
// write queued around it is still delivered:
//
//	l.Unregister(id, h)
//	ev, _ := reg.UpdateDevice(ctx, id, attrs)
//	l.Ignore(id, h, ev.Seq) // no-op for the zero event
//	l.Register(id, h)
package listener
