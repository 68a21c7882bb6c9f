// Package modification overlays user-declared changes onto the device and
// entity registry and keeps them in place while integrations keep writing.
//
// Three kinds exist:
//
//   - device: force attribute values (manufacturer, model, versions, serial
//     number, via device) onto one device
//   - entity: move one entity to another device
//   - merge: collapse member devices into a primary device, reassigning
//     every member entity and optionally disabling the members
//
// For each overlaid attribute the engine keeps the most recent value
// written by anyone else ("original data"). A third-party write to an
// overlaid attribute replaces the original and the overlay is written
// again on top; removing the modification restores the originals.
//
// The engine's own writes are hidden from its change handler: the handler
// is unregistered for the duration of the write and one pending
// suppression is added per write when it is registered again.
//
// All engine work runs on the listener.Dispatcher goroutine. The Manager
// submits operations through Runner.Do; change events arrive on the same
// goroutine, so an engine never sees its own state mid-update.
//
// Records and their original data are persisted with SQLiteStore. Original
// data changes during reconciliation are batched by SnapshotSaver.
package modification
