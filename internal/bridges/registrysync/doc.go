// Package registrysync connects the device/entity registry and the
// modification manager to the MQTT bus.
//
// Ingress: third-party writers (protocol bridges reporting firmware
// versions, integrations renaming entities) publish partial attribute sets
// to
//
//	graylogic/registry/{device|entity}/{id}/set
//
// and the bridge applies them with Registry.UpdateDevice/UpdateEntity.
// These writes race with active modifications exactly like any other
// external writer.
//
// Egress: the bridge is a registry.Notifier and a modification.EventSink.
// Both callbacks only enqueue; a single publisher goroutine drains the
// queue to
//
//	graylogic/core/registry/{kind}/{id}/{action}
//	graylogic/core/modification/{record_id}/{event}
//
// and, when a history writer is configured, to InfluxDB.
package registrysync
