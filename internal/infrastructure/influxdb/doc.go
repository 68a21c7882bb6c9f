// Package influxdb records registry and modification history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//	modification_events  tags: kind, event        fields: value, record_id, failed
//	registry_changes     tags: kind, action       fields: target_id, changed
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // history recording turned off
//	}
//	defer client.Close()
//
//	client.WriteModificationEvent("device", "applied", rec.ID, false, time.Now())
//
// Write errors are reported asynchronously through SetOnError. Connection
// and health check errors are returned directly.
package influxdb
