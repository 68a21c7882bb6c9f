package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementModificationEvents = "modification_events"
	MeasurementRegistryChanges    = "registry_changes"
)

// WriteModificationEvent records one modification lifecycle step.
//
// Tags are kind (device, entity, merge) and event (applied, reverted, ...).
// The record ID is a field so it does not inflate series cardinality.
//
// Example:
//
//	client.WriteModificationEvent("merge", "applied", rec.ID, false, time.Now())
func (c *Client) WriteModificationEvent(kind, event, recordID string, failed bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(modificationEventPoint(kind, event, recordID, failed, at))
}

func modificationEventPoint(kind, event, recordID string, failed bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementModificationEvents,
		map[string]string{
			"kind":  kind,
			"event": event,
		},
		map[string]interface{}{
			"value":     1,
			"record_id": recordID,
			"failed":    failed,
		},
		at,
	)
}

// WriteRegistryChange records one registry mutation and how many
// attributes it changed.
func (c *Client) WriteRegistryChange(kind, action, targetID string, changed int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(registryChangePoint(kind, action, targetID, changed, time.Now()))
}

func registryChangePoint(kind, action, targetID string, changed int, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementRegistryChanges,
		map[string]string{
			"kind":   kind,
			"action": action,
		},
		map[string]interface{}{
			"target_id": targetID,
			"changed":   changed,
		},
		at,
	)
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
