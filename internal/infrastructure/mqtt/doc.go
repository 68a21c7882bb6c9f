// Package mqtt provides MQTT client connectivity for the device tools
// service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Protocol bridges write registry attributes through
//
//	graylogic/registry/{device|entity}/{id}/set
//
// and the service publishes
//
//	graylogic/core/registry/{kind}/{id}/{create|update|remove}
//	graylogic/core/modification/{record_id}/{event}
//	graylogic/system/devicetools/status   (retained)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRegistrySets("device"), 1, handler)
package mqtt
