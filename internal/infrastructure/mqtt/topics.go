package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
const (
	// TopicPrefix is the root of every topic.
	TopicPrefix = "graylogic"

	// TopicPrefixRegistry is the base for inbound registry writes.
	TopicPrefixRegistry = "graylogic/registry"

	// TopicPrefixCore is the base for topics published by the service.
	TopicPrefixCore = "graylogic/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.RegistrySet("device", "dev-1")
//	// Returns: "graylogic/registry/device/dev-1/set"
type Topics struct{}

// =============================================================================
// Registry Ingress
// =============================================================================

// RegistrySet returns the topic third-party writers publish partial
// attribute updates to.
//
// Example: graylogic/registry/device/dev-1/set
func (Topics) RegistrySet(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s/set", TopicPrefixRegistry, kind, id)
}

// AllRegistrySets returns a pattern matching every write for one kind.
//
// Pattern: graylogic/registry/device/+/set
func (Topics) AllRegistrySets(kind string) string {
	return fmt.Sprintf("%s/%s/+/set", TopicPrefixRegistry, kind)
}

// ParseRegistrySet extracts kind and id from a RegistrySet topic.
func (Topics) ParseRegistrySet(topic string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixRegistry+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// =============================================================================
// Core Egress
// =============================================================================

// RegistryChanged returns the topic a registry change event is published to.
//
// Example: graylogic/core/registry/entity/ent-1/update
func (Topics) RegistryChanged(kind, id, action string) string {
	return fmt.Sprintf("%s/registry/%s/%s/%s", TopicPrefixCore, kind, id, action)
}

// ModificationEvent returns the topic for modification lifecycle events.
//
// Example: graylogic/core/modification/3f2c.../applied
func (Topics) ModificationEvent(recordID, event string) string {
	return fmt.Sprintf("%s/modification/%s/%s", TopicPrefixCore, recordID, event)
}

// AllRegistryChanges returns a pattern matching every registry change.
//
// Pattern: graylogic/core/registry/#
func (Topics) AllRegistryChanges() string {
	return fmt.Sprintf("%s/registry/#", TopicPrefixCore)
}

// AllModificationEvents returns a pattern matching every lifecycle event.
//
// Pattern: graylogic/core/modification/+/+
func (Topics) AllModificationEvents() string {
	return fmt.Sprintf("%s/modification/+/+", TopicPrefixCore)
}

// =============================================================================
// System Topics
// =============================================================================

// ServiceStatus returns the retained online/offline status topic.
//
// Example: graylogic/system/devicetools/status
func (Topics) ServiceStatus() string {
	return fmt.Sprintf("%s/devicetools/status", TopicPrefixSystem)
}

// AllTopics returns a pattern matching every topic.
// Use with caution; this receives all traffic.
//
// Pattern: graylogic/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
