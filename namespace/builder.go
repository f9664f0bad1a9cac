// Package namespace builds the topic and key paths for one device, keeping
// the layout consistent across MQTT, Valkey and Kafka.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys for a device.
type Builder struct {
	namespace string
	device    string
}

// New creates a builder for device under namespace.
func New(namespace, device string) *Builder {
	return &Builder{
		namespace: namespace,
		device:    device,
	}
}

// Namespace returns the root the builder was created with.
func (b *Builder) Namespace() string { return b.namespace }

// Device returns the device name.
func (b *Builder) Device() string { return b.device }

// --- MQTT (delimiter: /) ---

// MQTTVarTopic returns the topic for a variable value: {ns}/{device}/vars/{name}
func (b *Builder) MQTTVarTopic(variable string) string {
	return b.mqttBase() + "/vars/" + variable
}

// MQTTWritePrefix returns the prefix of write topics: {ns}/{device}/write/
func (b *Builder) MQTTWritePrefix() string {
	return b.mqttBase() + "/write/"
}

// MQTTWriteFilter returns the subscription filter for writes: {ns}/{device}/write/+
func (b *Builder) MQTTWriteFilter() string {
	return b.MQTTWritePrefix() + "+"
}

// MQTTWriteResponseTopic returns the topic for write results: {ns}/{device}/write-response
func (b *Builder) MQTTWriteResponseTopic() string {
	return b.mqttBase() + "/write-response"
}

func (b *Builder) mqttBase() string {
	return b.namespace + "/" + b.device
}

// --- Valkey (delimiter: :) ---

// ValkeyVarKey returns the key for a variable value: {ns}:{device}:vars:{name}
func (b *Builder) ValkeyVarKey(variable string) string {
	return JoinKey(b.namespace, b.device, "vars", variable)
}

// ValkeyChangesChannel returns the Pub/Sub channel for changes: {ns}:{device}:changes
func (b *Builder) ValkeyChangesChannel() string {
	return JoinKey(b.namespace, b.device, "changes")
}

// ValkeyHealthKey returns the key for device health: {ns}:{device}:health
func (b *Builder) ValkeyHealthKey() string {
	return JoinKey(b.namespace, b.device, "health")
}

// ValkeyWriteQueue returns the list write requests are pushed to: {ns}:{device}:writes
func (b *Builder) ValkeyWriteQueue() string {
	return JoinKey(b.namespace, b.device, "writes")
}

// ValkeyWriteResponseChannel returns the channel for write results: {ns}:{device}:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return JoinKey(b.namespace, b.device, "write", "responses")
}

// JoinKey joins key segments with colons. Leading and trailing colons are
// trimmed from each segment and empty segments are dropped.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaChangesTopic returns the default change topic: {ns}-changes
func (b *Builder) KafkaChangesTopic() string {
	return b.namespace + "-changes"
}

// KafkaHealthTopic returns the health topic paired with a change topic: {topic}.health
func KafkaHealthTopic(topic string) string {
	return topic + ".health"
}
