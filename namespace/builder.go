// Package namespace builds the topic, key and channel names every
// republishing service derives from the namespace and an optional selector.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

func New(namespace, selector string) *Builder {
	return &Builder{namespace: namespace, selector: selector}
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns {ns}[/{sel}].
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTTelemetryTopic returns {base}/telemetry, the retained record document.
func (b *Builder) MQTTTelemetryTopic() string { return b.MQTTBase() + "/telemetry" }

// MQTTChannelTopic returns {base}/channels/{name}.
func (b *Builder) MQTTChannelTopic(name string) string { return b.MQTTBase() + "/channels/" + name }

// MQTTStatusTopic returns {base}/status, online/offline with a last will.
func (b *Builder) MQTTStatusTopic() string { return b.MQTTBase() + "/status" }

func (b *Builder) MQTTWriteTopic() string         { return b.MQTTBase() + "/write" }
func (b *Builder) MQTTWriteResponseTopic() string { return b.MQTTBase() + "/write/response" }

// --- Valkey (delimiter: :) ---

// ValkeyBase returns {ns}[:{sel}] with stray colons trimmed from each part.
func (b *Builder) ValkeyBase() string { return JoinKey(b.namespace, b.selector) }

func (b *Builder) ValkeyLatestKey() string            { return JoinKey(b.ValkeyBase(), "latest") }
func (b *Builder) ValkeyChangesChannel() string       { return JoinKey(b.ValkeyBase(), "changes") }
func (b *Builder) ValkeyWriteQueue() string           { return JoinKey(b.ValkeyBase(), "writes") }
func (b *Builder) ValkeyWriteResponseChannel() string { return JoinKey(b.ValkeyBase(), "write", "responses") }

// JoinKey joins key segments with colons, trimming colons from each segment
// so no key part is empty.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		if s = strings.Trim(s, ":"); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: .) ---

// KafkaTelemetryTopic returns override when set, else {ns}[.{sel}].telemetry.
func (b *Builder) KafkaTelemetryTopic(override string) string {
	if override != "" {
		return override
	}
	return b.kafkaBase() + ".telemetry"
}

// KafkaWriteTopic returns {telemetry}.writes.
func (b *Builder) KafkaWriteTopic(override string) string {
	return b.KafkaTelemetryTopic(override) + ".writes"
}

// KafkaWriteResponseTopic returns {telemetry}.writes.response.
func (b *Builder) KafkaWriteResponseTopic(override string) string {
	return b.KafkaWriteTopic(override) + ".response"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "." + b.selector
	}
	return b.namespace
}
