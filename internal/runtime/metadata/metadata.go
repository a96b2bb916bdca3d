// Package metadata holds the headers rbmqflow stamps on messages and the
// helpers that move them between Watermill messages and plain maps.
package metadata

import (
	"sort"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Header keys written by the runtime. Applications should not reuse them.
const (
	KeyMessageID   = "rbmqflow_message_id"
	KeyDeliveryID  = "rbmqflow_delivery_id"
	KeyChannelID   = "rbmqflow_channel_id"
	KeySchema      = "rbmqflow_schema"
	KeyContentType = "content_type"
)

// Metadata represents the headers carried alongside a message. It implements
// the OpenTelemetry TextMapCarrier contract so trace context can be injected
// into and extracted from it directly.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

func (m Metadata) Get(key string) string { return m[key] }
func (m Metadata) Set(key, value string) { m[key] = value }

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromMessage copies the headers of msg.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil {
		return Metadata{}
	}
	return Metadata(msg.Metadata).Clone()
}

// Apply writes every header in m onto msg, overwriting existing keys.
func (m Metadata) Apply(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}

// StampDelivery records the channel and delivery ids on msg.
func StampDelivery(msg *message.Message, channelID uint16, deliveryID uint64) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, 2)
	}
	msg.Metadata.Set(KeyChannelID, strconv.FormatUint(uint64(channelID), 10))
	msg.Metadata.Set(KeyDeliveryID, strconv.FormatUint(deliveryID, 10))
}
