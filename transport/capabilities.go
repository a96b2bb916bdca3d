package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsConfirms indicates the broker confirms published messages, so
	// outbound deliveries settle without an explicit Ack.
	SupportsConfirms bool

	// SupportsAck indicates inbound messages can be acknowledged.
	SupportsAck bool

	// SupportsNack indicates inbound messages can be rejected and requeued.
	SupportsNack bool

	// SupportsBackpressure indicates the transport reports broker flow control.
	SupportsBackpressure bool

	// SupportsPrefetch indicates consumer prefetch (QoS) is honoured.
	SupportsPrefetch bool

	// MaxChannels is the negotiated channel limit (0 = unlimited/unknown).
	MaxChannels int

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if inbound messages can be both
// acknowledged and requeued.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresExplicitSettle returns true if outbound deliveries stay pending
// until the caller acknowledges them.
func (c Capabilities) RequiresExplicitSettle() bool {
	return !c.SupportsConfirms
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		SupportsAck:  true,
		SupportsNack: true,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP 0-9-1 transport.
	RabbitMQCapabilities = Capabilities{
		Name:                 "rabbitmq",
		SupportsConfirms:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsBackpressure: true,
		SupportsPrefetch:     true,
		MaxChannels:          2047,
		MaxMessageSize:       134217728, // RabbitMQ default max_message_size
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}
)
