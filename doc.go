// Package rbmqflow is a message-broker client runtime built on Watermill. It
// owns one broker connection, multiplexes a fixed number of channels over it
// and tracks every message sent or received as a pending delivery until it is
// acknowledged or rejected.
//
// Start reads the target transport (RabbitMQ, NATS or in-memory Go channels)
// from Config, dials the broker, opens Config.ChannelCount channels and arms a
// shutdown coordinator. Channels expose Send, SendProto and SendJSON for
// publishing and Consume for receiving, with Ack, Reject and Requeue to settle
// deliveries. Publisher confirms settle outbound deliveries automatically when
// the transport supports them.
//
// # Shutdown
//
// Runtime.Shutdown stops every channel from admitting new work, waits up to
// the configured timeout for pending deliveries to settle, then force-rejects
// what is left and closes the channels and the connection. The returned
// ShutdownReport says whether the drain finished cleanly and lists every
// forced delivery per channel. Received messages that were never settled are
// returned to the broker for redelivery.
//
// # Transports
//
// rbmqflow supports 3 transports out of the box:
//   - rabbitmq: AMQP 0-9-1 with publisher confirms and flow control
//   - nats: NATS core messaging
//   - channel: In-memory Go channels for tests and local development
//
// Import github.com/drblury/rbmqflow/transport/transports to register all of
// them, or register a custom Dialer with RegisterTransport.
//
// # Observability
//
// With MetricsEnabled the runtime registers Prometheus collectors and, when
// MetricsPort is set, serves /metrics and a /stats JSON snapshot. DeliveryHooks
// receive sent, received, settled and forced-reject events; LoggingHooks and
// AlertingHooks cover the common cases.
package rbmqflow
