// Package transport defines the connection abstraction the rbmqflow runtime
// drives. Each broker implementation (rabbitmq, nats, channel) lives in its own
// sub-package and registers a Dialer with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Credentials is the authentication material presented during the handshake.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string
	GetAddress() string
	GetCredentials() Credentials
	GetDialTimeout() time.Duration
	GetHeartbeat() time.Duration
	GetPrefetchCount() int
}

// Dialer opens one physical connection to a broker. It must return only after
// the handshake has completed or failed.
type Dialer func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error)

// Conn is one physical broker connection able to multiplex channels.
type Conn interface {
	// Channel opens a new logical channel on the connection.
	Channel(ctx context.Context) (Channel, error)

	// NotifyClose returns a channel that receives at most one error when the
	// connection drops unexpectedly. It is closed once the connection is gone,
	// whether the drop was graceful or not.
	NotifyClose() <-chan error

	// NotifyBlocked returns a channel reporting broker flow control: true while
	// the broker refuses publishes, false once it resumes. A nil channel means
	// the transport never applies backpressure.
	NotifyBlocked() <-chan bool

	Close() error
}

// Channel is one logical session over a Conn.
type Channel interface {
	// Publish sends msg to topic. When the transport supports publisher
	// confirms the returned Confirmation resolves once the broker has taken
	// responsibility for the message; otherwise it is nil.
	Publish(ctx context.Context, topic string, msg *message.Message) (Confirmation, error)

	// Consume subscribes to topic. The returned channel is closed when ctx
	// ends or the channel is closed.
	Consume(ctx context.Context, topic string) (<-chan Inbound, error)

	Close() error
}

// Confirmation is a pending broker acknowledgment for a published message.
type Confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// Inbound is a message received from the broker awaiting settlement.
type Inbound interface {
	Message() *message.Message
	Ack() error
	Reject(requeue bool) error
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
