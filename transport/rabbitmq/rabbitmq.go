// Package rabbitmq provides a RabbitMQ/AMQP 0-9-1 transport for rbmqflow.
// Channels run in publisher-confirm mode, consumer deliveries are settled
// manually, and connection.blocked notifications surface as backpressure.
package rabbitmq

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/rbmqflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

const defaultLocale = "en_US"

// DialFactory allows overriding the AMQP dial for testing.
var DialFactory = func(url string, cfg amqp091.Config) (*amqp091.Connection, error) {
	return amqp091.DialConfig(url, cfg)
}

// TopologyFactory builds the exchange/queue layout and marshaler used for a
// connection. The default declares one durable fanout exchange per topic and
// one durable queue named after the topic.
var TopologyFactory = func(address string) wamqp.Config {
	return wamqp.NewDurablePubSubConfig(address, wamqp.GenerateQueueNameTopicName)
}

func init() {
	Register()
}

// Register registers the transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Dial, transport.RabbitMQCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Dial opens an AMQP connection and waits for the handshake to finish.
func Dial(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Conn, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	conn, err := DialFactory(cfg.GetAddress(), amqpConfig(ctx, cfg))
	if err != nil {
		return nil, err
	}
	logger.Debug("AMQP connection established", watermill.LogFields{"channel_max": conn.Config.ChannelMax})
	return newConn(conn, TopologyFactory(cfg.GetAddress()), cfg.GetPrefetchCount(), logger), nil
}

func amqpConfig(ctx context.Context, cfg transport.Config) amqp091.Config {
	amqpCfg := amqp091.Config{
		Heartbeat: cfg.GetHeartbeat(),
		Locale:    defaultLocale,
		Dial:      dialContext(ctx, cfg.GetDialTimeout()),
	}
	if creds := cfg.GetCredentials(); !creds.Empty() {
		amqpCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{
			Username: creds.Username,
			Password: creds.Password,
		}}
	}
	return amqpCfg
}

// dialContext mirrors amqp091.DefaultDial but honours ctx. The deadline set
// here covers the handshake; amqp091 clears it once the connection is open.
func dialContext(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

// Conn wraps an amqp091 connection.
type Conn struct {
	conn     *amqp091.Connection
	topology wamqp.Config
	prefetch int
	logger   watermill.LoggerAdapter

	closeCh   chan error
	blockedCh chan bool
}

func newConn(conn *amqp091.Connection, topology wamqp.Config, prefetch int, logger watermill.LoggerAdapter) *Conn {
	c := &Conn{
		conn:      conn,
		topology:  topology,
		prefetch:  prefetch,
		logger:    logger,
		closeCh:   make(chan error, 1),
		blockedCh: make(chan bool, 1),
	}
	go c.watch(
		conn.NotifyClose(make(chan *amqp091.Error, 1)),
		conn.NotifyBlocked(make(chan amqp091.Blocking, 1)),
	)
	return c
}

// watch forwards amqp091 notifications. amqp091 delivers blocked
// notifications synchronously, so this loop never stops reading them while
// the connection is alive.
func (c *Conn) watch(closed <-chan *amqp091.Error, blocked <-chan amqp091.Blocking) {
	for {
		select {
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				c.logger.Error("AMQP connection closed by broker", amqpErr, watermill.LogFields{
					"code":   amqpErr.Code,
					"server": amqpErr.Server,
				})
				c.closeCh <- amqpErr
			}
			close(c.closeCh)
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			c.logger.Info("AMQP flow control changed", watermill.LogFields{"active": b.Active, "reason": b.Reason})
			offerLatest(c.blockedCh, b.Active)
		}
	}
}

// offerLatest replaces any unread value so readers always see the newest state.
func offerLatest(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Channel opens an AMQP channel in confirm mode with the configured prefetch.
func (c *Conn) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Channel{
		ch:       ch,
		topology: c.topology,
		logger:   c.logger,
		declared: make(map[string]struct{}),
	}, nil
}

func (c *Conn) NotifyClose() <-chan error  { return c.closeCh }
func (c *Conn) NotifyBlocked() <-chan bool { return c.blockedCh }

// Close closes the connection. Closing an already closed connection is not an error.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

// Channel is one AMQP channel.
type Channel struct {
	ch       *amqp091.Channel
	topology wamqp.Config
	logger   watermill.LoggerAdapter

	mu       sync.Mutex
	declared map[string]struct{}
}

// declareExchange declares the exchange for topic once per channel and
// returns its name. An empty name selects the default exchange.
func (ch *Channel) declareExchange(topic string) (string, error) {
	name := ch.topology.Exchange.GenerateName(topic)
	if name == "" {
		return "", nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, ok := ch.declared[name]; ok {
		return name, nil
	}
	err := ch.ch.ExchangeDeclare(
		name,
		ch.topology.Exchange.Type,
		ch.topology.Exchange.Durable,
		ch.topology.Exchange.AutoDeleted,
		false,
		false,
		nil,
	)
	if err != nil {
		return "", err
	}
	ch.declared[name] = struct{}{}
	return name, nil
}

// Publish marshals msg and publishes it with a deferred confirmation.
func (ch *Channel) Publish(ctx context.Context, topic string, msg *message.Message) (transport.Confirmation, error) {
	exchange, err := ch.declareExchange(topic)
	if err != nil {
		return nil, err
	}
	routingKey := ""
	if exchange == "" {
		routingKey = topic
	}

	publishing, err := ch.topology.Marshaler.Marshal(msg)
	if err != nil {
		return nil, err
	}

	dc, err := ch.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

// Consume declares and binds the topic queue and starts a manual-ack consumer.
func (ch *Channel) Consume(ctx context.Context, topic string) (<-chan transport.Inbound, error) {
	exchange, err := ch.declareExchange(topic)
	if err != nil {
		return nil, err
	}

	queue, err := ch.ch.QueueDeclare(
		ch.topology.Queue.GenerateName(topic),
		ch.topology.Queue.Durable,
		ch.topology.Queue.AutoDelete,
		ch.topology.Queue.Exclusive,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}
	if exchange != "" {
		if err := ch.ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
			return nil, err
		}
	}

	deliveries, err := ch.ch.ConsumeWithContext(ctx, queue.Name, ch.topology.Consume.Consumer, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.Inbound)
	go func() {
		defer close(out)
		for d := range deliveries {
			msg, err := ch.topology.Marshaler.Unmarshal(d)
			if err != nil {
				ch.logger.Error("Cannot unmarshal AMQP delivery, rejecting", err, watermill.LogFields{
					"queue":        queue.Name,
					"delivery_tag": d.DeliveryTag,
				})
				_ = d.Reject(false)
				continue
			}
			select {
			case out <- &inbound{delivery: d, msg: msg}:
			case <-ctx.Done():
				_ = d.Reject(true)
				return
			}
		}
	}()
	return out, nil
}

func (ch *Channel) Close() error {
	if err := ch.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

type inbound struct {
	delivery amqp091.Delivery
	msg      *message.Message
}

func (i *inbound) Message() *message.Message { return i.msg }
func (i *inbound) Ack() error                { return i.delivery.Ack(false) }
func (i *inbound) Reject(requeue bool) error { return i.delivery.Reject(requeue) }
