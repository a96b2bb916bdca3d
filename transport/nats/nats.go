// Package nats provides a NATS Core transport for rbmqflow.
// NATS Core has neither publisher confirms nor consumer acknowledgments:
// outbound deliveries stay pending until the caller settles them, and
// settling an inbound message is a local no-op.
package nats

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/rbmqflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	clientName        = "rbmqflow"
	subscriptionDepth = 64
)

var (
	errConnClosed    = errors.New("nats transport: connection closed")
	errChannelClosed = errors.New("nats transport: channel closed")
)

// ConnectFactory allows overriding the NATS connect for testing.
var ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Dial, transport.NATSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Dial connects to a NATS server. Client-side reconnects are disabled: a
// dropped connection is reported through NotifyClose and the runtime decides
// whether to dial again.
func Dial(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Conn, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &Conn{
		logger:    logger,
		marshaler: &wnats.NATSMarshaler{},
		closeCh:   make(chan error, 1),
	}
	nc, err := ConnectFactory(cfg.GetAddress(), options(ctx, cfg, c)...)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	logger.Debug("NATS connection established", watermill.LogFields{"server": nc.ConnectedUrlRedacted()})
	return c, nil
}

func options(ctx context.Context, cfg transport.Config, c *Conn) []nats.Option {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.NoReconnect(),
		nats.Timeout(cfg.GetDialTimeout()),
		nats.SetCustomDialer(&ctxDialer{ctx: ctx, timeout: cfg.GetDialTimeout()}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.fail(err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.finish()
		}),
	}
	if hb := cfg.GetHeartbeat(); hb > 0 {
		opts = append(opts, nats.PingInterval(hb))
	}
	if creds := cfg.GetCredentials(); !creds.Empty() {
		opts = append(opts, nats.UserInfo(creds.Username, creds.Password))
	}
	return opts
}

type ctxDialer struct {
	ctx     context.Context
	timeout time.Duration
}

func (d *ctxDialer) Dial(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(d.ctx, network, address)
}

// Conn wraps a NATS connection.
type Conn struct {
	nc        *nats.Conn
	logger    watermill.LoggerAdapter
	marshaler *wnats.NATSMarshaler

	mu      sync.Mutex
	failed  bool
	closed  bool
	closeCh chan error
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed || c.closed {
		return
	}
	c.failed = true
	c.logger.Error("NATS connection lost", err, nil)
	c.closeCh <- err
}

func (c *Conn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
}

// Channel returns a logical channel. NATS has no channel concept, so every
// channel shares the underlying connection.
func (c *Conn) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.nc.IsClosed() {
		return nil, errConnClosed
	}
	return &Channel{conn: c, done: make(chan struct{})}, nil
}

func (c *Conn) NotifyClose() <-chan error { return c.closeCh }

// NotifyBlocked returns nil; NATS Core applies no broker flow control.
func (c *Conn) NotifyBlocked() <-chan bool { return nil }

func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

// Channel publishes and subscribes over the shared NATS connection.
type Channel struct {
	conn *Conn

	mu        sync.Mutex
	subs      []*nats.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// Publish sends msg on the subject named by topic. The returned Confirmation
// is always nil.
func (ch *Channel) Publish(ctx context.Context, topic string, msg *message.Message) (transport.Confirmation, error) {
	select {
	case <-ch.done:
		return nil, errChannelClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	natsMsg, err := ch.conn.marshaler.Marshal(topic, msg)
	if err != nil {
		return nil, err
	}
	return nil, ch.conn.nc.PublishMsg(natsMsg)
}

// Consume subscribes to the subject named by topic until ctx ends or the
// channel closes.
func (ch *Channel) Consume(ctx context.Context, topic string) (<-chan transport.Inbound, error) {
	ch.mu.Lock()
	select {
	case <-ch.done:
		ch.mu.Unlock()
		return nil, errChannelClosed
	default:
	}
	msgs := make(chan *nats.Msg, subscriptionDepth)
	sub, err := ch.conn.nc.ChanSubscribe(topic, msgs)
	if err != nil {
		ch.mu.Unlock()
		return nil, err
	}
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()

	out := make(chan transport.Inbound)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.done:
				return
			case natsMsg := <-msgs:
				msg, err := ch.conn.marshaler.Unmarshal(natsMsg)
				if err != nil {
					ch.conn.logger.Error("Cannot unmarshal NATS message, dropping", err, watermill.LogFields{"subject": natsMsg.Subject})
					continue
				}
				select {
				case out <- inbound{msg: msg}:
				case <-ctx.Done():
					return
				case <-ch.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close unsubscribes every subscription opened on the channel. The shared
// connection stays open.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closeOnce.Do(func() { close(ch.done) })
	subs := ch.subs
	ch.subs = nil
	ch.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type inbound struct {
	msg *message.Message
}

func (i inbound) Message() *message.Message { return i.msg }
func (i inbound) Ack() error                { return nil }
func (i inbound) Reject(bool) error         { return nil }
