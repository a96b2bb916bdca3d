// Package channel provides an in-memory transport backed by Watermill's Go
// channel pub/sub. Connections dialed with the same address share one
// in-process broker, which makes it useful for tests and local development.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/rbmqflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var (
	errConnClosed    = errors.New("channel transport: connection closed")
	errChannelClosed = errors.New("channel transport: channel closed")
	errSettled       = errors.New("channel transport: message already settled")
)

// Factory allows overriding the broker creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var brokers = struct {
	mu sync.Mutex
	m  map[string]*gochannel.GoChannel
}{m: make(map[string]*gochannel.GoChannel)}

func init() {
	Register()
}

// Register registers the transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Dial, transport.ChannelCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Dial connects to the in-process broker named by the config address.
func Dial(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return newConn(broker(cfg.GetAddress(), logger), logger), nil
}

// broker returns the shared pub/sub for address, creating it on first use.
func broker(address string, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	brokers.mu.Lock()
	defer brokers.mu.Unlock()

	if ps, ok := brokers.m[address]; ok {
		return ps
	}
	ps := Factory(gochannel.Config{OutputChannelBuffer: 0}, logger)
	brokers.m[address] = ps
	return ps
}

// Conn is an in-memory connection. Drop and SetBlocked let tests simulate
// transport failures and broker flow control.
type Conn struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	closeCh   chan error
	blockedCh chan bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ps *gochannel.GoChannel, logger watermill.LoggerAdapter) *Conn {
	return &Conn{
		pubSub:    ps,
		logger:    logger,
		closeCh:   make(chan error, 1),
		blockedCh: make(chan bool),
		done:      make(chan struct{}),
	}
}

// Channel opens a logical channel on the connection.
func (c *Conn) Channel(ctx context.Context) (transport.Channel, error) {
	select {
	case <-c.done:
		return nil, errConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-chCtx.Done():
		}
	}()
	return &Channel{conn: c, ctx: chCtx, cancel: cancel}, nil
}

func (c *Conn) NotifyClose() <-chan error  { return c.closeCh }
func (c *Conn) NotifyBlocked() <-chan bool { return c.blockedCh }

// Close closes the connection gracefully.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop simulates an unexpected transport failure.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("channel transport: connection dropped")
	}
	c.shutdown(err)
}

// SetBlocked simulates broker flow control. It returns false when the
// connection is already closed.
func (c *Conn) SetBlocked(blocked bool) bool {
	select {
	case c.blockedCh <- blocked:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.logger.Error("In-memory connection dropped", err, nil)
			c.closeCh <- err
		}
		close(c.done)
		close(c.closeCh)
	})
}

// Channel is an in-memory logical channel.
type Channel struct {
	conn   *Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Publish hands msg to the in-process broker. The broker has no publisher
// confirms, so the returned Confirmation is always nil.
func (ch *Channel) Publish(ctx context.Context, topic string, msg *message.Message) (transport.Confirmation, error) {
	if ch.ctx.Err() != nil {
		return nil, errChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ch.conn.pubSub.Publish(topic, msg)
}

// Consume subscribes to topic until ctx ends or the channel closes.
func (ch *Channel) Consume(ctx context.Context, topic string) (<-chan transport.Inbound, error) {
	if ch.ctx.Err() != nil {
		return nil, errChannelClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(ch.ctx, cancel)

	msgs, err := ch.conn.pubSub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan transport.Inbound)
	go func() {
		defer close(out)
		defer cancel()
		for msg := range msgs {
			select {
			case out <- &inbound{msg: msg}:
			case <-subCtx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close cancels every subscription opened on the channel.
func (ch *Channel) Close() error {
	ch.cancel()
	return nil
}

// inbound tracks settlement itself because Watermill reports a repeated Ack
// or Nack of the same kind as success.
type inbound struct {
	msg     *message.Message
	settled atomic.Bool
}

func (i *inbound) Message() *message.Message { return i.msg }

func (i *inbound) Ack() error {
	if !i.settled.CompareAndSwap(false, true) || !i.msg.Ack() {
		return errSettled
	}
	return nil
}

// Reject without requeue discards the message; the in-process broker treats
// an ack as removal.
func (i *inbound) Reject(requeue bool) error {
	if !i.settled.CompareAndSwap(false, true) {
		return errSettled
	}
	var ok bool
	if requeue {
		ok = i.msg.Nack()
	} else {
		ok = i.msg.Ack()
	}
	if !ok {
		return errSettled
	}
	return nil
}
