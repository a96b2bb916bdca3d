package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	configpkg "github.com/drblury/rbmqflow/internal/runtime/config"
	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
	idspkg "github.com/drblury/rbmqflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
	"github.com/drblury/rbmqflow/transport"
)

// maxChannelID is the highest channel id a connection hands out. Id 0 is
// reserved for connection-level traffic.
const maxChannelID = 65535

// ConnectionDependencies holds the optional collaborators of a Connection.
type ConnectionDependencies struct {
	// Dialer overrides the dialer registered for the configured PubSubSystem.
	Dialer transport.Dialer
	// Registry is consulted when Dialer is nil. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	Logger   loggingpkg.ServiceLogger
	// Metrics defaults to an unregistered collector set.
	Metrics *Metrics
	Hooks   DeliveryHooks
}

// Connection is one physical broker connection and the channels multiplexed
// over it. A Connection that failed is never revived; Reconnect returns a new
// one.
type Connection struct {
	id      string
	address string
	conf    configpkg.Config
	deps    ConnectionDependencies
	caps    transport.Capabilities
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	breaker *gobreaker.CircuitBreaker

	tc    transport.Conn
	state *connectionStateManager

	mu          sync.Mutex
	channels    map[uint16]*Channel // nil value: id reserved by an opening channel
	freeIDs     []uint16            // sorted, lowest reused first
	lastID      uint16
	maxChannels int
	failErr     error
	onFailure   []func(error)
	blocked     bool
	unblocked   chan struct{}
	done        chan struct{} // closed when the connection leaves Open
}

// OpenConnection dials the broker described by conf. On failure the returned
// error is a *ConnectionError and nothing is left open.
func OpenConnection(ctx context.Context, conf *configpkg.Config, deps ConnectionDependencies) (*Connection, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	c := conf.WithDefaults()
	return openConnection(ctx, c, deps, newReconnectBreaker(c, loggingpkg.Component(deps.Logger, "connection")))
}

func openConnection(ctx context.Context, conf configpkg.Config, deps ConnectionDependencies, breaker *gobreaker.CircuitBreaker) (*Connection, error) {
	if deps.Registry == nil {
		deps.Registry = transport.DefaultRegistry
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	caps := deps.Registry.GetCapabilities(conf.PubSubSystem)
	maxChannels := maxChannelID
	if caps.MaxChannels > 0 && caps.MaxChannels < maxChannelID {
		maxChannels = caps.MaxChannels
	}

	unblocked := make(chan struct{})
	close(unblocked)

	id := idspkg.NewConnectionID()
	address := configpkg.RedactAddress(conf.Address)
	c := &Connection{
		id:      id,
		address: address,
		conf:    conf,
		deps:    deps,
		caps:    caps,
		logger: loggingpkg.Component(deps.Logger, "connection").With(loggingpkg.LogFields{
			loggingpkg.FieldConnectionID: id,
			loggingpkg.FieldAddress:      address,
		}),
		metrics:     deps.Metrics,
		breaker:     breaker,
		state:       newConnectionStateManager(),
		channels:    make(map[uint16]*Channel),
		maxChannels: maxChannels,
		unblocked:   unblocked,
		done:        make(chan struct{}),
	}
	c.metrics.setConnectionState(address, ConnectionConnecting)

	dial := deps.Dialer
	if dial == nil {
		dial = deps.Registry.Dial
	}
	tc, err := dial(ctx, &c.conf, loggingpkg.NewWatermillAdapter(c.logger))
	if err == nil && tc == nil {
		err = errors.New("dialer returned no connection")
	}
	if err != nil {
		c.state.set(ConnectionFailed)
		c.metrics.setConnectionState(address, ConnectionFailed)
		c.metrics.recordConnectionFailure(address)
		c.logger.Error("Connection failed", err, nil)
		return nil, &errspkg.ConnectionError{Address: address, Err: err}
	}

	c.tc = tc
	c.state.set(ConnectionOpen)
	c.metrics.setConnectionState(address, ConnectionOpen)
	c.logger.Info("Connection open", loggingpkg.LogFields{"transport": conf.PubSubSystem})

	go c.watch(tc.NotifyClose(), tc.NotifyBlocked())
	return c, nil
}

func newReconnectBreaker(conf configpkg.Config, logger loggingpkg.ServiceLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rbmqflow-connect",
		MaxRequests: 1,
		Timeout:     conf.ReconnectMaxInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Reconnect circuit breaker state changed", loggingpkg.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

func (c *Connection) watch(closed <-chan error, blocked <-chan bool) {
	for {
		select {
		case err, ok := <-closed:
			if ok && err != nil {
				c.fail(err)
				return
			}
			if !ok {
				// the transport went away without reporting why
				c.fail(errspkg.ErrConnectionClosed)
				return
			}
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			c.setBlocked(b)
		case <-c.done:
			return
		}
	}
}

// fail moves an Open connection to Failed, force-closes its channels and runs
// the failure callbacks. It does nothing in any other state.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if !c.state.transition(ConnectionOpen, ConnectionFailed) {
		c.mu.Unlock()
		return
	}
	c.failErr = cause
	callbacks := c.onFailure
	c.onFailure = nil
	channels := c.ownedChannels()
	close(c.done)
	c.mu.Unlock()

	c.metrics.setConnectionState(c.address, ConnectionFailed)
	c.metrics.recordConnectionFailure(c.address)
	c.logger.Error("Connection lost", cause, loggingpkg.LogFields{"channels": len(channels)})

	for _, ch := range channels {
		ch.shutdown(cause, false)
	}
	_ = c.tc.Close()

	for _, cb := range callbacks {
		cb(cause)
	}
}

// OnFailure registers fn to be called once if the connection drops
// unexpectedly. Registering on an already failed connection calls fn
// immediately.
func (c *Connection) OnFailure(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onFailure = append(c.onFailure, fn)
	c.mu.Unlock()
}

// Close force-closes every channel and then the transport connection. Pending
// received messages are returned to the broker first. Close is idempotent and
// does nothing on a failed connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.state.transition(ConnectionOpen, ConnectionClosing) {
		c.mu.Unlock()
		return nil
	}
	channels := c.ownedChannels()
	close(c.done)
	c.mu.Unlock()

	c.metrics.setConnectionState(c.address, ConnectionClosing)
	c.logger.Debug("Connection closing", loggingpkg.LogFields{"channels": len(channels)})

	var errs []error
	for _, ch := range channels {
		if report, first := ch.shutdown(nil, true); first && report.Err != nil {
			errs = append(errs, report.Err)
		}
	}
	if err := c.tc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	c.state.set(ConnectionClosed)
	c.metrics.setConnectionState(c.address, ConnectionClosed)
	c.logger.Info("Connection closed", nil)
	return errors.Join(errs...)
}

// ownedChannels must be called with c.mu held.
func (c *Connection) ownedChannels() []*Channel {
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		if ch != nil {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b *Channel) int { return int(a.id) - int(b.id) })
	return out
}

// reserveChannelID hands out the lowest free channel id while the connection
// is Open.
func (c *Connection) reserveChannelID() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.state.get(); state != ConnectionOpen {
		return 0, &errspkg.ChannelError{ConnectionState: state.String()}
	}
	if len(c.freeIDs) > 0 {
		id := c.freeIDs[0]
		c.freeIDs = c.freeIDs[1:]
		c.channels[id] = nil
		return id, nil
	}
	if int(c.lastID) >= c.maxChannels {
		return 0, &errspkg.ChannelError{
			ConnectionState: ConnectionOpen.String(),
			Err:             fmt.Errorf("channel limit %d reached", c.maxChannels),
		}
	}
	c.lastID++
	c.channels[c.lastID] = nil
	return c.lastID, nil
}

// attach installs ch under its reserved id unless the connection left Open
// in the meantime.
func (c *Connection) attach(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.state.get(); state != ConnectionOpen {
		return &errspkg.ChannelError{ConnectionState: state.String(), Err: errspkg.ErrConnectionClosed}
	}
	c.channels[ch.id] = ch
	return nil
}

// releaseChannelID frees id if it is still held by owner. A nil owner releases
// a reservation.
func (c *Connection) releaseChannelID(id uint16, owner *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.channels[id]
	if !ok || current != owner {
		return
	}
	delete(c.channels, id)
	pos, _ := slices.BinarySearch(c.freeIDs, id)
	c.freeIDs = slices.Insert(c.freeIDs, pos, id)
}

func (c *Connection) setBlocked(blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blocked == c.blocked {
		return
	}
	c.blocked = blocked
	if blocked {
		c.unblocked = make(chan struct{})
		c.logger.Info("Broker blocked publishing", nil)
		return
	}
	close(c.unblocked)
	c.logger.Info("Broker resumed publishing", nil)
}

// WaitUnblocked returns once the broker accepts publishes. While the broker is
// blocked it waits for ctx; a ctx that can never be cancelled fails at once
// with ErrWouldBlock.
func (c *Connection) WaitUnblocked(ctx context.Context) error {
	c.mu.Lock()
	blocked, unblocked := c.blocked, c.unblocked
	c.mu.Unlock()

	if !blocked {
		return nil
	}
	if ctx.Done() == nil {
		return errspkg.ErrWouldBlock
	}
	select {
	case <-unblocked:
		return nil
	case <-c.done:
		return errspkg.ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errspkg.ErrWouldBlock, ctx.Err())
	}
}

// Reconnect opens a new connection with the same configuration. Attempts
// back off exponentially and go through a circuit breaker shared by every
// connection descending from the same OpenConnection call. The receiver is
// left untouched.
func (c *Connection) Reconnect(ctx context.Context) (*Connection, error) {
	attempts := c.conf.ReconnectMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := c.conf.ReconnectInitialInterval

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return openConnection(ctx, c.conf, c.deps, c.breaker)
		})
		if err == nil {
			next := result.(*Connection)
			c.logger.Info("Reconnected", loggingpkg.LogFields{"attempt": attempt, "new_connection_id": next.id})
			return next, nil
		}
		lastErr = err
		c.logger.Debug("Reconnect attempt failed", loggingpkg.LogFields{"attempt": attempt, "error": err.Error()})

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
		wait *= 2
		if c.conf.ReconnectMaxInterval > 0 && wait > c.conf.ReconnectMaxInterval {
			wait = c.conf.ReconnectMaxInterval
		}
	}
	return nil, fmt.Errorf("rbmqflow: reconnect gave up after %d attempts: %w", attempts, lastErr)
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) Address() string        { return c.address }
func (c *Connection) State() ConnectionState { return c.state.get() }

// Capabilities reports what the underlying transport supports.
func (c *Connection) Capabilities() transport.Capabilities { return c.caps }

// Blocked reports whether the broker is currently refusing publishes.
func (c *Connection) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Done is closed once the connection is no longer Open.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the failure that moved the connection to Failed, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}
