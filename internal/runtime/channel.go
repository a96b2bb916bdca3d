package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/rbmqflow/internal/runtime/delivery"
	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rbmqflow/internal/runtime/metadata"
	"github.com/drblury/rbmqflow/transport"
)

// Channel is one logical session multiplexed over a Connection. It owns the
// tracker of every delivery sent or received on it.
type Channel struct {
	id          uint16
	conn        *Connection
	tc          transport.Channel
	tracker     *delivery.Tracker
	limiter     *rate.Limiter
	maxInFlight int
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics
	hooks       DeliveryHooks
	tracer      trace.Tracer
	stats       *channelStats

	mu           sync.Mutex
	state        ChannelState
	nextID       uint64
	drainStarted time.Time
	drainedSet   bool

	stopping chan struct{} // closed when the channel leaves Open
	closed   chan struct{} // closed when the channel reaches Closed
	drained  chan struct{} // closed once nothing is pending after a drain began
	finished chan struct{} // closed once report is final
	report   DrainReport
}

// OpenChannel opens a channel on conn. It fails with a *ChannelError when conn
// is not Open or the transport refuses the channel.
func OpenChannel(ctx context.Context, conn *Connection) (*Channel, error) {
	if conn == nil {
		return nil, &errspkg.ChannelError{ConnectionState: "missing", Err: errspkg.ErrConnectionClosed}
	}

	id, err := conn.reserveChannelID()
	if err != nil {
		return nil, err
	}

	tc, err := conn.tc.Channel(ctx)
	if err != nil {
		conn.releaseChannelID(id, nil)
		conn.logger.Error("Channel open failed", err, loggingpkg.LogFields{loggingpkg.FieldChannelID: id})
		return nil, &errspkg.ChannelError{ConnectionState: conn.State().String(), Err: err}
	}

	ch := newChannel(id, conn, tc)
	if err := conn.attach(ch); err != nil {
		_ = tc.Close()
		conn.releaseChannelID(id, nil)
		return nil, err
	}

	ch.logger.Debug("Channel open", nil)
	return ch, nil
}

func newChannel(id uint16, conn *Connection, tc transport.Channel) *Channel {
	ch := &Channel{
		id:          id,
		conn:        conn,
		tc:          tc,
		tracker:     delivery.New(),
		maxInFlight: conn.conf.MaxInFlight,
		logger:      conn.logger.With(loggingpkg.LogFields{loggingpkg.FieldChannelID: id}),
		metrics:     conn.metrics,
		hooks:       conn.deps.Hooks,
		tracer:      newTracer(conn.conf.TracingEnabled),
		stats:       newChannelStats(),
		state:       ChannelOpen,
		stopping:    make(chan struct{}),
		closed:      make(chan struct{}),
		drained:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if conn.conf.PublishRateLimit > 0 {
		burst := conn.conf.PublishBurst
		if burst < 1 {
			burst = 1
		}
		ch.limiter = rate.NewLimiter(rate.Limit(conn.conf.PublishRateLimit), burst)
	}
	return ch
}

// Send admits msg as a new outbound delivery and publishes it to topic. It
// returns the delivery id to pass to Ack or Reject. While the broker is
// blocked or the rate limit is exhausted Send waits for ctx; when the channel
// already has MaxInFlight pending deliveries it fails at once with
// ErrWouldBlock.
func (ch *Channel) Send(ctx context.Context, topic string, msg *message.Message) (uint64, error) {
	if topic == "" {
		return 0, errspkg.ErrTopicRequired
	}
	if msg == nil {
		return 0, errspkg.ErrPayloadRequired
	}

	ctx, span := ch.tracer.Start(ctx, "rbmqflow.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.Int("rbmqflow.channel_id", int(ch.id)),
		),
	)
	defer span.End()

	id, err := ch.send(ctx, topic, msg)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("rbmqflow.delivery_id", int64(id)))
	return id, nil
}

func (ch *Channel) send(ctx context.Context, topic string, msg *message.Message) (uint64, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}
	if err := ch.conn.WaitUnblocked(ctx); err != nil {
		if errors.Is(err, errspkg.ErrWouldBlock) {
			ch.metrics.recordWouldBlock(wouldBlockBlocked)
		}
		return 0, err
	}
	if ch.limiter != nil {
		if err := ch.limiter.Wait(ctx); err != nil {
			ch.metrics.recordWouldBlock(wouldBlockRateLimit)
			return 0, fmt.Errorf("%w: %w", errspkg.ErrWouldBlock, err)
		}
	}

	id, err := ch.admit(topic)
	if err != nil {
		return 0, err
	}

	metadatapkg.StampDelivery(msg, ch.id, id)
	injectTrace(ctx, msg)
	msg.SetContext(ctx)

	confirmation, err := ch.tc.Publish(ctx, topic, msg)
	if err != nil {
		if entry, cerr := ch.tracker.Complete(id, delivery.Rejected); cerr == nil {
			ch.observeSettled(entry)
		}
		return 0, fmt.Errorf("rbmqflow: publish to %q failed: %w", topic, err)
	}

	ch.metrics.recordSent(ch.id)
	ch.stats.onSent(time.Now())
	ch.hooks.sent(DeliveryContext{ChannelID: ch.id, DeliveryID: id, Topic: topic})
	if confirmation != nil {
		go ch.awaitConfirm(id, confirmation)
	}
	return id, nil
}

func (ch *Channel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stateErr()
}

// stateErr must be called with ch.mu held.
func (ch *Channel) stateErr() error {
	switch ch.state {
	case ChannelDraining:
		return errspkg.ErrChannelClosing
	case ChannelClosed:
		return errspkg.ErrChannelClosed
	default:
		return nil
	}
}

// admit assigns the next delivery id and records it. The state check and the
// record happen under one lock so no delivery is admitted after a drain began.
func (ch *Channel) admit(topic string) (uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.stateErr(); err != nil {
		return 0, err
	}
	if ch.maxInFlight > 0 && ch.tracker.PendingCount() >= ch.maxInFlight {
		ch.metrics.recordWouldBlock(wouldBlockInFlight)
		return 0, errspkg.ErrWouldBlock
	}
	return ch.record(topic, nil)
}

// record must be called with ch.mu held.
func (ch *Channel) record(topic string, settle delivery.Settler) (uint64, error) {
	ch.nextID++
	id := ch.nextID
	if err := ch.tracker.Record(id, topic, settle); err != nil {
		return 0, err
	}
	ch.metrics.setPending(ch.id, ch.tracker.PendingCount())
	return id, nil
}

func (ch *Channel) awaitConfirm(id uint64, confirmation transport.Confirmation) {
	select {
	case <-confirmation.Done():
		outcome := delivery.Rejected
		if confirmation.Acked() {
			outcome = delivery.Acknowledged
		}
		if _, err := ch.settle(id, outcome, false); err != nil && !errors.Is(err, errspkg.ErrUnknownDelivery) {
			ch.logger.Error("Confirm settlement failed", err, loggingpkg.LogFields{loggingpkg.FieldDeliveryID: id})
		}
	case <-ch.closed:
	}
}

// Ack acknowledges delivery id. For received messages the broker is told the
// message was processed.
func (ch *Channel) Ack(id uint64) error {
	_, err := ch.settle(id, delivery.Acknowledged, false)
	return err
}

// Reject rejects delivery id. A received message is discarded by the broker.
func (ch *Channel) Reject(id uint64) error {
	_, err := ch.settle(id, delivery.Rejected, false)
	return err
}

// Requeue rejects delivery id and asks the broker to redeliver it.
func (ch *Channel) Requeue(id uint64) error {
	_, err := ch.settle(id, delivery.Rejected, true)
	return err
}

func (ch *Channel) settle(id uint64, outcome delivery.Outcome, requeue bool) (*delivery.Entry, error) {
	entry, err := ch.tracker.Complete(id, outcome)
	if err != nil {
		return nil, err
	}
	entry.Requeue = requeue
	ch.observeSettled(entry)
	if err := entry.Settle(); err != nil {
		return entry, fmt.Errorf("rbmqflow: settle delivery %d: %w", id, err)
	}
	return entry, nil
}

func (ch *Channel) observeSettled(entry *delivery.Entry) {
	ch.metrics.recordSettled(ch.id, entry.Outcome)
	ch.stats.onSettled(entry)
	ch.metrics.setPending(ch.id, ch.tracker.PendingCount())
	ch.hooks.settled(newDeliveryContext(ch.id, entry))
}

// Delivery is a received message awaiting Ack or Reject.
type Delivery struct {
	ID      uint64
	Topic   string
	Message *message.Message

	channel *Channel
}

func (d *Delivery) Ack() error     { return d.channel.Ack(d.ID) }
func (d *Delivery) Reject() error  { return d.channel.Reject(d.ID) }
func (d *Delivery) Requeue() error { return d.channel.Requeue(d.ID) }

// Consume subscribes to topic. Every received message is tracked as a pending
// delivery until the caller settles it. The returned channel is closed when
// ctx ends or the channel starts draining; messages arriving after that go
// back to the broker.
func (ch *Channel) Consume(ctx context.Context, topic string) (<-chan *Delivery, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	in, err := ch.tc.Consume(consumeCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rbmqflow: consume %q failed: %w", topic, err)
	}

	out := make(chan *Delivery)
	go ch.consume(consumeCtx, cancel, topic, in, out)
	ch.logger.Debug("Consumer started", loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
	return out, nil
}

func (ch *Channel) consume(ctx context.Context, cancel context.CancelFunc, topic string, in <-chan transport.Inbound, out chan<- *Delivery) {
	defer close(out)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.stopping:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			ch.deliver(ctx, topic, msg, out)
		}
	}
}

func (ch *Channel) deliver(ctx context.Context, topic string, in transport.Inbound, out chan<- *Delivery) {
	id, err := ch.admitInbound(topic, in)
	if err != nil {
		if rerr := in.Reject(true); rerr != nil {
			ch.logger.Error("Returning message to broker failed", rerr, loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
		}
		return
	}

	msg := in.Message()
	msg.SetContext(extractTrace(ctx, msg))
	ch.stats.onReceived()
	ch.hooks.received(DeliveryContext{ChannelID: ch.id, DeliveryID: id, Topic: topic, Inbound: true})

	select {
	case out <- &Delivery{ID: id, Topic: topic, Message: msg, channel: ch}:
	case <-ctx.Done():
		_, _ = ch.settle(id, delivery.Rejected, true)
	case <-ch.stopping:
		_, _ = ch.settle(id, delivery.Rejected, true)
	}
}

func (ch *Channel) admitInbound(topic string, in transport.Inbound) (uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.stateErr(); err != nil {
		return 0, err
	}
	return ch.record(topic, inboundSettler(in))
}

func inboundSettler(in transport.Inbound) delivery.Settler {
	return func(outcome delivery.Outcome, requeue bool) error {
		if outcome == delivery.Acknowledged {
			return in.Ack()
		}
		return in.Reject(requeue)
	}
}

// BeginDrain stops admitting new deliveries. Pending deliveries can still be
// settled; Drained is closed once none are left.
func (ch *Channel) BeginDrain() {
	ch.mu.Lock()
	if ch.state != ChannelOpen {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelDraining
	ch.drainStarted = time.Now()
	close(ch.stopping)
	idle := ch.tracker.Idle()
	pending := ch.tracker.PendingCount()
	ch.mu.Unlock()

	ch.logger.Info("Channel draining", loggingpkg.LogFields{"pending": pending})

	go func() {
		select {
		case <-idle:
			ch.markDrained()
		case <-ch.closed:
		}
	}()
}

func (ch *Channel) markDrained() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.drainedSet {
		ch.drainedSet = true
		close(ch.drained)
	}
}

// Drain begins draining, waits until nothing is pending or timeout elapses,
// and closes the channel. Deliveries still pending at the deadline are
// force-rejected and listed in the report.
func (ch *Channel) Drain(timeout time.Duration) DrainReport {
	_, span := ch.tracer.Start(context.Background(), "rbmqflow.drain",
		trace.WithAttributes(attribute.Int("rbmqflow.channel_id", int(ch.id))),
	)
	defer span.End()

	ch.BeginDrain()
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-ch.drained:
		case <-ch.closed:
		case <-timer.C:
		}
	}

	report := ch.Close()
	span.SetAttributes(
		attribute.Bool("rbmqflow.drained", report.Drained),
		attribute.Int("rbmqflow.forced", len(report.Forced)),
	)
	if report.Err != nil {
		recordSpanError(span, report.Err)
	}
	return report
}

// Close closes the channel at once. Pending deliveries are force-rejected;
// received ones are returned to the broker for redelivery. Close is
// idempotent and always returns the report of the first close.
func (ch *Channel) Close() DrainReport {
	report, _ := ch.shutdown(nil, true)
	return report
}

// Release closes the channel and returns its id to the connection for reuse.
func (ch *Channel) Release() error {
	report := ch.Close()
	ch.conn.releaseChannelID(ch.id, ch)
	return report.Err
}

// shutdown moves the channel to Closed and reports whether this call did it.
// cause is non-nil when the owning connection went away; settle is false when
// the broker can no longer be told about forced rejects.
func (ch *Channel) shutdown(cause error, settle bool) (DrainReport, bool) {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		<-ch.finished
		return ch.report, false
	}
	if ch.state == ChannelOpen {
		close(ch.stopping)
	}
	ch.state = ChannelClosed
	close(ch.closed)
	forced := ch.tracker.Invalidate(delivery.Rejected)
	if len(forced) == 0 && cause == nil && !ch.drainedSet {
		ch.drainedSet = true
		close(ch.drained)
	}
	started := ch.drainStarted
	ch.mu.Unlock()

	report := DrainReport{ChannelID: ch.id, Drained: len(forced) == 0 && cause == nil}
	if !started.IsZero() {
		report.Duration = time.Since(started)
	}

	reason := cause
	if reason == nil {
		reason = errspkg.ErrChannelClosed
	}
	errs := []error{cause}
	for _, entry := range forced {
		report.Forced = append(report.Forced, entry.ID)
		ch.hooks.forcedReject(newDeliveryContext(ch.id, entry), reason)
		if settle && entry.Inbound() {
			if err := entry.Settle(); err != nil {
				errs = append(errs, fmt.Errorf("requeue delivery %d: %w", entry.ID, err))
			}
		}
	}
	ch.metrics.recordForced(ch.id, len(forced))
	ch.stats.onForced(len(forced))
	ch.metrics.setPending(ch.id, 0)

	if err := ch.tc.Close(); err != nil && cause == nil {
		errs = append(errs, fmt.Errorf("close transport channel: %w", err))
	}
	report.Err = errors.Join(errs...)

	if len(forced) > 0 {
		ch.logger.Info("Channel closed with pending deliveries", loggingpkg.LogFields{"forced": len(forced)})
	} else {
		ch.logger.Debug("Channel closed", nil)
	}

	ch.report = report
	close(ch.finished)
	return report, true
}

func (ch *Channel) ID() uint16 { return ch.id }

func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// PendingCount returns the number of unsettled deliveries.
func (ch *Channel) PendingCount() int { return ch.tracker.PendingCount() }

// Idle is closed while nothing is pending; see delivery.Tracker.Idle.
func (ch *Channel) Idle() <-chan struct{} { return ch.tracker.Idle() }

// Drained is closed once the channel has drained without forcing any
// delivery.
func (ch *Channel) Drained() <-chan struct{} { return ch.drained }

// Closed is closed once the channel reaches Closed.
func (ch *Channel) Closed() <-chan struct{} { return ch.closed }
