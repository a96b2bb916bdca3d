package runtime

import (
	"time"

	"github.com/drblury/rbmqflow/internal/runtime/delivery"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
)

// DeliveryContext describes one delivery to hooks.
type DeliveryContext struct {
	// ChannelID is the channel that owns the delivery.
	ChannelID uint16
	// DeliveryID is the per-channel delivery id.
	DeliveryID uint64
	// Topic is the topic the message was sent to or received from.
	Topic string
	// Inbound is true for deliveries received through Consume.
	Inbound bool
	// Outcome is the final outcome (only set in OnSettled and OnForcedReject).
	Outcome delivery.Outcome
	// Requeue reports whether a rejected inbound message goes back to the broker.
	Requeue bool
	// Age is how long the delivery was pending (only set in OnSettled and OnForcedReject).
	Age time.Duration
}

func newDeliveryContext(channelID uint16, entry *delivery.Entry) DeliveryContext {
	return DeliveryContext{
		ChannelID:  channelID,
		DeliveryID: entry.ID,
		Topic:      entry.Topic,
		Inbound:    entry.Inbound(),
		Outcome:    entry.Outcome,
		Requeue:    entry.Requeue,
		Age:        entry.Age(),
	}
}

// DeliveryHooks defines callbacks for delivery lifecycle events.
// All hooks are optional - nil hooks are simply not called. Hooks run on the
// goroutine that caused the event and must not block.
type DeliveryHooks struct {
	// OnSent is called after a message has been admitted and published.
	OnSent func(ctx DeliveryContext)

	// OnReceived is called when a consumed message has been recorded, before
	// it is handed to the caller.
	OnReceived func(ctx DeliveryContext)

	// OnSettled is called when a delivery is acknowledged or rejected, by the
	// caller or by a broker confirm.
	OnSettled func(ctx DeliveryContext)

	// OnForcedReject is called for every delivery still pending when its
	// channel closed. cause is the connection failure, or ErrChannelClosed for
	// an orderly close.
	OnForcedReject func(ctx DeliveryContext, cause error)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnSent:         chainDeliveryHooks(h.OnSent, other.OnSent),
		OnReceived:     chainDeliveryHooks(h.OnReceived, other.OnReceived),
		OnSettled:      chainDeliveryHooks(h.OnSettled, other.OnSettled),
		OnForcedReject: chainForcedHooks(h.OnForcedReject, other.OnForcedReject),
	}
}

func chainDeliveryHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainForcedHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DeliveryHooks) sent(ctx DeliveryContext) {
	if h.OnSent != nil {
		h.OnSent(ctx)
	}
}

func (h DeliveryHooks) received(ctx DeliveryContext) {
	if h.OnReceived != nil {
		h.OnReceived(ctx)
	}
}

func (h DeliveryHooks) settled(ctx DeliveryContext) {
	if h.OnSettled != nil {
		h.OnSettled(ctx)
	}
}

func (h DeliveryHooks) forcedReject(ctx DeliveryContext, cause error) {
	if h.OnForcedReject != nil {
		h.OnForcedReject(ctx, cause)
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
// Sends, receipts and settlements are logged at debug level, forced rejects
// as errors.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnSent: func(ctx DeliveryContext) {
			logger.Debug("Delivery sent", loggingpkg.LogFields{
				loggingpkg.FieldChannelID:  ctx.ChannelID,
				loggingpkg.FieldDeliveryID: ctx.DeliveryID,
				loggingpkg.FieldTopic:      ctx.Topic,
			})
		},
		OnReceived: func(ctx DeliveryContext) {
			logger.Debug("Delivery received", loggingpkg.LogFields{
				loggingpkg.FieldChannelID:  ctx.ChannelID,
				loggingpkg.FieldDeliveryID: ctx.DeliveryID,
				loggingpkg.FieldTopic:      ctx.Topic,
			})
		},
		OnSettled: func(ctx DeliveryContext) {
			logger.Debug("Delivery settled", loggingpkg.LogFields{
				loggingpkg.FieldChannelID:  ctx.ChannelID,
				loggingpkg.FieldDeliveryID: ctx.DeliveryID,
				loggingpkg.FieldTopic:      ctx.Topic,
				"outcome":                  ctx.Outcome.String(),
				"duration_ms":              ctx.Age.Milliseconds(),
			})
		},
		OnForcedReject: func(ctx DeliveryContext, cause error) {
			logger.Error("Delivery force-rejected", cause, loggingpkg.LogFields{
				loggingpkg.FieldChannelID:  ctx.ChannelID,
				loggingpkg.FieldDeliveryID: ctx.DeliveryID,
				loggingpkg.FieldTopic:      ctx.Topic,
				"inbound":                  ctx.Inbound,
				"requeue":                  ctx.Requeue,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on forced rejects.
func AlertingHooks(alertFunc func(ctx DeliveryContext, cause error)) DeliveryHooks {
	return DeliveryHooks{
		OnForcedReject: alertFunc,
	}
}
