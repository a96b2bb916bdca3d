package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	metadatapkg "github.com/drblury/rbmqflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/rbmqflow"

func newTracer(enabled bool) trace.Tracer {
	if !enabled {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// injectTrace writes the span context of ctx into the message headers.
func injectTrace(ctx context.Context, msg *message.Message) {
	carrier := metadatapkg.FromMessage(msg)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	carrier.Apply(msg)
}

// extractTrace returns ctx enriched with the span context carried by msg.
func extractTrace(ctx context.Context, msg *message.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, metadatapkg.FromMessage(msg))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
