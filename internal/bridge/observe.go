package bridge

import (
	"context"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cryguy/busworker/internal/core"
)

// Recorder persists finished dispatches.
type Recorder interface {
	Record(ctx context.Context, rec core.DispatchRecord) error
}

const instrumentationName = "github.com/cryguy/busworker/internal/bridge"

// startSpan continues the trace carried in the message headers, if any.
func (b *Bridge) startSpan(ctx context.Context, d *dispatch) (context.Context, trace.Span) {
	if len(d.msg.Headers) > 0 {
		ctx = b.propagator.Extract(ctx, propagation.MapCarrier(d.msg.Headers))
	}
	return b.tracer.Start(ctx, "bridge.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("bus.dispatch_id", d.id),
			attribute.String("bus.registration_id", d.reg.ID),
			attribute.String("bus.mode", d.reg.Mode.String()),
			attribute.String("bus.exchange", d.msg.Exchange),
			attribute.String("bus.routing_key", d.msg.RoutingKey),
			attribute.Int("bus.body_bytes", len(d.msg.Body)),
		))
}

// observe ends the dispatch span, logs the outcome and journals it.
func (b *Bridge) observe(ctx context.Context, span trace.Span, d *dispatch, out core.Outcome) {
	elapsed := time.Since(d.started)

	ev := b.log.Debug()
	if out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Message)
		span.SetAttributes(attribute.String("bus.error_kind", out.Err.Kind.String()))
		ev = b.log.Warn().Str("error_kind", out.Err.Kind.String()).Str("error", out.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Int("bus.output_bytes", len(out.Output)))
	}
	span.End()

	ev.Str("dispatch", d.id).
		Str("registration", d.reg.ID).
		Str("routing_key", d.msg.RoutingKey).
		Dur("elapsed", elapsed).
		Msg("dispatch finished")

	if b.recorder == nil {
		return
	}
	rec := core.DispatchRecord{
		DispatchID:     d.id,
		RegistrationID: d.reg.ID,
		Mode:           d.reg.Mode,
		Exchange:       d.msg.Exchange,
		RoutingKey:     d.msg.RoutingKey,
		Started:        d.started,
		Elapsed:        elapsed,
		BodyBytes:      len(d.msg.Body),
		OutputBytes:    len(out.Output),
		Err:            out.Err,
	}
	if err := b.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		b.log.Warn().Err(err).Str("dispatch", d.id).Msg("journaling dispatch")
	}
}

// inject writes the trace context of ctx into the outbound headers.
func (b *Bridge) inject(ctx context.Context, msg *core.Message) {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	} else {
		msg.Headers = maps.Clone(msg.Headers)
	}
	b.propagator.Inject(ctx, propagation.MapCarrier(msg.Headers))
}
