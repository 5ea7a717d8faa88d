package sagabus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// actionRunner invokes step actions under a timeout inside a trace span.
type actionRunner struct {
	invoker ActionInvoker
	tracer  trace.Tracer
	metrics MetricsCollector
}

func newActionRunner(invoker ActionInvoker, metrics MetricsCollector) *actionRunner {
	return &actionRunner{
		invoker: invoker,
		tracer:  otel.Tracer(meterName),
		metrics: metrics,
	}
}

func (r *actionRunner) run(ctx context.Context, call ActionCall) ([]byte, error) {
	kind := "action"
	if call.Compensation {
		kind = "compensation"
	}
	ctx, span := r.tracer.Start(ctx, "saga."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("saga.id", call.SagaID),
			attribute.String("saga.step", call.StepName),
			attribute.String("saga.service", call.ServiceName),
			attribute.String("saga.action", call.ActionType),
		))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	start := time.Now()
	response, err := r.invoker.Invoke(callCtx, call)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s %s/%s timed out after %s: %w: %w",
			kind, call.ServiceName, call.ActionType, call.Timeout, context.DeadlineExceeded, err)
	}

	tags := map[string]string{"service": call.ServiceName, "action": call.ActionType, "kind": kind}
	r.metrics.RecordDuration(metricStepDuration, time.Since(start), tags)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return response, nil
}
