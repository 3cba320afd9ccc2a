package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY BEST PRACTICES:
//
// High cardinality attributes (unique values per request) should NEVER be added to spans
// that contribute to metrics, as they create unbounded metric series and can cause:
// - Memory exhaustion
// - Query performance degradation
// - Storage cost explosion
//
// AVOID these as span attributes:
// - Record names, URLs with unique parameters, local file paths
// - Timestamps, random values, UUIDs
// - Error messages with dynamic content
//
// SAFE attributes (bounded cardinality):
// - Operation types (limited set: "probe", "open", "verify")
// - Status values (limited set: "success", "error", "timeout")
// - Protocol (limited set: "h2", "h1")
// - Component names (limited set: "transport", "verify", "statestore")
//
// For debugging, high-cardinality data should be:
// - Added to span status/events (not attributes)
// - Logged with correlation IDs
// - Stored in trace context for propagation

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(
			attribute.Bool("error", true),
			// Note: error.message is intentionally NOT added as attribute to prevent
			// high cardinality from unique error messages. Full error is in span status.
		)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentTransportRequest instruments one Transport Client round trip.
func (t *Telemetry) InstrumentTransportRequest(ctx context.Context, protocol string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	t.IncrementInFlight()
	defer t.DecrementInFlight()

	start := time.Now()

	err := t.InstrumentOperation(ctx, "transport_request", "transport", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "transport_request")
		defer span.End()

		span.SetAttributes(attribute.String("protocol", protocol))

		return fn(ctx)
	})

	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransportRequest(protocol, status, duration)

	return err
}

// InstrumentFileTask instruments one File Task from dispatch to
// terminal state.
func (t *Telemetry) InstrumentFileTask(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveFiles()
	defer t.DecrementActiveFiles()

	err := t.InstrumentOperation(ctx, "file_task", "filetask", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "file_task")
		defer span.End()

		// Note: the record name is intentionally NOT added as an
		// attribute to avoid unbounded cardinality. It is available in
		// logs if needed.
		span.SetAttributes(attribute.String("task.type", "file"))

		return fn(ctx)
	})

	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordFileOutcome(status, duration)

	return err
}

// InstrumentVerify instruments one Integrity Verifier digest computation.
// Any error from fn (a digest mismatch or an unreadable file) is counted
// by RecordVerifyMismatch.
func (t *Telemetry) InstrumentVerify(ctx context.Context, algorithm string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "verify_digest", "verify", fn)

	if err != nil {
		t.RecordVerifyMismatch(algorithm)
	}

	return err
}
