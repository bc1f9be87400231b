package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("metabuilder")

// Span names for meta-builder operations
const (
	// Run spans
	SpanRunStart    = "metabuilder.run.start"
	SpanRunComplete = "metabuilder.run.complete"

	// Task spans
	SpanTaskSubmit   = "metabuilder.task.submit"
	SpanTaskExecute  = "metabuilder.task.execute"
	SpanTaskComplete = "metabuilder.task.complete"

	// Worker spans
	SpanWorkerPoll  = "metabuilder.worker.poll"
	SpanWorkerSweep = "metabuilder.worker.sweep"

	// Repair spans
	SpanRepairHandle   = "metabuilder.repair.handle"
	SpanRepairSchedule = "metabuilder.repair.schedule"
	SpanPatchValidate  = "metabuilder.repair.patch_validate"

	// Scheduler spans
	SpanModelSelect = "metabuilder.scheduler.model_select"
	SpanSLACheck    = "metabuilder.scheduler.sla_check"
)

// StartRunSpan starts a span for a run operation
func StartRunSpan(ctx context.Context, name, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyRunID, runID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task operation
func StartTaskSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWorkerSpan starts a span for a worker operation
func StartWorkerSpan(ctx context.Context, name, workerID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorkerID, workerID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRepairSpan starts a span for repair handling
func StartRepairSpan(ctx context.Context, runID, stepID, failureClass string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanRepairHandle, trace.WithAttributes(
		attribute.String(KeyRunID, runID),
		attribute.String(KeyStepID, stepID),
		attribute.String(KeyFailureClass, failureClass),
	))
}

// RecordError records an error on a span and marks it failed
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
	}
	if category != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, category))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetDisposition sets the repair disposition attribute on a span
func SetDisposition(span trace.Span, disposition string) {
	span.SetAttributes(attribute.String(KeyDisposition, disposition))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
