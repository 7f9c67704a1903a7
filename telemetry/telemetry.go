// Package telemetry defines the observability seams used across the
// orchestrator: structured logging, counters/timers, and tracing. Components
// receive these as explicit dependencies at construction time; no globals.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with key-value fields.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the orchestrator uses.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Counter names recorded by the orchestrator. Kept in one place so dashboards
// and tests agree on spelling.
const (
	CounterEventsDropped       = "aura_telemetry_events_dropped"
	CounterAdmissionsCoalesced = "aura_admissions_coalesced"
	CounterAdmissionsDenied    = "aura_admissions_denied"
	CounterRetrievalDegraded   = "aura_retrieval_degraded"
	CounterCheckpointResumes   = "aura_checkpoint_resumes"
	CounterJobsCancelled       = "aura_jobs_cancelled"
)
