// Package telemetry carries the metrics and tracing hooks shared by the
// synchronizer, the verification engine and the service facade.
package telemetry

import (
	"context"
	"organictrace/pkg/domain"
	"time"
)

// OutcomeSuccess labels an operation that completed without error.
const OutcomeSuccess = "success"

// Outcome maps err to the label recorded for an operation.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return string(domain.KindOf(err))
}

// Signal names an operator-facing event worth counting on its own.
type Signal string

// Signals raised by the provenance core.
const (
	// SignalReconciliation fires when a committed ledger fact could not be mirrored.
	SignalReconciliation Signal = "reconciliation_required"
	// SignalRepaired fires when a journaled orphan was mirrored after the fact.
	SignalRepaired Signal = "reconciliation_repaired"
	// SignalLedgerMismatch fires when the store and the ledger disagree on a lookup.
	SignalLedgerMismatch Signal = "ledger_mismatch"
	// SignalScanDropped fires when a best-effort scan append gave up.
	SignalScanDropped Signal = "scan_dropped"
)

// MetricsRecorder receives operation timings and signals.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation, outcome string, duration time.Duration)
	Signal(ctx context.Context, signal Signal, operation string)
}

// Tracer starts spans around operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, string, time.Duration) {}
func (noopMetrics) Signal(context.Context, Signal, string)                 {}

type noopTracer struct{}

type noopSpan struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

func (noopSpan) End(error) {}

// NoopMetrics discards everything.
func NoopMetrics() MetricsRecorder { return noopMetrics{} }

// NoopTracer produces spans that record nothing.
func NoopTracer() Tracer { return noopTracer{} }

// Instrument runs fn inside a span and records its timing and outcome.
func Instrument(ctx context.Context, metrics MetricsRecorder, tracer Tracer, operation string, fn func(context.Context) error) error {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noopTracer{}
	}
	started := time.Now()
	ctx, span := tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	metrics.Observe(ctx, operation, Outcome(err), time.Since(started))
	return err
}
