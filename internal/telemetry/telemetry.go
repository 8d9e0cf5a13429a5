// Package telemetry reports pass timings and outcomes through OpenTelemetry
// instruments. The meter comes from the global provider unless one is
// given, so the instruments are no-ops until the process installs one.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/thebtf/metricache/pkg/metrics"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "github.com/thebtf/metricache"

// Instruments holds the pass instruments.
type Instruments struct {
	phaseDuration otelmetric.Float64Histogram
	passDuration  otelmetric.Float64Histogram
	passes        otelmetric.Int64Counter
	records       otelmetric.Int64Counter
	badGuesses    otelmetric.Int64Counter
	failedBatches otelmetric.Int64Counter
}

// New creates the instruments on the global meter provider.
func New() (*Instruments, error) {
	return NewWithMeter(otel.Meter(MeterName))
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter otelmetric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)
	if i.phaseDuration, err = meter.Float64Histogram("metricache_pass_phase_seconds",
		otelmetric.WithDescription("Duration of each pass phase"),
		otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	if i.passDuration, err = meter.Float64Histogram("metricache_pass_seconds",
		otelmetric.WithDescription("Duration of full passes"),
		otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	if i.passes, err = meter.Int64Counter("metricache_passes_total"); err != nil {
		return nil, err
	}
	if i.records, err = meter.Int64Counter("metricache_pass_records_total"); err != nil {
		return nil, err
	}
	if i.badGuesses, err = meter.Int64Counter("metricache_bad_guesses_total",
		otelmetric.WithDescription("Inferred aggregates that failed and fell back to per-record computation")); err != nil {
		return nil, err
	}
	if i.failedBatches, err = meter.Int64Counter("metricache_failed_batches_total"); err != nil {
		return nil, err
	}
	return &i, nil
}

// Hooks returns pass hooks that feed the instruments.
func (i *Instruments) Hooks() metrics.Hooks {
	return metrics.Hooks{
		OnPhase: i.observePhase,
		OnPass:  i.observePass,
	}
}

func (i *Instruments) observePhase(ctx context.Context, owner string, phase metrics.Phase, elapsed time.Duration, err error) {
	i.phaseDuration.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(phaseAttributes(owner, phase, err)...))
}

func (i *Instruments) observePass(ctx context.Context, report *metrics.PassReport) {
	attrs := otelmetric.WithAttributes(
		attribute.String("owner", report.Owner),
		attribute.String("status", passStatus(report)),
	)
	i.passes.Add(ctx, 1, attrs)
	i.passDuration.Record(ctx, report.Duration.Seconds(), attrs)

	owner := otelmetric.WithAttributes(attribute.String("owner", report.Owner))
	if report.Records > 0 {
		i.records.Add(ctx, int64(report.Records), owner)
	}
	for _, name := range report.BadGuesses {
		i.badGuesses.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("owner", report.Owner),
			attribute.String("metric", name),
		))
	}
	if n := len(report.FailedBatches); n > 0 {
		i.failedBatches.Add(ctx, int64(n), owner)
	}
}

func phaseAttributes(owner string, phase metrics.Phase, err error) []attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "error"
	}
	return []attribute.KeyValue{
		attribute.String("owner", owner),
		attribute.String("phase", string(phase)),
		attribute.String("status", status),
	}
}

func passStatus(report *metrics.PassReport) string {
	if len(report.FailedBatches) > 0 {
		return "partial"
	}
	return "ok"
}
