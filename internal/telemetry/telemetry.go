// Package telemetry wires OpenTelemetry metrics for casetrack.
//
// Metrics are disabled by default and cost nothing when off: a no-op meter
// provider is installed. When enabled, metrics are exported to stdout on a
// periodic reader.
package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "casetrack"

type Options struct {
	Enabled  bool
	Interval time.Duration
	// Writer receives exported metrics; defaults to os.Stderr.
	Writer io.Writer
}

var shutdownFns []func(context.Context) error

// Init installs the global meter provider.
func Init(opts Options) error {
	if !opts.Enabled && os.Getenv("CASETRACK_OTEL_ENABLED") != "true" {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts down the providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Instruments are the engine's counters and histograms.
type Instruments struct {
	Recalculations metric.Int64Counter
	Transitions    metric.Int64Counter
	Conflicts      metric.Int64Counter
	Percentage     metric.Int64Histogram
}

// NewInstruments registers the engine instruments on m. A nil meter uses the
// global provider.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	if m == nil {
		m = Meter("")
	}
	var (
		ins Instruments
		err error
	)
	if ins.Recalculations, err = m.Int64Counter("casetrack.recalculations",
		metric.WithDescription("Completed case recalculations")); err != nil {
		return nil, err
	}
	if ins.Transitions, err = m.Int64Counter("casetrack.transitions",
		metric.WithDescription("Case status transitions by target status")); err != nil {
		return nil, err
	}
	if ins.Conflicts, err = m.Int64Counter("casetrack.persist.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on case writes")); err != nil {
		return nil, err
	}
	if ins.Percentage, err = m.Int64Histogram("casetrack.completion.percentage",
		metric.WithDescription("Derived completion percentage"),
		metric.WithUnit("%")); err != nil {
		return nil, err
	}
	return &ins, nil
}

// Noop returns instruments backed by a no-op meter.
func Noop() *Instruments {
	ins, _ := NewInstruments(metricnoop.NewMeterProvider().Meter(instrumentationScope))
	return ins
}
