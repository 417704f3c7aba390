package metrics

import (
	"context"
	"fmt"
	"time"

	"example.com/availmon/internal/records"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("metrics")

// Instruments recorded outside of the report callback. They are no-ops until Init runs.
var (
	AggregationDuration metric.Float64Histogram = noop.Float64Histogram{}
	PassFailures        metric.Int64Counter     = noop.Int64Counter{}
	cacheHits           metric.Int64Counter     = noop.Int64Counter{}
	cacheMisses         metric.Int64Counter     = noop.Int64Counter{}

	Prefix = "availmon"
)

func initMeterProvider(ctx context.Context, interval time.Duration, otlp bool) *metricsdk.MeterProvider {
	// Create a Prometheus exporter
	promExporter, err := prometheus.New()
	if err != nil {
		fatal(fmt.Errorf("failed to initialize prometheus exporter: %w", err))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("availmon"),
		),
	)
	if err != nil {
		fatal(fmt.Errorf("creating resource: %w", err))
	}

	opts := []metricsdk.Option{
		metricsdk.WithResource(res),
		metricsdk.WithReader(promExporter),
	}
	if otlp {
		grpcExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			fatal(fmt.Errorf("failed to initialize OTLP gRPC exporter: %w", err))
		}
		opts = append(opts, metricsdk.WithReader(metricsdk.NewPeriodicReader(grpcExporter,
			metricsdk.WithInterval(interval),
		)))
	}

	// Create a MeterProvider and register it globally
	provider := metricsdk.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return provider
}

type Reporter interface {
	ReportReady() bool
	Report() records.Report
}

// Init installs the global meter provider and registers every instrument. The returned
// function shuts the provider down.
func Init(ctx context.Context, r Reporter, interval time.Duration, otlp bool) func() {
	provider := initMeterProvider(ctx, interval, otlp)

	if err := Register(otel.Meter("availmon"), r); err != nil {
		fatal(err)
	}

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Error(err, "failed to shutdown MeterProvider")
		}
	}
}

// Register creates the instruments on meter and observes the latest published report.
func Register(meter metric.Meter, r Reporter) error {
	var err error
	AggregationDuration, err = meter.Float64Histogram(Prefix+".aggregation.duration",
		metric.WithDescription("Duration of a computation pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}
	PassFailures, err = meter.Int64Counter(Prefix+".aggregation.failures",
		metric.WithDescription("Computation passes that did not publish a report."),
	)
	if err != nil {
		return err
	}
	cacheHits, err = meter.Int64Counter(Prefix+".report.cache.hits")
	if err != nil {
		return err
	}
	cacheMisses, err = meter.Int64Counter(Prefix+".report.cache.misses")
	if err != nil {
		return err
	}

	componentObservables, observeComponents := mustRegisterComponentMetrics(Prefix+".component", meter)
	rollupObservables, observeRollup := mustRegisterRollupMetrics(Prefix+".rollup", meter)

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if !r.ReportReady() {
			return nil
		}

		report := r.Report()
		observeComponents(o, report)
		observeRollup(o, report)
		return nil
	},
		append(componentObservables, rollupObservables...)...,
	)
	if err != nil {
		return fmt.Errorf("failed to register callback: %w", err)
	}
	return nil
}

// CacheObserver counts report cache lookups.
type CacheObserver struct{}

func (CacheObserver) CacheHit()  { cacheHits.Add(context.Background(), 1) }
func (CacheObserver) CacheMiss() { cacheMisses.Add(context.Background(), 1) }

func OTELAttrs(id string, attrs records.Attrs) []attribute.KeyValue {
	otelAttrs := []attribute.KeyValue{attribute.String("component.id", id)}
	if attrs.Name != "" {
		otelAttrs = append(otelAttrs, attribute.String("component.name", attrs.Name))
	}
	if attrs.Organization != "" {
		otelAttrs = append(otelAttrs, attribute.String("organization", attrs.Organization))
	}
	if attrs.Product != "" {
		otelAttrs = append(otelAttrs, attribute.String("product", attrs.Product))
	}
	return otelAttrs
}

type reportObserveFunc func(o metric.Observer, report records.Report)

func minutesToSeconds(m float64) float64 {
	return m * 60
}

func mustRegisterComponentMetrics(prefix string, meter metric.Meter) ([]metric.Observable, reportObserveFunc) {
	up, err := meter.Int64ObservableGauge(prefix+".up",
		metric.WithDescription("Status of the latest sample (0 or 1)."),
	)
	fatal(err)

	// NOTE: Gauges are used instead of Counters because every pass recomputes totals
	// from the full sample history.

	upTime, err := meter.Float64ObservableGauge(prefix+".up.time",
		metric.WithDescription("Total time up."),
		metric.WithUnit("s"),
	)
	fatal(err)

	downTime, err := meter.Float64ObservableGauge(prefix+".down.time",
		metric.WithDescription("Total time down."),
		metric.WithUnit("s"),
	)
	fatal(err)

	downTimeInitial, err := meter.Float64ObservableGauge(prefix+".down.time.initial",
		metric.WithDescription("Time down before the first up sample."),
		metric.WithUnit("s"),
	)
	fatal(err)

	availability, err := meter.Float64ObservableGauge(prefix+".availability",
		metric.WithDescription("Up time as a percentage of observed time."),
		metric.WithUnit("%"),
	)
	fatal(err)

	incidentCount, err := meter.Int64ObservableGauge(prefix+".incident.count",
		metric.WithDescription("Total number of up to down transitions."),
	)
	fatal(err)

	recoveryCount, err := meter.Int64ObservableGauge(prefix+".recovery.count",
		metric.WithDescription("Total number of down to up transitions."),
	)
	fatal(err)

	mttr, err := meter.Float64ObservableGauge(prefix+".mttr",
		metric.WithDescription("Mean time to repair."),
		metric.WithUnit("s"),
	)
	fatal(err)

	mtbf, err := meter.Float64ObservableGauge(prefix+".mtbf",
		metric.WithDescription("Mean time between failures."),
		metric.WithUnit("s"),
	)
	fatal(err)

	longestOutage, err := meter.Float64ObservableGauge(prefix+".longest.outage",
		metric.WithDescription("Longest outage."),
		metric.WithUnit("s"),
	)
	fatal(err)

	difference, err := meter.Int64ObservableGauge(prefix+".availability.difference",
		metric.WithDescription("Change between the two latest samples (-1, 0 or 1)."),
	)
	fatal(err)

	corrupt, err := meter.Int64ObservableGauge(prefix+".corrupt.samples",
		metric.WithDescription("Samples whose status could not be read."),
	)
	fatal(err)

	observeFunc := func(o metric.Observer, report records.Report) {
		for id, cr := range report.Components {
			attrs := metric.WithAttributes(OTELAttrs(id, cr.Attrs)...)
			m := cr.Metrics
			if cr.SampleCount > 0 {
				o.ObserveInt64(up, int64(cr.LastStatus), attrs)
			}
			o.ObserveFloat64(upTime, minutesToSeconds(m.UptimeMinutes), attrs)
			o.ObserveFloat64(downTime, minutesToSeconds(m.DowntimeMinutes), attrs)
			o.ObserveFloat64(availability, m.AvailabilityPct, attrs)
			o.ObserveInt64(incidentCount, int64(m.IncidentsCount), attrs)
			o.ObserveInt64(recoveryCount, int64(m.RecoveriesCount), attrs)
			o.ObserveInt64(difference, int64(cr.AvailabilityDifference), attrs)
			if m.InitialDowntimeMinutes != 0 {
				o.ObserveFloat64(downTimeInitial, minutesToSeconds(m.InitialDowntimeMinutes), attrs)
			}
			if m.MTTRMinutesMean != 0 {
				o.ObserveFloat64(mttr, minutesToSeconds(m.MTTRMinutesMean), attrs)
			}
			if m.MTBFMinutesMean != 0 {
				o.ObserveFloat64(mtbf, minutesToSeconds(m.MTBFMinutesMean), attrs)
			}
			if m.LongestOutageMinutes != 0 {
				o.ObserveFloat64(longestOutage, minutesToSeconds(m.LongestOutageMinutes), attrs)
			}
			if m.CorruptSamples != 0 {
				o.ObserveInt64(corrupt, int64(m.CorruptSamples), attrs)
			}
		}
	}

	return []metric.Observable{
		up,
		upTime,
		downTime,
		downTimeInitial,
		availability,
		incidentCount,
		recoveryCount,
		mttr,
		mtbf,
		longestOutage,
		difference,
		corrupt,
	}, observeFunc
}

func mustRegisterRollupMetrics(prefix string, meter metric.Meter) ([]metric.Observable, reportObserveFunc) {
	availability, err := meter.Float64ObservableGauge(prefix+".availability",
		metric.WithDescription("Up time across all components as a percentage of observed time."),
		metric.WithUnit("%"),
	)
	fatal(err)

	incidents, err := meter.Int64ObservableGauge(prefix+".incident.count",
		metric.WithDescription("Incidents across all components."),
	)
	fatal(err)

	mttr, err := meter.Float64ObservableGauge(prefix+".mttr",
		metric.WithDescription("Mean time to repair over every closed incident."),
		metric.WithUnit("s"),
	)
	fatal(err)

	mttrQuantile, err := meter.Float64ObservableGauge(prefix+".mttr.quantile",
		metric.WithDescription("Approximate quantiles of time to repair."),
		metric.WithUnit("s"),
	)
	fatal(err)

	mtbf, err := meter.Float64ObservableGauge(prefix+".mtbf",
		metric.WithDescription("Mean time between failures over every interval."),
		metric.WithUnit("s"),
	)
	fatal(err)

	recording, err := meter.Float64ObservableGauge(prefix+".recording.time",
		metric.WithDescription("Time since the earliest sample."),
		metric.WithUnit("s"),
	)
	fatal(err)

	observeFunc := func(o metric.Observer, report records.Report) {
		rollup := report.Rollup
		o.ObserveFloat64(availability, rollup.OverallAvailabilityPct)
		o.ObserveInt64(incidents, int64(rollup.TotalIncidents))
		o.ObserveFloat64(mttr, minutesToSeconds(rollup.MTTRMinutesMean))
		o.ObserveFloat64(mtbf, minutesToSeconds(rollup.MTBFMinutesMean))
		o.ObserveFloat64(mttrQuantile, minutesToSeconds(rollup.MTTRMinutesP50), metric.WithAttributes(attribute.String("quantile", "0.5")))
		o.ObserveFloat64(mttrQuantile, minutesToSeconds(rollup.MTTRMinutesP95), metric.WithAttributes(attribute.String("quantile", "0.95")))
		o.ObserveFloat64(recording, minutesToSeconds(report.RecordingMinutes))
	}

	return []metric.Observable{
		availability,
		incidents,
		mttr,
		mttrQuantile,
		mtbf,
		recording,
	}, observeFunc
}

func fatal(err error) {
	if err != nil {
		panic(err)
	}
}
