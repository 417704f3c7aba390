package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/availmon/internal/experiments"
	"example.com/availmon/internal/metrics"
	"example.com/availmon/internal/records"
	"example.com/availmon/internal/source"
	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

type Aggregator struct {
	Source   source.Source
	Metadata MetadataProvider

	Clock    clock.Clock
	Interval time.Duration
	// Workers bounds the number of components summarized concurrently.
	Workers int
	TopN    int

	Experiments experiments.Set

	Exporters map[string]Exporter
	Notifier  Notifier
	// Cache is purged every time a new report is published.
	Cache Purger

	// Serializes passes so that a slow pass is never overtaken by a faster one.
	passMtx sync.Mutex

	reportMtx   sync.RWMutex
	report      records.Report
	reportReady bool
}

var log = logf.Log.WithName("aggregator")

var ErrNoSegmentSource = errors.New("source does not support set-based segmentation")

type MetadataProvider interface {
	Lookup(componentID string) (records.Attrs, bool)
}

type Exporter interface {
	Export(context.Context, records.Report) error
}

type Notifier interface {
	Dispatch(context.Context, records.Report) error
}

type Purger interface {
	Purge()
}

func (a *Aggregator) ReportReady() bool {
	a.reportMtx.RLock()
	defer a.reportMtx.RUnlock()
	return a.reportReady
}

func (a *Aggregator) Report() records.Report {
	a.reportMtx.RLock()
	defer a.reportMtx.RUnlock()
	return a.report
}

func (a *Aggregator) clock() clock.Clock {
	if a.Clock == nil {
		return clock.New()
	}
	return a.Clock
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (a *Aggregator) Start(ctx context.Context) error {
	t := a.clock().Ticker(a.Interval)
	defer t.Stop()
	for {
		log.Info("aggregating")
		if _, err := a.RunPass(ctx); err != nil {
			log.Error(err, "failed to aggregate")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunPass computes and publishes a report, then hands it to the exporters and the
// notifier. Exporter and notifier failures are logged and do not fail the pass.
func (a *Aggregator) RunPass(ctx context.Context) (records.Report, error) {
	a.passMtx.Lock()
	defer a.passMtx.Unlock()

	start := time.Now()
	report, err := a.Aggregate(ctx)
	if err != nil {
		metrics.PassFailures.Add(ctx, 1)
		return records.Report{}, err
	}
	metrics.AggregationDuration.Record(ctx, time.Since(start).Seconds())

	if err := a.export(ctx, report); err != nil {
		log.Error(err, "failed to export", "passId", report.PassID)
	}
	if a.Notifier != nil {
		if err := a.Notifier.Dispatch(ctx, report); err != nil {
			log.Error(err, "failed to notify", "passId", report.PassID)
		}
	}
	return report, nil
}

func (a *Aggregator) export(ctx context.Context, report records.Report) error {
	names := make([]string, 0, len(a.Exporters))
	for name := range a.Exporters {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, name := range names {
		if err := a.Exporters[name].Export(ctx, report); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("exporter %s: %w", name, err))
		}
	}
	return errs
}

// Aggregate runs one computation pass and publishes its report. If the source cannot be
// read or ctx is cancelled, nothing is published and the previous report stays.
func (a *Aggregator) Aggregate(ctx context.Context) (records.Report, error) {
	now := a.clock().Now().UTC().Truncate(time.Second)

	snap, err := a.Source.Snapshot(ctx, now)
	if err != nil {
		return records.Report{}, fmt.Errorf("reading snapshot: %w", err)
	}

	opts := records.SummaryOptions{
		LongestOutageIncludesOpen: a.Experiments.Enabled(experiments.LongestOutageIncludesOpen),
	}

	// Map: every component writes only its own slot.
	results := make([]records.ComponentReport, len(snap.Order))
	firsts := make([]*time.Time, len(snap.Order))

	workers := a.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range snap.Order {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			componentCtx := logf.IntoContext(gctx, log.WithValues("component", id))
			samples := snap.Samples[id]

			cr := records.SummarizeComponent(componentCtx, samples, now, opts)
			if a.Metadata != nil {
				if attrs, ok := a.Metadata.Lookup(id); ok {
					cr.Attrs = attrs
				}
			}
			if ordered := records.SamplesUntil(records.OrderSamples(samples), now); len(ordered) > 0 {
				first := ordered[0].Timestamp
				firsts[i] = &first
			}
			results[i] = cr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records.Report{}, fmt.Errorf("summarizing components: %w", err)
	}

	// Reduce, in component order.
	report := records.NewReport(now)
	report.PassID = uuid.NewString()
	report.Order = snap.Order

	var window records.RecordingWindow
	for i, id := range snap.Order {
		report.Components[id] = results[i]
		if firsts[i] != nil {
			window.Observe(*firsts[i])
		}
	}
	if start, ok := window.Start(); ok {
		report.RecordingStart = &start
	}
	report.RecordingMinutes = window.Minutes(now)
	report.Rollup = records.Rollup(snap.Order, report.Components, a.TopN)

	if err := ctx.Err(); err != nil {
		return records.Report{}, fmt.Errorf("pass cancelled before publish: %w", err)
	}

	a.reportMtx.Lock()
	a.report = report
	a.reportReady = true
	a.reportMtx.Unlock()
	if a.Cache != nil {
		a.Cache.Purge()
	}

	log.V(3).Info("published report", "passId", report.PassID, "components", len(snap.Order),
		"totalIncidents", report.Rollup.TotalIncidents)
	return report, nil
}

// Verify segments the source's samples both in the source and with the iterative builder
// and returns the ids of components whose segments differ.
func (a *Aggregator) Verify(ctx context.Context) ([]string, error) {
	segSource, ok := a.Source.(source.SegmentSource)
	if !ok {
		return nil, ErrNoSegmentSource
	}
	now := a.clock().Now().UTC().Truncate(time.Second)

	snap, setBased, err := segSource.SnapshotSegments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot and segments: %w", err)
	}

	var mismatched []string
	for _, id := range snap.Order {
		iterative := records.BuildSegments(ctx, snap.Samples[id], now)
		if diff := cmp.Diff(iterative, setBased[id]); diff != "" {
			log.Info("segmentation mismatch", "component", id, "diff (-iterative +set-based)", diff)
			mismatched = append(mismatched, id)
		}
	}
	return mismatched, nil
}
