package records

import (
	"context"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

type IncidentState string

const (
	IncidentOngoing  IncidentState = "ongoing"
	IncidentResolved IncidentState = "resolved"
)

type Incident struct {
	ComponentID     string        `json:"componentId"`
	Start           time.Time     `json:"start"`
	End             *time.Time    `json:"end,omitempty"`
	DurationMinutes float64       `json:"durationMinutes"`
	State           IncidentState `json:"state"`
	// Initial marks an outage that was already in progress at the first sample. It is not
	// preceded by a 1->0 transition, so it is excluded from IncidentsCount and MTTR.
	Initial bool `json:"initial,omitempty"`
}

type ComponentMetrics struct {
	UptimeMinutes   float64 `json:"uptimeMinutes"`
	DowntimeMinutes float64 `json:"downtimeMinutes"`
	AvailabilityPct float64 `json:"availabilityPct"`

	// IncidentsCount is the number of 1->0 transitions.
	IncidentsCount int `json:"incidentsCount"`
	// RecoveriesCount is the number of 0->1 transitions.
	RecoveriesCount int `json:"recoveriesCount"`

	// MTTRMinutesMean - Mean Time To Repair over closed incidents.
	MTTRMinutesMean float64 `json:"mttrMinutesMean"`
	// MTBFMinutesMean - Mean Time Between Failures, repair completion to next incident start.
	MTBFMinutesMean float64 `json:"mtbfMinutesMean"`

	LongestOutageMinutes float64 `json:"longestOutageMinutes"`

	// InitialDowntimeMinutes is the time spent down before the component was first seen up.
	InitialDowntimeMinutes float64 `json:"initialDowntimeMinutes"`

	CorruptSamples int `json:"corruptSamples"`

	// Individual samples behind the means; the rollup averages their union.
	MTTRSamples []float64 `json:"-"`
	MTBFSamples []float64 `json:"-"`
}

type SummaryOptions struct {
	// LongestOutageIncludesOpen lets a still-open outage win the longest outage even when
	// closed incidents exist.
	LongestOutageIncludesOpen bool
}

// Summarize walks ordered segments and derives the component's metrics and incidents.
func Summarize(ctx context.Context, segments []Segment, now time.Time, opts SummaryOptions) (ComponentMetrics, []Incident) {
	var summary ComponentMetrics
	summaryLog := logf.FromContext(ctx).WithName("summary")

	n := len(segments)
	summaryLog.V(3).Info("summarizing segments", "segment_count", n)
	if n == 0 {
		return summary, nil
	}

	componentID := segments[0].ComponentID
	var (
		incidents []Incident

		outageOpen    bool
		outageInitial bool
		outageStart   time.Time

		repaired   bool
		lastRepair time.Time
	)

	// Already down at the first sample:
	//
	// up:        ____
	// down:  ____|
	// seg:   0   1
	if segments[0].Status == Down {
		outageOpen = true
		outageInitial = true
		outageStart = segments[0].Start
	}

	for i, seg := range segments {
		if seg.Status == Up {
			summary.UptimeMinutes += seg.Minutes()
		} else {
			summary.DowntimeMinutes += seg.Minutes()
			if outageInitial {
				summary.InitialDowntimeMinutes += seg.Minutes()
			}
		}

		if i == 0 || segments[i-1].Status == seg.Status {
			continue
		}

		at := seg.Start
		if seg.Status == Down {
			// Just transitioned up to down.
			summary.IncidentsCount++
			outageOpen = true
			outageInitial = false
			outageStart = at
			if repaired {
				summary.MTBFSamples = append(summary.MTBFSamples, at.Sub(lastRepair).Minutes())
			}
			summaryLog.V(5).Info("incident start", "at", at)
			continue
		}

		// Just transitioned down to up.
		summary.RecoveriesCount++
		dur := at.Sub(outageStart).Minutes()
		if !outageInitial {
			summary.MTTRSamples = append(summary.MTTRSamples, dur)
		}
		end := at
		incidents = append(incidents, Incident{
			ComponentID:     componentID,
			Start:           outageStart,
			End:             &end,
			DurationMinutes: dur,
			State:           IncidentResolved,
			Initial:         outageInitial,
		})
		outageOpen = false
		outageInitial = false
		repaired = true
		lastRepair = at
		summaryLog.V(5).Info("repair", "at", at, "minutes", dur)
	}

	var openMinutes float64
	if outageOpen {
		openMinutes = now.Sub(outageStart).Minutes()
		incidents = append(incidents, Incident{
			ComponentID:     componentID,
			Start:           outageStart,
			DurationMinutes: openMinutes,
			State:           IncidentOngoing,
			Initial:         outageInitial,
		})
	}

	summary.MTTRMinutesMean = mean(summary.MTTRSamples)
	summary.MTBFMinutesMean = mean(summary.MTBFSamples)

	switch {
	case len(summary.MTTRSamples) > 0:
		summary.LongestOutageMinutes = maxOf(summary.MTTRSamples)
		if opts.LongestOutageIncludesOpen && outageOpen && openMinutes > summary.LongestOutageMinutes {
			summary.LongestOutageMinutes = openMinutes
		}
	case outageOpen:
		summary.LongestOutageMinutes = openMinutes
	}

	summary.AvailabilityPct = availabilityPct(summary.UptimeMinutes, summary.DowntimeMinutes)

	summaryLog.V(3).Info("component summary", "component", componentID, "summary", summary)
	return summary, incidents
}

// SummarizeSamples builds segments from raw samples and summarizes them.
func SummarizeSamples(ctx context.Context, samples []Sample, now time.Time, opts SummaryOptions) (ComponentMetrics, []Incident) {
	summary, incidents := Summarize(ctx, BuildSegments(ctx, samples, now), now, opts)
	summary.CorruptSamples = countCorrupt(SamplesUntil(OrderSamples(samples), now))
	return summary, incidents
}

func availabilityPct(up, down float64) float64 {
	total := up + down
	if total <= 0 {
		return 0
	}
	return up / total * 100
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func maxOf(vals []float64) float64 {
	var m float64
	for i, v := range vals {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}
