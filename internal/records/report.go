package records

import (
	"context"
	"time"
)

func NewReport(now time.Time) Report {
	return Report{
		Now:        now,
		Components: make(map[string]ComponentReport),
	}
}

// Report is the document published by one computation pass. It is always replaced as a
// whole.
type Report struct {
	PassID string    `json:"passId"`
	Now    time.Time `json:"now"`

	RecordingStart   *time.Time `json:"recordingStart,omitempty"`
	RecordingMinutes float64    `json:"recordingMinutes"`

	Rollup     RollupMetrics              `json:"rollup"`
	Components map[string]ComponentReport `json:"components"`

	// Order is the component iteration order used for the rollup.
	Order []string `json:"-"`
}

type ComponentReport struct {
	Attrs
	Metrics   ComponentMetrics `json:"metrics"`
	Incidents []Incident       `json:"incidents,omitempty"`

	// AvailabilityDifference is -1 (incident), 0 or +1 (recovery) between the two most
	// recent samples.
	AvailabilityDifference int       `json:"availabilityDifference"`
	LastStatus             Status    `json:"lastStatus"`
	LastSampleAt           time.Time `json:"lastSampleAt,omitempty"`
	SampleCount            int       `json:"sampleCount"`
}

// SummarizeComponent computes everything the report carries for one component.
func SummarizeComponent(ctx context.Context, samples []Sample, now time.Time, opts SummaryOptions) ComponentReport {
	ordered := SamplesUntil(OrderSamples(samples), now)

	metrics, incidents := SummarizeSamples(ctx, ordered, now, opts)
	cr := ComponentReport{
		Metrics:                metrics,
		Incidents:              incidents,
		AvailabilityDifference: AvailabilityDifference(ordered),
		SampleCount:            len(ordered),
	}
	if n := len(ordered); n > 0 {
		cr.LastStatus = ordered[n-1].Status
		cr.LastSampleAt = ordered[n-1].Timestamp
	}
	return cr
}
