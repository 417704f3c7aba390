package records

import (
	"context"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// Segment is a right-open interval [Start, End) during which Status held.
type Segment struct {
	ComponentID string    `json:"componentId"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      Status    `json:"status"`
}

func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Minutes is the unrounded segment length in minutes.
func (s Segment) Minutes() float64 {
	return s.Duration().Minutes()
}

// BuildSegments partitions [earliest sample, now) into constant-status intervals.
// Each sample's status holds until the next sample; the last one holds until now.
//
// status:  1    0         1
// samples: |----|---------|-----> now
// segments [0,1)  [1,2)     [2,now)
func BuildSegments(ctx context.Context, samples []Sample, now time.Time) []Segment {
	segLog := logf.FromContext(ctx).WithName("segments")

	ordered := OrderSamples(samples)
	if kept := SamplesUntil(ordered, now); len(kept) != len(ordered) {
		segLog.V(1).Info("ignoring samples at or after pass time", "dropped", len(ordered)-len(kept), "now", now)
		ordered = kept
	}
	if len(ordered) == 0 {
		return nil
	}

	segments := make([]Segment, 0, len(ordered))
	for i, s := range ordered {
		if s.Corrupt {
			segLog.V(1).Info("corrupt sample treated as down", "component", s.ComponentID, "ts", s.Timestamp)
		}
		end := now
		if i+1 < len(ordered) {
			end = ordered[i+1].Timestamp
		}
		segments = append(segments, Segment{
			ComponentID: s.ComponentID,
			Start:       s.Timestamp,
			End:         end,
			Status:      s.Status,
		})
	}
	segLog.V(5).Info("built segments", "count", len(segments))
	return segments
}
