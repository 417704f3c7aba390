package source

import (
	"context"
	"errors"
	"sort"
	"time"

	"example.com/availmon/internal/records"
)

// ErrSourceUnavailable is returned (wrapped) when samples cannot be read. A pass that
// hits it fails without replacing the published report.
var ErrSourceUnavailable = errors.New("sample source unavailable")

// Snapshot is a consistent read of every component's samples.
type Snapshot struct {
	// Order is the component iteration order used by the rollup: ascending component id.
	Order   []string
	Samples map[string][]records.Sample
}

func NewSnapshot() Snapshot {
	return Snapshot{Samples: map[string][]records.Sample{}}
}

// Add records a sample, registering its component on first sight.
func (s *Snapshot) Add(sample records.Sample) {
	if _, ok := s.Samples[sample.ComponentID]; !ok {
		s.Order = append(s.Order, sample.ComponentID)
	}
	s.Samples[sample.ComponentID] = append(s.Samples[sample.ComponentID], sample)
}

// AddComponent registers a component that has no samples yet.
func (s *Snapshot) AddComponent(id string) {
	if _, ok := s.Samples[id]; ok {
		return
	}
	s.Order = append(s.Order, id)
	s.Samples[id] = nil
}

func (s *Snapshot) Sort() {
	sort.Strings(s.Order)
}

type Source interface {
	Snapshot(ctx context.Context, now time.Time) (Snapshot, error)
}

// SegmentSource is implemented by sources that can segment samples themselves. The
// snapshot and the segments come from the same view of the store.
type SegmentSource interface {
	SnapshotSegments(ctx context.Context, now time.Time) (Snapshot, map[string][]records.Segment, error)
}

// Appender is implemented by sources that accept new samples.
type Appender interface {
	Append(ctx context.Context, sample records.Sample) error
}
