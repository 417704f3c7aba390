package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/availmon/internal/records"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

type GCSClient interface {
	GetEventLogs(ctx context.Context, bucket, path string) (map[string]records.EventLog, error)
	PutEventLogs(ctx context.Context, bucket, path string, logs map[string]records.EventLog) error
}

// EventLogSource keeps one JSON object holding the event log of every component.
type EventLogSource struct {
	GCS        GCSClient
	BucketName string
	// Path of the object inside the bucket.
	Path string

	// Serializes read-modify-write cycles of Append.
	mtx sync.Mutex
}

func (s *EventLogSource) Snapshot(ctx context.Context, _ time.Time) (Snapshot, error) {
	logs, err := s.GCS.GetEventLogs(ctx, s.BucketName, s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: reading event logs: %w", ErrSourceUnavailable, err)
	}

	snap := NewSnapshot()
	for id, el := range logs {
		snap.AddComponent(id)
		for _, sample := range el.Samples(ctx, id) {
			snap.Add(sample)
		}
	}
	snap.Sort()
	logf.FromContext(ctx).WithName("eventlog-source").V(3).Info("read snapshot", "components", len(snap.Order))
	return snap, nil
}

func (s *EventLogSource) Append(ctx context.Context, sample records.Sample) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	logs, err := s.GCS.GetEventLogs(ctx, s.BucketName, s.Path)
	if err != nil {
		return fmt.Errorf("%w: reading event logs: %w", ErrSourceUnavailable, err)
	}
	if logs == nil {
		logs = map[string]records.EventLog{}
	}
	el := logs[sample.ComponentID]
	if changed := records.AppendSample(&el, sample); !changed {
		return nil
	}
	logs[sample.ComponentID] = el
	if err := s.GCS.PutEventLogs(ctx, s.BucketName, s.Path, logs); err != nil {
		return fmt.Errorf("%w: writing event logs: %w", ErrSourceUnavailable, err)
	}
	return nil
}
