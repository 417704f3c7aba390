package records

import (
	"context"
	"encoding/json"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// EventLog is the append-only sample log kept per component by the event-log store.
type EventLog struct {
	Events []StatusEvent `json:"events"`
}

type StatusEvent struct {
	// Status is kept raw so that an unreadable value does not fail decoding of the
	// whole log; it is parsed with ParseStatus when the log is read.
	Status    json.RawMessage `json:"status"`
	Timestamp time.Time       `json:"ts"`
}

// Samples converts the log into samples for componentID, in log order.
func (r *EventLog) Samples(ctx context.Context, componentID string) []Sample {
	eventsLog := logf.FromContext(ctx).WithName("events")

	samples := make([]Sample, 0, len(r.Events))
	for _, ev := range r.Events {
		status, ok := ParseStatus(string(ev.Status))
		if !ok {
			eventsLog.V(1).Info("unreadable status in event log", "component", componentID, "ts", ev.Timestamp, "raw", string(ev.Status))
		}
		samples = append(samples, Sample{
			ComponentID: componentID,
			Timestamp:   ev.Timestamp.UTC().Truncate(time.Second),
			Status:      status,
			Corrupt:     !ok,
		})
	}
	return samples
}

// AppendSample adds a reading to the log. It reports false when the reading repeats
// the last entry exactly and was skipped.
func AppendSample(rec *EventLog, s Sample) bool {
	ev := StatusEvent{
		Status:    json.RawMessage(statusLiteral(s.Status)),
		Timestamp: s.Timestamp.UTC().Truncate(time.Second),
	}
	if n := len(rec.Events); n > 0 {
		last := rec.Events[n-1]
		if last.Timestamp.Equal(ev.Timestamp) && string(last.Status) == string(ev.Status) {
			return false
		}
	}
	rec.Events = append(rec.Events, ev)
	return true
}

func statusLiteral(s Status) string {
	if s == Up {
		return "1"
	}
	return "0"
}
