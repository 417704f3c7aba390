package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/availmon/internal/records"
	"go.uber.org/multierr"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("notify")

// Change is an availability difference of one component, as handed to notifiers.
type Change struct {
	ComponentID string `json:"componentId"`
	records.Attrs
	// Difference is +1 for a recovery and -1 for a new incident.
	Difference int            `json:"difference"`
	Status     records.Status `json:"status"`
	At         time.Time      `json:"at"`
	PassID     string         `json:"passId"`
}

type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

// Dispatcher hands the non-zero availability differences of each report to every
// notifier. A change is only sent again if one of the notifiers failed on it.
type Dispatcher struct {
	Notifiers map[string]Notifier

	mtx sync.Mutex
	// map[<component-id>]<timestamp-of-the-sample-that-was-notified>
	sent map[string]time.Time
}

func (d *Dispatcher) Dispatch(ctx context.Context, r records.Report) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.sent == nil {
		d.sent = map[string]time.Time{}
	}

	names := make([]string, 0, len(d.Notifiers))
	for name := range d.Notifiers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, id := range r.Order {
		cr, ok := r.Components[id]
		if !ok || cr.AvailabilityDifference == 0 {
			continue
		}
		if last, ok := d.sent[id]; ok && last.Equal(cr.LastSampleAt) {
			continue
		}
		c := Change{
			ComponentID: id,
			Attrs:       cr.Attrs,
			Difference:  cr.AvailabilityDifference,
			Status:      cr.LastStatus,
			At:          cr.LastSampleAt,
			PassID:      r.PassID,
		}

		var changeErr error
		for _, name := range names {
			if err := d.Notifiers[name].Notify(ctx, c); err != nil {
				changeErr = multierr.Append(changeErr, fmt.Errorf("notifier %s: component %s: %w", name, id, err))
			}
		}
		if changeErr != nil {
			errs = multierr.Append(errs, changeErr)
			continue
		}
		d.sent[id] = cr.LastSampleAt
		log.V(1).Info("dispatched availability change", "component", id, "difference", c.Difference)
	}
	return errs
}

// LogNotifier writes changes to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, c Change) error {
	kind := "recovery"
	if c.Difference < 0 {
		kind = "incident"
	}
	logf.FromContext(ctx).WithName("notify").Info("availability changed",
		"component", c.ComponentID, "name", c.Name, "kind", kind, "at", c.At, "passId", c.PassID)
	return nil
}
