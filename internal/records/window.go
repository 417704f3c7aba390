package records

import "time"

// RecordingWindow tracks the earliest sample seen across all components.
// The zero value is ready to use.
type RecordingWindow struct {
	start time.Time
	seen  bool
}

func (w *RecordingWindow) Observe(ts time.Time) {
	if !w.seen || ts.Before(w.start) {
		w.start = ts
		w.seen = true
	}
}

func (w *RecordingWindow) Start() (time.Time, bool) {
	return w.start, w.seen
}

// Minutes is the elapsed recording time up to now, or 0 when nothing was observed.
func (w *RecordingWindow) Minutes(now time.Time) float64 {
	if !w.seen || now.Before(w.start) {
		return 0
	}
	return now.Sub(w.start).Minutes()
}
