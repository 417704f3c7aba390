package records

import (
	"sort"
	"strings"
	"time"
)

// Status is a binary availability reading.
type Status int

const (
	Down Status = 0
	Up   Status = 1
)

func (s Status) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

// ParseStatus converts a raw stored status into a Status. Unreadable values map to
// Down and report ok=false so callers can flag the sample as corrupt.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"`)) {
	case "1", "up", "true":
		return Up, true
	case "0", "down", "false":
		return Down, true
	default:
		return Down, false
	}
}

// Attrs is display metadata for a component. It is attached to output only.
type Attrs struct {
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	Product      string `json:"product,omitempty"`
}

type Sample struct {
	ComponentID string    `json:"componentId"`
	Timestamp   time.Time `json:"ts"`
	Status      Status    `json:"status"`
	// Corrupt is set when the stored status could not be read and was coerced to Down.
	Corrupt bool `json:"corrupt,omitempty"`
}

// OrderSamples returns a copy of samples sorted by timestamp with duplicate timestamps
// collapsed to the entry that was written last.
func OrderSamples(samples []Sample) []Sample {
	if len(samples) == 0 {
		return nil
	}
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := sorted[:0]
	for _, s := range sorted {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(s.Timestamp) {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

// SamplesUntil trims ordered samples to those taken strictly before now. The pass window
// is right-open like every segment, so a sample taken at now belongs to the next pass.
func SamplesUntil(ordered []Sample, now time.Time) []Sample {
	i := sort.Search(len(ordered), func(i int) bool {
		return !ordered[i].Timestamp.Before(now)
	})
	return ordered[:i]
}

func countCorrupt(samples []Sample) int {
	var n int
	for _, s := range samples {
		if s.Corrupt {
			n++
		}
	}
	return n
}
