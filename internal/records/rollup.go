package records

import (
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultTopN bounds the rankings in a rollup.
const DefaultTopN = 10

type Ranking struct {
	ComponentID string `json:"componentId"`
	Attrs
	IncidentsCount  int     `json:"incidentsCount"`
	DowntimeMinutes float64 `json:"downtimeMinutes"`
}

type RollupMetrics struct {
	OverallUptimeMinutes   float64 `json:"overallUptimeMinutes"`
	OverallDowntimeMinutes float64 `json:"overallDowntimeMinutes"`
	OverallAvailabilityPct float64 `json:"overallAvailabilityPct"`
	TotalIncidents         int     `json:"totalIncidents"`

	// Means over every individual repair / between-failure interval of every component,
	// so each incident carries the same weight.
	MTTRMinutesMean float64 `json:"mttrMinutesMean"`
	MTBFMinutesMean float64 `json:"mtbfMinutesMean"`

	// Approximate quantiles of the same repair intervals.
	MTTRMinutesP50 float64 `json:"mttrMinutesP50"`
	MTTRMinutesP95 float64 `json:"mttrMinutesP95"`

	TopUnstable []Ranking `json:"topUnstable"`
	TopDowntime []Ranking `json:"topDowntime"`
}

// Rollup reduces per-component reports, visiting them in order. Ranking ties keep order.
func Rollup(order []string, components map[string]ComponentReport, topN int) RollupMetrics {
	if topN <= 0 {
		topN = DefaultTopN
	}

	var (
		rollup  RollupMetrics
		mttr    []float64
		mtbf    []float64
		ranking = make([]Ranking, 0, len(order))
	)
	for _, id := range order {
		c, ok := components[id]
		if !ok {
			continue
		}
		m := c.Metrics
		rollup.OverallUptimeMinutes += m.UptimeMinutes
		rollup.OverallDowntimeMinutes += m.DowntimeMinutes
		rollup.TotalIncidents += m.IncidentsCount
		mttr = append(mttr, m.MTTRSamples...)
		mtbf = append(mtbf, m.MTBFSamples...)
		ranking = append(ranking, Ranking{
			ComponentID:     id,
			Attrs:           c.Attrs,
			IncidentsCount:  m.IncidentsCount,
			DowntimeMinutes: m.DowntimeMinutes,
		})
	}

	rollup.OverallAvailabilityPct = availabilityPct(rollup.OverallUptimeMinutes, rollup.OverallDowntimeMinutes)
	rollup.MTTRMinutesMean = mean(mttr)
	rollup.MTBFMinutesMean = mean(mtbf)
	rollup.MTTRMinutesP50, rollup.MTTRMinutesP95 = quantiles(mttr)

	rollup.TopUnstable = topRanking(ranking, topN, func(a, b Ranking) bool {
		return a.IncidentsCount > b.IncidentsCount
	})
	rollup.TopDowntime = topRanking(ranking, topN, func(a, b Ranking) bool {
		return a.DowntimeMinutes > b.DowntimeMinutes
	})
	return rollup
}

func topRanking(all []Ranking, n int, less func(a, b Ranking) bool) []Ranking {
	sorted := make([]Ranking, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func quantiles(vals []float64) (p50, p95 float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return 0, 0
	}
	for _, v := range vals {
		if err := sketch.Add(v); err != nil {
			return 0, 0
		}
	}
	p50, _ = sketch.GetValueAtQuantile(0.5)
	p95, _ = sketch.GetValueAtQuantile(0.95)
	return p50, p95
}
