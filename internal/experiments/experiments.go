package experiments

// LongestOutageIncludesOpen lets a still-open outage count toward the longest outage
// even when closed incidents exist.
const LongestOutageIncludesOpen = "LongestOutageIncludesOpen"

type ExperimentConfig struct {
	Enabled bool
}

// Set maps experiment names to their configuration. A nil Set has everything disabled.
type Set map[string]ExperimentConfig

func (s Set) Enabled(name string) bool {
	return s[name].Enabled
}
