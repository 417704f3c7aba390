package records

// AvailabilityDifference compares the two most recent ordered samples: +1 for a recovery
// (0->1), -1 for an incident (1->0), 0 for no change or fewer than two samples.
func AvailabilityDifference(ordered []Sample) int {
	n := len(ordered)
	if n < 2 {
		return 0
	}
	prev, last := ordered[n-2].Status, ordered[n-1].Status
	switch {
	case prev == Down && last == Up:
		return 1
	case prev == Up && last == Down:
		return -1
	default:
		return 0
	}
}
