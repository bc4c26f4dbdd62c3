package store

// SnapshotStrategy defines when snapshots should be created.
type SnapshotStrategy interface {
	// ShouldCreateSnapshot determines if a snapshot should be created
	// based on the aggregate's current state.
	ShouldCreateSnapshot(currentVersion int64, eventsSinceLastSnapshot int64) bool
}

// IntervalSnapshotStrategy creates snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64 // Create snapshot every N events
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots every N events.
// An interval <= 0 disables snapshots.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

// ShouldCreateSnapshot checks if we've passed the interval threshold.
func (s *IntervalSnapshotStrategy) ShouldCreateSnapshot(currentVersion int64, eventsSinceLastSnapshot int64) bool {
	if s == nil || s.Interval <= 0 {
		return false
	}
	return eventsSinceLastSnapshot >= s.Interval
}

// NeverSnapshot disables snapshots.
type NeverSnapshot struct{}

func (NeverSnapshot) ShouldCreateSnapshot(int64, int64) bool { return false }
