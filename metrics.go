package eventsourcing

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}

// Metrics instruments the repository. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RepoLoadDuration(aggregateType string) Timer
	RepoSaveDuration(aggregateType string) Timer
	EventsAppended(aggregateType string, count int)
	EventsReplayed(aggregateType string, count int)
	ConcurrencyConflict(aggregateType string)

	SnapshotHit(aggregateType string)
	SnapshotMiss(aggregateType string)
	SnapshotSaveDuration(aggregateType string) Timer
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) RepoLoadDuration(string) Timer     { return nopTimer{} }
func (nopMetrics) RepoSaveDuration(string) Timer     { return nopTimer{} }
func (nopMetrics) EventsAppended(string, int)        {}
func (nopMetrics) EventsReplayed(string, int)        {}
func (nopMetrics) ConcurrencyConflict(string)        {}
func (nopMetrics) SnapshotHit(string)                {}
func (nopMetrics) SnapshotMiss(string)               {}
func (nopMetrics) SnapshotSaveDuration(string) Timer { return nopTimer{} }

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
