package session

import "sync"

// Session lifecycle events counted by a MetricsRecorder.
const (
	MetricRestoreSuccess   = "session.restore.success"
	MetricRestoreEmpty     = "session.restore.empty"
	MetricSignInSuccess    = "session.sign_in.success"
	MetricSignInFailure    = "session.sign_in.failure"
	MetricRefreshStarted   = "session.refresh.started"
	MetricRefreshSuccess   = "session.refresh.success"
	MetricRefreshFailure   = "session.refresh.failure"
	MetricRefreshDiscarded = "session.refresh.discarded"
	MetricExpired          = "session.expired"
	MetricSignOut          = "session.sign_out"
	MetricSignOutRemoteErr = "session.sign_out.remote_failure"
	MetricPasswordUpdated  = "session.password.updated"
)

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
