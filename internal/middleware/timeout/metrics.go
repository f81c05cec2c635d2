package timeout

import "sync/atomic"

// Outcomes reported to observers.
const (
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeFault     = "fault"
)

// TimeoutMetrics tracks guard outcomes.
type TimeoutMetrics struct {
	TotalRequests atomic.Int64
	Completed     atomic.Int64
	Timeouts      atomic.Int64
	Rejections    atomic.Int64
	Faults        atomic.Int64
}

// TimeoutSnapshot is a point-in-time snapshot of timeout metrics.
type TimeoutSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	Completed     int64 `json:"completed"`
	Timeouts      int64 `json:"timeouts"`
	Rejections    int64 `json:"rejections"`
	Faults        int64 `json:"faults"`
}

// Snapshot returns a copy of the current metrics.
func (m *TimeoutMetrics) Snapshot() TimeoutSnapshot {
	return TimeoutSnapshot{
		TotalRequests: m.TotalRequests.Load(),
		Completed:     m.Completed.Load(),
		Timeouts:      m.Timeouts.Load(),
		Rejections:    m.Rejections.Load(),
		Faults:        m.Faults.Load(),
	}
}
