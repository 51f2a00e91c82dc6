package monitor

import "time"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for picking the worst one in a digest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	default:
		return 1
	}
}

// Category identifies which scan produced an alert.
type Category string

const (
	CategoryLongRunning   Category = "long_running"
	CategoryForceFailed   Category = "force_failed"
	CategoryRecentFailure Category = "recent_failure"
	CategoryFailureRate   Category = "failure_rate"
)

// Alert is one finding from a monitor scan.
type Alert struct {
	Severity   Severity  `json:"severity"`
	Category   Category  `json:"category"`
	TaskID     string    `json:"task_id,omitempty"`
	Owner      string    `json:"owner"`
	Subject    string    `json:"subject,omitempty"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}
