package constants

// JobStatus is the canonical status stored on a job record.
type JobStatus string

// Stable values (store these exact strings).
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"

	// JobStatusUnknown is only ever produced by the status view when the execution
	// backend reports a state outside its known vocabulary. It is never persisted
	// and must be treated as non-terminal.
	JobStatusUnknown JobStatus = "unknown"
)

// AllJobStatuses lists the persisted statuses in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal reports whether no further transitions may occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle: queued < processing < terminal.
// Unknown ranks below everything so it never wins a comparison.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the persisted statuses.
func (s JobStatus) Valid() bool {
	return s.Rank() >= 0
}
