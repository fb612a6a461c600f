package constants

import (
	"strings"
	"time"
)

// Priority is the submission priority of a job.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority is lenient: anything unrecognised becomes PriorityNormal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Value maps the priority onto the execution backend's scale (lower runs first).
func (p Priority) Value() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// EstimatedCompletion is a heuristic only; nothing in the pipeline enforces it.
func (p Priority) EstimatedCompletion(now time.Time) time.Time {
	switch p {
	case PriorityHigh:
		return now.Add(5 * time.Minute)
	case PriorityLow:
		return now.Add(30 * time.Minute)
	default:
		return now.Add(15 * time.Minute)
	}
}
