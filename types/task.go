package types

import "time"

// TaskKind distinguishes the two families of tracked work.
type TaskKind string

const (
	TaskKindSwarm   TaskKind = "swarm"
	TaskKindRoutine TaskKind = "routine"
)

// Valid reports whether k is a known kind.
func (k TaskKind) Valid() bool {
	return k == TaskKindSwarm || k == TaskKindRoutine
}

// Priority is triage metadata carried on events and run requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities from 0 (low) to 3 (critical). Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Task is the unit tracked end-to-end by the orchestrator.
type Task struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	HasPremium bool      `json:"hasPremium"`
	StartTime  time.Time `json:"startTime"`
	Kind       TaskKind  `json:"kind"`
	Name       string    `json:"name,omitempty"`
}

// Tier returns "premium" or "free" for metrics labels and logs.
func (t Task) Tier() string {
	if t.HasPremium {
		return "premium"
	}
	return "free"
}
