package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Context window statuses.
const (
	WindowActive    = "active"
	WindowCompleted = "completed"
)

// Notification pattern types.
const (
	PatternFrequentRule      = "frequent_rule"
	PatternFrequentComponent = "frequent_component"
	PatternRuleCoOccurrence  = "rule_co_occurrence"
)

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Rule is a tracked workflow rule, created on first reference.
// ExecutionCount is a cached counter bumped on every logged execution;
// aggregate queries count execution rows instead of trusting it.
type Rule struct {
	ID             string
	Name           string
	FilePath       string
	Description    string
	ExecutionCount int
	FirstSeen      time.Time
}

// Component is a named sub-part of a Rule, unique per (rule, name).
type Component struct {
	ID             string
	RuleID         string
	Name           string
	Description    string
	ExecutionCount int
	FirstSeen      time.Time
}

// ContextWindow is a bounded session grouping rule executions.
type ContextWindow struct {
	ID         string
	SessionID  string
	StartedAt  time.Time
	EndedAt    *time.Time // nil while active
	Status     string     // "active" or "completed"
	TokenCount int
}

// RuleExecution is an append-only execution event.
type RuleExecution struct {
	ID              string
	RuleID          string
	ContextWindowID string // empty when no session was active
	ExecutedAt      time.Time
	TaskDocument    string
	Note            string
}

// ComponentExecution is an append-only execution event, child of a RuleExecution.
type ComponentExecution struct {
	ID              string
	ComponentID     string
	RuleExecutionID string
	ExecutedAt      time.Time
	Note            string
}

// Notification is a persisted alert raised by the pattern detector.
// Subject carries the de-duplication identity (rule name, component key,
// or canonical rule pair) separate from the human-readable title.
type Notification struct {
	ID          string    `json:"id"`
	PatternType string    `json:"pattern_type"`
	Subject     string    `json:"subject"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Priority    string    `json:"priority"`
	Confidence  float64   `json:"confidence"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileEvent is a raw filesystem interaction logged by the watcher.
type FileEvent struct {
	ID         int64
	Path       string
	EventType  string // "created", "modified", "removed"
	OccurredAt time.Time
}
