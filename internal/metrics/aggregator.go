// Package metrics computes read-only usage summaries over the event store.
// Every operation is a point-in-time snapshot: counts come from execution
// rows, never from the cached per-rule counters, and concurrent writers may
// race a read, so numbers are best-effort rather than strongly consistent.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ruletrace/ruletrace/internal/storage"
)

// Aggregator answers usage queries against the event store.
type Aggregator struct {
	store *storage.Store
}

// New creates an Aggregator over the given store.
func New(store *storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// DateRange is the concrete time span a report covers.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// WindowReport summarizes a single context window.
type WindowReport struct {
	ContextWindowID     string                    `json:"context_window_id"`
	SessionID           string                    `json:"session_id"`
	Status              string                    `json:"status"`
	TokenCount          int                       `json:"token_count"`
	DurationSeconds     *float64                  `json:"duration_seconds"` // null while the window is active
	DistinctRules       int                       `json:"distinct_rules"`
	ComponentExecutions int                       `json:"component_executions"`
	Executions          []storage.WindowExecution `json:"executions"`
}

// ContextWindowMetrics summarizes the window identified by windowID, or by
// sessionID when windowID is empty. An unknown id (or neither id supplied)
// returns (nil, nil): absence is not an error.
func (a *Aggregator) ContextWindowMetrics(windowID, sessionID string) (*WindowReport, error) {
	var w storage.ContextWindow
	var err error
	switch {
	case windowID != "":
		w, err = a.store.GetContextWindow(windowID)
	case sessionID != "":
		w, err = a.store.GetContextWindowBySession(sessionID)
	default:
		return nil, nil
	}
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading context window: %w", err)
	}

	executions, err := a.store.ListWindowExecutions(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing window executions: %w", err)
	}
	if executions == nil {
		executions = []storage.WindowExecution{}
	}

	distinctRules, err := a.store.CountWindowDistinctRules(w.ID)
	if err != nil {
		return nil, fmt.Errorf("counting distinct rules: %w", err)
	}
	componentExecs, err := a.store.CountWindowComponentExecutions(w.ID)
	if err != nil {
		return nil, fmt.Errorf("counting component executions: %w", err)
	}

	report := &WindowReport{
		ContextWindowID:     w.ID,
		SessionID:           w.SessionID,
		Status:              w.Status,
		TokenCount:          w.TokenCount,
		DistinctRules:       distinctRules,
		ComponentExecutions: componentExecs,
		Executions:          executions,
	}
	if w.EndedAt != nil {
		d := w.EndedAt.Sub(w.StartedAt).Seconds()
		report.DurationSeconds = &d
	}
	return report, nil
}

// ComponentBreakdown is a per-component execution count within one rule.
type ComponentBreakdown struct {
	Component  string `json:"component"`
	Executions int    `json:"executions"`
}

// RuleUsageEntry aggregates one rule's activity over the report range.
type RuleUsageEntry struct {
	Rule            string               `json:"rule"`
	Executions      int                  `json:"executions"`
	DistinctWindows int                  `json:"distinct_windows"`
	Components      []ComponentBreakdown `json:"components"`
}

// RuleUsageSummary totals a RuleUsageReport.
type RuleUsageSummary struct {
	TotalRules      int       `json:"total_rules"`
	TotalExecutions int       `json:"total_executions"`
	TotalWindows    int       `json:"total_windows"`
	DateRange       DateRange `json:"date_range"`
}

// RuleUsageReport is the result of RuleUsageMetrics.
type RuleUsageReport struct {
	Rules   []RuleUsageEntry `json:"rules"`
	Summary RuleUsageSummary `json:"summary"`
}

// RuleUsageMetrics aggregates executions per rule within the last windowDays.
// A non-empty ruleName restricts the report to that rule; a name with no
// executions in range yields an empty rules list and zeroed totals.
func (a *Aggregator) RuleUsageMetrics(ruleName string, windowDays int) (*RuleUsageReport, error) {
	start, end, windowDays := rangeFor(windowDays)

	rows, err := a.store.RuleUsageInRange(start, end, ruleName)
	if err != nil {
		return nil, fmt.Errorf("aggregating rule usage: %w", err)
	}

	compRows, err := a.store.ComponentUsageInRange(start, end, "", ruleName)
	if err != nil {
		return nil, fmt.Errorf("aggregating component usage: %w", err)
	}
	compsByRule := make(map[string][]ComponentBreakdown)
	for _, c := range compRows {
		compsByRule[c.RuleName] = append(compsByRule[c.RuleName], ComponentBreakdown{
			Component:  c.ComponentName,
			Executions: c.Executions,
		})
	}

	report := &RuleUsageReport{Rules: []RuleUsageEntry{}}
	for _, row := range rows {
		comps := compsByRule[row.RuleName]
		if comps == nil {
			comps = []ComponentBreakdown{}
		}
		report.Rules = append(report.Rules, RuleUsageEntry{
			Rule:            row.RuleName,
			Executions:      row.Executions,
			DistinctWindows: row.DistinctWindows,
			Components:      comps,
		})
		report.Summary.TotalExecutions += row.Executions
		report.Summary.TotalWindows += row.DistinctWindows
	}
	report.Summary.TotalRules = len(report.Rules)
	report.Summary.DateRange = DateRange{Start: start, End: end, Days: windowDays}
	return report, nil
}

// ComponentUsageSummary totals a ComponentUsageReport.
type ComponentUsageSummary struct {
	TotalPairs      int       `json:"total_pairs"`
	TotalExecutions int       `json:"total_executions"`
	DateRange       DateRange `json:"date_range"`
}

// ComponentUsageReport is the result of ComponentUsageMetrics.
type ComponentUsageReport struct {
	Components []storage.ComponentUsageRow `json:"components"`
	Summary    ComponentUsageSummary       `json:"summary"`
}

// ComponentUsageMetrics aggregates component executions grouped by
// (component, rule) within the last windowDays, optionally filtered by
// component and/or rule name.
func (a *Aggregator) ComponentUsageMetrics(componentName, ruleName string, windowDays int) (*ComponentUsageReport, error) {
	start, end, windowDays := rangeFor(windowDays)

	rows, err := a.store.ComponentUsageInRange(start, end, componentName, ruleName)
	if err != nil {
		return nil, fmt.Errorf("aggregating component usage: %w", err)
	}
	if rows == nil {
		rows = []storage.ComponentUsageRow{}
	}

	report := &ComponentUsageReport{Components: rows}
	for _, row := range rows {
		report.Summary.TotalExecutions += row.Executions
	}
	report.Summary.TotalPairs = len(rows)
	report.Summary.DateRange = DateRange{Start: start, End: end, Days: windowDays}
	return report, nil
}

// SessionEntry annotates one session with its activity counts.
type SessionEntry struct {
	SessionID           string     `json:"session_id"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at"`
	Status              string     `json:"status"`
	TokenCount          int        `json:"token_count"`
	Rules               int        `json:"rules"`
	ComponentExecutions int        `json:"component_executions"`
	DurationSeconds     *float64   `json:"duration_seconds"`
}

// SessionSummary totals a SessionsReport. Averages are 0 when no sessions
// fall in range.
type SessionSummary struct {
	TotalSessions               int       `json:"total_sessions"`
	AverageRulesPerSession      float64   `json:"average_rules_per_session"`
	AverageComponentsPerSession float64   `json:"average_components_per_session"`
	DateRange                   DateRange `json:"date_range"`
}

// SessionsReport is the result of SessionMetrics.
type SessionsReport struct {
	Sessions []SessionEntry `json:"sessions"`
	Summary  SessionSummary `json:"summary"`
}

// SessionMetrics returns the most recent limit sessions started within the
// last windowDays, each annotated with distinct-rule and component-execution
// counts.
func (a *Aggregator) SessionMetrics(windowDays, limit int) (*SessionsReport, error) {
	if limit <= 0 {
		limit = 10
	}
	start, end, windowDays := rangeFor(windowDays)

	windows, err := a.store.ListContextWindowsSince(start, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	report := &SessionsReport{Sessions: []SessionEntry{}}
	var totalRules, totalComponents int
	for _, w := range windows {
		rules, err := a.store.CountWindowDistinctRules(w.ID)
		if err != nil {
			return nil, fmt.Errorf("counting rules for session %s: %w", w.SessionID, err)
		}
		comps, err := a.store.CountWindowComponentExecutions(w.ID)
		if err != nil {
			return nil, fmt.Errorf("counting components for session %s: %w", w.SessionID, err)
		}

		entry := SessionEntry{
			SessionID:           w.SessionID,
			StartedAt:           w.StartedAt,
			EndedAt:             w.EndedAt,
			Status:              w.Status,
			TokenCount:          w.TokenCount,
			Rules:               rules,
			ComponentExecutions: comps,
		}
		if w.EndedAt != nil {
			d := w.EndedAt.Sub(w.StartedAt).Seconds()
			entry.DurationSeconds = &d
		}
		report.Sessions = append(report.Sessions, entry)
		totalRules += rules
		totalComponents += comps
	}

	report.Summary.TotalSessions = len(report.Sessions)
	if n := len(report.Sessions); n > 0 {
		report.Summary.AverageRulesPerSession = float64(totalRules) / float64(n)
		report.Summary.AverageComponentsPerSession = float64(totalComponents) / float64(n)
	}
	report.Summary.DateRange = DateRange{Start: start, End: end, Days: windowDays}
	return report, nil
}

// ExportReport bundles the three usage reports.
type ExportReport struct {
	RuleUsage      *RuleUsageReport      `json:"rule_usage"`
	ComponentUsage *ComponentUsageReport `json:"component_usage"`
	Sessions       *SessionsReport       `json:"sessions"`
	GeneratedAt    time.Time             `json:"generated_at"`
	TimespanDays   int                   `json:"timespan_days"`
}

// Export computes rule, component, and session metrics for the last
// windowDays. When outputPath is non-empty the report is also serialized
// there as indented JSON; a write failure returns the computed report
// alongside the error so the caller can still use the in-memory result.
func (a *Aggregator) Export(windowDays int, outputPath string) (*ExportReport, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	ruleUsage, err := a.RuleUsageMetrics("", windowDays)
	if err != nil {
		return nil, err
	}
	componentUsage, err := a.ComponentUsageMetrics("", "", windowDays)
	if err != nil {
		return nil, err
	}
	sessions, err := a.SessionMetrics(windowDays, 50)
	if err != nil {
		return nil, err
	}

	report := &ExportReport{
		RuleUsage:      ruleUsage,
		ComponentUsage: componentUsage,
		Sessions:       sessions,
		GeneratedAt:    time.Now().UTC(),
		TimespanDays:   windowDays,
	}

	if outputPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return report, fmt.Errorf("marshalling report: %w", err)
		}
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return report, fmt.Errorf("writing report to %s: %w", outputPath, err)
		}
	}
	return report, nil
}

func rangeFor(windowDays int) (time.Time, time.Time, int) {
	if windowDays <= 0 {
		windowDays = 7
	}
	end := time.Now().UTC()
	return end.AddDate(0, 0, -windowDays), end, windowDays
}
