package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// WindowExecution is one rule execution inside a context window, with the
// component executions it triggered.
type WindowExecution struct {
	RuleName     string    `json:"rule"`
	ExecutedAt   time.Time `json:"executed_at"`
	TaskDocument string    `json:"task_document,omitempty"`
	Components   []string  `json:"components"`
}

// RuleUsageRow is a per-rule aggregate over a time range. Counts come from
// execution rows, not the cached per-rule counter.
type RuleUsageRow struct {
	RuleName        string `json:"rule"`
	Executions      int    `json:"executions"`
	DistinctWindows int    `json:"distinct_windows"`
}

// ComponentUsageRow is a per-(component, rule) aggregate over a time range.
type ComponentUsageRow struct {
	ComponentName string `json:"component"`
	RuleName      string `json:"rule"`
	Executions    int    `json:"executions"`
}

// ListWindowExecutions returns the window's rule executions in execution
// order, each with the names of the components it triggered. Executions whose
// rule row has gone missing are skipped rather than failing the whole read.
func (s *Store) ListWindowExecutions(windowID string) ([]WindowExecution, error) {
	rows, err := s.db.Query(`
		SELECT e.id, r.name, e.executed_at, e.task_document
		FROM rule_executions e
		JOIN rules r ON r.id = e.rule_id
		WHERE e.context_window_id = ?
		ORDER BY e.executed_at ASC, e.rowid ASC`, windowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execIDs []string
	var results []WindowExecution
	for rows.Next() {
		var id, executedAt string
		var we WindowExecution
		if err := rows.Scan(&id, &we.RuleName, &executedAt, &we.TaskDocument); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, executedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing executed_at: %w", err)
		}
		we.ExecutedAt = t
		we.Components = []string{}
		execIDs = append(execIDs, id)
		results = append(results, we)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach component names per execution.
	for i, execID := range execIDs {
		comps, err := s.componentNamesForExecution(execID)
		if err != nil {
			return nil, err
		}
		results[i].Components = comps
	}
	return results, nil
}

func (s *Store) componentNamesForExecution(ruleExecutionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT c.name
		FROM component_executions ce
		JOIN components c ON c.id = ce.component_id
		WHERE ce.rule_execution_id = ?
		ORDER BY ce.executed_at ASC, ce.rowid ASC`, ruleExecutionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountWindowComponentExecutions counts component executions whose parent
// rule execution belongs to the window.
func (s *Store) CountWindowComponentExecutions(windowID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM component_executions ce
		JOIN rule_executions e ON e.id = ce.rule_execution_id
		WHERE e.context_window_id = ?`, windowID,
	).Scan(&n)
	return n, err
}

// CountWindowDistinctRules counts distinct rules executed in the window.
func (s *Store) CountWindowDistinctRules(windowID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT rule_id) FROM rule_executions WHERE context_window_id = ?`, windowID,
	).Scan(&n)
	return n, err
}

// RuleUsageInRange aggregates executions per rule within [start, end].
// When ruleName is non-empty only that rule is considered.
func (s *Store) RuleUsageInRange(start, end time.Time, ruleName string) ([]RuleUsageRow, error) {
	query := `
		SELECT r.name, COUNT(*), COUNT(DISTINCT e.context_window_id)
		FROM rule_executions e
		JOIN rules r ON r.id = e.rule_id
		WHERE e.executed_at >= ? AND e.executed_at <= ?`
	args := []any{start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}
	if ruleName != "" {
		query += ` AND r.name = ?`
		args = append(args, ruleName)
	}
	query += ` GROUP BY r.name ORDER BY COUNT(*) DESC, r.name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RuleUsageRow
	for rows.Next() {
		var row RuleUsageRow
		if err := rows.Scan(&row.RuleName, &row.Executions, &row.DistinctWindows); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ComponentUsageInRange aggregates component executions grouped by
// (component, rule) within [start, end], optionally filtered by either name.
func (s *Store) ComponentUsageInRange(start, end time.Time, componentName, ruleName string) ([]ComponentUsageRow, error) {
	query := `
		SELECT c.name, r.name, COUNT(*)
		FROM component_executions ce
		JOIN components c ON c.id = ce.component_id
		JOIN rules r ON r.id = c.rule_id
		WHERE ce.executed_at >= ? AND ce.executed_at <= ?`
	args := []any{start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}
	if componentName != "" {
		query += ` AND c.name = ?`
		args = append(args, componentName)
	}
	if ruleName != "" {
		query += ` AND r.name = ?`
		args = append(args, ruleName)
	}
	query += ` GROUP BY c.name, r.name ORDER BY COUNT(*) DESC, c.name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ComponentUsageRow
	for rows.Next() {
		var row ComponentUsageRow
		if err := rows.Scan(&row.ComponentName, &row.RuleName, &row.Executions); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// DistinctRulesByWindow maps each context window that saw activity in
// [since, now] to the distinct rule names executed in it. Executions with no
// window are excluded.
func (s *Store) DistinctRulesByWindow(since time.Time) (map[string][]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT e.context_window_id, r.name
		FROM rule_executions e
		JOIN rules r ON r.id = e.rule_id
		WHERE e.context_window_id IS NOT NULL AND e.executed_at >= ?
		ORDER BY e.context_window_id, r.name`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]string)
	for rows.Next() {
		var windowID, ruleName string
		if err := rows.Scan(&windowID, &ruleName); err != nil {
			return nil, err
		}
		result[windowID] = append(result[windowID], ruleName)
	}
	return result, rows.Err()
}

// --- Notifications ---

// InsertNotifications persists a batch of notifications in one transaction.
// Either all records commit or none do.
func (s *Store) InsertNotifications(batch []Notification) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning notification transaction: %w", err)
	}
	defer tx.Rollback()

	for _, n := range batch {
		read := 0
		if n.Read {
			read = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO notifications (id, pattern_type, subject, title, message, priority, confidence, read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.PatternType, n.Subject, n.Title, n.Message, n.Priority, n.Confidence, read,
			n.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// NotificationExists reports whether a notification with the given pattern
// type and subject was created at or after since.
func (s *Store) NotificationExists(patternType, subject string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE pattern_type = ? AND subject = ? AND created_at >= ?`,
		patternType, subject, since.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n > 0, err
}

// ListUnreadNotifications returns unread notifications ordered by creation
// time ascending.
func (s *Store) ListUnreadNotifications() ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, pattern_type, subject, title, message, priority, confidence, read, created_at
		FROM notifications
		WHERE read = 0
		ORDER BY created_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListNotificationsSince returns all notifications created at or after since,
// newest first.
func (s *Store) ListNotificationsSince(since time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, pattern_type, subject, title, message, priority, confidence, read, created_at
		FROM notifications
		WHERE created_at >= ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	var results []Notification
	for rows.Next() {
		var n Notification
		var read int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.PatternType, &n.Subject, &n.Title, &n.Message, &n.Priority, &n.Confidence, &read, &createdAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		n.CreatedAt = t
		results = append(results, n)
	}
	return results, rows.Err()
}

// MarkNotificationRead sets the read flag. Marking an already-read
// notification is a no-op success; an unknown id returns ErrNotFound.
func (s *Store) MarkNotificationRead(id string) error {
	res, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
