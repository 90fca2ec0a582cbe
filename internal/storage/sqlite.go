package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding rules, components, context windows,
// execution events, notifications, and the raw file-event log.
type Store struct {
	db   *sql.DB
	path string // empty for in-memory databases
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn, path string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(dataDir, "ruletrace.db")
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path, or "" for in-memory databases.
func (s *Store) Path() string {
	return s.path
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Rules ---

// GetOrCreateRule returns the rule with the given name, creating it on first reference.
func (s *Store) GetOrCreateRule(name string) (Rule, error) {
	r, err := s.GetRule(name)
	if err == nil {
		return r, nil
	}
	if err != ErrNotFound {
		return Rule{}, err
	}

	r = Rule{
		ID:        uuid.New().String(),
		Name:      name,
		FirstSeen: time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO rules (id, name, file_path, description, execution_count, first_seen)
		VALUES (?, ?, '', '', 0, ?)
		ON CONFLICT(name) DO NOTHING`,
		r.ID, r.Name, r.FirstSeen.Format(time.RFC3339),
	)
	if err != nil {
		return Rule{}, err
	}
	// Re-read to cover the conflict path (concurrent create).
	return s.GetRule(name)
}

func (s *Store) GetRule(name string) (Rule, error) {
	var r Rule
	var firstSeen string
	err := s.db.QueryRow(`
		SELECT id, name, file_path, description, execution_count, first_seen
		FROM rules WHERE name = ?`, name,
	).Scan(&r.ID, &r.Name, &r.FilePath, &r.Description, &r.ExecutionCount, &firstSeen)
	if err == sql.ErrNoRows {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, err
	}
	t, err := time.Parse(time.RFC3339, firstSeen)
	if err != nil {
		return Rule{}, fmt.Errorf("parsing first_seen: %w", err)
	}
	r.FirstSeen = t
	return r, nil
}

// SetRuleFilePath records the rule file's on-disk location, creating the rule if needed.
func (s *Store) SetRuleFilePath(name, path string) error {
	if _, err := s.GetOrCreateRule(name); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE rules SET file_path = ? WHERE name = ?`, path, name)
	return err
}

// --- Components ---

// GetOrCreateComponent returns the component identified by (ruleID, name),
// creating it on first reference.
func (s *Store) GetOrCreateComponent(ruleID, name string) (Component, error) {
	c, err := s.getComponent(ruleID, name)
	if err == nil {
		return c, nil
	}
	if err != ErrNotFound {
		return Component{}, err
	}

	c = Component{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		Name:      name,
		FirstSeen: time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO components (id, rule_id, name, description, execution_count, first_seen)
		VALUES (?, ?, ?, '', 0, ?)
		ON CONFLICT(rule_id, name) DO NOTHING`,
		c.ID, c.RuleID, c.Name, c.FirstSeen.Format(time.RFC3339),
	)
	if err != nil {
		return Component{}, err
	}
	return s.getComponent(ruleID, name)
}

func (s *Store) getComponent(ruleID, name string) (Component, error) {
	var c Component
	var firstSeen string
	err := s.db.QueryRow(`
		SELECT id, rule_id, name, description, execution_count, first_seen
		FROM components WHERE rule_id = ? AND name = ?`, ruleID, name,
	).Scan(&c.ID, &c.RuleID, &c.Name, &c.Description, &c.ExecutionCount, &firstSeen)
	if err == sql.ErrNoRows {
		return Component{}, ErrNotFound
	}
	if err != nil {
		return Component{}, err
	}
	t, err := time.Parse(time.RFC3339, firstSeen)
	if err != nil {
		return Component{}, fmt.Errorf("parsing first_seen: %w", err)
	}
	c.FirstSeen = t
	return c, nil
}

// --- Context windows ---

func (s *Store) CreateContextWindow(w ContextWindow) error {
	_, err := s.db.Exec(`
		INSERT INTO context_windows (id, session_id, started_at, ended_at, status, token_count)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		w.ID, w.SessionID, w.StartedAt.UTC().Format(time.RFC3339), WindowActive, w.TokenCount,
	)
	return err
}

func (s *Store) GetContextWindow(id string) (ContextWindow, error) {
	return s.scanWindow(s.db.QueryRow(`
		SELECT id, session_id, started_at, ended_at, status, token_count
		FROM context_windows WHERE id = ?`, id))
}

func (s *Store) GetContextWindowBySession(sessionID string) (ContextWindow, error) {
	return s.scanWindow(s.db.QueryRow(`
		SELECT id, session_id, started_at, ended_at, status, token_count
		FROM context_windows WHERE session_id = ?`, sessionID))
}

func (s *Store) scanWindow(row *sql.Row) (ContextWindow, error) {
	var w ContextWindow
	var startedAt string
	var endedAt sql.NullString
	err := row.Scan(&w.ID, &w.SessionID, &startedAt, &endedAt, &w.Status, &w.TokenCount)
	if err == sql.ErrNoRows {
		return ContextWindow{}, ErrNotFound
	}
	if err != nil {
		return ContextWindow{}, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return ContextWindow{}, fmt.Errorf("parsing started_at: %w", err)
	}
	w.StartedAt = t
	if endedAt.Valid {
		e, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return ContextWindow{}, fmt.Errorf("parsing ended_at: %w", err)
		}
		w.EndedAt = &e
	}
	return w, nil
}

// UpdateContextWindowTokens replaces the window's token count.
func (s *Store) UpdateContextWindowTokens(sessionID string, tokens int) error {
	res, err := s.db.Exec(`UPDATE context_windows SET token_count = ? WHERE session_id = ?`, tokens, sessionID)
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

// CompleteContextWindow sets the end time and flips status to completed.
func (s *Store) CompleteContextWindow(sessionID string, endedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE context_windows SET ended_at = ?, status = ? WHERE session_id = ?`,
		endedAt.UTC().Format(time.RFC3339), WindowCompleted, sessionID,
	)
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

// ListContextWindowsSince returns windows started at or after since,
// most recent first, capped at limit.
func (s *Store) ListContextWindowsSince(since time.Time, limit int) ([]ContextWindow, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, started_at, ended_at, status, token_count
		FROM context_windows
		WHERE started_at >= ?
		ORDER BY started_at DESC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContextWindow
	for rows.Next() {
		var w ContextWindow
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&w.ID, &w.SessionID, &startedAt, &endedAt, &w.Status, &w.TokenCount); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		w.StartedAt = t
		if endedAt.Valid {
			e, err := time.Parse(time.RFC3339, endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing ended_at: %w", err)
			}
			w.EndedAt = &e
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

// --- Executions ---

// RecordRuleExecution appends the execution event and bumps the rule's cached
// execution counter in one transaction.
func (s *Store) RecordRuleExecution(e RuleExecution) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning execution transaction: %w", err)
	}
	defer tx.Rollback()

	var windowID any
	if e.ContextWindowID != "" {
		windowID = e.ContextWindowID
	}
	if _, err := tx.Exec(`
		INSERT INTO rule_executions (id, rule_id, context_window_id, executed_at, task_document, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, windowID, e.ExecutedAt.UTC().Format(time.RFC3339), e.TaskDocument, e.Note,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE rules SET execution_count = execution_count + 1 WHERE id = ?`, e.RuleID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordComponentExecution appends the execution event and bumps the
// component's cached execution counter in one transaction.
func (s *Store) RecordComponentExecution(e ComponentExecution) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning execution transaction: %w", err)
	}
	defer tx.Rollback()

	var parentID any
	if e.RuleExecutionID != "" {
		parentID = e.RuleExecutionID
	}
	if _, err := tx.Exec(`
		INSERT INTO component_executions (id, component_id, rule_execution_id, executed_at, note)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ComponentID, parentID, e.ExecutedAt.UTC().Format(time.RFC3339), e.Note,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE components SET execution_count = execution_count + 1 WHERE id = ?`, e.ComponentID); err != nil {
		return err
	}

	return tx.Commit()
}

// LatestRuleExecutionID returns the id of the most recent execution of ruleID
// within windowID (or the most recent overall when windowID is empty).
func (s *Store) LatestRuleExecutionID(ruleID, windowID string) (string, error) {
	var id string
	var err error
	if windowID != "" {
		err = s.db.QueryRow(`
			SELECT id FROM rule_executions
			WHERE rule_id = ? AND context_window_id = ?
			ORDER BY executed_at DESC, rowid DESC LIMIT 1`, ruleID, windowID,
		).Scan(&id)
	} else {
		err = s.db.QueryRow(`
			SELECT id FROM rule_executions
			WHERE rule_id = ?
			ORDER BY executed_at DESC, rowid DESC LIMIT 1`, ruleID,
		).Scan(&id)
	}
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// --- File events ---

func (s *Store) InsertFileEvent(ev FileEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO file_events (path, event_type, occurred_at) VALUES (?, ?, ?)`,
		ev.Path, ev.EventType, ev.OccurredAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListFileEventsSince returns file events at or after since, newest first.
func (s *Store) ListFileEventsSince(since time.Time, limit int) ([]FileEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, path, event_type, occurred_at
		FROM file_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FileEvent
	for rows.Next() {
		var ev FileEvent
		var occurredAt string
		if err := rows.Scan(&ev.ID, &ev.Path, &ev.EventType, &occurredAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		ev.OccurredAt = t
		results = append(results, ev)
	}
	return results, rows.Err()
}
