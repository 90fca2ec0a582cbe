package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migration versions not ascending: %v", versions)
		}
	}

	// Re-running migrate against the same database is a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("re-running migrations failed: %v", err)
	}
	again, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("migration count changed on re-run: %d != %d", len(again), len(versions))
	}
}

func TestGetOrCreateRule(t *testing.T) {
	s := openTestStore(t)

	r1, err := s.GetOrCreateRule("05-new-task")
	if err != nil {
		t.Fatalf("GetOrCreateRule failed: %v", err)
	}
	if r1.ID == "" || r1.Name != "05-new-task" {
		t.Errorf("unexpected rule: %+v", r1)
	}
	if r1.ExecutionCount != 0 {
		t.Errorf("new rule execution_count = %d, want 0", r1.ExecutionCount)
	}

	// Second call returns the same row, not a new one.
	r2, err := s.GetOrCreateRule("05-new-task")
	if err != nil {
		t.Fatalf("GetOrCreateRule (second) failed: %v", err)
	}
	if r2.ID != r1.ID {
		t.Errorf("rule recreated: %s != %s", r2.ID, r1.ID)
	}

	if _, err := s.GetRule("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule(missing) = %v, want ErrNotFound", err)
	}
}

func TestSetRuleFilePath(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetRuleFilePath("02-auto-testing", "/rules/02-auto-testing.md"); err != nil {
		t.Fatalf("SetRuleFilePath failed: %v", err)
	}

	r, err := s.GetRule("02-auto-testing")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if r.FilePath != "/rules/02-auto-testing.md" {
		t.Errorf("file_path = %q", r.FilePath)
	}
}

func TestGetOrCreateComponent(t *testing.T) {
	s := openTestStore(t)

	r, err := s.GetOrCreateRule("05-new-task")
	if err != nil {
		t.Fatalf("GetOrCreateRule failed: %v", err)
	}

	c1, err := s.GetOrCreateComponent(r.ID, "checklist")
	if err != nil {
		t.Fatalf("GetOrCreateComponent failed: %v", err)
	}
	c2, err := s.GetOrCreateComponent(r.ID, "checklist")
	if err != nil {
		t.Fatalf("GetOrCreateComponent (second) failed: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("component recreated: %s != %s", c2.ID, c1.ID)
	}

	// Same component name under a different rule is a distinct row.
	r2, err := s.GetOrCreateRule("02-auto-testing")
	if err != nil {
		t.Fatalf("GetOrCreateRule failed: %v", err)
	}
	c3, err := s.GetOrCreateComponent(r2.ID, "checklist")
	if err != nil {
		t.Fatalf("GetOrCreateComponent failed: %v", err)
	}
	if c3.ID == c1.ID {
		t.Error("components under different rules share an id")
	}
}

func TestContextWindowLifecycle(t *testing.T) {
	s := openTestStore(t)

	w := ContextWindow{
		ID:        uuid.New().String(),
		SessionID: "session-1",
		StartedAt: time.Now().UTC(),
		Status:    WindowActive,
	}
	if err := s.CreateContextWindow(w); err != nil {
		t.Fatalf("CreateContextWindow failed: %v", err)
	}

	got, err := s.GetContextWindowBySession("session-1")
	if err != nil {
		t.Fatalf("GetContextWindowBySession failed: %v", err)
	}
	if got.Status != WindowActive {
		t.Errorf("status = %q, want %q", got.Status, WindowActive)
	}
	if got.EndedAt != nil {
		t.Error("new window has non-nil ended_at")
	}

	if err := s.UpdateContextWindowTokens("session-1", 4200); err != nil {
		t.Fatalf("UpdateContextWindowTokens failed: %v", err)
	}
	if err := s.CompleteContextWindow("session-1", time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("CompleteContextWindow failed: %v", err)
	}

	got, err = s.GetContextWindow(w.ID)
	if err != nil {
		t.Fatalf("GetContextWindow failed: %v", err)
	}
	if got.Status != WindowCompleted {
		t.Errorf("status = %q, want %q", got.Status, WindowCompleted)
	}
	if got.EndedAt == nil {
		t.Fatal("completed window has nil ended_at")
	}
	if got.TokenCount != 4200 {
		t.Errorf("token_count = %d, want 4200", got.TokenCount)
	}

	if err := s.CompleteContextWindow("missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteContextWindow(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateContextWindowTokens("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateContextWindowTokens(missing) = %v, want ErrNotFound", err)
	}
}

func TestRecordRuleExecutionBumpsCounter(t *testing.T) {
	s := openTestStore(t)

	r, err := s.GetOrCreateRule("05-new-task")
	if err != nil {
		t.Fatalf("GetOrCreateRule failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		e := RuleExecution{
			ID:         uuid.New().String(),
			RuleID:     r.ID,
			ExecutedAt: time.Now().UTC(),
		}
		if err := s.RecordRuleExecution(e); err != nil {
			t.Fatalf("RecordRuleExecution failed: %v", err)
		}
	}

	r, err = s.GetRule("05-new-task")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if r.ExecutionCount != 3 {
		t.Errorf("execution_count = %d, want 3", r.ExecutionCount)
	}
}

func TestLatestRuleExecutionID(t *testing.T) {
	s := openTestStore(t)

	r, _ := s.GetOrCreateRule("05-new-task")
	w := ContextWindow{ID: uuid.New().String(), SessionID: "s1", StartedAt: time.Now().UTC(), Status: WindowActive}
	if err := s.CreateContextWindow(w); err != nil {
		t.Fatalf("CreateContextWindow failed: %v", err)
	}

	if _, err := s.LatestRuleExecutionID(r.ID, w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any execution, got %v", err)
	}

	first := RuleExecution{ID: uuid.New().String(), RuleID: r.ID, ContextWindowID: w.ID, ExecutedAt: time.Now().UTC().Add(-time.Minute)}
	second := RuleExecution{ID: uuid.New().String(), RuleID: r.ID, ContextWindowID: w.ID, ExecutedAt: time.Now().UTC()}
	for _, e := range []RuleExecution{first, second} {
		if err := s.RecordRuleExecution(e); err != nil {
			t.Fatalf("RecordRuleExecution failed: %v", err)
		}
	}

	id, err := s.LatestRuleExecutionID(r.ID, w.ID)
	if err != nil {
		t.Fatalf("LatestRuleExecutionID failed: %v", err)
	}
	if id != second.ID {
		t.Errorf("latest = %s, want %s", id, second.ID)
	}
}

func TestFileEvents(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	events := []FileEvent{
		{Path: "/rules/a.md", EventType: "created", OccurredAt: now.Add(-2 * time.Hour)},
		{Path: "/rules/a.md", EventType: "modified", OccurredAt: now.Add(-time.Hour)},
		{Path: "/rules/b.md", EventType: "removed", OccurredAt: now},
	}
	for _, ev := range events {
		if err := s.InsertFileEvent(ev); err != nil {
			t.Fatalf("InsertFileEvent failed: %v", err)
		}
	}

	got, err := s.ListFileEventsSince(now.Add(-90*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListFileEventsSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].EventType != "removed" || got[1].EventType != "modified" {
		t.Errorf("unexpected order: %s, %s", got[0].EventType, got[1].EventType)
	}
}
