package tracker

import (
	"errors"
	"testing"

	"github.com/ruletrace/ruletrace/internal/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestStartSessionIdempotent(t *testing.T) {
	trk, _ := newTestTracker(t)

	w1, err := trk.StartSession("abc123")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if w1.Status != storage.WindowActive {
		t.Errorf("status = %q, want %q", w1.Status, storage.WindowActive)
	}

	w2, err := trk.StartSession("abc123")
	if err != nil {
		t.Fatalf("StartSession (second) failed: %v", err)
	}
	if w2.ID != w1.ID {
		t.Errorf("second start created a new window: %s != %s", w2.ID, w1.ID)
	}

	if _, err := trk.StartSession(""); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestEndSession(t *testing.T) {
	trk, s := newTestTracker(t)

	if _, err := trk.StartSession("abc123"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := trk.EndSession("abc123"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	w, err := s.GetContextWindowBySession("abc123")
	if err != nil {
		t.Fatalf("GetContextWindowBySession failed: %v", err)
	}
	if w.Status != storage.WindowCompleted || w.EndedAt == nil {
		t.Errorf("window not completed: %+v", w)
	}

	if err := trk.EndSession("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("EndSession(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateTokens(t *testing.T) {
	trk, s := newTestTracker(t)

	if _, err := trk.StartSession("abc123"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := trk.UpdateTokens("abc123", 9000); err != nil {
		t.Fatalf("UpdateTokens failed: %v", err)
	}

	w, _ := s.GetContextWindowBySession("abc123")
	if w.TokenCount != 9000 {
		t.Errorf("token_count = %d, want 9000", w.TokenCount)
	}

	if err := trk.UpdateTokens("abc123", -1); err == nil {
		t.Error("expected error for negative token count")
	}
	if err := trk.UpdateTokens("missing", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateTokens(missing) = %v, want ErrNotFound", err)
	}
}

func TestTrackRuleStartsSessionImplicitly(t *testing.T) {
	trk, s := newTestTracker(t)

	execID, err := trk.TrackRule("abc123", "05-new-task", "tasks/0042.md", "first run")
	if err != nil {
		t.Fatalf("TrackRule failed: %v", err)
	}
	if execID == "" {
		t.Fatal("TrackRule returned empty execution id")
	}

	// The session's window exists and holds the execution.
	w, err := s.GetContextWindowBySession("abc123")
	if err != nil {
		t.Fatalf("expected session window to exist: %v", err)
	}
	execs, err := s.ListWindowExecutions(w.ID)
	if err != nil {
		t.Fatalf("ListWindowExecutions failed: %v", err)
	}
	if len(execs) != 1 || execs[0].RuleName != "05-new-task" {
		t.Errorf("unexpected window executions: %+v", execs)
	}

	r, err := s.GetRule("05-new-task")
	if err != nil {
		t.Fatalf("rule not created: %v", err)
	}
	if r.ExecutionCount != 1 {
		t.Errorf("execution_count = %d, want 1", r.ExecutionCount)
	}

	if _, err := trk.TrackRule("abc123", "", "", ""); err == nil {
		t.Error("expected error for empty rule name")
	}
}

func TestTrackRuleWithoutSession(t *testing.T) {
	trk, s := newTestTracker(t)

	if _, err := trk.TrackRule("", "05-new-task", "", ""); err != nil {
		t.Fatalf("TrackRule without session failed: %v", err)
	}

	r, err := s.GetRule("05-new-task")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if r.ExecutionCount != 1 {
		t.Errorf("execution_count = %d, want 1", r.ExecutionCount)
	}
}

func TestTrackComponentAttachesToLatestExecution(t *testing.T) {
	trk, s := newTestTracker(t)

	ruleExecID, err := trk.TrackRule("abc123", "05-new-task", "", "")
	if err != nil {
		t.Fatalf("TrackRule failed: %v", err)
	}

	if _, err := trk.TrackComponent("abc123", "05-new-task", "checklist", ""); err != nil {
		t.Fatalf("TrackComponent failed: %v", err)
	}

	w, _ := s.GetContextWindowBySession("abc123")
	execs, err := s.ListWindowExecutions(w.ID)
	if err != nil {
		t.Fatalf("ListWindowExecutions failed: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d rule executions, want 1 (no implicit duplicate)", len(execs))
	}
	if len(execs[0].Components) != 1 || execs[0].Components[0] != "checklist" {
		t.Errorf("component not attached to execution %s: %+v", ruleExecID, execs[0])
	}
}

func TestTrackComponentWithoutPriorRuleExecution(t *testing.T) {
	trk, s := newTestTracker(t)

	// No prior rule execution: one is recorded implicitly as the parent.
	if _, err := trk.TrackComponent("abc123", "05-new-task", "checklist", ""); err != nil {
		t.Fatalf("TrackComponent failed: %v", err)
	}

	r, err := s.GetRule("05-new-task")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if r.ExecutionCount != 1 {
		t.Errorf("implicit rule execution_count = %d, want 1", r.ExecutionCount)
	}

	w, _ := s.GetContextWindowBySession("abc123")
	execs, _ := s.ListWindowExecutions(w.ID)
	if len(execs) != 1 || len(execs[0].Components) != 1 {
		t.Errorf("unexpected window shape: %+v", execs)
	}

	if _, err := trk.TrackComponent("abc123", "05-new-task", "", ""); err == nil {
		t.Error("expected error for empty component name")
	}
}
