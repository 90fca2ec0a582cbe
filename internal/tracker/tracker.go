// Package tracker is the write path: it records rule and component
// executions and manages context-window (session) lifecycle.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ruletrace/ruletrace/internal/storage"
)

// Tracker records execution events against the store.
type Tracker struct {
	store *storage.Store
}

// New creates a Tracker over the given store.
func New(store *storage.Store) *Tracker {
	return &Tracker{store: store}
}

// StartSession creates an active context window for sessionID and returns it.
// Starting an already-known session returns the existing window unchanged.
func (t *Tracker) StartSession(sessionID string) (storage.ContextWindow, error) {
	if sessionID == "" {
		return storage.ContextWindow{}, fmt.Errorf("session id is required")
	}

	existing, err := t.store.GetContextWindowBySession(sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.ContextWindow{}, fmt.Errorf("looking up session: %w", err)
	}

	w := storage.ContextWindow{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		Status:    storage.WindowActive,
	}
	if err := t.store.CreateContextWindow(w); err != nil {
		return storage.ContextWindow{}, fmt.Errorf("creating context window: %w", err)
	}
	return w, nil
}

// EndSession sets the window's end time and marks it completed.
func (t *Tracker) EndSession(sessionID string) error {
	if err := t.store.CompleteContextWindow(sessionID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("completing session: %w", err)
	}
	return nil
}

// UpdateTokens replaces the session's token count.
func (t *Tracker) UpdateTokens(sessionID string, tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("token count must be non-negative")
	}
	if err := t.store.UpdateContextWindowTokens(sessionID, tokens); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("updating token count: %w", err)
	}
	return nil
}

// TrackRule records an execution of the named rule, creating the rule on
// first reference. When sessionID is non-empty the execution is attributed to
// that session's context window, starting the session implicitly if needed.
// Returns the execution id for attributing child component executions.
func (t *Tracker) TrackRule(sessionID, ruleName, taskDocument, note string) (string, error) {
	if ruleName == "" {
		return "", fmt.Errorf("rule name is required")
	}

	rule, err := t.store.GetOrCreateRule(ruleName)
	if err != nil {
		return "", fmt.Errorf("resolving rule %q: %w", ruleName, err)
	}

	var windowID string
	if sessionID != "" {
		w, err := t.StartSession(sessionID)
		if err != nil {
			return "", err
		}
		windowID = w.ID
	}

	exec := storage.RuleExecution{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		ContextWindowID: windowID,
		ExecutedAt:      time.Now().UTC(),
		TaskDocument:    taskDocument,
		Note:            note,
	}
	if err := t.store.RecordRuleExecution(exec); err != nil {
		return "", fmt.Errorf("recording rule execution: %w", err)
	}
	return exec.ID, nil
}

// TrackComponent records an execution of the named component under ruleName,
// creating both on first reference. The execution is attached to the most
// recent execution of the rule in the session's window when one exists.
func (t *Tracker) TrackComponent(sessionID, ruleName, componentName, note string) (string, error) {
	if ruleName == "" || componentName == "" {
		return "", fmt.Errorf("rule and component names are required")
	}

	rule, err := t.store.GetOrCreateRule(ruleName)
	if err != nil {
		return "", fmt.Errorf("resolving rule %q: %w", ruleName, err)
	}
	component, err := t.store.GetOrCreateComponent(rule.ID, componentName)
	if err != nil {
		return "", fmt.Errorf("resolving component %q: %w", componentName, err)
	}

	var windowID string
	if sessionID != "" {
		if w, err := t.store.GetContextWindowBySession(sessionID); err == nil {
			windowID = w.ID
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("looking up session: %w", err)
		}
	}

	parentID, err := t.store.LatestRuleExecutionID(rule.ID, windowID)
	if errors.Is(err, storage.ErrNotFound) {
		// No prior rule execution to attach to; record the rule execution
		// implicitly so the component event has a parent.
		parentID, err = t.TrackRule(sessionID, ruleName, "", "")
	}
	if err != nil {
		return "", err
	}

	exec := storage.ComponentExecution{
		ID:              uuid.New().String(),
		ComponentID:     component.ID,
		RuleExecutionID: parentID,
		ExecutedAt:      time.Now().UTC(),
		Note:            note,
	}
	if err := t.store.RecordComponentExecution(exec); err != nil {
		return "", fmt.Errorf("recording component execution: %w", err)
	}
	return exec.ID, nil
}
