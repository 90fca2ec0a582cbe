package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ruletrace/ruletrace/internal/config"
	"github.com/ruletrace/ruletrace/internal/metrics"
	"github.com/ruletrace/ruletrace/internal/patterns"
	"github.com/ruletrace/ruletrace/internal/storage"
	"github.com/ruletrace/ruletrace/internal/tracker"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.NotificationConfig{Threshold: 5, WindowHours: 24, Enabled: true}
	return MCPDeps{
		Store:      store,
		Tracker:    tracker.New(store),
		Aggregator: metrics.New(store),
		Detector:   patterns.New(store, cfg),
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_TrackRule(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpTrackRule(deps)

	req := makeCallToolRequest("track_rule", map[string]interface{}{
		"rule":       "05-new-task",
		"session_id": "abc123",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "05-new-task") {
		t.Errorf("response should name the rule, got: %s", toolText(t, result))
	}

	r, err := store.GetRule("05-new-task")
	if err != nil {
		t.Fatalf("rule not created: %v", err)
	}
	if r.ExecutionCount != 1 {
		t.Fatalf("execution_count = %d, want 1", r.ExecutionCount)
	}
}

func TestMCPTool_TrackRule_MissingName(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpTrackRule(deps)

	result, err := handler(context.Background(), makeCallToolRequest("track_rule", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing rule name")
	}
}

func TestMCPTool_UsageMetrics_ComponentMode(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := deps.Tracker.TrackComponent("s1", "05-new-task", "checklist", ""); err != nil {
		t.Fatalf("TrackComponent failed: %v", err)
	}
	handler := mcpUsageMetrics(deps)

	// The presence of the component argument selects the component report,
	// even when its value is empty.
	req := makeCallToolRequest("usage_metrics", map[string]interface{}{
		"component": "",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var report struct {
		Components []json.RawMessage `json:"components"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &report); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(report.Components) != 1 {
		t.Fatalf("expected 1 component entry, got %d", len(report.Components))
	}
}

func TestMCPTool_DetectPatterns_CreatesNotifications(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	for i := 0; i < 6; i++ {
		if _, err := deps.Tracker.TrackRule("s1", "05-new-task", "", ""); err != nil {
			t.Fatalf("TrackRule failed: %v", err)
		}
	}
	handler := mcpDetectPatterns(deps)

	req := makeCallToolRequest("detect_patterns", map[string]interface{}{
		"create": true,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var bundle patterns.Detections
	if err := json.Unmarshal([]byte(toolText(t, result)), &bundle); err != nil {
		t.Fatalf("failed to parse detections: %v", err)
	}
	if len(bundle.FrequentRules) != 1 {
		t.Fatalf("frequent_rules = %+v", bundle.FrequentRules)
	}

	unread, err := store.ListUnreadNotifications()
	if err != nil {
		t.Fatalf("ListUnreadNotifications failed: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(unread))
	}
}

func TestMCPTool_MarkNotificationRead_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpMarkNotificationRead(deps)

	req := makeCallToolRequest("mark_notification_read", map[string]interface{}{
		"id": "missing",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown id")
	}
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("error should say not found, got: %s", toolText(t, result))
	}
}

func TestMCPResource_Summary(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := deps.Tracker.TrackRule("s1", "05-new-task", "", ""); err != nil {
		t.Fatalf("TrackRule failed: %v", err)
	}
	handler := mcpResourceSummary(deps)

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "ruletrace://summary"},
	}
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 resource content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summary struct {
		GeneratedAt string                   `json:"generated_at"`
		RuleUsage   *metrics.RuleUsageReport `json:"rule_usage"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &summary); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if summary.GeneratedAt == "" {
		t.Error("missing generated_at")
	}
	if summary.RuleUsage == nil || summary.RuleUsage.Summary.TotalExecutions != 1 {
		t.Errorf("unexpected rule usage: %+v", summary.RuleUsage)
	}
}
