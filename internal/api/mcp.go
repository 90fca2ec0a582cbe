package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ruletrace/ruletrace/internal/metrics"
	"github.com/ruletrace/ruletrace/internal/patterns"
	"github.com/ruletrace/ruletrace/internal/storage"
	"github.com/ruletrace/ruletrace/internal/tracker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Tracker    *tracker.Tracker
	Aggregator *metrics.Aggregator
	Detector   *patterns.Detector
}

// NewMCPServer creates an MCP server with all ruletrace tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ruletrace",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ruletrace — local tracking and analytics for rule and component executions."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("track_rule",
			mcp.WithDescription("Record an execution of a rule, optionally within a named session."),
			mcp.WithString("rule", mcp.Description("Rule name"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session identifier; a context window is started if none is active")),
			mcp.WithString("task_document", mcp.Description("Path of the task document being worked on")),
			mcp.WithString("note", mcp.Description("Freeform note attached to the execution")),
		),
		mcpTrackRule(deps),
	)

	s.AddTool(
		mcp.NewTool("track_component",
			mcp.WithDescription("Record an execution of a rule component, linked to the rule's latest execution in the session."),
			mcp.WithString("rule", mcp.Description("Rule name"), mcp.Required()),
			mcp.WithString("component", mcp.Description("Component name"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session identifier")),
			mcp.WithString("note", mcp.Description("Freeform note attached to the execution")),
		),
		mcpTrackComponent(deps),
	)

	s.AddTool(
		mcp.NewTool("detect_patterns",
			mcp.WithDescription("Run usage pattern detection (frequent rules, frequent components, rule co-occurrence) and optionally create notifications."),
			mcp.WithNumber("threshold", mcp.Description("Minimum executions for a frequent-usage finding (default from config)")),
			mcp.WithNumber("window_hours", mcp.Description("Analysis window in hours (default from config)")),
			mcp.WithBoolean("create", mcp.Description("Persist findings as notifications (default false)")),
		),
		mcpDetectPatterns(deps),
	)

	s.AddTool(
		mcp.NewTool("usage_metrics",
			mcp.WithDescription("Aggregate rule or component usage over a timespan."),
			mcp.WithString("rule", mcp.Description("Restrict to one rule")),
			mcp.WithString("component", mcp.Description("Report component usage instead of rule usage, optionally restricted to this component")),
			mcp.WithNumber("days", mcp.Description("Timespan in days (default 7)")),
		),
		mcpUsageMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("session_metrics",
			mcp.WithDescription("Summarize recent sessions: rules, components, and token counts per context window."),
			mcp.WithNumber("days", mcp.Description("Timespan in days (default 7)")),
			mcp.WithNumber("limit", mcp.Description("Maximum sessions to include (default 10)")),
		),
		mcpSessionMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("list_notifications",
			mcp.WithDescription("List unread pattern notifications, oldest first."),
		),
		mcpListNotifications(deps),
	)

	s.AddTool(
		mcp.NewTool("mark_notification_read",
			mcp.WithDescription("Mark a notification as read."),
			mcp.WithString("id", mcp.Description("Notification ID"), mcp.Required()),
		),
		mcpMarkNotificationRead(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"ruletrace://summary",
			"Usage Summary",
			mcp.WithResourceDescription("Rule usage summary for the last 7 days as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	return s
}

func mcpText(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

func mcpError(text string) *mcp.CallToolResult {
	return mcp.NewToolResultError(text)
}

func mcpTrackRule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rule, err := req.RequireString("rule")
		if err != nil {
			return mcpError("rule is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		taskDocument := req.GetString("task_document", "")
		note := req.GetString("note", "")

		id, err := deps.Tracker.TrackRule(sessionID, rule, taskDocument, note)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to track rule: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded execution %s of rule %s", id, rule)), nil
	}
}

func mcpTrackComponent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rule, err := req.RequireString("rule")
		if err != nil {
			return mcpError("rule is required"), nil
		}
		component, err := req.RequireString("component")
		if err != nil {
			return mcpError("component is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		note := req.GetString("note", "")

		id, err := deps.Tracker.TrackComponent(sessionID, rule, component, note)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to track component: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded execution %s of component %s/%s", id, rule, component)), nil
	}
}

func mcpDetectPatterns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := patterns.Options{
			Threshold:   req.GetInt("threshold", 0),
			WindowHours: req.GetInt("window_hours", 0),
			Create:      req.GetBool("create", false),
		}

		bundle, err := deps.Detector.DetectAll(opts)
		if bundle == nil {
			return mcpError(fmt.Sprintf("detection failed: %v", err)), nil
		}

		b, merr := json.Marshal(bundle)
		if merr != nil {
			return mcpError(fmt.Sprintf("failed to marshal detections: %v", merr)), nil
		}
		if err != nil {
			// Findings survive a persistence failure; report both.
			return mcpText(fmt.Sprintf("%s\n(warning: saving notifications failed: %v)", b, err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUsageMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := req.GetInt("days", 7)
		rule := req.GetString("rule", "")
		component, hasComponent := req.GetArguments()["component"]

		var report any
		var err error
		if hasComponent {
			name, _ := component.(string)
			report, err = deps.Aggregator.ComponentUsageMetrics(name, rule, days)
		} else {
			report, err = deps.Aggregator.RuleUsageMetrics(rule, days)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute metrics: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := req.GetInt("days", 7)
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		report, err := deps.Aggregator.SessionMetrics(days, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute session metrics: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListNotifications(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		notifications, err := deps.Detector.ListUnread()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list notifications: %v", err)), nil
		}

		if len(notifications) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(notifications)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal notifications: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMarkNotificationRead(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		if err := deps.Detector.MarkRead(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("notification %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to mark notification read: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Marked notification %s as read", id)), nil
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report, err := deps.Aggregator.RuleUsageMetrics("", 7)
		if err != nil {
			return nil, fmt.Errorf("failed to compute usage summary: %w", err)
		}

		type summary struct {
			GeneratedAt string                  `json:"generated_at"`
			RuleUsage   *metrics.RuleUsageReport `json:"rule_usage"`
		}
		b, err := json.Marshal(summary{
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			RuleUsage:   report,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}
