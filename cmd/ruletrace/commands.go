package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruletrace/ruletrace/internal/backup"
	"github.com/ruletrace/ruletrace/internal/config"
	"github.com/ruletrace/ruletrace/internal/storage"
)

// --- track ---

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Record rule and component executions",
}

var trackRuleCmd = &cobra.Command{
	Use:   "rule <name>",
	Short: "Record an execution of a rule",
	Long: `Record an execution of a rule.

Examples:
  ruletrace track rule 05-new-task --session abc123
  ruletrace track rule 02-auto-testing --doc tasks/0042.md --note "retry after fix"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		doc, _ := cmd.Flags().GetString("doc")
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/track/rule", map[string]any{
			"session_id":    session,
			"rule":          args[0],
			"task_document": doc,
			"note":          note,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded execution %s of rule %s", result["execution_id"], args[0])
		return nil
	},
}

var trackComponentCmd = &cobra.Command{
	Use:   "component <rule> <component>",
	Short: "Record an execution of a rule component",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/track/component", map[string]any{
			"session_id": session,
			"rule":       args[0],
			"component":  args[1],
			"note":       note,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded execution %s of component %s/%s", result["execution_id"], args[0], args[1])
		return nil
	},
}

func init() {
	trackRuleCmd.Flags().String("session", "", "session identifier")
	trackRuleCmd.Flags().String("doc", "", "task document path")
	trackRuleCmd.Flags().String("note", "", "note attached to the execution")
	trackComponentCmd.Flags().String("session", "", "session identifier")
	trackComponentCmd.Flags().String("note", "", "note attached to the execution")
	trackCmd.AddCommand(trackRuleCmd)
	trackCmd.AddCommand(trackComponentCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage tracking sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <session-id>",
	Short: "Start a context window for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", map[string]any{"session_id": args[0]})
		if err != nil {
			return err
		}

		var result struct {
			ContextWindowID string `json:"context_window_id"`
			Status          string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s %s (window %s)", args[0], result.Status, result.ContextWindowID)
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Complete a session's context window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+args[0]+"/end", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s completed", args[0])
		return nil
	},
}

var sessionTokensCmd = &cobra.Command{
	Use:   "tokens <session-id> <count>",
	Short: "Update the session's token count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var count int
		if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
			return fmt.Errorf("invalid token count %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/sessions/"+args[0], map[string]any{"token_count": count})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s token count set to %d", args[0], count)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionTokensCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Usage metrics and reports",
}

func printJSONBody(resp any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func fetchJSON(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}

	var report any
	if err := decodeJSON(resp, &report); err != nil {
		return err
	}
	return printJSONBody(report)
}

var metricsWindowCmd = &cobra.Command{
	Use:   "window",
	Short: "Show metrics for one context window",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		session, _ := cmd.Flags().GetString("session")
		if id == "" && session == "" {
			return fmt.Errorf("one of --id or --session is required")
		}
		return fetchJSON(cmd, fmt.Sprintf("/metrics/context-window?id=%s&session=%s", id, session))
	},
}

var metricsRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show rule usage metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, _ := cmd.Flags().GetString("rule")
		days, _ := cmd.Flags().GetInt("days")
		return fetchJSON(cmd, fmt.Sprintf("/metrics/rules?rule=%s&days=%d", rule, days))
	},
}

var metricsComponentsCmd = &cobra.Command{
	Use:   "components",
	Short: "Show component usage metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		component, _ := cmd.Flags().GetString("component")
		rule, _ := cmd.Flags().GetString("rule")
		days, _ := cmd.Flags().GetInt("days")
		return fetchJSON(cmd, fmt.Sprintf("/metrics/components?component=%s&rule=%s&days=%d", component, rule, days))
	},
}

var metricsSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show per-session metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")
		return fetchJSON(cmd, fmt.Sprintf("/metrics/sessions?days=%d&limit=%d", days, limit))
	},
}

var metricsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a usage report as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/metrics/export", map[string]any{
			"days":        days,
			"output_path": output,
		})
		if err != nil {
			return err
		}

		var result struct {
			Report     json.RawMessage `json:"report"`
			WrittenTo  string          `json:"written_to"`
			WriteError string          `json:"write_error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.WriteError != "" {
			printWarning("report computed but not written: %s", result.WriteError)
		}
		if result.WrittenTo != "" {
			printSuccess("Report written to %s", result.WrittenTo)
			return nil
		}

		var report any
		if err := json.Unmarshal(result.Report, &report); err != nil {
			return err
		}
		return printJSONBody(report)
	},
}

func init() {
	metricsWindowCmd.Flags().String("id", "", "context window ID")
	metricsWindowCmd.Flags().String("session", "", "session ID")
	metricsRulesCmd.Flags().String("rule", "", "restrict to one rule")
	metricsRulesCmd.Flags().Int("days", 7, "timespan in days")
	metricsComponentsCmd.Flags().String("component", "", "restrict to one component")
	metricsComponentsCmd.Flags().String("rule", "", "restrict to one rule")
	metricsComponentsCmd.Flags().Int("days", 7, "timespan in days")
	metricsSessionsCmd.Flags().Int("days", 7, "timespan in days")
	metricsSessionsCmd.Flags().Int("limit", 10, "maximum sessions to include")
	metricsExportCmd.Flags().Int("days", 7, "timespan in days")
	metricsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	metricsCmd.AddCommand(metricsWindowCmd)
	metricsCmd.AddCommand(metricsRulesCmd)
	metricsCmd.AddCommand(metricsComponentsCmd)
	metricsCmd.AddCommand(metricsSessionsCmd)
	metricsCmd.AddCommand(metricsExportCmd)
}

// --- patterns ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Detect usage patterns",
}

var patternsDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run pattern detection over recent executions",
	Long: `Run pattern detection over recent executions.

Examples:
  ruletrace patterns detect
  ruletrace patterns detect --threshold 3 --window-hours 48 --create`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetInt("threshold")
		windowHours, _ := cmd.Flags().GetInt("window-hours")
		create, _ := cmd.Flags().GetBool("create")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/patterns/detect", map[string]any{
			"threshold":    threshold,
			"window_hours": windowHours,
			"create":       create,
		})
		if err != nil {
			return err
		}

		var result struct {
			Detections   json.RawMessage `json:"detections"`
			PersistError string          `json:"persist_error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.PersistError != "" {
			printWarning("findings computed but saving notifications failed: %s", result.PersistError)
		}

		var detections any
		if err := json.Unmarshal(result.Detections, &detections); err != nil {
			return err
		}
		return printJSONBody(detections)
	},
}

func init() {
	patternsDetectCmd.Flags().Int("threshold", 0, "minimum executions for a finding (0 = configured default)")
	patternsDetectCmd.Flags().Int("window-hours", 0, "analysis window in hours (0 = configured default)")
	patternsDetectCmd.Flags().Bool("create", false, "persist findings as notifications")
	patternsCmd.AddCommand(patternsDetectCmd)
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Pattern notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unread notifications (--all for history)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		path := "/notifications"
		if all {
			hours, _ := cmd.Flags().GetInt("hours")
			path = fmt.Sprintf("/notifications?all=true&hours=%d", hours)
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var notifications []storage.Notification
		if err := decodeJSON(resp, &notifications); err != nil {
			return err
		}

		if len(notifications) == 0 {
			if all {
				printNote("No notifications")
			} else {
				printNote("No unread notifications")
			}
			return nil
		}

		for _, n := range notifications {
			marker := ""
			if all && n.Read {
				marker = " (read)"
			}
			fmt.Printf("%s  [%s] %s%s\n", colorize(colorBold, n.ID), n.Priority, n.Title, marker)
			fmt.Printf("    %s\n", n.Message)
			fmt.Printf("    %s\n", n.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/notifications/"+args[0]+"/read", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Marked %s as read", args[0])
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().Bool("all", false, "include read notifications")
	notificationsListCmd.Flags().Int("hours", 24*7, "history window in hours (with --all)")
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
}

// --- backup ---

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/backups", map[string]any{})
		if err != nil {
			return err
		}

		var info backup.Info
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}

		printSuccess("Created %s (%d bytes)", info.Name, info.SizeBytes)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/backups")
		if err != nil {
			return err
		}

		var backups []backup.Info
		if err := decodeJSON(resp, &backups); err != nil {
			return err
		}

		if len(backups) == 0 {
			printNote("No backups found")
			return nil
		}

		for _, b := range backups {
			fmt.Printf("  %s  %d bytes  %s\n", colorize(colorBold, b.Name), b.SizeBytes, b.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore the database from a backup (server must be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Refuse to overwrite a database the daemon is still serving.
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
			resp.Body.Close()
			printError("ruletrace is running; stop it before restoring")
			return fmt.Errorf("server running")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		dbPath := store.Path()
		if err := store.Close(); err != nil {
			return err
		}

		mgr := backup.New(dbPath, cfg.Backup.Dir, 0, cfg.Backup.MaxBackups)
		if err := mgr.Restore(args[0]); err != nil {
			return err
		}

		printSuccess("Restored database from %s", args[0])
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
