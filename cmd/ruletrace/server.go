package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ruletrace/ruletrace/internal/api"
	"github.com/ruletrace/ruletrace/internal/backup"
	"github.com/ruletrace/ruletrace/internal/config"
	"github.com/ruletrace/ruletrace/internal/metrics"
	"github.com/ruletrace/ruletrace/internal/patterns"
	"github.com/ruletrace/ruletrace/internal/storage"
	"github.com/ruletrace/ruletrace/internal/tracker"
	"github.com/ruletrace/ruletrace/internal/watcher"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ruletrace server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpOnly, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpOnly)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ruletrace server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ruletrace system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP over stdio only (no HTTP API, no daemon PID file)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ruletrace.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpOnly bool) error {
	fmt.Fprintf(os.Stderr, "ruletrace version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build services.
	trk := tracker.New(store)
	agg := metrics.New(store)
	det := patterns.New(store, cfg.Notification)

	var backups *backup.Manager
	if cfg.Backup.Enabled {
		backups = backup.New(
			store.Path(),
			cfg.Backup.Dir,
			time.Duration(cfg.Backup.IntervalHours)*time.Hour,
			cfg.Backup.MaxBackups,
		)
	}

	deps := api.MCPDeps{Store: store, Tracker: trk, Aggregator: agg, Detector: det}

	if mcpOnly {
		// Stdio transport for MCP clients that spawn the process directly.
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ruletrace is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ruletrace is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.AppDeps{
		Store:      store,
		Tracker:    trk,
		Aggregator: agg,
		Detector:   det,
		Backups:    backups,
		Token:      cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Rules directory watcher.
	if cfg.Watcher.RulesDir != "" {
		w := watcher.New(store, cfg.Watcher.RulesDir, time.Duration(cfg.Watcher.PollInterval)*time.Second)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
		slog.Info("watching rules directory", "dir", cfg.Watcher.RulesDir)
	}

	// Backup scheduler.
	if backups != nil {
		g.Go(func() error {
			backups.Run(gctx)
			return nil
		})
		slog.Info("backup scheduler started", "dir", cfg.Backup.Dir, "interval_hours", cfg.Backup.IntervalHours)
	}

	// MCP server on stdio transport.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	// HTTP server, plus a shutdown watcher that drains it on signal or on the
	// first background failure.
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "ruletrace listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ruletrace is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ruletrace (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ruletrace (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		apiC, err := newAPIClient()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if r, err := apiC.get(ctx, "/notifications"); err == nil {
				var notifications []storage.Notification
				if decodeJSON(r, &notifications) == nil {
					printStatus("Unread notifications", "%d", len(notifications))
				}
			}
		}
	}

	if cfg.Watcher.RulesDir != "" {
		printStatus("Rules dir", "%s", cfg.Watcher.RulesDir)
	} else {
		printStatus("Rules dir", "not configured (watcher disabled)")
	}
	if cfg.Backup.Enabled {
		printStatus("Backups", "every %dh, keep %d, in %s", cfg.Backup.IntervalHours, cfg.Backup.MaxBackups, cfg.Backup.Dir)
	} else {
		printStatus("Backups", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
