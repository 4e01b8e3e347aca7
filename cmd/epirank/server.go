package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"golang.org/x/net/netutil"

	"github.com/kalambet/epirank/internal/api"
	"github.com/kalambet/epirank/internal/catalog"
	"github.com/kalambet/epirank/internal/config"
	"github.com/kalambet/epirank/internal/mediacache"
	"github.com/kalambet/epirank/internal/outbox"
	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/scheduler"
	"github.com/kalambet/epirank/internal/session"
	"github.com/kalambet/epirank/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the epirank server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running epirank server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show epirank system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "epirank.pid")
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

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "epirank version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Retrieve (or create) the bearer token guarding the local API.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("epirank is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("epirank is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

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

	// Build the labeling engine.
	backend := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	cat := catalog.New(backend, cfg.Catalog.TTL)
	media := mediacache.New(backend, mediacache.Options{
		FetchTimeout: cfg.Cache.FetchTimeout,
		Concurrency:  cfg.Cache.PrefetchConcurrency,
	})
	ctrl := session.New(backend, cat, session.Options{Store: store, Prefetcher: media})
	defer ctrl.Wait()
	sched := scheduler.New(ctrl, backend, scheduler.Options{Store: store, TextDebounce: cfg.Scheduler.TextDebounce})

	restored, err := sched.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring pending feedback: %w", err)
	}
	if restored > 0 {
		slog.Info("restored pending feedback", "records", restored)
	}

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Catalog:         cat,
		Session:         ctrl,
		Scheduler:       sched,
		Media:           media,
		Store:           store,
		Token:           apiToken,
		DefaultStrategy: cfg.Session.DefaultStrategy,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Retry failed end-of-session notifications.
	worker := outbox.NewWorker(store, backend, cfg.Outbox.PollInterval)
	go worker.Run(ctx)

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Session: ctrl, Scheduler: sched})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "epirank listening on %s (backend %s)\n", addr, cfg.Provider.BaseURL)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("epirank is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop epirank (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to epirank (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	printStatus("Backend", "%s", cfg.Provider.BaseURL)

	if running {
		apiToken, tokenErr := config.GetAPIToken(config.NewKeychain())
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: httpClient}
			printSessionStatus(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSessionStatus(ctx context.Context, c *apiClient) {
	resp, err := c.get(ctx, "/session")
	if err != nil {
		return
	}
	var st struct {
		SessionID       string `json:"session_id"`
		Active          bool   `json:"active"`
		Ended           bool   `json:"ended"`
		CurrentStep     int    `json:"current_step"`
		SequenceLength  int    `json:"sequence_length"`
		PendingFeedback int    `json:"pending_feedback"`
	}
	if err := decodeJSON(resp, &st); err != nil {
		return
	}
	if !st.Active {
		printStatus("Session", "none")
		return
	}
	printStatus("Session", "%s", sessionLabel(st.SessionID, st.CurrentStep, st.SequenceLength, st.Ended))
	printStatus("Pending feedback", "%d", st.PendingFeedback)
}

func sessionLabel(id string, step, total int, ended bool) string {
	if ended {
		return fmt.Sprintf("%s (ended after %d steps)", id, total)
	}
	return fmt.Sprintf("%s (step %d of %d)", id, step+1, total)
}
