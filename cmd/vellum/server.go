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

	"github.com/vellumlab/vellum/internal/api"
	"github.com/vellumlab/vellum/internal/chunk"
	"github.com/vellumlab/vellum/internal/config"
	"github.com/vellumlab/vellum/internal/embed"
	"github.com/vellumlab/vellum/internal/extract"
	"github.com/vellumlab/vellum/internal/index"
	"github.com/vellumlab/vellum/internal/ingest"
	"github.com/vellumlab/vellum/internal/jobs"
	"github.com/vellumlab/vellum/internal/retrieval"
	"github.com/vellumlab/vellum/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vellum server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vellum server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vellum system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vellum.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "vellum version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint is authoritative; the PID
	// file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vellum is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vellum is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the ingestion pipeline.
	embedder := embed.NewClient(cfg.Embedder.BaseURL, cfg.Embedder.Model, cfg.Embedder.Dim, cfg.Embedder.MaxBatch)
	idx := index.NewWriter(store.DB())
	tracker := jobs.NewTracker(store)
	chain := extract.DefaultChain(cfg.Ingest.StageTimeout.Std())
	pipeline := ingest.NewPipeline(store, tracker, chain, chunk.Config{
		TargetSize: cfg.Chunker.TargetSize,
		Overlap:    cfg.Chunker.Overlap,
	}, embedder, idx, cfg.Ingest.StageTimeout.Std())
	orchestrator := ingest.NewOrchestrator(store, tracker, pipeline, ingest.Options{
		Workers:      cfg.Ingest.Workers,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		PollInterval: cfg.Ingest.PollInterval.Std(),
		LeaseTimeout: cfg.Ingest.LeaseTimeout.Std(),
	})
	retriever := retrieval.NewRetriever(embedder, idx, store, cfg.Retrieval.TopK)

	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Ingestor: orchestrator,
		Searcher: retriever,
		Index:    idx,
		Token:    cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the worker pool.
	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			slog.Error("orchestrator stopped", "error", err)
		}
	}()

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Ingestor: orchestrator,
		Searcher: retriever,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "vellum listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		printError("vellum is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vellum (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vellum (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	embedResp, err := client.Get(cfg.Embedder.BaseURL + "/api/version")
	if err != nil {
		printStatus("Embedder", "not reachable at %s", cfg.Embedder.BaseURL)
	} else {
		embedResp.Body.Close()
		printStatus("Embedder", "running at %s", cfg.Embedder.BaseURL)
	}

	printStatus("Embed model", "%s (dim %d)", cfg.Embedder.Model, cfg.Embedder.Dim)
	printStatus("Workers", "%d", cfg.Ingest.Workers)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
