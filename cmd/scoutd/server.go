package main

import (
	"context"
	"encoding/json"
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

	"github.com/scoutops/scoutd/internal/agent"
	"github.com/scoutops/scoutd/internal/api"
	"github.com/scoutops/scoutd/internal/config"
	"github.com/scoutops/scoutd/internal/generation"
	"github.com/scoutops/scoutd/internal/ingest"
	"github.com/scoutops/scoutd/internal/intent"
	"github.com/scoutops/scoutd/internal/ollama"
	"github.com/scoutops/scoutd/internal/reranking"
	"github.com/scoutops/scoutd/internal/retrieval"
	"github.com/scoutops/scoutd/internal/storage"
)

var reindexOnStart bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scoutd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	startCmd.Flags().BoolVar(&reindexOnStart, "reindex", false, "re-embed all notes before serving")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scoutd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scoutd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scoutd.pid")
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
	fmt.Fprintf(os.Stderr, "scoutd version %s\n", version)

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

	// Write PID file. Check if the server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scoutd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scoutd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness and pull missing models.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	models := []string{cfg.Ollama.ChatModel, cfg.Ollama.FastModel, cfg.Ollama.EmbedModel}
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.FastModel, models, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Build the retrieval and answering stack.
	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(store, embedder, vectorStore, retrieval.Weights{
		Keyword:  cfg.Retrieval.KeywordWeight,
		Semantic: cfg.Retrieval.SemanticWeight,
	}, cfg.Retrieval.TopK)
	generator := generation.NewGenerator(ollamaClient, cfg.Ollama.ChatModel)
	extractor := intent.NewExtractor(ollamaClient, cfg.Ollama.FastModel)

	rerankTimeout, err := time.ParseDuration(cfg.Retrieval.RerankTimeout)
	if err != nil {
		slog.Warn("invalid rerank timeout, using default 5s", "value", cfg.Retrieval.RerankTimeout, "error", err)
		rerankTimeout = 5 * time.Second
	}
	reranker := reranking.NewReranker(
		ollamaClient,
		cfg.Ollama.FastModel,
		cfg.Retrieval.RerankEnabled,
		rerankTimeout,
		cfg.Retrieval.RerankThreshold,
		cfg.Retrieval.TopK,
	)

	// Build the assistant loop.
	toolbox := agent.NewToolbox(store, retriever)
	runner := agent.NewRunner(store, ollamaClient, toolbox, cfg.Ollama.ChatModel, agent.Options{
		MaxIterations:   cfg.Agent.MaxIterations,
		HistoryRuns:     cfg.Agent.HistoryRuns,
		HistoryMessages: cfg.Agent.HistoryMessages,
	})

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:     store,
		Retriever: retriever,
		Generator: generator,
		Intent:    extractor,
		Reranker:  reranker,
		Runner:    runner,
		Vectors:   vectorStore,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the embedding worker, rebuilding the whole index first if asked.
	worker := ingest.NewWorker(store, embedder, vectorStore, 500*time.Millisecond)
	if reindexOnStart {
		printStep("re-embedding all notes")
		n, err := worker.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindexing notes: %w", err)
		}
		slog.Info("reindex complete", "notes", n)
	}
	go worker.Run(ctx)

	// Start the MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Retriever: retriever,
		Generator: generator,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scoutd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
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
		printError("scoutd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scoutd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scoutd (PID %d)", pid)
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
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status  string `json:"status"`
			Pending int    `json:"pending_embed_jobs"`
			Indexed int    `json:"indexed_notes"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == 200 && decodeErr == nil {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Embed queue", "%d pending", health.Pending)
			printStatus("Indexed notes", "%d", health.Indexed)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check Ollama.
	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	// Show models.
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Fast model", "%s", cfg.Ollama.FastModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
