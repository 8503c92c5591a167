package main

import (
	"context"
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

	"github.com/shelf-app/shelfd/internal/api"
	"github.com/shelf-app/shelfd/internal/archive"
	"github.com/shelf-app/shelfd/internal/categorize"
	"github.com/shelf-app/shelfd/internal/config"
	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/pipeline"
	"github.com/shelf-app/shelfd/internal/search"
	"github.com/shelf-app/shelfd/internal/storage"
	"github.com/shelf-app/shelfd/internal/watcher"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shelfd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shelfd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shelfd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shelfd.pid")
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
	fmt.Fprintf(os.Stderr, "shelfd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to start twice: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("shelfd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("shelfd is already running on port %d", cfg.Server.Port)
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
			logger.Warn("closing storage", "error", err)
		}
	}()

	idx := index.NewSQLiteIndex(store.DB())

	embedder, chatter, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("configuring embedding provider: %w", err)
	}
	if !embedder.Healthy(ctx) {
		logger.Warn("embedding provider unreachable, ingestion will fail until it recovers",
			"provider", cfg.Embedding.Provider)
	}

	organizer, err := archive.NewOrganizer(cfg.Dirs.Archive)
	if err != nil {
		return fmt.Errorf("preparing archive directory: %w", err)
	}

	categorizer := categorize.New(idx, chatter, cfg.Categorize, logger)
	pipe := pipeline.New(extract.New(0), embedder, categorizer, organizer,
		store, idx, cfg.Pipeline, logger)

	w, err := watcher.New(watcher.Options{
		Dir:            cfg.Dirs.Input,
		DebounceWindow: cfg.Watcher.DebounceWindow,
		EventBuffer:    cfg.Watcher.EventBuffer,
	}, logger)
	if err != nil {
		return fmt.Errorf("preparing input watcher: %w", err)
	}
	w.Start()
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.Run(ctx, w.Events())
	}()
	logger.Info("watching input directory", "dir", cfg.Dirs.Input)

	reconciler := archive.NewReconciler(organizer.Root(), store, idx, logger)
	reconDone := make(chan struct{})
	go func() {
		defer close(reconDone)
		reconciler.Run(ctx, cfg.Pipeline.ReconcileInterval)
	}()

	searcher := search.New(embedder, idx, store, logger)

	srv := api.NewServer(pipe, searcher, store, idx, embedder, cfg.Dirs.Input, logger, stop)
	router := srv.Router(cfg.Server.APIToken)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Index:    idx,
		Searcher: searcher,
		Model:    embedder.Model(),
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	err = api.Serve(ctx, addr, router, logger)

	// Stop feeding the pipeline, then wait for in-flight ingests and the
	// reconciler to drain before the deferred store.Close runs.
	if closeErr := w.Close(); closeErr != nil {
		logger.Warn("closing watcher", "error", closeErr)
	}
	<-pipeDone
	<-reconDone
	return err
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
		printError("shelfd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop shelfd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to shelfd (PID %d)", pid)
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
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		case http.StatusServiceUnavailable:
			running = true
			printStatus("Server", "degraded on port %d", cfg.Server.Port)
		default:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Embedding.Provider)
	printStatus("Input dir", "%s", cfg.Dirs.Input)
	printStatus("Archive dir", "%s", cfg.Dirs.Archive)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if running {
		c, err := newAPIClient()
		if err != nil {
			return nil
		}
		statsResp, err := c.get(context.Background(), "/stats")
		if err != nil {
			return nil
		}
		var stats struct {
			ArchivedFiles int            `json:"archived_files"`
			Categories    map[string]int `json:"categories"`
		}
		if decodeJSON(statsResp, &stats) == nil {
			printStatus("Archived files", "%d", stats.ArchivedFiles)
			printStatus("Categories", "%d", len(stats.Categories))
		}
	}
	return nil
}
