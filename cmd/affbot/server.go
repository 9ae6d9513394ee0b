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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/affbot/internal/api"
	"github.com/kalambet/affbot/internal/approval"
	"github.com/kalambet/affbot/internal/classify"
	"github.com/kalambet/affbot/internal/config"
	"github.com/kalambet/affbot/internal/llm"
	"github.com/kalambet/affbot/internal/pipeline"
	"github.com/kalambet/affbot/internal/research"
	"github.com/kalambet/affbot/internal/sender"
	"github.com/kalambet/affbot/internal/source"
	"github.com/kalambet/affbot/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pipeline and admin API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running affbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and pipeline counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the approval tools over MCP on stdio",
	Long: `Serve the approval tools over MCP on stdio.

The MCP server opens the same database as the running pipeline, so it can
be launched by an MCP client while "affbot start" runs elsewhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "affbot.pid")
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

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStore opens the database and refuses to continue when the sequence
// counter has not been seeded.
func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if err := store.CheckSequence(ctx); err != nil {
		store.Close()
		if errors.Is(err, storage.ErrUninitializedSequence) {
			return nil, fmt.Errorf("%w: run `affbot init` first", err)
		}
		return nil, err
	}
	return store, nil
}

func buildSource(cfg config.IngestConfig) (source.Source, error) {
	switch cfg.Source {
	case "file":
		return source.NewFileSource(cfg.Path), nil
	case "http":
		return source.NewHTTPSource(cfg.URL, cfg.Token), nil
	}
	return nil, fmt.Errorf("unknown ingest source %q", cfg.Source)
}

func buildSender(cfg config.SenderConfig) (pipeline.Sender, error) {
	switch cfg.Kind {
	case "log":
		return sender.NewLog(slog.Default()), nil
	case "webhook":
		return sender.NewWebhook(cfg.URL, cfg.Token, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown sender kind %q", cfg.Kind)
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	generated, err := config.EnsureAdminToken(&cfg)
	if err != nil {
		return err
	}
	if generated {
		printWarning("Generated a new admin token; see `affbot config show` or the secrets file")
	}

	// Refuse to start a second instance on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.BaseURL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("affbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("affbot is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	src, err := buildSource(cfg.Ingest)
	if err != nil {
		return err
	}
	snd, err := buildSender(cfg.Sender)
	if err != nil {
		return err
	}
	classifier := classify.New(
		llm.NewClient(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Timeout),
		cfg.Classifier.Model,
	)
	researcher := research.New(
		llm.NewClient(cfg.Research.BaseURL, cfg.Research.APIKey, cfg.Research.Timeout),
		cfg.Research.Model,
	)

	p := pipeline.New(src, store, classifier, researcher, snd, pipeline.Config{
		PollInterval:     cfg.Ingest.PollInterval,
		DispatchInterval: cfg.Dispatch.Interval,
		ClassifyTimeout:  cfg.Classifier.Timeout,
		EnrichTimeout:    cfg.Research.Timeout,
		SendTimeout:      cfg.Sender.Timeout,
		QueueCapacity:    cfg.Queue.Capacity,
	})

	handler := api.NewAdminHandler(api.AdminDeps{
		Store:       store,
		Gate:        approval.NewGate(store),
		Token:       cfg.Admin.Token,
		QueueDepths: p.QueueDepths,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("admin API listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.AdminDeps{
		Store: store,
		Gate:  approval.NewGate(store),
	}, version)

	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("affbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop affbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to affbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var apiErr *apiError
	switch err := client.health(ctx); {
	case errors.As(err, &apiErr):
		printStatus("Server", "error (HTTP %d)", apiErr.Status)
	case err != nil:
		printStatus("Server", "stopped")
	default:
		printStatus("Server", "running on %s", cfg.Addr())
		if stats, err := client.stats(ctx); err == nil {
			printStats(stats)
		} else {
			printWarning("could not read stats: %v", err)
		}
	}

	printStatus("Ingest", "%s", ingestLabel(cfg.Ingest))
	printStatus("Classifier", "%s @ %s", cfg.Classifier.Model, cfg.Classifier.BaseURL)
	printStatus("Research", "%s @ %s", cfg.Research.Model, cfg.Research.BaseURL)
	printStatus("Sender", "%s", cfg.Sender.Kind)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printStats(stats api.Stats) {
	printStatus("Needs", "%d pending, %d approved, %d sent",
		stats.Needs[storage.StatusPending], stats.Needs[storage.StatusApproved], stats.Needs[storage.StatusSent])
	printStatus("Work items", "%d classify, %d enrich, %d dropped",
		stats.WorkItems[storage.StageClassify], stats.WorkItems[storage.StageEnrich], stats.WorkItems[storage.StageDropped])
	if stats.Queues != nil {
		printStatus("Queues", "%d classify, %d enrich", stats.Queues.Classify, stats.Queues.Enrich)
	}
}

func ingestLabel(cfg config.IngestConfig) string {
	if cfg.Source == "http" {
		return "http " + cfg.URL
	}
	return "file " + cfg.Path
}
