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

	"github.com/kalambet/erpflow/internal/agent"
	"github.com/kalambet/erpflow/internal/api"
	"github.com/kalambet/erpflow/internal/assembler"
	"github.com/kalambet/erpflow/internal/config"
	"github.com/kalambet/erpflow/internal/engine"
	"github.com/kalambet/erpflow/internal/erp"
	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/ingest"
	"github.com/kalambet/erpflow/internal/metrics"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/usage"
	"github.com/kalambet/erpflow/internal/workflow"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the erpflow server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running erpflow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show erpflow system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "erpflow.pid")
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

func parseLogLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// refreshStoreSizes publishes index and graph sizes to the gauges.
func refreshStoreSizes(ctx context.Context, m *metrics.Metrics, index *retrieval.Index, g *graph.Store) {
	docs, err := index.Count(ctx)
	if err != nil {
		slog.Warn("counting documents", "error", err)
		return
	}
	st, err := g.Statistics(ctx)
	if err != nil {
		slog.Warn("reading graph statistics", "error", err)
		return
	}
	m.SetStoreSizes(docs, st.NodesByType, st.EdgesByRelation)
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "erpflow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("erpflow is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("erpflow is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	registry := agent.NewRegistry()
	if err := agent.RegisterBuiltins(registry, eng, cfg.Ollama.ModelForRole); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}

	printStep("Checking model backend at %s", cfg.Ollama.BaseURL)
	required := append(registry.ModelRequirements(), engine.Requirement{Model: cfg.Ollama.EmbedModel, Users: []string{"embeddings"}})
	if err := engine.EnsureReady(ctx, eng, required, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Retrieval.EmbedConcurrency)
	index := retrieval.NewIndex(store.DB(), embedder).ReadFrom(store.ReadDB())
	if n, err := index.EnsureModel(ctx, store, embedder.Model()); err != nil {
		return fmt.Errorf("re-embedding documents for %s: %w", embedder.Model(), err)
	} else if n > 0 {
		printSuccess("Re-embedded %d documents with %s", n, embedder.Model())
	}
	g := graph.NewStore(store.DB()).ReadFrom(store.ReadDB())
	recorder := usage.NewRecorder(store.DB()).ReadFrom(store.ReadDB())
	m := metrics.New()

	planner, err := workflow.NewPlanner(registry, cfg.Workflow.TemplatesFile)
	if err != nil {
		return fmt.Errorf("loading workflow templates: %w", err)
	}

	wcfg := workflow.DefaultConfig()
	wcfg.WorkerPoolSize = cfg.Workflow.WorkerPoolSize
	wcfg.MaxAttempts = cfg.Workflow.MaxAttempts
	wcfg.StageTimeout = cfg.Workflow.StageTimeout
	wcfg.BackoffInitial = cfg.Workflow.BackoffInitial
	if wcfg.BackoffMax < wcfg.BackoffInitial {
		wcfg.BackoffMax = wcfg.BackoffInitial
	}
	wcfg.Context = assembler.Params{
		K:          cfg.Retrieval.TopK,
		HopDepth:   cfg.Assembler.HopDepth,
		ByteBudget: cfg.Assembler.ByteBudget,
	}
	workflows, err := workflow.New(workflow.Deps{
		Planner:  planner,
		Registry: registry,
		Context:  assembler.New(index, g),
		Store:    store,
		Recorder: recorder,
		Observer: m,
	}, wcfg)
	if err != nil {
		return err
	}

	// ERP sync is optional; without a base URL only manual ingestion runs.
	var syncer ingest.Syncer
	var scheduler *erp.Scheduler
	erpClient := erp.NewClient(cfg.ERP.BaseURL, cfg.ERP.APIKey)
	if erpClient.Configured() {
		syncer = erp.NewSyncer(erpClient, index, g, erp.SyncerOptions{
			DocTypes: cfg.ERP.DocTypes,
			Reporter: m,
		})
		if cfg.ERP.SyncSchedule != "" {
			scheduler = erp.NewScheduler(store)
			if err := scheduler.Start(cfg.ERP.SyncSchedule); err != nil {
				return err
			}
			slog.Info("ERP sync scheduled", "schedule", cfg.ERP.SyncSchedule, "doctypes", len(cfg.ERP.DocTypes))
		}
	} else {
		slog.Info("ERP sync disabled; set erp.base_url to enable it")
	}

	worker := ingest.NewWorker(store, index, syncer, 500*time.Millisecond)
	worker.AfterJob(func(ctx context.Context) { refreshStoreSizes(ctx, m, index, g) })
	refreshStoreSizes(ctx, m, index, g)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Workflows:  workflows,
		Index:      index,
		Graph:      g,
		Traces:     recorder,
		Jobs:       store,
		Metrics:    m.Handler(),
		Token:      apiToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		ERPEnabled: erpClient.Configured(),
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Workflows: workflows,
			Index:     index,
			Graph:     g,
			Jobs:      store,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "erpflow listening on %s\n", addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// Running workflows are cancelled; their stages end as CANCELLED.
	return workflows.Shutdown(shutdownCtx)
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
		printError("erpflow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop erpflow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to erpflow (PID %d)", pid)
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

	running := false
	resp, err := client.Get(serverURL + "/health")
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

	if ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Generate model", "%s", cfg.Ollama.GenerateModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if cfg.ERP.Enabled() {
		printStatus("ERP", "%s (%d doctypes, %s)", cfg.ERP.BaseURL, len(cfg.ERP.DocTypes), cfg.ERP.SyncSchedule)
	} else {
		printStatus("ERP", "not configured")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			c.httpClient = client
			printStoreCounts(c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printStoreCounts(c *apiClient) {
	ctx, cancel := requestTimeout()
	defer cancel()

	resp, err := c.get(ctx, "/graph/stats")
	if err != nil {
		return
	}
	var st struct {
		Nodes     int `json:"nodes"`
		Edges     int `json:"edges"`
		Documents int `json:"documents"`
	}
	if decodeJSON(resp, &st) == nil {
		printStatus("Documents", "%d", st.Documents)
		printStatus("Graph", "%d nodes, %d edges", st.Nodes, st.Edges)
	}

	resp, err = c.get(ctx, "/workflows")
	if err != nil {
		return
	}
	var list []workflow.StatusReport
	if decodeJSON(resp, &list) == nil {
		running := 0
		for _, w := range list {
			if w.State == workflow.StateRunning {
				running++
			}
		}
		printStatus("Workflows", "%d tracked, %d running", len(list), running)
	}
}
