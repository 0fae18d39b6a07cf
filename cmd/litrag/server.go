package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/litrag/internal/api"
	"github.com/kalambet/litrag/internal/config"
	"github.com/kalambet/litrag/internal/index"
	"github.com/kalambet/litrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API (foreground)",
	Long: `Serve retrieval and question answering over HTTP on 127.0.0.1:<server.port>.

With --mcp the MCP tools retrieve and ask and the resource index://manifest are
also served over stdio; all other output then goes to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running litrag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index, corpus and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := statusJSON(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return writeIndented(os.Stdout, resp)
		}
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	statusCmd.Flags().Bool("json", false, "print JSON")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "litrag.pid")
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

func runServer(ctx context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "litrag version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	deps := api.Deps{
		Documents:  store,
		IndexDir:   cfg.IndexDir(),
		EmbedModel: cfg.Embed.Model,
		DefaultK:   cfg.Retrieval.TopK,
		Token:      cfg.Server.Token,
	}

	// The index is loaded once; a later build is picked up on restart.
	s, err := openSession(cfg, false)
	switch {
	case err == nil:
		defer s.Close()
		deps.Retriever = s.retriever
		slog.Info("index loaded", "build_id", s.set.Manifest.BuildID, "chunks", s.set.Len())

		gen, genErr := newGenerator(cfg)
		if genErr != nil {
			slog.Warn("question answering disabled", "error", genErr)
		} else {
			deps.Answerer = newAnswerer(cfg, s.retriever, gen)
			slog.Info("question answering enabled", "backend", gen.Name(), "model", cfg.Generate.Model)
		}
	case errors.Is(err, index.ErrAbsent):
		slog.Warn("no index published yet; run `litrag build`")
	default:
		slog.Warn("index not loaded", "error", err)
	}

	if deps.Token == "" {
		slog.Warn("server.token is empty; the API is not authenticated")
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "litrag listening on %s\n", addr)
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
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("litrag is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop litrag (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to litrag (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	st := index.Inspect(cfg.IndexDir(), cfg.Embed.Model)
	printStatus("Index", "%s", st.State)
	if st.Err != nil {
		printWarning("%v", st.Err)
	}
	if m := st.Manifest; m != nil {
		printStatus("Build", "%s (%s)", m.BuildID, m.CreatedAt.Local().Format(time.DateTime))
		printStatus("Embedding", "%s via %s, dim %d, %s", m.EmbeddingModel, m.EmbeddingBackend, m.Dimension, m.Metric)
		printStatus("Chunks", "%d from %d documents (%d failed)", m.ChunkCount, m.DocumentCount, m.FailedChunks)
		printStatus("Chunk policy", "%s", m.ChunkPolicy)
		if st.State == index.StateStale {
			printWarning("index was built with %s but embed.model is %s; run `litrag build`", m.EmbeddingModel, cfg.Embed.Model)
		}
	}

	if store, err := storage.Open(cfg.Storage.DataDir); err == nil {
		counts, err := store.CountByStatus(ctx)
		store.Close()
		if err == nil {
			printStatus("Documents", "%s", countsLabel(counts))
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
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

	printStatus("Generation", "%s %s", cfg.Generate.Backend, cfg.Generate.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countsLabel(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	total := 0
	parts := make([]string, 0, len(counts))
	for _, status := range []string{storage.StatusFetched, storage.StatusNormalized, storage.StatusUnparsable} {
		if n, ok := counts[status]; ok {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
			total += n
		}
	}
	return fmt.Sprintf("%d (%s)", total, strings.Join(parts, ", "))
}

// statusJSON gathers what GET /v1/status reports, without a server.
func statusJSON(ctx context.Context, cfg config.Config) (api.StatusResponse, error) {
	st := index.Inspect(cfg.IndexDir(), cfg.Embed.Model)
	resp := api.StatusResponse{Index: st.State, Manifest: st.Manifest, Documents: map[string]int{}}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return resp, err
	}
	defer store.Close()
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return resp, err
	}
	resp.Documents = counts
	return resp, nil
}
