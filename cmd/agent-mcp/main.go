// agent-mcp is the collaboration server for coding agents: a shared
// task graph, project context, and retrieval index behind a tool
// surface, backed by a single SQLite store under .agent/.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentmcp/internal/apierr"
	"agentmcp/internal/config"
	"agentmcp/internal/logging"
	"agentmcp/internal/migrate"
	"agentmcp/internal/runtime"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

var (
	projectDir string
	adminToken string
	verbose    bool

	logger *zap.Logger
)

// exitDeclined is returned when the operator refuses an interactive
// migration prompt.
const exitDeclined = 2

var rootCmd = &cobra.Command{
	Use:   "agent-mcp",
	Short: "Collaboration server for coding agents",
	Long: `agent-mcp coordinates multiple coding agents working on one project:
a shared hierarchical task graph, a project context notebook, and a
retrieval index over the codebase, all stored in .agent/mcp_state.db.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return fmt.Errorf("failed to resolve project dir: %w", err)
		}
		projectDir = abs

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(projectDir); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server: migrate, start workers, accept tool calls on stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.LoadServerConfig(projectDir)
		if err != nil {
			return err
		}

		rt, err := runtime.New(ctx, cfg, runtime.Options{AdminToken: adminToken})
		if err != nil {
			return err
		}
		rt.Start(ctx)
		logger.Info("agent-mcp ready",
			zap.String("project", projectDir),
			zap.Strings("tools", rt.ToolNames()))
		fmt.Fprintf(os.Stderr, "admin token: %s\n", rt.Auth().AdminToken())

		go serveStdio(ctx, rt)
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return rt.Shutdown(sctx)
	},
}

// request is one line of the stdio transport.
type request struct {
	Token string         `json:"token"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
}

type response struct {
	Content []map[string]string `json:"content,omitempty"`
	Error   *responseError      `json:"error,omitempty"`
}

type responseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// serveStdio reads newline-delimited JSON tool calls from stdin and
// writes one JSON response per line.
func serveStdio(ctx context.Context, rt *runtime.Runtime) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Error: &responseError{
				Kind: string(apierr.BadRequest), Message: "request is not valid JSON",
			}})
			continue
		}

		content, err := rt.Dispatch(ctx, req.Token, req.Tool, req.Args)
		if err != nil {
			_ = enc.Encode(response{Error: &responseError{
				Kind: string(apierr.KindOf(err)), Message: err.Error(),
			}})
			continue
		}
		resp := response{}
		for _, c := range content {
			resp.Content = append(resp.Content, map[string]string{"type": c.Type, "text": c.Text})
		}
		_ = enc.Encode(resp)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the store schema up to the current version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServerConfig(projectDir)
		if err != nil {
			return err
		}
		mgr := migrate.New(projectDir, config.LoadMigrationConfig(projectDir), cfg.Embedding.Dimensions)
		if err := mgr.CheckAndMigrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("store is at the current schema version",
			zap.String("version", migrate.CurrentVersion))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report store health, schema version and task counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServerConfig(projectDir)
		if err != nil {
			return err
		}
		st, err := store.Open(config.StorePath(projectDir), cfg.Embedding.Dimensions)
		if err != nil {
			return err
		}
		defer st.Close()

		h := st.Health()
		var version string
		_ = st.QueryRow(
			`SELECT version FROM schema_migrations ORDER BY applied_at DESC, version DESC LIMIT 1`).
			Scan(&version)

		all, err := task.LoadAll(st)
		if err != nil {
			return err
		}
		counts := map[string]int{}
		phases, workstreams := 0, 0
		for i := range all {
			switch {
			case all[i].IsPhase():
				phases++
			case all[i].IsWorkstream():
				workstreams++
			default:
				counts[all[i].Status]++
			}
		}
		chunks, _ := st.ChunkCount()

		out := map[string]any{
			"store":          h,
			"schema_version": version,
			"phases":         phases,
			"workstreams":    workstreams,
			"tasks":          counts,
			"indexed_chunks": chunks,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project-dir", "p", ".", "project directory")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "admin token (generated when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, migrateCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, migrate.ErrDeclined) {
			fmt.Fprintln(os.Stderr, "migration declined")
			os.Exit(exitDeclined)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
