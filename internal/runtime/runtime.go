// Package runtime owns process-wide state: the store handle, the task
// mirror, the auth registry, the migration gate, and the background
// worker group. It is the composition root everything else hangs off.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agentmcp/internal/apierr"
	"agentmcp/internal/auth"
	"agentmcp/internal/config"
	"agentmcp/internal/embedding"
	"agentmcp/internal/logging"
	"agentmcp/internal/migrate"
	"agentmcp/internal/rag"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
	"agentmcp/internal/tools"
)

// mirrorRefreshInterval re-reads the store periodically so the mirror
// heals from writes made by other processes (one-shot CLI runs).
const mirrorRefreshInterval = 5 * time.Minute

// Options tunes startup.
type Options struct {
	// AdminToken seeds the auth registry; empty generates a fresh one.
	AdminToken string

	// SkipMigration bypasses check_and_migrate (status command).
	SkipMigration bool
}

// Runtime is the assembled server state.
type Runtime struct {
	cfg config.ServerConfig

	st         *store.Store
	auth       *auth.Registry
	audit      *auth.Recorder
	tasks      *task.Engine
	dispatcher *tools.Dispatcher
	registry   *tools.Registry
	indexer    *rag.Indexer
	query      *rag.Engine

	migrating atomic.Bool
	accepting atomic.Bool
	inflight  sync.WaitGroup

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New runs the startup sequence: resolve the project directory, run
// migrations under the gate, open the store, rebuild the mirror, and
// wire the tool surface. Background workers start with Start.
func New(ctx context.Context, cfg config.ServerConfig, opts Options) (*Runtime, error) {
	projectDir, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	cfg.ProjectDir = projectDir
	if err := os.MkdirAll(filepath.Join(projectDir, ".agent"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create .agent directory: %w", err)
	}

	r := &Runtime{cfg: cfg}

	if !opts.SkipMigration {
		r.migrating.Store(true)
		mgr := migrate.New(projectDir, config.LoadMigrationConfig(projectDir), cfg.Embedding.Dimensions)
		if err := mgr.CheckAndMigrate(ctx); err != nil {
			r.migrating.Store(false)
			return nil, err
		}
		r.migrating.Store(false)
	}

	st, err := store.Open(config.StorePath(projectDir), cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if h := st.Health(); h.Status != "healthy" {
		st.Close()
		return nil, fmt.Errorf("store health probe failed (locked=%v)", h.Locked)
	}
	r.st = st

	r.auth, err = auth.NewRegistry(st, opts.AdminToken)
	if err != nil {
		st.Close()
		return nil, err
	}
	r.audit = auth.NewRecorder(st)

	mirror := task.NewMirror()
	if err := mirror.Rebuild(st); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to rebuild task mirror: %w", err)
	}
	r.tasks = task.NewEngine(st, mirror)

	r.wireRAG(ctx)

	r.registry = tools.NewRegistry()
	tools.RegisterAll(r.registry, tools.Deps{
		Tasks:      r.tasks,
		Auth:       r.auth,
		Store:      st,
		Indexer:    r.indexer,
		Query:      r.query,
		ProjectDir: projectDir,
	})
	r.dispatcher = tools.NewDispatcher(r.registry, r.auth, r.audit, r.migrating.Load)

	logging.Runtime("runtime assembled for %s (%d tasks, %d tools)",
		projectDir, mirror.Len(), len(r.registry.Names()))
	return r, nil
}

// wireRAG builds the embedding engine and the retrieval pipeline. A
// missing or misconfigured backend disables retrieval instead of
// failing startup; the affected tools refuse at call time.
func (r *Runtime) wireRAG(ctx context.Context) {
	eng, err := embedding.NewEngine(embedding.Config{
		Provider:       r.cfg.Embedding.Provider,
		OllamaEndpoint: r.cfg.Embedding.Endpoint,
		OllamaModel:    r.cfg.Embedding.Model,
		APIKey:         r.cfg.Embedding.APIKey(),
		Model:          r.cfg.Embedding.Model,
		Dimensions:     r.cfg.Embedding.Dimensions,
	})
	if err != nil {
		logging.RuntimeWarn("embedding backend unavailable, retrieval disabled: %v", err)
		return
	}
	if hc, ok := eng.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			logging.RuntimeWarn("embedding backend unhealthy, retrieval disabled: %v", err)
			return
		}
	}

	r.indexer = rag.NewIndexer(r.st, eng, r.cfg.RAG)
	r.query = rag.NewEngine(r.st, eng, r.cfg.RAG)
	r.tasks.SetTaskIndexer(r.query)

	if r.cfg.RAG.EnableTaskPlacement {
		checker := rag.NewPlacementChecker(r.query, r.cfg.RAG.DuplicationThreshold)
		r.tasks.SetDuplicateChecker(checker, true, r.cfg.RAG.AllowOverride)
	}
}

// Auth exposes the registry for the transport layer.
func (r *Runtime) Auth() *auth.Registry { return r.auth }

// Store exposes the store handle (status command, tests).
func (r *Runtime) Store() *store.Store { return r.st }

// Tasks exposes the task engine.
func (r *Runtime) Tasks() *task.Engine { return r.tasks }

// ToolNames lists the registered tool surface.
func (r *Runtime) ToolNames() []string { return r.registry.Names() }

// Dispatch executes one tool call, refusing new work during shutdown
// and tracking the call for the bounded drain.
func (r *Runtime) Dispatch(ctx context.Context, token, name string, args map[string]any) ([]tools.Content, error) {
	if !r.accepting.Load() {
		return nil, apierr.New(apierr.Conflict, "server is shutting down")
	}
	r.inflight.Add(1)
	defer r.inflight.Done()
	return r.dispatcher.Dispatch(ctx, token, name, args)
}

// Start launches the background workers and opens the intake.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group, ctx = errgroup.WithContext(ctx)

	if r.cfg.Watcher.Enabled && r.indexer != nil {
		w := newWatcher(r.cfg.ProjectDir, r.cfg.Watcher.Debounce, r.cfg.RAG.IgnoreDirs, r.indexer)
		r.group.Go(func() error { return w.run(ctx) })
	}
	r.group.Go(func() error { return r.refreshMirror(ctx) })

	r.accepting.Store(true)
	logging.Runtime("runtime ready")
}

// refreshMirror periodically rebuilds the mirror from the store.
func (r *Runtime) refreshMirror(ctx context.Context) error {
	ticker := time.NewTicker(mirrorRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.tasks.Mirror().Rebuild(r.st); err != nil {
				logging.RuntimeWarn("mirror refresh failed: %v", err)
			}
		}
	}
}

// Shutdown stops intake, drains in-flight calls up to the deadline in
// ctx, cancels the worker group and closes the store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.accepting.Store(false)

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logging.RuntimeWarn("shutdown deadline reached with calls still in flight")
	}

	if r.cancel != nil {
		r.cancel()
		if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logging.RuntimeWarn("background worker exited with: %v", err)
		}
	}

	err := r.st.Close()
	logging.Runtime("runtime stopped")
	return err
}
