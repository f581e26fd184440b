package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"agentmcp/internal/apierr"
	"agentmcp/internal/auth"
	"agentmcp/internal/logging"
)

// Registry holds the registered tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	if err := t.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	logging.ToolsDebug("registered tool %s", t.Name)
	return nil
}

// MustRegister registers a tool and panics on error. Registration
// happens once at startup; a bad schema is a programming error.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", t.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names lists the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatcher routes tool calls through authentication, validation, the
// migration gate and the audit trail.
type Dispatcher struct {
	registry *Registry
	auth     *auth.Registry
	audit    *auth.Recorder

	// migrationActive gates write tools while the store is held by a
	// migration.
	migrationActive func() bool
}

// NewDispatcher wires a dispatcher. migrationActive may be nil when no
// gate applies (tests, one-shot CLI commands).
func NewDispatcher(reg *Registry, ar *auth.Registry, rec *auth.Recorder, migrationActive func() bool) *Dispatcher {
	return &Dispatcher{registry: reg, auth: ar, audit: rec, migrationActive: migrationActive}
}

// Dispatch executes one tool call. Every authenticated call is audited
// regardless of outcome; the audit row carries the error kind when the
// handler fails.
func (d *Dispatcher) Dispatch(ctx context.Context, token, name string, args map[string]any) ([]Content, error) {
	t := d.registry.Get(name)
	if t == nil {
		return nil, apierr.New(apierr.BadRequest, "unknown tool %q", name)
	}

	required := auth.RoleAgent
	if t.AdminOnly {
		required = auth.RoleAdmin
	}
	if !d.auth.Verify(token, required) {
		return nil, apierr.New(apierr.Unauthorized, "token does not grant %s access", required)
	}
	principal, _ := d.auth.Principal(token)

	if args == nil {
		args = map[string]any{}
	}
	if err := t.compiled.Validate(args); err != nil {
		return nil, apierr.Wrap(apierr.BadRequest, err, "invalid arguments for %s", name)
	}

	if t.Write && d.migrationActive != nil && d.migrationActive() {
		return nil, apierr.New(apierr.MigrationInProgress, "store is being migrated; retry shortly")
	}

	inv := &Invocation{Principal: principal, Args: args}
	result, err := t.Handler(ctx, inv)

	outcome := "ok"
	if err != nil {
		outcome = string(apierr.KindOf(err))
	}
	d.audit.Record(ctx, principal, name, inv.Target, args, outcome)

	if err != nil {
		logging.Tools("%s by %s failed: %v", name, principal, err)
		return nil, err
	}
	return render(result)
}

// render serializes a handler result into text content.
func render(result any) ([]Content, error) {
	switch v := result.(type) {
	case nil:
		return TextContent("ok"), nil
	case string:
		return TextContent(v), nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "failed to encode result")
		}
		return TextContent(string(data)), nil
	}
}
