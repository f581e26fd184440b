package tools

import (
	"agentmcp/internal/auth"
	"agentmcp/internal/rag"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// Deps are the subsystems the tool handlers operate on. Query and
// Indexer may be nil when no embedding backend is configured; the
// affected tools then refuse with Conflict.
type Deps struct {
	Tasks      *task.Engine
	Auth       *auth.Registry
	Store      *store.Store
	Indexer    *rag.Indexer
	Query      *rag.Engine
	ProjectDir string
}

// RegisterAll registers the full tool surface.
func RegisterAll(r *Registry, d Deps) {
	registerTaskTools(r, d)
	registerPhaseTools(r, d)
	registerContextTools(r, d)
	registerRAGTools(r, d)
	registerAgentTools(r, d)
}
