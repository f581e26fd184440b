package tools

import (
	"context"

	"agentmcp/internal/apierr"
)

func registerRAGTools(r *Registry, d Deps) {
	r.MustRegister(&Tool{
		Name:        "search_context",
		Description: "Similarity search over indexed files, context entries and tasks",
		Schema: `{
			"type": "object",
			"properties": {
				"query":       {"type": "string", "minLength": 1},
				"k":           {"type": "integer", "minimum": 1, "maximum": 50},
				"source_kind": {"type": "string", "enum": ["file", "context", "task"]}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			if d.Query == nil {
				return nil, apierr.New(apierr.Conflict, "similarity search is not configured")
			}
			resp, err := d.Query.Query(ctx, argString(inv.Args, "query"),
				argInt(inv.Args, "k", 5), argString(inv.Args, "source_kind"))
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "index_project",
		Description: "Reindex project files, context entries and tasks into the vector store",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"force": {"type": "boolean"}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			if d.Indexer == nil {
				return nil, apierr.New(apierr.Conflict, "indexing is not configured")
			}
			inv.Target = d.ProjectDir
			files, err := d.Indexer.IndexProject(ctx, d.ProjectDir, argBool(inv.Args, "force"))
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "project indexing failed")
			}
			contexts, err := d.Indexer.IndexContextEntries(ctx)
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "context indexing failed")
			}
			tasks, err := d.Indexer.IndexTasks(ctx)
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "task indexing failed")
			}
			return map[string]any{
				"files_processed": files.FilesProcessed,
				"chunks_created":  files.ChunksCreated + contexts.ChunksCreated + tasks.ChunksCreated,
				"context_entries": contexts.FilesProcessed,
				"tasks_indexed":   tasks.FilesProcessed,
				"errors":          files.Errors + contexts.Errors + tasks.Errors,
			}, nil
		},
	})
}
