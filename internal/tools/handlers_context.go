package tools

import (
	"context"
	"database/sql"
	"errors"

	"agentmcp/internal/apierr"
	"agentmcp/internal/task"
)

// ContextEntry is one row of the shared project notebook.
type ContextEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	LastUpdated string `json:"last_updated"`
	UpdatedBy   string `json:"updated_by"`
}

func registerContextTools(r *Registry, d Deps) {
	r.MustRegister(&Tool{
		Name:        "update_project_context",
		Description: "Write or replace one project context entry",
		Write:       true,
		Schema: `{
			"type": "object",
			"properties": {
				"key":         {"type": "string", "minLength": 1},
				"value":       {"type": "string", "minLength": 1},
				"description": {"type": "string"}
			},
			"required": ["key", "value"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			key := argString(inv.Args, "key")
			inv.Target = key
			err := d.Store.WithRetry(ctx, func() error {
				_, err := d.Store.Exec(`
					INSERT INTO project_context (context_key, value, description, last_updated, updated_by)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT(context_key) DO UPDATE SET
						value = excluded.value,
						description = excluded.description,
						last_updated = excluded.last_updated,
						updated_by = excluded.updated_by`,
					key, argString(inv.Args, "value"), argString(inv.Args, "description"),
					task.NowISO(), inv.Principal)
				return err
			})
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "failed to write context %s", key)
			}
			return nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "view_project_context",
		Description: "Read one context entry, or list all keys when no key is given",
		Schema: `{
			"type": "object",
			"properties": {
				"key": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			key := argString(inv.Args, "key")
			inv.Target = key
			if key != "" {
				var e ContextEntry
				err := d.Store.QueryRow(`
					SELECT context_key, value, description, last_updated, updated_by
					FROM project_context WHERE context_key = ?`, key).
					Scan(&e.Key, &e.Value, &e.Description, &e.LastUpdated, &e.UpdatedBy)
				if errors.Is(err, sql.ErrNoRows) {
					return nil, apierr.New(apierr.NotFound, "context entry %s does not exist", key)
				}
				if err != nil {
					return nil, apierr.Wrap(apierr.Internal, err, "failed to read context %s", key)
				}
				return e, nil
			}

			rows, err := d.Store.Query(`
				SELECT context_key, value, description, last_updated, updated_by
				FROM project_context ORDER BY context_key`)
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "failed to list context entries")
			}
			defer rows.Close()

			var entries []ContextEntry
			for rows.Next() {
				var e ContextEntry
				if err := rows.Scan(&e.Key, &e.Value, &e.Description, &e.LastUpdated, &e.UpdatedBy); err != nil {
					return nil, apierr.Wrap(apierr.Internal, err, "failed to scan context entry")
				}
				entries = append(entries, e)
			}
			if err := rows.Err(); err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "failed to list context entries")
			}
			return map[string]any{"count": len(entries), "entries": entries}, nil
		},
	})
}
