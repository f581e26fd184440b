package tools

import (
	"context"

	"agentmcp/internal/auth"
	"agentmcp/internal/task"
)

func registerTaskTools(r *Registry, d Deps) {
	r.MustRegister(&Tool{
		Name:        "create_task",
		Description: "Create a task, optionally under a parent and with dependencies",
		Write:       true,
		Schema: `{
			"type": "object",
			"properties": {
				"title":          {"type": "string", "minLength": 1},
				"description":    {"type": "string"},
				"parent_task_id": {"type": "string"},
				"priority":       {"type": "string", "enum": ["low", "medium", "high"]},
				"depends_on":     {"type": "array", "items": {"type": "string"}},
				"override":       {"type": "boolean"},
				"code_language":  {"type": "string"},
				"code_context":   {"type": "string"}
			},
			"required": ["title"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			id, err := d.Tasks.CreateTask(ctx, inv.Principal, task.CreateTaskParams{
				Title:        argString(inv.Args, "title"),
				Description:  argString(inv.Args, "description"),
				ParentTaskID: argString(inv.Args, "parent_task_id"),
				Priority:     argString(inv.Args, "priority"),
				DependsOn:    argStringSlice(inv.Args, "depends_on"),
				Override:     argBool(inv.Args, "override"),
				CodeLanguage: argString(inv.Args, "code_language"),
				CodeContext:  argString(inv.Args, "code_context"),
			})
			if err != nil {
				return nil, err
			}
			inv.Target = id
			return map[string]string{"task_id": id}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "assign_task",
		Description: "Assign a task to an agent",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"task_id":  {"type": "string", "minLength": 1},
				"agent_id": {"type": "string", "minLength": 1}
			},
			"required": ["task_id", "agent_id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			taskID := argString(inv.Args, "task_id")
			inv.Target = taskID
			err := d.Tasks.AssignTask(ctx, inv.Principal, argString(inv.Args, "agent_id"), taskID)
			if err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "update_task_status",
		Description: "Apply a task status transition",
		Write:       true,
		Schema: `{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "minLength": 1},
				"status":  {"type": "string", "enum": ["pending", "in_progress", "completed", "failed", "cancelled"]},
				"note":    {"type": "string"},
				"force":   {"type": "boolean"}
			},
			"required": ["task_id", "status"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			taskID := argString(inv.Args, "task_id")
			inv.Target = taskID
			// The dependency override is admin-only; agents asking for
			// force are quietly held to the normal rules.
			force := argBool(inv.Args, "force") && inv.Principal == auth.AdminPrincipal
			err := d.Tasks.UpdateTaskStatus(ctx, inv.Principal, taskID,
				argString(inv.Args, "status"), argString(inv.Args, "note"), force)
			if err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "add_task_note",
		Description: "Append an annotation to a task",
		Write:       true,
		Schema: `{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "minLength": 1},
				"content": {"type": "string", "minLength": 1}
			},
			"required": ["task_id", "content"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			taskID := argString(inv.Args, "task_id")
			inv.Target = taskID
			if err := d.Tasks.AddTaskNote(ctx, inv.Principal, taskID, argString(inv.Args, "content")); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "view_tasks",
		Description: "List tasks, optionally filtered by status, assignee, parent or phase",
		Schema: `{
			"type": "object",
			"properties": {
				"status":      {"type": "string", "enum": ["pending", "in_progress", "completed", "failed", "cancelled"]},
				"assigned_to": {"type": "string"},
				"parent":      {"type": "string"},
				"phase":       {"type": "string"}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			tasks := d.Tasks.ViewTasks(task.Filter{
				Status:     argString(inv.Args, "status"),
				AssignedTo: argString(inv.Args, "assigned_to"),
				Parent:     argString(inv.Args, "parent"),
				Phase:      argString(inv.Args, "phase"),
			})
			return map[string]any{"count": len(tasks), "tasks": tasks}, nil
		},
	})
}
