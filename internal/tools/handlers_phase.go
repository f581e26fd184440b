package tools

import (
	"context"

	"agentmcp/internal/logging"
)

func registerPhaseTools(r *Registry, d Deps) {
	r.MustRegister(&Tool{
		Name:        "create_phase",
		Description: "Create a canonical project phase (linear progression applies)",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"phase_type":  {"type": "string", "minLength": 1},
				"name":        {"type": "string"},
				"description": {"type": "string"}
			},
			"required": ["phase_type"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			id, err := d.Tasks.CreatePhase(ctx, inv.Principal,
				argString(inv.Args, "phase_type"),
				argString(inv.Args, "name"),
				argString(inv.Args, "description"))
			if err != nil {
				return nil, err
			}
			inv.Target = id
			return map[string]string{"phase_id": id}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "view_phase_status",
		Description: "Summarize one phase, or all phases when no id is given",
		Schema: `{
			"type": "object",
			"properties": {
				"phase_id": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			phaseID := argString(inv.Args, "phase_id")
			inv.Target = phaseID
			statuses, err := d.Tasks.ViewPhaseStatus(phaseID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"phases": statuses}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "advance_phase",
		Description: "Mark a phase completed once its workstreams roll up complete",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"phase_id":         {"type": "string", "minLength": 1},
				"force":            {"type": "boolean"},
				"terminate_agents": {"type": "boolean"}
			},
			"required": ["phase_id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			phaseID := argString(inv.Args, "phase_id")
			inv.Target = phaseID
			res, err := d.Tasks.AdvancePhase(ctx, inv.Principal, phaseID,
				argBool(inv.Args, "force"), argBool(inv.Args, "terminate_agents"))
			if err != nil {
				return nil, err
			}
			if res.TerminateRequested {
				for _, a := range res.ActiveAgents {
					if err := d.Auth.TerminateAgent(a.AgentID); err != nil {
						logging.ToolsDebug("advance_phase: terminating %s failed: %v", a.AgentID, err)
					}
				}
			}
			return res, nil
		},
	})
}
