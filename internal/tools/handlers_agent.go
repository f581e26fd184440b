package tools

import (
	"context"
)

func registerAgentTools(r *Registry, d Deps) {
	r.MustRegister(&Tool{
		Name:        "register_agent",
		Description: "Register a working agent and mint its access token",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "minLength": 1},
				"color":    {"type": "string"}
			},
			"required": ["agent_id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			agentID := argString(inv.Args, "agent_id")
			inv.Target = agentID
			token, err := d.Auth.RegisterAgent(agentID, argString(inv.Args, "color"))
			if err != nil {
				return nil, err
			}
			return map[string]string{"agent_id": agentID, "token": token}, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "terminate_agent",
		Description: "Terminate an agent and revoke its token",
		Write:       true,
		AdminOnly:   true,
		Schema: `{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "minLength": 1}
			},
			"required": ["agent_id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			agentID := argString(inv.Args, "agent_id")
			inv.Target = agentID
			if err := d.Auth.TerminateAgent(agentID); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
}
