// Package auth holds the token registry and the audit trail. Tokens
// are opaque secrets mapped to a principal: the admin, or one agent.
package auth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentmcp/internal/apierr"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"
)

// Role is the capability level a tool requires.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// AdminPrincipal is the principal name recorded for admin actions.
const AdminPrincipal = "admin"

// Agent statuses persisted in the agents table.
const (
	AgentActive     = "active"
	AgentTerminated = "terminated"
)

// GenerateToken mints a new opaque token.
func GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Registry maps tokens to principals. State is persisted in the
// agents table and cached in memory for verification.
type Registry struct {
	st *store.Store

	mu         sync.RWMutex
	adminToken string
	byToken    map[string]string // token -> agent id
	status     map[string]string // agent id -> status
	tokens     map[string]string // agent id -> token
}

// NewRegistry loads known agents from the store. An empty adminToken
// generates a fresh one for this process lifetime.
func NewRegistry(st *store.Store, adminToken string) (*Registry, error) {
	if adminToken == "" {
		adminToken = GenerateToken()
	}
	r := &Registry{
		st:         st,
		adminToken: adminToken,
		byToken:    make(map[string]string),
		status:     make(map[string]string),
		tokens:     make(map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	rows, err := r.st.Query(`SELECT agent_id, token, status FROM agents`)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, token, status string
		if err := rows.Scan(&id, &token, &status); err != nil {
			return err
		}
		r.status[id] = status
		r.tokens[id] = token
		if status == AgentActive {
			r.byToken[token] = id
		}
	}
	return rows.Err()
}

// AdminToken returns the process admin token.
func (r *Registry) AdminToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adminToken
}

// RegisterAgent creates an agent with a fresh token. Re-registering a
// live agent is a conflict; a terminated id may be revived with a new
// token.
func (r *Registry) RegisterAgent(agentID, color string) (string, error) {
	if agentID == "" {
		return "", apierr.New(apierr.BadRequest, "agent_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status[agentID] == AgentActive {
		return "", apierr.New(apierr.Conflict, "agent %s is already registered", agentID)
	}

	token := GenerateToken()
	_, err := r.st.Exec(`INSERT INTO agents (agent_id, token, status, color, created_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(agent_id) DO UPDATE SET token = excluded.token, status = excluded.status`,
		agentID, token, AgentActive, color)
	if err != nil {
		return "", fmt.Errorf("failed to register agent %s: %w", agentID, err)
	}

	if old := r.tokens[agentID]; old != "" {
		delete(r.byToken, old)
	}
	r.byToken[token] = agentID
	r.tokens[agentID] = token
	r.status[agentID] = AgentActive
	logging.Auth("registered agent %s", agentID)
	return token, nil
}

// TerminateAgent marks the agent terminated and revokes its token
// entirely. Terminated tokens never verify again.
func (r *Registry) TerminateAgent(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, known := r.status[agentID]
	if !known {
		return apierr.New(apierr.NotFound, "agent %s not found", agentID)
	}
	if status == AgentTerminated {
		return nil
	}

	if _, err := r.st.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`,
		AgentTerminated, agentID); err != nil {
		return fmt.Errorf("failed to terminate agent %s: %w", agentID, err)
	}

	if token := r.tokens[agentID]; token != "" {
		delete(r.byToken, token)
	}
	r.status[agentID] = AgentTerminated
	logging.Auth("terminated agent %s, token revoked", agentID)
	return nil
}

// Verify reports whether the token satisfies the required role. The
// admin token satisfies every role; agent tokens satisfy RoleAgent
// only while the agent is active.
func (r *Registry) Verify(token string, required Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token == "" {
		return false
	}
	if token == r.adminToken {
		return true
	}
	if required == RoleAdmin {
		return false
	}
	id, ok := r.byToken[token]
	return ok && r.status[id] == AgentActive
}

// Principal resolves a token to its principal: "admin" or the agent
// id. Unknown or revoked tokens resolve to false.
func (r *Registry) Principal(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token == r.adminToken && token != "" {
		return AdminPrincipal, true
	}
	id, ok := r.byToken[token]
	if !ok || r.status[id] != AgentActive {
		return "", false
	}
	return id, true
}

// AgentStatus returns the recorded status for an agent id.
func (r *Registry) AgentStatus(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[agentID]
	return s, ok
}

// ActiveAgents lists the ids of all live agents.
func (r *Registry) ActiveAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.status {
		if s == AgentActive {
			out = append(out, id)
		}
	}
	return out
}
