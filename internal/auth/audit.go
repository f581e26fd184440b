package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentmcp/internal/logging"
	"agentmcp/internal/store"
)

// elidedValue replaces secret argument values in audit records.
const elidedValue = "[elided]"

// secretKeyFragments flags argument names whose values must never
// reach the audit trail.
var secretKeyFragments = []string{"token", "secret", "password", "api_key", "apikey"}

// Recorder appends audit records to the agent_actions table. Records
// are append-only for the process lifetime and survive restart.
type Recorder struct {
	st *store.Store
}

// NewRecorder returns an audit recorder over the store.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{st: st}
}

// Action is one audit record as read back from the store.
type Action struct {
	ID        int64           `json:"id"`
	Principal string          `json:"principal"`
	Tool      string          `json:"tool"`
	TargetID  string          `json:"target_id,omitempty"`
	Details   json.RawMessage `json:"details"`
	At        string          `json:"at"`
}

// Record writes one audit entry. Secrets in args are elided. Write
// failures are logged but never propagated: a tool call must not fail
// because its audit write lost a lock race.
func (r *Recorder) Record(ctx context.Context, principal, tool, targetID string, args map[string]interface{}, outcome string) {
	details, err := json.Marshal(map[string]interface{}{
		"args":    ElideSecrets(args),
		"outcome": outcome,
	})
	if err != nil {
		details = []byte(fmt.Sprintf(`{"outcome":%q}`, outcome))
	}

	err = r.st.WithRetry(ctx, func() error {
		_, err := r.st.Exec(`INSERT INTO agent_actions (agent_id, action, target_id, details, at)
			VALUES (?, ?, ?, ?, ?)`,
			principal, tool, targetID, string(details), time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		logging.AuthWarn("audit write failed for %s/%s: %v", principal, tool, err)
	}
}

// Recent returns the newest audit records, most recent first.
func (r *Recorder) Recent(limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.st.Query(`SELECT id, agent_id, action, target_id, details, at
		FROM agent_actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var details string
		if err := rows.Scan(&a.ID, &a.Principal, &a.Tool, &a.TargetID, &details, &a.At); err != nil {
			return nil, err
		}
		a.Details = json.RawMessage(details)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ElideSecrets returns a copy of args with secret-named values
// replaced. Nested maps are elided recursively.
func ElideSecrets(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSecretKey(k) {
			out[k] = elidedValue
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = ElideSecrets(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	lk := strings.ToLower(k)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lk, frag) {
			return true
		}
	}
	return false
}
