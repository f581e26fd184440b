// Package tools exposes the collaboration surface: a registry of named
// tools with JSON-schema argument validation, role checks, the
// migration write gate, and an audit record for every call.
package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Content is one part of a tool result.
type Content struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// TextContent wraps a string as the single-part result payload.
func TextContent(text string) []Content {
	return []Content{{Type: "text", Text: text}}
}

// Invocation carries a single call through its handler. Handlers set
// Target so the audit trail can reference the affected entity.
type Invocation struct {
	Principal string
	Args      map[string]any

	Target string
}

// HandlerFunc executes one tool call. The returned value is rendered
// to the caller as JSON text.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string

	// Schema is the raw JSON schema for the arguments object.
	Schema string

	// Write marks tools that mutate state; they are refused while a
	// migration holds the store.
	Write bool

	// AdminOnly restricts the tool to the admin token.
	AdminOnly bool

	Handler HandlerFunc

	compiled *jsonschema.Schema
}

// compile parses and compiles the tool's argument schema.
func (t *Tool) compile() error {
	if t.Schema == "" {
		return fmt.Errorf("tool %s has no argument schema", t.Name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(t.Schema)))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema JSON: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(t.Name+".json", doc); err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	t.compiled, err = c.Compile(t.Name + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: schema does not compile: %w", t.Name, err)
	}
	return nil
}

// Argument extraction helpers. Schema validation has already run, so
// these only need to coerce the decoded JSON shapes.

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
