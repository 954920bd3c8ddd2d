// Package tools is the closed catalog of capabilities the model may invoke,
// plus the sandbox that runs them. Every invocation, including crashes,
// timeouts and policy violations, is reported back as a Result so the model
// can react to the failure in conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "santosobot/internal/errors"
)

var (
	// ErrToolAlreadyRegistered is returned when registering a duplicate name.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	// ErrRegistryFrozen is returned when registering after Freeze.
	ErrRegistryFrozen = errors.New("tool registry is frozen")
	// ErrToolNameEmpty is returned for descriptors without a name.
	ErrToolNameEmpty = errors.New("tool name is empty")
)

// SideEffect classifies what a tool may touch.
type SideEffect string

const (
	SideEffectRead    SideEffect = "read"
	SideEffectMutate  SideEffect = "mutate"
	SideEffectNetwork SideEffect = "network"
	SideEffectExec    SideEffect = "exec"
)

// Policy is the execution envelope the sandbox applies to a tool.
type Policy struct {
	Timeout    time.Duration `json:"timeout"`
	Workspace  bool          `json:"workspace_restricted"`
	SideEffect SideEffect    `json:"side_effect"`
	MaxOutput  int           `json:"max_output"`
}

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// JSONSchema renders the schema in the object form providers expect.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Descriptor is what the registry advertises to the model. It is immutable
// once the tool is registered.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
	Policy      Policy `json:"policy"`
}

// Tool is the single capability interface every built-in implements.
type Tool interface {
	Descriptor() Descriptor
	// Execute may return output together with an error; both reach the model.
	Execute(ctx context.Context, args Args) (string, error)
}

// Args are decoded tool arguments after schema validation.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument or def when absent.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Status is the outcome class of one invocation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is produced exactly once per tool call.
type Result struct {
	CallID     string        `json:"call_id"`
	Tool       string        `json:"tool"`
	Status     Status        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  xerrors.Code  `json:"error_code,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// OK reports whether the tool succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Content is the text fed back to the model as the tool message.
func (r Result) Content() string {
	if r.Status == StatusOK {
		if r.Output == "" {
			return "(no output)"
		}
		return r.Output
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error [%s]: %s", r.ErrorCode, r.Error)
	if r.Output != "" {
		b.WriteString("\n")
		b.WriteString(r.Output)
	}
	return b.String()
}
