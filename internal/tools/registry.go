package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	xerrors "santosobot/internal/errors"
	"santosobot/internal/llm"
	"santosobot/pkg/logger"
)

// DefaultMaxOutput caps tool output when neither the tool nor the registry
// sets a limit.
const DefaultMaxOutput = 50000

// Registry holds the closed set of tools and runs them under their policy.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	frozen    bool
	maxOutput int
	overrides map[string]Override
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxOutput sets the default output cap.
func WithMaxOutput(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithPolicy applies per-tool overrides loaded from a policy file.
func WithPolicy(p *PolicyFile) RegistryOption {
	return func(r *Registry) {
		if p == nil {
			return
		}
		for name, o := range p.Tools {
			r.overrides[name] = o
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:     make(map[string]Tool),
		maxOutput: DefaultMaxOutput,
		overrides: make(map[string]Override),
		logger:    logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a tool. Duplicate names and registration after Freeze fail.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return ErrToolNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: %s", ErrRegistryFrozen, desc.Name)
	}
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, desc.Name)
	}
	r.tools[desc.Name] = tool
	r.logger.Debug("registered tool", "tool", desc.Name, "side_effect", desc.Policy.SideEffect)
	return nil
}

// Freeze closes the registry; the catalog is immutable afterwards.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Descriptors returns the effective descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, r.effective(tool.Descriptor()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the descriptors in provider form.
func (r *Registry) Schemas() []llm.ToolSchema {
	descs := r.Descriptors()
	out := make([]llm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema.JSONSchema(),
		})
	}
	return out
}

// effective merges policy overrides into a descriptor. Caller holds r.mu.
func (r *Registry) effective(desc Descriptor) Descriptor {
	if o, ok := r.overrides[desc.Name]; ok {
		if o.Timeout > 0 {
			desc.Policy.Timeout = o.Timeout
		}
		if o.MaxOutput > 0 {
			desc.Policy.MaxOutput = o.MaxOutput
		}
	}
	if desc.Policy.MaxOutput <= 0 {
		desc.Policy.MaxOutput = r.maxOutput
	}
	return desc
}

// Execute runs one tool call inside the sandbox. It never returns an error:
// unknown tools, malformed arguments, panics and timeouts all become Results.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (result Result) {
	start := time.Now()
	result = Result{CallID: call.ID, Tool: call.Name}
	defer func() {
		result.Duration = time.Since(start)
		result.DurationMs = result.Duration.Milliseconds()
	}()

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	var desc Descriptor
	if ok {
		desc = r.effective(tool.Descriptor())
	}
	r.mu.RUnlock()
	if !ok {
		return failed(result, xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("unknown tool %q", call.Name)))
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return failed(result, err)
	}
	if err := validateArgs(desc.Schema, args); err != nil {
		return failed(result, err)
	}

	toolCtx := ctx
	if desc.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, desc.Policy.Timeout)
		defer cancel()
	}

	output, err := r.invoke(toolCtx, tool, args)
	output, truncated := Truncate(output, desc.Policy.MaxOutput)
	result.Output = output
	result.Truncated = truncated

	switch {
	case err == nil:
		result.Status = StatusOK
	case ctx.Err() != nil:
		result = failed(result, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "tool execution cancelled"))
	case errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimeout
		result.ErrorCode = xerrors.CodeTimeout
		result.Error = fmt.Sprintf("%s timed out after %s", call.Name, desc.Policy.Timeout)
	default:
		result = failed(result, err)
	}

	r.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"status", result.Status,
		"truncated", result.Truncated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

func (r *Registry) invoke(ctx context.Context, tool Tool, args Args) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", tool.Descriptor().Name, "panic", rec, "stack", string(debug.Stack()))
			err = xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("tool crashed: %v", rec))
		}
	}()
	return tool.Execute(ctx, args)
}

func failed(result Result, err error) Result {
	result.Status = StatusError
	result.ErrorCode = xerrors.CodeOf(err)
	if result.ErrorCode == xerrors.CodeUnknown {
		result.ErrorCode = xerrors.CodeToolExecution
	}
	if e, ok := xerrors.From(err); ok {
		result.Error = e.Message()
		if cause := errors.Unwrap(e); cause != nil {
			result.Error += ": " + cause.Error()
		}
	} else {
		result.Error = err.Error()
	}
	return result
}

func decodeArgs(raw json.RawMessage) (Args, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "arguments must be a JSON object")
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

// validateArgs checks required keys and declared property types.
func validateArgs(schema Schema, args Args) error {
	for _, required := range schema.Required {
		if v, ok := args[required]; !ok || v == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("missing required argument %q", required))
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok || value == nil {
			continue
		}
		if !matchesType(prop.Type, value) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("argument %q must be of type %s", name, prop.Type))
		}
		if len(prop.Enum) > 0 {
			s, _ := value.(string)
			if !contains(prop.Enum, s) {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("argument %q must be one of %v", name, prop.Enum))
			}
		}
	}
	return nil
}

func matchesType(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Truncate caps s at max bytes on a rune boundary and appends a marker
// stating how much was dropped.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated %d bytes]", len(s)-cut), true
}
