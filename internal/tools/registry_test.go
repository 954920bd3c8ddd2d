package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "santosobot/internal/errors"
	"santosobot/internal/llm"
)

type fakeTool struct {
	desc Descriptor
	fn   func(ctx context.Context, args Args) (string, error)
}

func (f *fakeTool) Descriptor() Descriptor { return f.desc }

func (f *fakeTool) Execute(ctx context.Context, args Args) (string, error) {
	return f.fn(ctx, args)
}

func newFake(name string, fn func(ctx context.Context, args Args) (string, error)) *fakeTool {
	return &fakeTool{
		desc: Descriptor{
			Name:        name,
			Description: "test tool " + name,
			Schema: Schema{
				Properties: map[string]Property{
					"text":  {Type: "string"},
					"count": {Type: "integer"},
					"mode":  {Type: "string", Enum: []string{"fast", "slow"}},
				},
				Required: []string{"text"},
			},
			Policy: Policy{SideEffect: SideEffectRead},
		},
		fn: fn,
	}
}

func echo(_ context.Context, args Args) (string, error) {
	return args.String("text"), nil
}

func call(name string, args any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: "call-" + name, Name: name, Arguments: raw}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFake("echo", echo)))

	err := reg.Register(newFake("echo", echo))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolAlreadyRegistered))
}

func TestRegisterAfterFreeze(t *testing.T) {
	reg := NewRegistry()
	reg.Freeze()

	err := reg.Register(newFake("echo", echo))
	assert.True(t, errors.Is(err, ErrRegistryFrozen))
}

func TestRegisterEmptyName(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register(newFake("", echo)), ErrToolNameEmpty)
}

func TestDescriptorsSortedByName(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(newFake(name, echo)))
	}

	var names []string
	for _, d := range reg.Descriptors() {
		names = append(names, d.Name)
		assert.Equal(t, DefaultMaxOutput, d.Policy.MaxOutput)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	schemas := reg.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "object", schemas[0].Parameters["type"])
	assert.Equal(t, []string{"text"}, schemas[0].Parameters["required"])
}

func TestExecuteSuccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFake("echo", echo)))

	res := reg.Execute(context.Background(), call("echo", map[string]any{"text": "hi", "count": 2}))
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "call-echo", res.CallID)
	assert.Equal(t, "echo", res.Tool)
	assert.Equal(t, "hi", res.Output)
	assert.Equal(t, "hi", res.Content())
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()

	res := reg.Execute(context.Background(), call("missing", map[string]any{}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodeToolExecution, res.ErrorCode)
	assert.Contains(t, res.Error, `unknown tool "missing"`)
	assert.Equal(t, "call-missing", res.CallID)
}

func TestExecuteInvalidArguments(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFake("echo", echo)))

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "malformed json", raw: `{"text":`, want: "arguments must be a JSON object"},
		{name: "missing required", raw: `{"count":1}`, want: `missing required argument "text"`},
		{name: "wrong type", raw: `{"text":5}`, want: `argument "text" must be of type string`},
		{name: "fractional integer", raw: `{"text":"a","count":1.5}`, want: `argument "count" must be of type integer`},
		{name: "enum", raw: `{"text":"a","mode":"medium"}`, want: `argument "mode" must be one of`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := reg.Execute(context.Background(), llm.ToolCall{ID: "1", Name: "echo", Arguments: json.RawMessage(tc.raw)})
			assert.Equal(t, StatusError, res.Status)
			assert.Equal(t, xerrors.CodeInvalidArgument, res.ErrorCode)
			assert.Contains(t, res.Error, tc.want)
		})
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFake("boom", func(context.Context, Args) (string, error) {
		panic("kaboom")
	})))

	res := reg.Execute(context.Background(), call("boom", map[string]any{"text": "x"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodeToolExecution, res.ErrorCode)
	assert.Contains(t, res.Error, "kaboom")
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	slow := newFake("slow", func(ctx context.Context, _ Args) (string, error) {
		<-ctx.Done()
		return "partial", ctx.Err()
	})
	slow.desc.Policy.Timeout = 50 * time.Millisecond
	require.NoError(t, reg.Register(slow))

	res := reg.Execute(context.Background(), call("slow", map[string]any{"text": "x"}))
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, xerrors.CodeTimeout, res.ErrorCode)
	assert.Equal(t, "partial", res.Output)
	assert.Contains(t, res.Error, "slow timed out after 50ms")
}

func TestExecuteCancelledByCaller(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	require.NoError(t, reg.Register(newFake("wait", func(ctx context.Context, _ Args) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := reg.Execute(ctx, call("wait", map[string]any{"text": "x"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodeCancelled, res.ErrorCode)
}

func TestExecuteToolErrorKeepsOutput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFake("fail", func(context.Context, Args) (string, error) {
		return "some output", xerrors.New(xerrors.CodePrecondition, "not ready")
	})))

	res := reg.Execute(context.Background(), call("fail", map[string]any{"text": "x"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodePrecondition, res.ErrorCode)
	assert.Equal(t, "Error [PRECONDITION]: not ready\nsome output", res.Content())
}

func TestExecuteCapsOutput(t *testing.T) {
	reg := NewRegistry(WithMaxOutput(10))
	require.NoError(t, reg.Register(newFake("big", func(context.Context, Args) (string, error) {
		return strings.Repeat("x", 100), nil
	})))

	res := reg.Execute(context.Background(), call("big", map[string]any{"text": "x"}))
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Truncated)
	assert.Equal(t, strings.Repeat("x", 10)+"\n...[truncated 90 bytes]", res.Output)
}

func TestPolicyOverrideApplies(t *testing.T) {
	disabled := false
	policy := &PolicyFile{Tools: map[string]Override{
		"echo": {Timeout: 3 * time.Second, MaxOutput: 42},
		"off":  {Enabled: &disabled},
	}}
	reg := NewRegistry(WithPolicy(policy))
	require.NoError(t, reg.Register(newFake("echo", echo)))

	descs := reg.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, 3*time.Second, descs[0].Policy.Timeout)
	assert.Equal(t, 42, descs[0].Policy.MaxOutput)

	assert.Error(t, policy.Permit(Descriptor{Name: "off"}))
	assert.NoError(t, policy.Permit(Descriptor{Name: "echo"}))
}

func TestTruncate(t *testing.T) {
	out, truncated := Truncate("short", 10)
	assert.False(t, truncated)
	assert.Equal(t, "short", out)

	out, truncated = Truncate("héllo", 2)
	assert.True(t, truncated)
	assert.Equal(t, "h\n...[truncated 5 bytes]", out)
}
