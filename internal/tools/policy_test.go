package tools

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"santosobot/internal/config"
)

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  deniedSideEffects: [exec]
tools:
  web_fetch:
    timeout: 10s
    maxOutput: 2000
  write_file:
    enabled: false
`), 0o644))

	policy, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, policy.Tools["web_fetch"].Timeout)
	assert.Equal(t, []SideEffect{SideEffectExec}, policy.Defaults.DeniedSideEffects)

	ws := newWorkspace(t, true)
	reg := NewRegistry(WithPolicy(policy))
	require.NoError(t, RegisterBuiltins(reg, ws, config.Default().Tools, policy))

	var names []string
	for _, d := range reg.Descriptors() {
		names = append(names, d.Name)
		if d.Name == "web_fetch" {
			assert.Equal(t, 10*time.Second, d.Policy.Timeout)
			assert.Equal(t, 2000, d.Policy.MaxOutput)
		}
	}
	assert.Equal(t, []string{"edit_file", "list_dir", "read_file", "web_fetch"}, names)

	assert.ErrorIs(t, reg.Register(NewShellTool(ws, time.Second)), ErrRegistryFrozen)
}

func TestRegisterBuiltinsWithoutPolicy(t *testing.T) {
	ws := newWorkspace(t, false)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, ws, config.Default().Tools, nil))

	var names []string
	for _, d := range reg.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"edit_file", "list_dir", "read_file", "shell", "web_fetch", "write_file"}, names)
}

func TestPolicyValidate(t *testing.T) {
	p := PolicyFile{Defaults: IsolationPolicy{
		AllowedSideEffects: []SideEffect{SideEffectRead},
		DeniedSideEffects:  []SideEffect{SideEffectRead},
	}}
	assert.Error(t, p.Validate())

	p = PolicyFile{Tools: map[string]Override{"shell": {Timeout: -time.Second}}}
	assert.Error(t, p.Validate())

	allowOnlyRead := &PolicyFile{Defaults: IsolationPolicy{AllowedSideEffects: []SideEffect{SideEffectRead}}}
	assert.NoError(t, allowOnlyRead.Permit(Descriptor{Name: "read_file", Policy: Policy{SideEffect: SideEffectRead}}))
	assert.Error(t, allowOnlyRead.Permit(Descriptor{Name: "shell", Policy: Policy{SideEffect: SideEffectExec}}))
}
