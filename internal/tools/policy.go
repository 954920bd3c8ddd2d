package tools

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional tools.yaml that narrows the built-in catalog.
//
//	defaults:
//	  deniedSideEffects: [exec]
//	tools:
//	  web_fetch:
//	    timeout: 10s
//	    maxOutput: 20000
//	  write_file:
//	    enabled: false
type PolicyFile struct {
	Defaults IsolationPolicy     `yaml:"defaults"`
	Tools    map[string]Override `yaml:"tools"`
}

// IsolationPolicy restricts tools by side-effect class.
type IsolationPolicy struct {
	AllowedSideEffects []SideEffect `yaml:"allowedSideEffects"`
	DeniedSideEffects  []SideEffect `yaml:"deniedSideEffects"`
}

// Override adjusts a single built-in.
type Override struct {
	Enabled   *bool         `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"maxOutput"`
}

// LoadPolicyFile reads a YAML policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return nil, errors.New("policy path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool policy: %w", err)
	}
	var cfg PolicyFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal tool policy: %w", err)
	}
	if cfg.Tools == nil {
		cfg.Tools = map[string]Override{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the policy is internally consistent.
func (p PolicyFile) Validate() error {
	for name, o := range p.Tools {
		if name == "" {
			return errors.New("tool name cannot be empty")
		}
		if o.Timeout < 0 {
			return fmt.Errorf("tool %s timeout cannot be negative", name)
		}
		if o.MaxOutput < 0 {
			return fmt.Errorf("tool %s maxOutput cannot be negative", name)
		}
	}
	for _, se := range p.Defaults.DeniedSideEffects {
		if slices.Contains(p.Defaults.AllowedSideEffects, se) {
			return fmt.Errorf("side effect %s is both allowed and denied", se)
		}
	}
	return nil
}

// Permit reports whether a descriptor may be registered under this policy.
// A nil policy permits everything.
func (p *PolicyFile) Permit(desc Descriptor) error {
	if p == nil {
		return nil
	}
	if o, ok := p.Tools[desc.Name]; ok && o.Enabled != nil && !*o.Enabled {
		return fmt.Errorf("tool %s is disabled", desc.Name)
	}
	if slices.Contains(p.Defaults.DeniedSideEffects, desc.Policy.SideEffect) {
		return fmt.Errorf("side effect %s is explicitly denied", desc.Policy.SideEffect)
	}
	if len(p.Defaults.AllowedSideEffects) > 0 && !slices.Contains(p.Defaults.AllowedSideEffects, desc.Policy.SideEffect) {
		return fmt.Errorf("side effect %s not permitted", desc.Policy.SideEffect)
	}
	return nil
}
