package tools

import (
	"fmt"

	"santosobot/internal/config"
)

// RegisterBuiltins registers the built-in catalog, skipping tools the policy
// file disables, and freezes the registry.
func RegisterBuiltins(reg *Registry, ws *Workspace, cfg config.ToolsConfig, policy *PolicyFile) error {
	if reg == nil || ws == nil {
		return fmt.Errorf("registry and workspace are required")
	}
	builtins := []Tool{
		NewReadFileTool(ws),
		NewWriteFileTool(ws),
		NewEditFileTool(ws),
		NewListDirTool(ws),
		NewShellTool(ws, cfg.ShellTimeoutDuration()),
		NewWebFetchTool(cfg.WebFetchTimeoutDuration()),
	}
	for _, tool := range builtins {
		desc := tool.Descriptor()
		if err := policy.Permit(desc); err != nil {
			reg.logger.Info("tool disabled by policy", "tool", desc.Name, "reason", err.Error())
			continue
		}
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	reg.Freeze()
	return nil
}
