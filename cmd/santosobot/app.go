package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"santosobot/internal/agent"
	"santosobot/internal/config"
	"santosobot/internal/knowledge"
	"santosobot/internal/llm/openai"
	"santosobot/internal/memory"
	"santosobot/internal/observability/alerting"
	"santosobot/internal/observability/metrics"
	"santosobot/internal/tools"
	"santosobot/pkg/logger"
)

// app 持有一次进程运行所需的核心组件。
type app struct {
	cfg     config.Config
	agent   *agent.Agent
	memory  *memory.Manager
	metrics *metrics.Collector
	logger  *slog.Logger
}

// setupLogging 按配置初始化全局日志，quiet 时只输出错误。
func setupLogging(cfg config.Config, quiet bool) error {
	lc := logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}
	if err := logger.Init(lc); err != nil && !errors.Is(err, logger.ErrAlreadyInitialised) {
		return err
	}
	if quiet {
		logger.SetLevel("error")
	} else {
		logger.SetLevel(cfg.Logging.Level)
	}
	return nil
}

// newApp 组装模型客户端、工具注册表、记忆与智能体。
// 长期日志打不开时以降级模式继续运行，窗口仍然可用。
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := logger.Named("santosobot")

	provider, err := openai.NewClient(openai.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Agent.ProviderTimeoutDuration(),
		Backoff: cfg.Provider.RetryBackoff(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set provider.api_key in the config or SANTOSOBOT_PROVIDER_API_KEY)", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	store, err := memory.OpenStore(ctx, cfg.Memory)
	if err != nil {
		log.Warn("长期记忆不可用，以降级模式运行", "backend", cfg.Memory.Backend, "error", err)
		store = nil
	}
	mem := memory.NewManager(store, memory.WithWindowSize(cfg.Agent.MemoryWindow))

	collector := metrics.New()
	ag := agent.New(provider, registry, mem,
		agent.WithConfig(cfg.Agent),
		agent.WithKnowledge(knowledge.NewWorkspace(cfg.Agent.Workspace)),
		agent.WithMetrics(collector),
		agent.WithAlerts(alerting.NewFromConfig(cfg.Alerting)),
	)
	return &app{cfg: cfg, agent: ag, memory: mem, metrics: collector, logger: log}, nil
}

func buildRegistry(cfg config.Config) (*tools.Registry, error) {
	ws, err := tools.NewWorkspace(cfg.Agent.Workspace, cfg.Tools.RestrictToWorkspace)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	var policy *tools.PolicyFile
	if cfg.Tools.PolicyFile != "" {
		policy, err = tools.LoadPolicyFile(cfg.Tools.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	registry := tools.NewRegistry(
		tools.WithMaxOutput(cfg.Tools.MaxOutput),
		tools.WithPolicy(policy),
	)
	if err := tools.RegisterBuiltins(registry, ws, cfg.Tools, policy); err != nil {
		return nil, err
	}
	return registry, nil
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	return a.memory.Close()
}
