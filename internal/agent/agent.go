package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"santosobot/internal/config"
	xerrors "santosobot/internal/errors"
	"santosobot/internal/knowledge"
	"santosobot/internal/llm"
	"santosobot/internal/memory"
	"santosobot/internal/observability/alerting"
	"santosobot/internal/observability/metrics"
	"santosobot/internal/tools"
	"santosobot/pkg/logger"
)

const (
	// reflectPrompt 在每轮工具执行后追加，引导模型基于结果继续推理。
	reflectPrompt = "Reflect on the results and decide next steps."
	// truncationNotice 在迭代预算耗尽且模型没有给出任何文本时作为最终回复。
	truncationNotice = "I stopped after reaching the maximum number of tool iterations. Ask me to continue if you need more."
	// emptyReply 在模型正常结束但没有文本时作为最终回复。
	emptyReply = "I've completed processing but have no response to give."

	defaultMaxIterations = 20
)

// Reason 记录轮次结束的原因。
type Reason string

const (
	ReasonCompleted      Reason = "completed"
	ReasonBudgetExceeded Reason = "iteration_budget_exceeded"
)

// TurnRequest 是各渠道转换出的统一请求。
type TurnRequest struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Content   string `json:"content"`
	// Attachments 为媒体文件路径，作为文本附注交给模型。
	Attachments []string `json:"attachments,omitempty"`
	Mode        Mode     `json:"-"`
}

// TurnResponse 是轮次的最终结果。Truncated 表示因迭代预算而提前结束。
// Iterations 统计模型往返次数，ToolRounds 统计执行过工具的往返次数，
// 一次工具调用后给出答案的轮次两者分别为 2 和 1。
type TurnResponse struct {
	SessionID  string         `json:"session_id"`
	Message    llm.Message    `json:"message"`
	ToolTrace  []tools.Result `json:"tool_trace"`
	Truncated  bool           `json:"truncated"`
	Iterations int            `json:"iterations"`
	ToolRounds int            `json:"tool_rounds"`
	Usage      llm.Usage      `json:"usage"`
	Reason     Reason         `json:"reason"`
}

// iterationState 跟踪模型往返次数。
type iterationState struct {
	counter int
	max     int
	reason  Reason
}

func (s *iterationState) exhausted() bool {
	return s.counter >= s.max
}

// Agent 驱动单个轮次的规划/执行循环，是系统的业务核心。
type Agent struct {
	provider  llm.Client
	registry  *tools.Registry
	memory    *memory.Manager
	cfg       config.AgentConfig
	knowledge knowledge.Provider
	metrics   *metrics.Collector
	alerts    alerting.Dispatcher
	logger    *slog.Logger
	now       func() time.Time
	sessions  *sessionTable
	// resumed 记录本进程内已经尝试过从长期日志恢复窗口的会话。
	resumed sync.Map
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithConfig 设置采样参数与迭代上限。
func WithConfig(cfg config.AgentConfig) Option {
	return func(a *Agent) {
		a.cfg = cfg
	}
}

// WithKnowledge 配置引导文档来源，用于拼装系统提示词。
func WithKnowledge(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithMetrics 配置指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) {
		a.metrics = c
	}
}

// WithAlerts 配置告警分发器，模型提供方故障会通过它通知。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = d
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(provider llm.Client, registry *tools.Registry, mem *memory.Manager, opts ...Option) *Agent {
	ag := &Agent{
		provider: provider,
		registry: registry,
		memory:   mem,
		cfg:      config.Default().Agent,
		logger:   logger.Named("agent"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.cfg.MaxIterations <= 0 {
		ag.cfg.MaxIterations = defaultMaxIterations
	}
	if ag.memory == nil {
		ag.memory = memory.NewManager(nil, memory.WithWindowSize(ag.cfg.MemoryWindow), memory.WithLogger(ag.logger))
	}
	if ag.registry == nil {
		ag.registry = tools.NewRegistry(tools.WithLogger(ag.logger))
		ag.registry.Freeze()
	}
	ag.sessions = newSessionTable(ag.now)
	return ag
}

// Memory 返回记忆管理器。
func (a *Agent) Memory() *memory.Manager {
	return a.memory
}

// Registry 返回工具注册表。
func (a *Agent) Registry() *tools.Registry {
	return a.registry
}

// Sessions 返回当前会话表的快照。
func (a *Agent) Sessions() []Session {
	return a.sessions.snapshot()
}

// Reset 清空会话窗口并将会话移出会话表，长期日志不受影响。
// 正在运行的轮次结束后才会执行。
func (a *Agent) Reset(ctx context.Context, sessionID string) error {
	_, release, err := a.sessions.Acquire(ctx, sessionID, "", "", ModeQueue)
	if err != nil {
		return err
	}
	a.memory.Drop(sessionID)
	a.resumed.Store(sessionID, struct{}{})
	release()
	a.sessions.forget(sessionID)
	a.logger.Info("会话已重置", "session_id", sessionID)
	return nil
}

// RunTurn 执行一个完整轮次。工具错误以结果形式回传给模型；
// 只有模型提供方故障、取消与参数错误会让轮次失败，会话本身保留。
func (a *Agent) RunTurn(ctx context.Context, req TurnRequest, opts ...TurnOption) (TurnResponse, error) {
	to := &turnOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(to)
		}
	}

	if a.provider == nil {
		return TurnResponse{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return TurnResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	if strings.TrimSpace(req.Content) == "" {
		return TurnResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}

	sess, release, err := a.sessions.Acquire(ctx, req.SessionID, req.Channel, req.ChatID, req.Mode)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSessionBusy {
			a.metrics.ObserveTurn(req.Channel, metrics.OutcomeBusy)
		}
		return TurnResponse{}, err
	}
	defer release()
	done := a.metrics.TurnStarted()
	defer done()

	start := a.now()
	resp, err := a.run(ctx, sess, req, to)
	outcome := outcomeOf(resp, err)
	a.metrics.ObserveTurn(req.Channel, outcome)
	a.logger.Info("轮次结束",
		"session_id", req.SessionID,
		"channel", req.Channel,
		"outcome", outcome,
		"iterations", resp.Iterations,
		"tools", len(resp.ToolTrace),
		"duration_ms", a.now().Sub(start).Milliseconds(),
	)
	if err != nil {
		return resp, err
	}
	to.emit(ctx, Event{Type: EventFinal, SessionID: req.SessionID, Iteration: resp.Iterations, Content: resp.Message.Content, Response: &resp})
	return resp, nil
}

func (a *Agent) run(ctx context.Context, sess *Session, req TurnRequest, to *turnOptions) (TurnResponse, error) {
	resp := TurnResponse{SessionID: sess.ID, ToolTrace: []tools.Result{}}

	a.ensureSystemPrompt(ctx, sess)
	user := a.memory.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: userContent(req)})

	state := iterationState{max: a.cfg.MaxIterations}
	var final, lastContent string
	for {
		if err := ctx.Err(); err != nil {
			return resp, cancelled(err)
		}
		state.counter++
		resp.Iterations = state.counter
		to.emit(ctx, Event{Type: EventIteration, SessionID: sess.ID, Iteration: state.counter})

		out, err := a.complete(ctx, sess.ID, user)
		if err != nil {
			if ctx.Err() != nil {
				return resp, cancelled(ctx.Err())
			}
			err = providerError(err)
			a.alert(ctx, err, sess)
			a.logger.Warn("模型调用失败，轮次中止", "session_id", sess.ID, "iteration", state.counter, "error", err)
			return resp, err
		}
		resp.Usage.Add(out.Usage)
		if out.Content != "" {
			lastContent = out.Content
		}

		if !out.HasToolCalls() {
			final = out.Content
			if final == "" {
				final = emptyReply
			}
			state.reason = ReasonCompleted
			break
		}
		if state.exhausted() {
			// 预算耗尽时不再执行新请求的工具，也不把未配对的调用写入窗口。
			final = lastContent
			if final == "" {
				final = truncationNotice
			}
			state.reason = ReasonBudgetExceeded
			resp.Truncated = true
			break
		}

		if out.Content != "" {
			to.emit(ctx, Event{Type: EventDelta, SessionID: sess.ID, Iteration: state.counter, Content: out.Content})
		}
		calls := a.appendToolCalls(sess.ID, out)
		resp.ToolRounds++
		for i := range calls {
			call := calls[i]
			to.emit(ctx, Event{Type: EventToolCall, SessionID: sess.ID, Iteration: state.counter, ToolCall: &call})

			result := a.registry.Execute(ctx, call)
			resp.ToolTrace = append(resp.ToolTrace, result)
			a.metrics.ObserveTool(result.Tool, string(result.Status))
			a.memory.Append(sess.ID, llm.Message{
				Role:       llm.RoleTool,
				Content:    result.Content(),
				Name:       call.Name,
				ToolCallID: call.ID,
			})
			to.emit(ctx, Event{Type: EventToolResult, SessionID: sess.ID, Iteration: state.counter, Result: &result})

			if err := ctx.Err(); err != nil {
				// 剩余调用补写取消结果，窗口里的每个调用都有对应的工具消息。
				for _, rest := range calls[i+1:] {
					skipped := cancelledResult(rest)
					resp.ToolTrace = append(resp.ToolTrace, skipped)
					a.memory.Append(sess.ID, llm.Message{
						Role:       llm.RoleTool,
						Content:    skipped.Content(),
						Name:       rest.Name,
						ToolCallID: rest.ID,
					})
				}
				return resp, cancelled(err)
			}
		}
		a.memory.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: reflectPrompt})
	}

	resp.Reason = state.reason
	resp.Message = a.memory.Append(sess.ID, llm.Message{Role: llm.RoleAssistant, Content: final})
	a.checkpoint(ctx, sess.ID, user, resp.Message)
	return resp, nil
}

// ensureSystemPrompt 在会话窗口中还没有固定消息时写入系统提示词，
// 并在会话首次出现时从长期日志恢复最近的对话。
func (a *Agent) ensureSystemPrompt(ctx context.Context, sess *Session) {
	if a.memory.HasPinned(sess.ID) {
		return
	}
	root := a.cfg.Workspace
	var docs []knowledge.Document
	if a.knowledge != nil {
		root = a.knowledge.Root()
		loaded, err := a.knowledge.Documents(ctx)
		if err != nil {
			a.logger.Warn("读取引导文档失败", "session_id", sess.ID, "error", err)
		}
		docs = loaded
	}
	prompt := knowledge.SystemPrompt(a.now(), root, docs, knowledge.Session{
		ID:      sess.ID,
		Channel: sess.Channel,
		ChatID:  sess.ChatID,
	})
	a.memory.Append(sess.ID, llm.Message{Role: llm.RoleSystem, Content: prompt})

	// 进程重启后窗口为空，用日志中的 turn 记录续上对话。重置过的会话不恢复。
	if _, seen := a.resumed.LoadOrStore(sess.ID, struct{}{}); seen {
		return
	}
	restored, err := a.memory.Rebuild(ctx, sess.ID)
	if err != nil {
		a.logger.Warn("从长期日志恢复窗口失败", "session_id", sess.ID, "error", err)
		return
	}
	if restored > 0 {
		a.logger.Info("已从长期日志恢复窗口", "session_id", sess.ID, "messages", restored)
	}
}

// complete 组装请求并在 provider_timeout 内调用模型。
func (a *Agent) complete(ctx context.Context, sessionID string, user llm.Message) (*llm.Response, error) {
	req := llm.Request{
		Model:       a.cfg.Model,
		Messages:    a.contextMessages(ctx, sessionID, user),
		Tools:       a.registry.Schemas(),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	callCtx := ctx
	if timeout := a.cfg.ProviderTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := a.provider.Generate(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeProvider, err, "大模型推理超时")
		}
		return nil, err
	}
	if out == nil {
		return nil, xerrors.New(xerrors.CodeProvider, "模型返回空响应")
	}
	return out, nil
}

// contextMessages 返回窗口内容，并在固定消息之后注入长期记忆。
// 当前轮次的用户消息被窗口淘汰时，重新放回固定消息之后。
func (a *Agent) contextMessages(ctx context.Context, sessionID string, user llm.Message) []llm.Message {
	window := keepUser(sanitize(a.memory.Window(sessionID)), user)

	var facts []memory.Record
	if a.cfg.ContextRecords > 0 {
		records, err := a.memory.Tail(ctx, memory.Criteria{
			SessionID:     sessionID,
			IncludeShared: true,
			Kinds:         []memory.Kind{memory.KindFact, memory.KindSummary},
		}, a.cfg.ContextRecords)
		if err != nil {
			a.logger.Debug("长期记忆不可用，跳过注入", "session_id", sessionID, "error", err)
		}
		facts = records
	}
	if len(facts) == 0 {
		return window
	}

	var b strings.Builder
	b.WriteString("## Relevant Memory\n")
	for _, rec := range facts {
		fmt.Fprintf(&b, "\n- %s", rec.Text)
	}
	note := llm.Message{Role: llm.RoleSystem, Content: b.String()}

	out := make([]llm.Message, 0, len(window)+1)
	i := 0
	for ; i < len(window) && window[i].Pinned(); i++ {
		out = append(out, window[i])
	}
	out = append(out, note)
	return append(out, window[i:]...)
}

// sanitize 让工具调用与工具消息两两配对：去掉发起调用的助手消息已被淘汰的工具消息，
// 也去掉没有结果的调用。调用全部被去掉且没有正文的助手消息整条丢弃。
func sanitize(window []llm.Message) []llm.Message {
	answered := make(map[string]bool)
	for _, msg := range window {
		if msg.Role == llm.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	known := make(map[string]bool)
	out := window[:0]
	for _, msg := range window {
		switch msg.Role {
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				break
			}
			calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if answered[call.ID] {
					known[call.ID] = true
					calls = append(calls, call)
				}
			}
			if len(calls) == 0 && msg.Content == "" {
				continue
			}
			msg.ToolCalls = calls
			if len(calls) == 0 {
				msg.ToolCalls = nil
			}
		case llm.RoleTool:
			if !known[msg.ToolCallID] {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func keepUser(window []llm.Message, user llm.Message) []llm.Message {
	if user.ID == "" {
		return window
	}
	for _, msg := range window {
		if msg.ID == user.ID {
			return window
		}
	}
	i := 0
	for i < len(window) && window[i].Pinned() {
		i++
	}
	out := make([]llm.Message, 0, len(window)+1)
	out = append(out, window[:i]...)
	out = append(out, user)
	return append(out, window[i:]...)
}

// cancelledResult 是轮次取消后未执行调用的占位结果。
func cancelledResult(call llm.ToolCall) tools.Result {
	return tools.Result{
		CallID:    call.ID,
		Tool:      call.Name,
		Status:    tools.StatusError,
		Error:     "turn cancelled before the tool ran",
		ErrorCode: xerrors.CodeCancelled,
	}
}

// appendToolCalls 补齐调用 ID 并把助手消息写入窗口。
func (a *Agent) appendToolCalls(sessionID string, out *llm.Response) []llm.ToolCall {
	msgID := uuid.NewString()
	calls := make([]llm.ToolCall, len(out.ToolCalls))
	for i, call := range out.ToolCalls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		call.MessageID = msgID
		calls[i] = call
	}
	a.memory.Append(sessionID, llm.Message{
		ID:        msgID,
		Role:      llm.RoleAssistant,
		Content:   out.Content,
		ToolCalls: calls,
	})
	return calls
}

// checkpoint 把用户请求与最终回复写入长期日志，失败只记录日志。
func (a *Agent) checkpoint(ctx context.Context, sessionID string, user, final llm.Message) {
	for _, msg := range []llm.Message{user, final} {
		_, err := a.memory.AppendLongTerm(ctx, memory.Record{
			SessionID: sessionID,
			Kind:      memory.KindTurn,
			Role:      string(msg.Role),
			Text:      msg.Content,
		})
		if err != nil {
			a.logger.Warn("写入长期记忆失败，继续以仅内存模式运行", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (a *Agent) alert(ctx context.Context, err error, sess *Session) {
	if a.alerts == nil {
		return
	}
	event, ok := alerting.FromError(err, sess.ID, sess.Channel, a.now())
	if !ok {
		return
	}
	if notifyErr := a.alerts.Notify(ctx, event); notifyErr != nil {
		a.logger.Warn("发送告警失败", "error", notifyErr)
	}
}

func userContent(req TurnRequest) string {
	if len(req.Attachments) == 0 {
		return req.Content
	}
	var b strings.Builder
	b.WriteString(req.Content)
	b.WriteString("\n\nAttachments:")
	for _, path := range req.Attachments {
		b.WriteString("\n- ")
		b.WriteString(path)
	}
	return b.String()
}

func providerError(err error) error {
	if xerrors.IsProvider(err) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeProvider, err, "大模型推理失败")
}

func cancelled(err error) error {
	return xerrors.Wrap(xerrors.CodeCancelled, err, "turn cancelled")
}

func outcomeOf(resp TurnResponse, err error) string {
	switch {
	case err == nil && resp.Truncated:
		return metrics.OutcomeTruncated
	case err == nil:
		return metrics.OutcomeOK
	case xerrors.CodeOf(err) == xerrors.CodeCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}
