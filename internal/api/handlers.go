package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"santosobot/internal/agent"
	xerrors "santosobot/internal/errors"
	"santosobot/internal/llm"
	"santosobot/internal/llm/openai"
	"santosobot/internal/memory"
	"santosobot/internal/tools"
)

const (
	maxBodyBytes       = 1 << 20
	defaultMemoryLimit = 50
	maxMemoryLimit     = 500
)

// HealthResponse 是 GET /health 的响应体。
type HealthResponse struct {
	Status        string `json:"status"`
	Model         string `json:"model"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Degraded      bool   `json:"degraded"`
}

// ChatCompletion 在 OpenAI 响应之外附带轮次信息。
type ChatCompletion struct {
	openai.ChatResponse
	SessionID  string         `json:"session_id"`
	Truncated  bool           `json:"truncated"`
	Iterations int            `json:"iterations"`
	ToolRounds int            `json:"tool_rounds"`
	ToolTrace  []tools.Result `json:"tool_trace"`
}

// SkillsResponse 是 GET /skills 的响应体。
type SkillsResponse struct {
	Skills []tools.Descriptor `json:"skills"`
}

// MemoryResponse 是 GET /memory 的响应体。NextAfter 可作为下一页的 after 参数。
type MemoryResponse struct {
	Records   []memory.Record `json:"records"`
	NextAfter int64           `json:"next_after"`
}

// AppendMemoryRequest 是 POST /memory 的请求体。
type AppendMemoryRequest struct {
	SessionID string      `json:"session_id"`
	Kind      memory.Kind `json:"kind"`
	Role      string      `json:"role,omitempty"`
	Text      string      `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.agent != nil && s.agent.Memory().Degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Model:         s.cfg.ModelID,
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
		Degraded:      degraded,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeAppError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	var req openai.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.Stream {
		writeAppError(w, xerrors.New(xerrors.CodeInvalidArgument, "streaming is served on the WebSocket endpoint"))
		return
	}
	content, ok := lastUserMessage(req.Messages)
	if !ok {
		writeAppError(w, xerrors.New(xerrors.CodeInvalidArgument, "messages must contain a non-empty user message"))
		return
	}

	name := req.User
	if name == "" {
		name = r.Header.Get("X-Session-ID")
	}
	sessionID := SessionKey(name)
	resp, err := s.agent.RunTurn(r.Context(), agent.TurnRequest{
		SessionID: sessionID,
		Channel:   Channel,
		ChatID:    strings.TrimPrefix(sessionID, Channel+":"),
		Content:   content,
		Mode:      agent.ModeReject,
	})
	if err != nil {
		s.logger.Warn("chat completion failed", "session_id", sessionID, "error", err)
		writeAppError(w, err)
		return
	}

	finish := "stop"
	if resp.Truncated {
		finish = "length"
	}
	w.Header().Set("X-Session-ID", sessionID)
	writeJSON(w, http.StatusOK, ChatCompletion{
		ChatResponse: openai.ChatResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: s.now().Unix(),
			Model:   s.cfg.ModelID,
			Choices: []openai.ChatChoice{{
				Index: 0,
				Message: openai.WireMessage{
					Role:    string(llm.RoleAssistant),
					Content: openai.MessageContent(resp.Message.Content),
				},
				FinishReason: finish,
			}},
			Usage: openai.ToWireUsage(resp.Usage),
		},
		SessionID:  sessionID,
		Truncated:  resp.Truncated,
		Iterations: resp.Iterations,
		ToolRounds: resp.ToolRounds,
		ToolTrace:  nonNil(resp.ToolTrace),
	})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	var skills []tools.Descriptor
	if s.agent != nil {
		skills = s.agent.Registry().Descriptors()
	}
	if skills == nil {
		skills = []tools.Descriptor{}
	}
	writeJSON(w, http.StatusOK, SkillsResponse{Skills: skills})
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeAppError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	criteria, err := parseCriteria(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	out := MemoryResponse{Records: []memory.Record{}, NextAfter: criteria.AfterSeq}
	for rec, err := range s.agent.Memory().QueryLongTerm(r.Context(), criteria) {
		if err != nil {
			writeAppError(w, err)
			return
		}
		out.Records = append(out.Records, rec)
		out.NextAfter = rec.Seq
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppendMemory(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeAppError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	var req AppendMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeAppError(w, xerrors.New(xerrors.CodeInvalidArgument, "text is required"))
		return
	}
	if req.Kind == "" {
		req.Kind = memory.KindFact
	}
	rec, err := s.agent.Memory().AppendLongTerm(r.Context(), memory.Record{
		SessionID: req.SessionID,
		Kind:      req.Kind,
		Role:      req.Role,
		Text:      req.Text,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// SessionKey 把客户端给出的名称映射为会话标识，已带渠道前缀的保持不变。
func SessionKey(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return DefaultSession
	case strings.Contains(name, ":"):
		return name
	default:
		return Channel + ":" + name
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body too large")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func lastUserMessage(messages []openai.WireMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != string(llm.RoleUser) {
			continue
		}
		content := strings.TrimSpace(string(messages[i].Content))
		if content == "" {
			return "", false
		}
		return content, true
	}
	return "", false
}

func parseCriteria(r *http.Request) (memory.Criteria, error) {
	q := r.URL.Query()
	c := memory.Criteria{
		SessionID:     q.Get("session_id"),
		Contains:      q.Get("q"),
		IncludeShared: q.Get("shared") == "true" || q.Get("shared") == "1",
		Limit:         defaultMemoryLimit,
	}
	if raw := q.Get("kind"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind := memory.Kind(strings.TrimSpace(part))
			if !kind.Valid() {
				return c, xerrors.New(xerrors.CodeInvalidArgument, "unknown memory kind",
					xerrors.WithMetadata("kind", string(kind)))
			}
			c.Kinds = append(c.Kinds, kind)
		}
	}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return c, xerrors.New(xerrors.CodeInvalidArgument, "after must be a non-negative integer")
		}
		c.AfterSeq = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return c, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer")
		}
		c.Limit = min(limit, maxMemoryLimit)
	}
	return c, nil
}

func nonNil(results []tools.Result) []tools.Result {
	if results == nil {
		return []tools.Result{}
	}
	return results
}
