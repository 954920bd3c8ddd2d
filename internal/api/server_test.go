package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"santosobot/internal/agent"
	"santosobot/internal/auth"
	"santosobot/internal/config"
	"santosobot/internal/llm"
	"santosobot/internal/memory"
	"santosobot/internal/observability/metrics"
	"santosobot/internal/tools"
	"santosobot/pkg/logger"
)

// stubLLM 对每次调用执行 fn，并记录收到的请求。
type stubLLM struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, n int, req llm.Request) (*llm.Response, error)
	requests []llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(ctx, n, req)
}

func replyWith(content string) *stubLLM {
	return &stubLLM{fn: func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: content, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
	}}
}

type gateway struct {
	server  *Server
	agent   *agent.Agent
	metrics *metrics.Collector
}

func newGateway(t *testing.T, provider llm.Client, opts ...Option) gateway {
	t.Helper()
	root := t.TempDir()
	ws, err := tools.NewWorkspace(root, true)
	require.NoError(t, err)
	reg := tools.NewRegistry(tools.WithLogger(logger.Discard()))
	require.NoError(t, reg.Register(tools.NewListDirTool(ws)))
	require.NoError(t, reg.Register(tools.NewReadFileTool(ws)))
	reg.Freeze()

	store, err := memory.OpenFileStore(filepath.Join(root, "memory", "longterm.jsonl"))
	require.NoError(t, err)
	mem := memory.NewManager(store, memory.WithLogger(logger.Discard()))
	t.Cleanup(func() { mem.Close() })

	cfg := config.Default()
	cfg.Agent.Workspace = root
	cfg.Agent.MaxIterations = 5
	cfg.Agent.ProviderTimeout = 5
	collector := metrics.New()
	ag := agent.New(provider, reg, mem,
		agent.WithConfig(cfg.Agent),
		agent.WithMetrics(collector),
		agent.WithLogger(logger.Discard()),
	)
	opts = append([]Option{WithLogger(logger.Discard()), WithMetrics(collector)}, opts...)
	return gateway{server: NewServer(cfg.Gateway, ag, opts...), agent: ag, metrics: collector}
}

func do(t *testing.T, h http.Handler, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func chatBody(user, content string) map[string]any {
	return map[string]any{
		"model":    "santosobot",
		"user":     user,
		"messages": []map[string]any{{"role": "user", "content": content}},
	}
}

func TestHealth(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	gw := newGateway(t, replyWith("hi"), WithClock(func() time.Time { return now }))
	now = start.Add(90 * time.Second)

	for _, path := range []string{"/", "/health"} {
		rec := do(t, gw.server.Handler(), http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, HealthResponse{Status: "ok", Model: "santosobot", UptimeSeconds: 90}, got)
	}

	rec := do(t, gw.server.Handler(), http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsMissingLongTermStore(t *testing.T) {
	reg := tools.NewRegistry(tools.WithLogger(logger.Discard()))
	reg.Freeze()
	mem := memory.NewManager(nil, memory.WithLogger(logger.Discard()))
	cfg := config.Default()
	cfg.Agent.Workspace = t.TempDir()
	ag := agent.New(replyWith("hi"), reg, mem, agent.WithConfig(cfg.Agent), agent.WithLogger(logger.Discard()))
	server := NewServer(cfg.Gateway, ag, WithLogger(logger.Discard()))

	rec := do(t, server.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got.Status)
	assert.True(t, got.Degraded)
}

func TestChatCompletions(t *testing.T) {
	gw := newGateway(t, replyWith("hello from santoso"))

	body := chatBody("alice", "hi there")
	body["messages"] = []map[string]any{
		{"role": "system", "content": "ignored"},
		{"role": "user", "content": "earlier"},
		{"role": "assistant", "content": "ok"},
		{"role": "user", "content": []map[string]any{{"type": "text", "text": "hi there"}}},
	}
	rec := do(t, gw.server.Handler(), http.MethodPost, "/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gateway:alice", rec.Header().Get("X-Session-ID"))

	var got ChatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "chat.completion", got.Object)
	assert.Equal(t, "santosobot", got.Model)
	assert.True(t, strings.HasPrefix(got.ID, "chatcmpl-"))
	require.Len(t, got.Choices, 1)
	assert.Equal(t, "hello from santoso", string(got.Choices[0].Message.Content))
	assert.Equal(t, "assistant", got.Choices[0].Message.Role)
	assert.Equal(t, "stop", got.Choices[0].FinishReason)
	assert.Equal(t, 15, got.Usage.TotalTokens)
	assert.Equal(t, "gateway:alice", got.SessionID)
	assert.False(t, got.Truncated)
	assert.Equal(t, 1, got.Iterations)
	assert.Zero(t, got.ToolRounds)
	assert.Empty(t, got.ToolTrace)

	window := gw.agent.Memory().Window("gateway:alice")
	require.Len(t, window, 3)
	assert.Equal(t, "hi there", window[1].Content)
}

func TestChatCompletionsSessionHeader(t *testing.T) {
	gw := newGateway(t, replyWith("ok"))

	rec := do(t, gw.server.Handler(), http.MethodPost, "/v1/chat/completions", chatBody("", "hi"), "X-Session-ID", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gateway:bob", rec.Header().Get("X-Session-ID"))

	rec = do(t, gw.server.Handler(), http.MethodPost, "/chat/completions", chatBody("", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultSession, rec.Header().Get("X-Session-ID"))
	assert.Len(t, gw.agent.Sessions(), 2)
}

func TestChatCompletionsRejectsBadRequests(t *testing.T) {
	gw := newGateway(t, replyWith("ok"))
	h := gw.server.Handler()

	cases := map[string]any{
		"no user message": map[string]any{"messages": []map[string]any{{"role": "system", "content": "x"}}},
		"empty user":      chatBody("a", "   "),
		"stream":          map[string]any{"stream": true, "messages": []map[string]any{{"role": "user", "content": "x"}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/chat/completions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/chat/completions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatCompletionsBusySession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &stubLLM{fn: func(ctx context.Context, n int, _ llm.Request) (*llm.Response, error) {
		if n == 0 {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &llm.Response{Content: "done"}, nil
	}}
	gw := newGateway(t, provider)
	h := gw.server.Handler()

	slow, err := json.Marshal(chatBody("carol", "slow"))
	require.NoError(t, err)
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader(slow)))
		first <- rec
	}()
	<-started

	rec := do(t, h, http.MethodPost, "/chat/completions", chatBody("carol", "again"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_BUSY", errorCode(t, rec))

	other := do(t, h, http.MethodPost, "/chat/completions", chatBody("dave", "parallel"))
	assert.Equal(t, http.StatusOK, other.Code)

	close(release)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestChatCompletionsProviderFailure(t *testing.T) {
	provider := &stubLLM{fn: func(ctx context.Context, n int, _ llm.Request) (*llm.Response, error) {
		if n == 0 {
			return nil, errors.New("upstream unavailable")
		}
		return &llm.Response{Content: "recovered"}, nil
	}}
	gw := newGateway(t, provider)
	h := gw.server.Handler()

	rec := do(t, h, http.MethodPost, "/chat/completions", chatBody("erin", "hi"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "PROVIDER_ERROR", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/chat/completions", chatBody("erin", "hi again"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSkills(t *testing.T) {
	gw := newGateway(t, replyWith("ok"))
	rec := do(t, gw.server.Handler(), http.MethodGet, "/skills", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got SkillsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	var names []string
	for _, d := range got.Skills {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"list_dir", "read_file"}, names)
}

func TestMemoryEndpoints(t *testing.T) {
	gw := newGateway(t, replyWith("ok"))
	h := gw.server.Handler()

	rec := do(t, h, http.MethodPost, "/memory", AppendMemoryRequest{SessionID: "gateway:alice", Text: "Alice likes tea"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created memory.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, memory.KindFact, created.Kind)
	assert.Equal(t, int64(1), created.Seq)

	for _, req := range []AppendMemoryRequest{
		{SessionID: "gateway:alice", Kind: memory.KindSummary, Text: "Talked about tea"},
		{Kind: memory.KindFact, Text: "Shared fact"},
		{SessionID: "gateway:bob", Text: "Bob likes coffee"},
	} {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/memory", req).Code)
	}

	rec = do(t, h, http.MethodPost, "/memory", AppendMemoryRequest{Kind: "diary", Text: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/memory", AppendMemoryRequest{Text: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	list := func(query string) MemoryResponse {
		t.Helper()
		rec := do(t, h, http.MethodGet, "/memory"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var got MemoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		return got
	}
	recordTexts := func(resp MemoryResponse) []string {
		out := []string{}
		for _, r := range resp.Records {
			out = append(out, r.Text)
		}
		return out
	}

	assert.Equal(t, []string{"Alice likes tea", "Talked about tea"}, recordTexts(list("?session_id=gateway:alice")))
	assert.Equal(t, []string{"Alice likes tea", "Shared fact"}, recordTexts(list("?session_id=gateway:alice&kind=fact&shared=true")))
	assert.Equal(t, []string{"Bob likes coffee"}, recordTexts(list("?q=COFFEE")))

	page := list("?limit=2")
	assert.Len(t, page.Records, 2)
	assert.Equal(t, int64(2), page.NextAfter)
	rest := list("?after=2")
	assert.Equal(t, []string{"Shared fact", "Bob likes coffee"}, recordTexts(rest))
	assert.Equal(t, int64(4), rest.NextAfter)

	empty := list("?after=99")
	assert.Empty(t, empty.Records)
	assert.Equal(t, int64(99), empty.NextAfter)

	for _, bad := range []string{"?kind=diary", "?after=-1", "?limit=0", "?limit=x"} {
		rec := do(t, h, http.MethodGet, "/memory"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestAuthAndMetrics(t *testing.T) {
	gw := newGateway(t, replyWith("ok"), WithAuth(auth.NewStatic([]string{"k1"}, auth.WithAuditLogger(logger.Discard()))))
	h := gw.server.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)

	rec := do(t, h, http.MethodGet, "/skills", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/skills", nil, "Authorization", "Bearer k1")
	assert.Equal(t, http.StatusOK, rec.Code)

	count, err := testutil.GatherAndCount(gw.metrics.Registry(), "santosobot_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusOf("SESSION_BUSY"))
	assert.Equal(t, http.StatusBadGateway, statusOf("PROVIDER_AUTH"))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf("MEMORY_ERROR"))
	assert.Equal(t, http.StatusInternalServerError, statusOf("TOOL_EXECUTION"))
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, DefaultSession, SessionKey(" "))
	assert.Equal(t, "gateway:x", SessionKey("x"))
	assert.Equal(t, "cli:default", SessionKey("cli:default"))
}
