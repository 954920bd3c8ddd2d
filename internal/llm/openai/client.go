package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "santosobot/internal/errors"
	"santosobot/internal/llm"
	"santosobot/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
	defaultBackoff   = 500 * time.Millisecond

	// maxAttempts 为首次请求加一次重试。
	maxAttempts = 2
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Backoff time.Duration
	Logger  *slog.Logger
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型服务。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("llm.openai")
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		backoff: backoff,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}, nil
}

// Model 返回默认模型名。
func (c *Client) Model() string {
	return c.model
}

// Generate 发送补全请求。网络错误、429 与 5xx 会在退避后重试一次，
// 其余失败直接以 PROVIDER_ERROR 返回。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retry, err := c.do(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == maxAttempts {
			break
		}
		c.logger.Warn("provider request failed, retrying",
			"attempt", attempt,
			"backoff", c.backoff,
			"error", err,
		)
		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeProvider, ctx.Err(), "provider request cancelled", xerrors.WithRetryable(false))
		case <-timer.C:
		}
	}
	if e, ok := xerrors.From(lastErr); ok && !e.Retryable() {
		return nil, lastErr
	}
	return nil, xerrors.Wrap(xerrors.CodeProvider, lastErr, "provider retries exhausted",
		xerrors.WithMetadata("attempts", fmt.Sprint(maxAttempts)),
		xerrors.WithRetryable(false),
	)
}

// do 执行一次 HTTP 调用，返回值 retry 表示失败是否属于瞬时故障。
func (c *Client) do(ctx context.Context, payload []byte) (*llm.Response, bool, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeProvider, err, "构建请求失败", xerrors.WithRetryable(false))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeProvider, ctx.Err(), "provider request cancelled", xerrors.WithRetryable(false))
		}
		return nil, true, xerrors.Wrap(xerrors.CodeProvider, err, "请求模型服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		message := fmt.Sprintf("模型服务返回错误状态 %d: %s", resp.StatusCode, extractErrorMessage(body))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, false, xerrors.New(xerrors.CodeProviderAuth, message)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return nil, true, xerrors.New(xerrors.CodeProvider, message)
		default:
			return nil, false, xerrors.New(xerrors.CodeProvider, message, xerrors.WithRetryable(false))
		}
	}

	var decoded ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeProvider, err, "解析模型响应失败", xerrors.WithRetryable(false))
	}
	if len(decoded.Choices) == 0 {
		return nil, false, xerrors.New(xerrors.CodeProvider, "模型响应中没有有效的 choices", xerrors.WithRetryable(false))
	}

	choice := decoded.Choices[0]
	out := &llm.Response{
		Content:      strings.TrimSpace(string(choice.Message.Content)),
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.ToolCalls = FromWireToolCalls(choice.Message.ToolCalls)
	}
	return out, false, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	body := ChatRequest{
		Model:     model,
		Messages:  ToWireMessages(req.Messages),
		Tools:     ToWireTools(req.Tools),
		MaxTokens: req.MaxTokens,
	}
	temperature := req.Temperature
	body.Temperature = &temperature

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "序列化请求失败", xerrors.WithRetryable(false))
	}
	return encoded, nil
}

func extractErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}
