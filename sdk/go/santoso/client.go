// Package santoso is a Go client for the santosobot gateway.
package santoso

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Agent turns can run many tool iterations, so it is longer than a typical
// REST timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// DefaultModel is sent as the model name of chat requests. The gateway
// ignores it and answers with its own model id.
const DefaultModel = "santosobot"

// Client wraps the HTTP interactions with the santosobot gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Health is the gateway liveness report.
type Health struct {
	Status        string `json:"status"`
	Model         string `json:"model"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Degraded      bool   `json:"degraded"`
}

// Usage reports token consumption of a turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolResult is one entry of the tool trace of a turn.
type ToolResult struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ChatResult is the outcome of one agent turn.
type ChatResult struct {
	ID           string
	SessionID    string
	Model        string
	Content      string
	FinishReason string
	Truncated    bool
	Iterations   int
	Usage        Usage
	ToolTrace    []ToolResult
}

// Skill describes a registered tool.
type Skill struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Policy      map[string]any `json:"policy"`
}

// MemoryRecord is an entry of the long-term log.
type MemoryRecord struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryQuery filters GET /memory. Zero values are omitted.
type MemoryQuery struct {
	SessionID     string
	Kinds         []string
	Contains      string
	IncludeShared bool
	After         int64
	Limit         int
}

// MemoryPage is one page of records. Pass NextAfter as After to continue.
type MemoryPage struct {
	Records   []MemoryRecord `json:"records"`
	NextAfter int64          `json:"next_after"`
}

// NewMemory is the payload of AppendMemory. Kind defaults to "fact".
type NewMemory struct {
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text"`
}

// APIError represents an error payload returned by the gateway.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("santoso api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("santoso api error (%d): %s", e.StatusCode, e.Message)
}

// IsBusy reports whether err means the session already has a turn running.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "SESSION_BUSY"
}

// NewClient instantiates a client for the gateway. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the bearer key sent with every request. An empty key
// disables the header.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the configured key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.get(ctx, "/health", nil, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

// Chat runs one turn in sessionID. An empty sessionID uses the gateway
// default session.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (ChatResult, error) {
	payload := map[string]any{
		"model":    DefaultModel,
		"messages": []map[string]string{{"role": "user", "content": message}},
	}
	if sessionID != "" {
		payload["user"] = sessionID
	}

	var raw struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage      Usage        `json:"usage"`
		SessionID  string       `json:"session_id"`
		Truncated  bool         `json:"truncated"`
		Iterations int          `json:"iterations"`
		ToolTrace  []ToolResult `json:"tool_trace"`
	}
	if err := c.post(ctx, "/chat/completions", payload, &raw); err != nil {
		return ChatResult{}, err
	}
	if len(raw.Choices) == 0 {
		return ChatResult{}, errors.New("santoso: response has no choices")
	}
	return ChatResult{
		ID:           raw.ID,
		SessionID:    raw.SessionID,
		Model:        raw.Model,
		Content:      raw.Choices[0].Message.Content,
		FinishReason: raw.Choices[0].FinishReason,
		Truncated:    raw.Truncated,
		Iterations:   raw.Iterations,
		Usage:        raw.Usage,
		ToolTrace:    raw.ToolTrace,
	}, nil
}

// Skills lists the registered tools.
func (c *Client) Skills(ctx context.Context) ([]Skill, error) {
	var out struct {
		Skills []Skill `json:"skills"`
	}
	if err := c.get(ctx, "/skills", nil, &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

// Memory reads one page of long-term records.
func (c *Client) Memory(ctx context.Context, q MemoryQuery) (MemoryPage, error) {
	values := url.Values{}
	if q.SessionID != "" {
		values.Set("session_id", q.SessionID)
	}
	if len(q.Kinds) > 0 {
		values.Set("kind", strings.Join(q.Kinds, ","))
	}
	if q.Contains != "" {
		values.Set("q", q.Contains)
	}
	if q.IncludeShared {
		values.Set("shared", "true")
	}
	if q.After > 0 {
		values.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	var out MemoryPage
	if err := c.get(ctx, "/memory", values, &out); err != nil {
		return MemoryPage{}, err
	}
	return out, nil
}

// AppendMemory appends one record to the long-term log.
func (c *Client) AppendMemory(ctx context.Context, rec NewMemory) (MemoryRecord, error) {
	var out MemoryRecord
	if err := c.post(ctx, "/memory", rec, &out); err != nil {
		return MemoryRecord{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
