package openai

import (
	"bytes"
	"encoding/json"
	"strings"

	"santosobot/internal/llm"
)

// ChatRequest 是 /chat/completions 的请求体，网关的兼容接口同样使用它。
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []WireMessage `json:"messages"`
	Tools       []WireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// WireMessage 是 OpenAI 协议中的一条消息。
type WireMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent 兼容字符串、null 以及 [{"type":"text","text":...}] 三种写法，
// 序列化时总是输出字符串。
type MessageContent string

// UnmarshalJSON 实现 json.Unmarshaler。
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = MessageContent(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return err
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	*c = MessageContent(strings.Join(texts, "\n"))
	return nil
}

// WireToolCall 是助手消息里的工具调用。
type WireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function WireFunctionCall `json:"function"`
}

// WireFunctionCall 携带函数名与 JSON 字符串形式的参数。
type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// WireTool 是请求中声明的可用工具。
type WireTool struct {
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction 描述工具的名称与参数 Schema。
type WireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatResponse 是 /chat/completions 的响应体。
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   WireUsage    `json:"usage"`
}

// ChatChoice 是响应中的一个候选。
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      WireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// WireUsage 对应响应中的 usage 字段。
type WireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToWireMessages 把内部消息转换为协议消息。
func ToWireMessages(messages []llm.Message) []WireMessage {
	out := make([]WireMessage, 0, len(messages))
	for _, msg := range messages {
		wire := WireMessage{
			Role:       string(msg.Role),
			Content:    MessageContent(msg.Content),
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == llm.RoleTool {
			wire.Name = msg.Name
		}
		for _, call := range msg.ToolCalls {
			args := string(call.Arguments)
			if args == "" {
				args = "{}"
			}
			wire.ToolCalls = append(wire.ToolCalls, WireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: WireFunctionCall{Name: call.Name, Arguments: args},
			})
		}
		out = append(out, wire)
	}
	return out
}

// FromWireMessage 把协议消息转换为内部消息，ID 与时间戳由调用方补齐。
func FromWireMessage(wire WireMessage) llm.Message {
	msg := llm.Message{
		Role:       llm.Role(wire.Role),
		Content:    string(wire.Content),
		Name:       wire.Name,
		ToolCallID: wire.ToolCallID,
	}
	if len(wire.ToolCalls) > 0 {
		msg.ToolCalls = FromWireToolCalls(wire.ToolCalls)
	}
	return msg
}

// FromWireToolCalls 转换工具调用列表，空参数被规整为 {}。
func FromWireToolCalls(calls []WireToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out = append(out, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

// ToWireTools 把工具 Schema 转换为协议格式。
func ToWireTools(schemas []llm.ToolSchema) []WireTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]WireTool, 0, len(schemas))
	for _, schema := range schemas {
		out = append(out, WireTool{
			Type: "function",
			Function: WireFunction{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		})
	}
	return out
}

// ToWireUsage 转换用量统计。
func ToWireUsage(u llm.Usage) WireUsage {
	return WireUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
