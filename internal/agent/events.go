package agent

import (
	"context"

	"santosobot/internal/llm"
	"santosobot/internal/tools"
)

// EventType 标识轮次进度事件。
type EventType string

const (
	EventIteration  EventType = "iteration"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDelta      EventType = "delta"
	EventFinal      EventType = "final"
)

// Event 是轮次执行过程中推送给渠道的进度消息。
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Iteration int           `json:"iteration,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCall  *llm.ToolCall `json:"tool_call,omitempty"`
	Result    *tools.Result `json:"result,omitempty"`
	Response  *TurnResponse `json:"response,omitempty"`
}

// TurnOption 调整单个轮次的行为。
type TurnOption func(*turnOptions)

type turnOptions struct {
	events chan<- Event
}

// WithEvents 把进度事件发送到 ch。发送会阻塞直到被接收或 ctx 结束，
// 调用方必须持续读取。轮次结束后 ch 不会被关闭。
func WithEvents(ch chan<- Event) TurnOption {
	return func(o *turnOptions) {
		o.events = ch
	}
}

func (o *turnOptions) emit(ctx context.Context, ev Event) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}
