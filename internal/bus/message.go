package bus

import (
	"context"
	"time"
)

// InboundMessage 是渠道收到的一条用户消息。
type InboundMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// SessionKey 返回该消息所属会话的 ID。
func (m InboundMessage) SessionKey() string {
	return SessionKey(m.Channel, m.ChatID)
}

// OutboundMessage 是发回渠道的一条回复。
type OutboundMessage struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionKey 由渠道与会话 ID 组成，例如 telegram:42。
func SessionKey(channel, chatID string) string {
	if chatID == "" {
		chatID = "default"
	}
	return channel + ":" + chatID
}

// InboundHandler 处理一条入站消息。返回的错误会被记录，消息仍视为已消费。
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// OutboundHandler 处理一条出站消息。
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error
