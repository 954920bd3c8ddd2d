package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"santosobot/internal/config"
	xerrors "santosobot/internal/errors"
	"santosobot/pkg/logger"
)

// 主题名称
const (
	TopicInbound  = "inbound"
	TopicOutbound = "outbound"
)

// RawHandler 处理一条编码后的消息。
type RawHandler func(ctx context.Context, body []byte) error

// Transport 在命名主题上投递与消费字节消息。
type Transport interface {
	Publish(ctx context.Context, topic string, body []byte) error
	// Consume 阻塞直到 ctx 结束或传输层出错。
	Consume(ctx context.Context, topic string, workers int, handler RawHandler) error
	Close() error
}

// Bus 负责消息的编解码，实际投递交给 Transport。
type Bus struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
}

// New 基于传输层创建消息总线。
func New(t Transport, l *slog.Logger) *Bus {
	if l == nil {
		l = logger.Named("bus")
	}
	return &Bus{transport: t, logger: l, now: time.Now}
}

// Open 按配置创建消息总线。
func Open(cfg config.BusConfig) (*Bus, error) {
	var (
		t   Transport
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		t = NewMemoryQueue(cfg.Buffer)
	case "redis":
		t, err = NewRedisQueue(RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "rabbitmq":
		t, err = NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Prefix:   cfg.RabbitMQ.Prefix,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("不支持的 bus.driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化消息总线失败")
	}
	return New(t, logger.Named("bus")), nil
}

// PublishInbound 投递入站消息，缺失的 ID 与时间会被补齐。
func (b *Bus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = b.now().UTC()
	}
	return b.publish(ctx, TopicInbound, msg)
}

// PublishOutbound 投递出站消息。
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return b.publish(ctx, TopicOutbound, msg)
}

// ConsumeInbound 以 workers 个协程消费入站消息，直到 ctx 结束。
func (b *Bus) ConsumeInbound(ctx context.Context, workers int, handler InboundHandler) error {
	return b.consume(ctx, TopicInbound, workers, func(ctx context.Context, body []byte) error {
		var msg InboundMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("解析入站消息失败: %w", err)
		}
		return handler(ctx, msg)
	})
}

// ConsumeOutbound 消费出站消息，直到 ctx 结束。
func (b *Bus) ConsumeOutbound(ctx context.Context, workers int, handler OutboundHandler) error {
	return b.consume(ctx, TopicOutbound, workers, func(ctx context.Context, body []byte) error {
		var msg OutboundMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("解析出站消息失败: %w", err)
		}
		return handler(ctx, msg)
	})
}

// Close 关闭传输层。
func (b *Bus) Close() error {
	if b == nil || b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

func (b *Bus) publish(ctx context.Context, topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化消息失败")
	}
	if err := b.transport.Publish(ctx, topic, body); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return xerrors.Wrap(xerrors.CodeCancelled, err, "投递消息被取消")
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递消息失败", xerrors.WithMetadata("topic", topic))
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, topic string, workers int, handler RawHandler) error {
	err := b.transport.Consume(ctx, topic, workers, func(ctx context.Context, body []byte) error {
		if err := handler(ctx, body); err != nil {
			b.logger.Warn("处理消息失败", "topic", topic, "error", err)
		}
		return nil
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeQueueFailure, err, "消费消息失败", xerrors.WithMetadata("topic", topic))
}
