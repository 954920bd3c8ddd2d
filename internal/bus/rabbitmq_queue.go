package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Prefix     string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现消息队列，每个主题对应一个队列。
type RabbitMQQueue struct {
	conn   *amqp.Connection
	cfg    RabbitMQConfig
	prefix string

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

var _ Transport = (*RabbitMQQueue)(nil)

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "santosobot"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, cfg: cfg, prefix: prefix, pub: ch, declared: make(map[string]bool)}, nil
}

func (q *RabbitMQQueue) queueName(topic string) string {
	return q.prefix + ".bus." + topic
}

func (q *RabbitMQQueue) declare(ch *amqp.Channel, topic string) (string, error) {
	name := q.queueName(topic)
	if _, err := ch.QueueDeclare(name, q.cfg.Durable, q.cfg.AutoDelete, false, false, nil); err != nil {
		return "", fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return name, nil
}

// Publish 将消息投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, topic string, body []byte) error {
	if q == nil || q.pub == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	name := q.queueName(topic)
	if !q.declared[topic] {
		if _, err := q.declare(q.pub, topic); err != nil {
			return err
		}
		q.declared[topic] = true
	}
	mode := amqp.Transient
	if q.cfg.Durable {
		mode = amqp.Persistent
	}
	return q.pub.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Body:         body,
	})
}

// Consume 使用手动确认模式消费 RabbitMQ 队列，每个消费者独占一个 channel。
func (q *RabbitMQQueue) Consume(ctx context.Context, topic string, workers int, handler RawHandler) error {
	if q == nil || q.conn == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workers <= 0 {
		workers = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()
	prefetch := q.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = workers
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
	}
	name, err := q.declare(ch, topic)
	if err != nil {
		return err
	}
	msgs, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					_ = handler(ctx, msg.Body)
					_ = msg.Ack(false)
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	q.mu.Unlock()
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
