package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现消息队列，LPUSH 投递、BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	prefix string
	wait   time.Duration
}

var _ Transport = (*RedisQueue)(nil)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "santosobot"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{client: client, prefix: prefix, wait: wait}, nil
}

func (q *RedisQueue) key(topic string) string {
	return q.prefix + ":bus:" + topic
}

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, topic string, body []byte) error {
	if err := q.client.LPush(ctx, q.key(topic), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布消息失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取消息。处理结果不影响确认，
// 失败的消息不会重新入队。
func (q *RedisQueue) Consume(ctx context.Context, topic string, workers int, handler RawHandler) error {
	if workers <= 0 {
		workers = 1
	}
	key := q.key(topic)
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, redis.ErrClosed) {
						errCh <- ErrClosed
						return
					}
					errCh <- fmt.Errorf("Redis 取消息失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(ctx, []byte(values[1]))
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	wg.Wait()
	return err
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
