package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示传输层已经关闭。
var ErrClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 在进程内传递消息，是默认实现。
type MemoryQueue struct {
	size   int
	mu     sync.Mutex
	topics map[string]chan []byte
	closed bool
	done   chan struct{}
}

var _ Transport = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列，size 为每个主题的缓冲长度。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{size: size, topics: make(map[string]chan []byte), done: make(chan struct{})}
}

func (q *MemoryQueue) topic(name string) (chan []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan []byte, q.size)
		q.topics[name] = ch
	}
	return ch, nil
}

// Publish 将消息投递到主题，缓冲已满时阻塞。
func (q *MemoryQueue) Publish(ctx context.Context, topic string, body []byte) error {
	ch, err := q.topic(topic)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case ch <- body:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费主题。
func (q *MemoryQueue) Consume(ctx context.Context, topic string, workers int, handler RawHandler) error {
	ch, err := q.topic(topic)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = 1
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
				case <-q.done:
					return
				case body := <-ch:
					_ = handler(ctx, body)
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

// Close 关闭内存队列，正在运行的消费者随之退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
