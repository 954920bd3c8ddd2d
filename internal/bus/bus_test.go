package bus

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"santosobot/internal/config"
	"santosobot/pkg/logger"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "telegram:42", SessionKey("telegram", "42"))
	assert.Equal(t, "cli:default", SessionKey("cli", ""))
	assert.Equal(t, "telegram:7", InboundMessage{Channel: "telegram", ChatID: "7"}.SessionKey())
}

// exerciseBus 验证入站与出站消息都能完整往返，处理错误不会终止消费。
func exerciseBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		inbound  []InboundMessage
		outbound []OutboundMessage
	)
	got := make(chan struct{}, 8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = b.ConsumeInbound(ctx, 2, func(_ context.Context, msg InboundMessage) error {
			mu.Lock()
			inbound = append(inbound, msg)
			mu.Unlock()
			got <- struct{}{}
			if msg.Content == "bad" {
				return errors.New("handler failed")
			}
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = b.ConsumeOutbound(ctx, 1, func(_ context.Context, msg OutboundMessage) error {
			mu.Lock()
			outbound = append(outbound, msg)
			mu.Unlock()
			got <- struct{}{}
			return nil
		})
	}()

	require.NoError(t, b.PublishInbound(ctx, InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "u", Content: "bad"}))
	require.NoError(t, b.PublishInbound(ctx, InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "u", Content: "hello", Media: []string{"/tmp/a.jpg"}}))
	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"}))

	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	cancel()
	wg.Wait()

	require.Len(t, inbound, 2)
	require.Len(t, outbound, 1)
	for _, msg := range inbound {
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.ReceivedAt.IsZero())
		if msg.Content == "hello" {
			assert.Equal(t, []string{"/tmp/a.jpg"}, msg.Media)
		}
	}
	assert.Equal(t, "hi", outbound[0].Content)
	assert.NotEmpty(t, outbound[0].ID)
}

func TestMemoryBus(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(NewMemoryQueue(4), logger.Discard())
	defer b.Close()
	exerciseBus(t, b)
}

func TestMemoryQueueClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewMemoryQueue(1)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), TopicInbound, 2, func(context.Context, []byte) error { return nil })
	}()
	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), TopicInbound, []byte("x")), ErrClosed)

	b := New(q, logger.Discard())
	assert.NoError(t, b.ConsumeInbound(context.Background(), 1, nil))
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	require.NoError(t, q.Publish(context.Background(), TopicOutbound, []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, TopicOutbound, []byte("2")), context.DeadlineExceeded)
}

func TestOpenSelectsDriver(t *testing.T) {
	b, err := Open(config.BusConfig{Driver: "memory", Buffer: 2})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, b.transport)
	require.NoError(t, b.Close())

	_, err = Open(config.BusConfig{Driver: "kafka"})
	assert.Error(t, err)
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("SANTOSOBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SANTOSOBOT_TEST_REDIS_ADDR not set")
	}
	q, err := NewRedisQueue(RedisQueueConfig{Address: addr, Prefix: "santosobot-test-" + time.Now().Format("150405.000"), BlockWait: 100 * time.Millisecond})
	require.NoError(t, err)
	b := New(q, logger.Discard())
	defer b.Close()
	exerciseBus(t, b)
}

func TestRabbitMQBus(t *testing.T) {
	url := os.Getenv("SANTOSOBOT_TEST_AMQP_URL")
	if url == "" {
		t.Skip("SANTOSOBOT_TEST_AMQP_URL not set")
	}
	q, err := NewRabbitMQQueue(RabbitMQConfig{URL: url, Prefix: "santosobot-test-" + time.Now().Format("150405.000"), AutoDelete: true})
	require.NoError(t, err)
	b := New(q, logger.Discard())
	defer b.Close()
	exerciseBus(t, b)
}
