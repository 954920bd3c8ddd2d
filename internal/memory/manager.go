package memory

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "santosobot/internal/errors"
	"santosobot/internal/llm"
	"santosobot/pkg/logger"
)

// DefaultWindow 是未配置时的窗口容量。
const DefaultWindow = 50

// Manager 按会话维护短期窗口，并代理对长期日志的读写。
// 同一会话的写入串行执行，不同会话之间互不阻塞。
type Manager struct {
	windowSize int
	store      Store
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionMemory

	degraded atomic.Bool
}

type sessionMemory struct {
	mu     sync.Mutex
	window *Window
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

// WithWindowSize 设置每个会话的窗口容量。
func WithWindowSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建记忆管理器。store 为空时只保留短期窗口，并从一开始就处于降级模式。
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		windowSize: DefaultWindow,
		store:      store,
		logger:     logger.Named("memory"),
		now:        time.Now,
		sessions:   make(map[string]*sessionMemory),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if store == nil {
		m.degraded.Store(true)
	}
	return m
}

func (m *Manager) session(id string) *sessionMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &sessionMemory{window: NewWindow(m.windowSize)}
		m.sessions[id] = s
	}
	return s
}

// Append 把消息追加到会话窗口，缺失的 ID 与时间戳会被补齐。
func (m *Manager) Append(sessionID string, msg llm.Message) llm.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}
	s := m.session(sessionID)
	s.mu.Lock()
	s.window.Append(msg)
	s.mu.Unlock()
	return msg
}

// Window 返回会话窗口的有序副本。
func (m *Manager) Window(sessionID string) []llm.Message {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Messages()
}

// HasPinned 判断会话窗口中是否已有系统消息。
func (m *Manager) HasPinned(sessionID string) bool {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window.Pinned()) > 0
}

// Drop 丢弃会话窗口，长期日志不受影响。
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sessions 返回当前持有窗口的会话数量。
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AppendLongTerm 持久化一条记录。失败时进入降级模式并返回 MEMORY_ERROR，
// 调用方记录日志后可以继续当前轮次。
func (m *Manager) AppendLongTerm(ctx context.Context, rec Record) (Record, error) {
	if m.store == nil {
		return Record{}, xerrors.New(xerrors.CodeMemory, "long-term store is not configured")
	}
	if !rec.Kind.Valid() {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "unknown record kind "+string(rec.Kind))
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}

	var (
		saved Record
		err   error
	)
	if rec.SessionID != "" {
		// 同一会话的追加按会话串行。
		s := m.session(rec.SessionID)
		s.mu.Lock()
		saved, err = m.store.Append(ctx, rec)
		s.mu.Unlock()
	} else {
		saved, err = m.store.Append(ctx, rec)
	}
	if err != nil {
		m.markDegraded(err)
		return Record{}, xerrors.Wrap(xerrors.CodeMemory, err, "append long-term record")
	}
	m.degraded.Store(false)
	return saved, nil
}

// QueryLongTerm 返回惰性、可重复迭代的查询结果。
func (m *Manager) QueryLongTerm(ctx context.Context, c Criteria) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if m.store == nil {
			return
		}
		for rec, err := range m.store.Query(ctx, c) {
			if err != nil {
				m.markDegraded(err)
				yield(Record{}, xerrors.Wrap(xerrors.CodeMemory, err, "query long-term records"))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Tail 返回满足条件的最后 n 条记录，按 Seq 升序。
func (m *Manager) Tail(ctx context.Context, c Criteria, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	c.Limit = 0
	ring := make([]Record, 0, n)
	for rec, err := range m.QueryLongTerm(ctx, c) {
		if err != nil {
			return nil, err
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, rec)
	}
	return ring, nil
}

// Rebuild 用长期日志尾部的 turn 记录重建会话窗口，原有固定消息保留。
// 返回恢复的消息条数。
func (m *Manager) Rebuild(ctx context.Context, sessionID string) (int, error) {
	records, err := m.Tail(ctx, Criteria{SessionID: sessionID, Kinds: []Kind{KindTurn}}, m.windowSize)
	if err != nil {
		return 0, err
	}

	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := NewWindow(m.windowSize)
	for _, msg := range s.window.Pinned() {
		fresh.Append(msg)
	}
	restored := 0
	for _, rec := range records {
		role := llm.Role(rec.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		fresh.Append(llm.Message{
			ID:        rec.ID,
			Role:      role,
			Content:   rec.Text,
			CreatedAt: rec.CreatedAt,
		})
		restored++
	}
	s.window = fresh
	return restored, nil
}

// Degraded 报告长期日志是否缺失，或最近一次持久化操作是否失败。
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// Close 关闭长期日志后端。
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

func (m *Manager) markDegraded(err error) {
	if !m.degraded.Swap(true) {
		m.logger.Warn("长期记忆不可用，进入仅内存模式", "error", err)
	}
}
