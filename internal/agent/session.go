package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "santosobot/internal/errors"
)

// Mode 决定会话已有轮次在运行时新请求的处理方式。
type Mode int

const (
	// ModeQueue 排队等待，CLI 与消息渠道使用。
	ModeQueue Mode = iota
	// ModeReject 立即返回 SESSION_BUSY，网关使用。
	ModeReject
)

// Session 是会话表中的一项。窗口由 memory.Manager 按 ID 持有。
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	LastTurn  time.Time `json:"last_turn,omitempty"`
	Turns     int       `json:"turns"`

	// sem 为单槽信号量，保证同一会话同时只有一个轮次。
	sem  chan struct{}
	refs int
}

// sessionTable 以 ID 索引会话。
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func newSessionTable(now func() time.Time) *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session), now: now}
}

func (t *sessionTable) ref(id, channel, chatID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		s = &Session{
			ID:        id,
			Channel:   channel,
			ChatID:    chatID,
			CreatedAt: t.now().UTC(),
			sem:       make(chan struct{}, 1),
		}
		t.sessions[id] = s
	}
	s.refs++
	return s
}

func (t *sessionTable) unref(s *Session) {
	t.mu.Lock()
	s.refs--
	t.mu.Unlock()
}

// Acquire 占用会话。返回的 release 必须调用且只能调用一次。
func (t *sessionTable) Acquire(ctx context.Context, id, channel, chatID string, mode Mode) (*Session, func(), error) {
	s := t.ref(id, channel, chatID)
	if mode == ModeReject {
		select {
		case s.sem <- struct{}{}:
		default:
			t.unref(s)
			return nil, nil, xerrors.New(xerrors.CodeSessionBusy, "session busy", xerrors.WithMetadata("session_id", id))
		}
	} else {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			t.unref(s)
			return nil, nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "wait for session")
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			s.LastTurn = t.now().UTC()
			s.Turns++
			t.mu.Unlock()
			<-s.sem
			t.unref(s)
		})
	}
	return s, release, nil
}

// forget 在会话空闲时将其移出表。
func (t *sessionTable) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.refs > 0 {
		return false
	}
	delete(t.sessions, id)
	return true
}

// snapshot 返回按 ID 排序的会话副本。
func (t *sessionTable) snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, Session{
			ID:        s.ID,
			Channel:   s.Channel,
			ChatID:    s.ChatID,
			CreatedAt: s.CreatedAt,
			LastTurn:  s.LastTurn,
			Turns:     s.Turns,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
