package memory

import (
	"context"
	"iter"
	"slices"
	"strings"
	"time"
)

// Kind 区分长期记录的用途。
type Kind string

const (
	// KindTurn 是每轮结束时写入的检查点，用于重建窗口。
	KindTurn Kind = "turn"
	// KindFact 是可注入到请求上下文中的事实。
	KindFact Kind = "fact"
	// KindSummary 是对历史对话的摘要。
	KindSummary Kind = "summary"
)

// Valid 判断 kind 是否为已知类型。
func (k Kind) Valid() bool {
	switch k {
	case KindTurn, KindFact, KindSummary:
		return true
	default:
		return false
	}
}

// Record 是长期日志中的一条记录，写入后不可修改，只能被新记录取代。
// SessionID 为空表示跨会话共享的记录。
type Record struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Criteria 描述长期日志的查询条件，结果总是按 Seq 升序返回。
type Criteria struct {
	// SessionID 为空时匹配所有会话。
	SessionID string
	// IncludeShared 同时返回 SessionID 为空的共享记录。
	IncludeShared bool
	Kinds         []Kind
	// Contains 为大小写不敏感的子串匹配。
	Contains string
	// AfterSeq 只返回 Seq 大于该值的记录，用于断点续读。
	AfterSeq int64
	// Limit 为 0 表示不限制。
	Limit int
}

// Match 判断记录是否满足条件（不考虑 Limit）。
func (c Criteria) Match(rec Record) bool {
	if rec.Seq <= c.AfterSeq {
		return false
	}
	if c.SessionID != "" && rec.SessionID != c.SessionID {
		if !c.IncludeShared || rec.SessionID != "" {
			return false
		}
	}
	if len(c.Kinds) > 0 && !slices.Contains(c.Kinds, rec.Kind) {
		return false
	}
	if c.Contains != "" && !strings.Contains(strings.ToLower(rec.Text), strings.ToLower(c.Contains)) {
		return false
	}
	return true
}

// Store 是长期日志的持久化接口。
//
// Query 返回的序列是惰性的：只有在迭代时才读取底层文件或数据库行；
// 序列可以重复迭代，每次都会重新开始读取。
type Store interface {
	Append(ctx context.Context, rec Record) (Record, error)
	Query(ctx context.Context, c Criteria) iter.Seq2[Record, error]
	Close() error
}
