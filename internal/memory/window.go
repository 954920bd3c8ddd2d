package memory

import "santosobot/internal/llm"

// Window 是一个有界的有序消息序列。它本身不加锁，由 Manager 按会话串行访问。
type Window struct {
	limit    int
	messages []llm.Message
}

// NewWindow 创建容量为 limit 的窗口，limit 小于 1 时按 1 处理。
func NewWindow(limit int) *Window {
	if limit < 1 {
		limit = 1
	}
	return &Window{limit: limit}
}

// Append 追加一条消息，超出容量时淘汰最旧的非固定消息。
// 固定消息永不淘汰，因此只有在固定消息本身超过容量时窗口才会超限。
func (w *Window) Append(msg llm.Message) {
	w.messages = append(w.messages, msg)
	for len(w.messages) > w.limit {
		idx := w.oldestEvictable()
		if idx < 0 {
			return
		}
		w.messages = append(w.messages[:idx], w.messages[idx+1:]...)
	}
}

func (w *Window) oldestEvictable() int {
	for i, msg := range w.messages {
		if !msg.Pinned() {
			return i
		}
	}
	return -1
}

// Messages 返回按插入顺序排列的副本。
func (w *Window) Messages() []llm.Message {
	out := make([]llm.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// Len 返回当前消息数。
func (w *Window) Len() int {
	return len(w.messages)
}

// Limit 返回窗口容量。
func (w *Window) Limit() int {
	return w.limit
}

// Pinned 返回当前所有固定消息。
func (w *Window) Pinned() []llm.Message {
	var out []llm.Message
	for _, msg := range w.messages {
		if msg.Pinned() {
			out = append(out, msg)
		}
	}
	return out
}
