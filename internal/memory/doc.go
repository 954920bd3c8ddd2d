// Package memory 维护两层记忆：按会话划分的有界短期窗口，以及只追加的长期日志。
//
// 短期窗口决定模型在每轮请求中能看到的上下文，系统消息被固定，其余消息按 FIFO 淘汰。
// 长期日志是事实来源，窗口丢失后可以通过 Manager.Rebuild 从日志尾部重建。
// 日志后端可以是 JSON Lines 文件、SQLite 或 MySQL，三者遵循同一个 Store 约定。
package memory
