// Package bus 在渠道适配器与调度器之间传递入站/出站消息。
// 传输层可以是进程内 channel、Redis list 或 RabbitMQ 队列。
package bus
