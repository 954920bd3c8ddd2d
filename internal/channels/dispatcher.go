package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"santosobot/internal/agent"
	"santosobot/internal/bus"
	xerrors "santosobot/internal/errors"
	"santosobot/pkg/logger"
)

// Runner executes agent turns. *agent.Agent satisfies it.
type Runner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest, opts ...agent.TurnOption) (agent.TurnResponse, error)
	Reset(ctx context.Context, sessionID string) error
}

var _ Runner = (*agent.Agent)(nil)

const (
	startReply = "Hi! I'm Santoso, your personal assistant. Send me a message to get started, or /reset to start over."
	resetReply = "Session reset. Long-term memory is kept."
)

// Dispatcher consumes inbound bus messages and replies through the bus.
// Messages are queued per session so a busy session only delays itself;
// workers bounds how many sessions run a turn at the same time.
type Dispatcher struct {
	bus     *bus.Bus
	runner  Runner
	workers int
	logger  *slog.Logger

	mu    sync.Mutex
	boxes map[string]*mailbox
	slots chan struct{}
	wg    sync.WaitGroup
}

// mailbox holds the messages of one session that have not been handled yet.
type mailbox struct {
	pending []bus.InboundMessage
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets how many sessions may run a turn concurrently.
// Turns for the same session always run one at a time, in arrival order.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(b *bus.Bus, r Runner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{bus: b, runner: r, workers: 4, logger: logger.Named("dispatcher"), boxes: map[string]*mailbox{}}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.slots = make(chan struct{}, d.workers)
	return d
}

// Run blocks until ctx is done. A single consumer keeps bus order, and every
// session with pending messages gets its own drain goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", d.workers)
	err := d.bus.ConsumeInbound(ctx, 1, func(ctx context.Context, msg bus.InboundMessage) error {
		d.enqueue(ctx, msg)
		return nil
	})
	d.wg.Wait()
	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	d.mu.Lock()
	defer d.mu.Unlock()
	if box, ok := d.boxes[key]; ok {
		box.pending = append(box.pending, msg)
		return
	}
	box := &mailbox{pending: []bus.InboundMessage{msg}}
	d.boxes[key] = box
	d.wg.Add(1)
	go d.drain(ctx, key, box)
}

// drain handles a session's messages until its mailbox is empty.
// Messages still queued when ctx ends are dropped.
func (d *Dispatcher) drain(ctx context.Context, key string, box *mailbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(box.pending) == 0 || ctx.Err() != nil {
			if n := len(box.pending); n > 0 {
				d.logger.Warn("dropping queued messages on shutdown", "session_id", key, "count", n)
			}
			delete(d.boxes, key)
			d.mu.Unlock()
			return
		}
		msg := box.pending[0]
		box.pending = box.pending[1:]
		d.mu.Unlock()

		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		if err := d.Handle(ctx, msg); err != nil {
			d.logger.Warn("handle inbound message", "session_id", key, "error", err)
		}
		<-d.slots
	}
}

// Handle processes one inbound message. Failures are rendered into the
// reply so the user always hears back.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) error {
	sessionID := msg.SessionKey()
	out := bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		ReplyTo:  msg.ID,
		Metadata: map[string]string{},
	}
	if id := msg.Metadata["message_id"]; id != "" {
		out.Metadata["message_id"] = id
	}

	switch command(msg.Content) {
	case "/start":
		out.Content = startReply
	case "/reset":
		if err := d.runner.Reset(ctx, sessionID); err != nil {
			out.Content = FailureText(err)
		} else {
			out.Content = resetReply
		}
	default:
		resp, err := d.runner.RunTurn(ctx, agent.TurnRequest{
			SessionID:   sessionID,
			Channel:     msg.Channel,
			ChatID:      msg.ChatID,
			Content:     msg.Content,
			Attachments: msg.Media,
			Mode:        agent.ModeQueue,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return err
			}
			d.logger.Warn("turn failed", "session_id", sessionID, "error", err)
			out.Content = FailureText(err)
			out.Metadata["error_code"] = string(xerrors.CodeOf(err))
		} else {
			out.Content = resp.Message.Content
			out.Metadata["truncated"] = strconv.FormatBool(resp.Truncated)
		}
	}

	if err := d.bus.PublishOutbound(ctx, out); err != nil {
		return fmt.Errorf("publish reply for %s: %w", sessionID, err)
	}
	return nil
}

// command returns the leading slash command, without any @botname suffix.
func command(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}

// FailureText renders a turn error for people. The session is always kept.
func FailureText(err error) string {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeSessionBusy:
		return "I'm still working on your previous message. Please try again in a moment."
	case xerrors.CodeProvider, xerrors.CodeRetriesExhausted:
		return "The language model is unavailable right now. Your conversation is saved, please try again."
	case xerrors.CodeProviderAuth:
		return "The language model rejected the configured credentials. Check provider.api_key."
	case xerrors.CodeCancelled:
		return "Request cancelled."
	case xerrors.CodeInvalidArgument:
		if e, ok := xerrors.From(err); ok {
			return "Invalid request: " + e.Message()
		}
	}
	return "Something went wrong: " + err.Error()
}
