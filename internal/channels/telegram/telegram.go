// Package telegram is the Telegram Bot API channel. It long-polls
// getUpdates, publishes accepted messages on the bus and delivers outbound
// replies, splitting them to fit Telegram's message limit.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"santosobot/internal/bus"
	"santosobot/internal/config"
	"santosobot/pkg/logger"
)

// Channel is the bus channel name used by this adapter.
const Channel = "telegram"

// MaxMessageLength is Telegram's limit for one text message, in characters.
const MaxMessageLength = 4096

const defaultAPIBase = "https://api.telegram.org"

// Bot bridges Telegram and the message bus.
type Bot struct {
	token       string
	apiBase     string
	allow       map[string]bool
	pollTimeout time.Duration
	retryDelay  time.Duration
	client      *http.Client
	bus         *bus.Bus
	logger      *slog.Logger
}

// Option configures a Bot.
type Option func(*Bot)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) {
		if c != nil {
			b.client = c
		}
	}
}

// WithLogger sets the bot logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRetryDelay sets the pause after a failed poll.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.retryDelay = d
		}
	}
}

// New creates a bot from configuration.
func New(cfg config.TelegramConfig, b *bus.Bus, opts ...Option) (*Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	poll := time.Duration(cfg.PollTimeout) * time.Second
	if poll <= 0 {
		poll = 60 * time.Second
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, entry := range cfg.AllowFrom {
		entry = strings.TrimPrefix(strings.TrimSpace(entry), "@")
		if entry != "" {
			allow[strings.ToLower(entry)] = true
		}
	}
	bot := &Bot{
		token:       token,
		apiBase:     apiBase,
		allow:       allow,
		pollTimeout: poll,
		retryDelay:  5 * time.Second,
		client:      &http.Client{Timeout: poll + 15*time.Second},
		bus:         b,
		logger:      logger.Named("telegram"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bot)
		}
	}
	return bot, nil
}

// Run polls for updates and delivers replies until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.poll(ctx) })
	g.Go(func() error {
		return b.bus.ConsumeOutbound(ctx, 1, func(ctx context.Context, msg bus.OutboundMessage) error {
			if msg.Channel != Channel {
				b.logger.Debug("dropping outbound message for another channel", "channel", msg.Channel)
				return nil
			}
			return b.Send(ctx, msg)
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bot) poll(ctx context.Context) error {
	offset, err := b.latestOffset(ctx)
	if err != nil {
		b.logger.Warn("could not skip pending updates", "error", err)
	}
	b.logger.Info("telegram channel started", "offset", offset)

	for {
		updates, err := b.getUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.retryDelay):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			b.handleUpdate(ctx, u)
		}
	}
}

// latestOffset returns the offset that skips updates received while the
// bot was offline.
func (b *Bot) latestOffset(ctx context.Context) (int64, error) {
	q := url.Values{"offset": {"-1"}, "limit": {"1"}, "timeout": {"0"}}
	var updates []update
	if err := b.call(ctx, http.MethodGet, "getUpdates", q, nil, &updates); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	return updates[len(updates)-1].UpdateID + 1, nil
}

func (b *Bot) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, error) {
	q := url.Values{
		"timeout":         {strconv.Itoa(int(timeout / time.Second))},
		"allowed_updates": {`["message"]`},
	}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	var updates []update
	err := b.call(ctx, http.MethodGet, "getUpdates", q, nil, &updates)
	return updates, err
}

func (b *Bot) handleUpdate(ctx context.Context, u update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if !b.allowed(msg.From) {
		b.logger.Debug("sender not in allow list", "sender", senderID(msg.From))
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	meta := map[string]string{"message_id": strconv.FormatInt(msg.MessageID, 10)}
	if msg.From != nil && msg.From.Username != "" {
		meta["username"] = msg.From.Username
	}
	in := bus.InboundMessage{
		Channel:  Channel,
		SenderID: senderID(msg.From),
		ChatID:   chatID,
		Content:  msg.Text,
		Metadata: meta,
	}
	b.logger.Info("message received", "chat_id", chatID, "sender", in.SenderID)
	_ = b.sendChatAction(ctx, msg.Chat.ID, "typing")
	if err := b.bus.PublishInbound(ctx, in); err != nil {
		b.logger.Error("publish inbound failed", "chat_id", chatID, "error", err)
	}
}

// allowed checks the sender against allow_from by numeric id or username.
// An empty list admits everyone.
func (b *Bot) allowed(from *user) bool {
	if len(b.allow) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	if b.allow[strconv.FormatInt(from.ID, 10)] {
		return true
	}
	return from.Username != "" && b.allow[strings.ToLower(from.Username)]
}

// Send delivers one reply, split into as many messages as needed.
func (b *Bot) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", msg.ChatID)
	}
	var replyTo int64
	if id, err := strconv.ParseInt(msg.Metadata["message_id"], 10, 64); err == nil {
		replyTo = id
	}
	for i, chunk := range Split(msg.Content, MaxMessageLength) {
		req := sendMessageRequest{ChatID: chatID, Text: chunk}
		if i == 0 && replyTo > 0 {
			req.ReplyToMessageID = replyTo
		}
		if err := b.call(ctx, http.MethodPost, "sendMessage", nil, req, nil); err != nil {
			return fmt.Errorf("send message to %d: %w", chatID, err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.call(ctx, http.MethodPost, "sendChatAction", nil, chatActionRequest{ChatID: chatID, Action: action}, nil)
}

// call performs one Bot API request and decodes the result field into out.
func (b *Bot) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	target := fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, endpoint)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return redactToken(err, b.token)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response (HTTP %d): %w", endpoint, resp.StatusCode, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: telegram error %d: %s", endpoint, envelope.ErrorCode, envelope.Description)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", endpoint, err)
		}
	}
	return nil
}

func redactToken(err error, token string) error {
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

func senderID(from *user) string {
	if from == nil {
		return ""
	}
	id := strconv.FormatInt(from.ID, 10)
	if from.Username != "" {
		return id + "|" + from.Username
	}
	return id
}

// Split breaks content into chunks of at most limit characters, preferring
// line breaks and then spaces as cut points.
func Split(content string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	var (
		chunks  []string
		current []rune
	)
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}
	for _, line := range strings.Split(content, "\n") {
		runes := []rune(line)
		sep := 0
		if len(current) > 0 {
			sep = 1
		}
		if len(current)+sep+len(runes) <= limit {
			if sep == 1 {
				current = append(current, '\n')
			}
			current = append(current, runes...)
			continue
		}
		flush()
		for len(runes) > limit {
			cut := limit
			for i := limit; i > 0; i-- {
				if runes[i] == ' ' {
					cut = i
					break
				}
			}
			chunks = append(chunks, string(runes[:cut]))
			if cut < len(runes) && runes[cut] == ' ' {
				cut++
			}
			runes = runes[cut:]
		}
		current = append(current, runes...)
	}
	flush()
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
