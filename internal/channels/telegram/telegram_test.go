package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"santosobot/internal/bus"
	"santosobot/internal/config"
	"santosobot/pkg/logger"
)

// fakeAPI is a minimal Bot API: it serves queued updates once and records
// every sendMessage and sendChatAction call.
type fakeAPI struct {
	mu      sync.Mutex
	updates []map[string]any
	sent    []sendMessageRequest
	actions []chatActionRequest
	polls   int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/botTEST/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch strings.TrimPrefix(r.URL.Path, "/botTEST/") {
		case "getUpdates":
			f.polls++
			if r.URL.Query().Get("offset") == "-1" {
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{map[string]any{"update_id": 99}}})
				return
			}
			out := f.updates
			f.updates = nil
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": out})
		case "sendMessage":
			var req sendMessageRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.sent = append(f.sent, req)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": len(f.sent)}})
		case "sendChatAction":
			var req chatActionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.actions = append(f.actions, req)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 404, "description": "Not Found"})
		}
	})
}

func textUpdate(id int64, fromID int64, username string, isBot bool, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": id * 10,
			"from":       map[string]any{"id": fromID, "is_bot": isBot, "username": username},
			"chat":       map[string]any{"id": 500, "type": "private"},
			"text":       text,
		},
	}
}

func newBot(t *testing.T, api *fakeAPI, allow []string) (*Bot, *bus.Bus) {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	b := bus.New(bus.NewMemoryQueue(8), logger.Discard())
	t.Cleanup(func() { b.Close() })
	bot, err := New(config.TelegramConfig{Token: "TEST", APIBase: srv.URL, AllowFrom: allow, PollTimeout: 1}, b,
		WithHTTPClient(srv.Client()), WithLogger(logger.Discard()), WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	return bot, b
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.TelegramConfig{}, nil)
	assert.Error(t, err)
}

func TestPollFiltersAndPublishes(t *testing.T) {
	api := &fakeAPI{updates: []map[string]any{
		textUpdate(100, 1, "alice", false, "hello"),
		textUpdate(101, 2, "mallory", false, "let me in"),
		textUpdate(102, 3, "otherbot", true, "beep"),
		textUpdate(103, 4, "Bob", false, "by username"),
	}}
	bot, b := newBot(t, api, []string{"1", "@bob"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan bus.InboundMessage, 4)
	go func() {
		_ = b.ConsumeInbound(ctx, 1, func(_ context.Context, msg bus.InboundMessage) error {
			received <- msg
			return nil
		})
	}()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	var got []bus.InboundMessage
	for len(got) < 2 {
		select {
		case msg := <-received:
			got = append(got, msg)
		case <-time.After(3 * time.Second):
			t.Fatalf("received only %d messages", len(got))
		}
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "telegram:500", got[0].SessionKey())
	assert.Equal(t, "1|alice", got[0].SenderID)
	assert.Equal(t, "1000", got[0].Metadata["message_id"])
	assert.Equal(t, "by username", got[1].Content)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.actions, 2)
	assert.Equal(t, "typing", api.actions[0].Action)
}

func TestSendSplitsLongReplies(t *testing.T) {
	api := &fakeAPI{}
	bot, _ := newBot(t, api, nil)

	long := strings.Repeat("word ", 2000)
	err := bot.Send(context.Background(), bus.OutboundMessage{Channel: Channel, ChatID: "500", Content: long, Metadata: map[string]string{"message_id": "77"}})
	require.NoError(t, err)

	require.Len(t, api.sent, 3)
	assert.Equal(t, int64(77), api.sent[0].ReplyToMessageID)
	assert.Zero(t, api.sent[1].ReplyToMessageID)
	for _, m := range api.sent {
		assert.LessOrEqual(t, utf8.RuneCountInString(m.Text), MaxMessageLength)
		assert.Equal(t, int64(500), m.ChatID)
	}

	assert.Error(t, bot.Send(context.Background(), bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}))
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"short"}, Split("short", 10))
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, Split("aaaa\nbbbb\ncccc", 10))
	assert.Equal(t, []string{"one two", "three"}, Split("one two three", 9))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, Split("abcdefghijk", 5))

	emoji := strings.Repeat("é", 9000)
	for _, chunk := range Split(emoji, MaxMessageLength) {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), MaxMessageLength)
	}
	assert.Len(t, Split(emoji, MaxMessageLength), 3)
}
