package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"santosobot/internal/agent"
	xerrors "santosobot/internal/errors"
)

const (
	wsWriteWait     = 10 * time.Second
	wsMaxFrameBytes = 1 << 20
	frameError      = "error"
)

// WSRequest 是客户端发送的一帧。
type WSRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// WSError 是推送给客户端的错误帧，其余帧直接使用 agent.Event。
type WSError struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Error     errorBody `json:"error"`
}

type inbound struct {
	req WSRequest
	err error
}

type turnOutcome struct {
	resp agent.TurnResponse
	err  error
}

// handleWS 在一条连接上依次执行轮次。连接关闭会取消正在运行的轮次，
// 轮次运行期间收到的新消息以 SESSION_BUSY 拒绝。
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan inbound)
	go s.readFrames(ctx, cancel, conn, frames)

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-frames:
			if !s.serveFrame(ctx, conn, in, frames) {
				return
			}
		}
	}
}

// readFrames 是连接上唯一的读者，读失败即视为连接关闭。
func (s *Server) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, frames chan<- inbound) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in.req); err != nil {
			in.err = xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid frame")
		}
		select {
		case frames <- in:
		case <-ctx.Done():
			return
		}
	}
}

// serveFrame 处理一帧请求，返回 false 表示连接已不可写。
func (s *Server) serveFrame(ctx context.Context, conn *websocket.Conn, in inbound, frames <-chan inbound) bool {
	sessionID := SessionKey(in.req.SessionID)
	if in.err == nil && strings.TrimSpace(in.req.Message) == "" {
		in.err = xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	if in.err != nil {
		return s.writeWSError(conn, sessionID, in.err) == nil
	}
	if s.agent == nil {
		return s.writeWSError(conn, sessionID, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化")) == nil
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	events := make(chan agent.Event)
	done := make(chan turnOutcome, 1)
	go func() {
		resp, err := s.agent.RunTurn(turnCtx, agent.TurnRequest{
			SessionID: sessionID,
			Channel:   Channel,
			ChatID:    strings.TrimPrefix(sessionID, Channel+":"),
			Content:   strings.TrimSpace(in.req.Message),
			Mode:      agent.ModeReject,
		}, agent.WithEvents(events))
		done <- turnOutcome{resp: resp, err: err}
	}()

	writable := true
	for {
		select {
		case ev := <-events:
			if !writable {
				continue
			}
			if err := s.writeWS(conn, ev); err != nil {
				writable = false
				cancelTurn()
			}
		case next := <-frames:
			if !writable {
				continue
			}
			busy := xerrors.New(xerrors.CodeSessionBusy, "session busy",
				xerrors.WithMetadata("session_id", SessionKey(next.req.SessionID)))
			if err := s.writeWSError(conn, SessionKey(next.req.SessionID), busy); err != nil {
				writable = false
				cancelTurn()
			}
		case out := <-done:
			if out.err != nil && writable {
				s.logger.Warn("websocket turn failed", "session_id", sessionID, "error", out.err)
				writable = s.writeWSError(conn, sessionID, out.err) == nil
			}
			return writable
		}
	}
}

func (s *Server) writeWSError(conn *websocket.Conn, sessionID string, err error) error {
	_, body := describe(err)
	return s.writeWS(conn, WSError{Type: frameError, SessionID: sessionID, Error: body})
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
