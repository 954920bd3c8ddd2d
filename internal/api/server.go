package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"santosobot/internal/agent"
	"santosobot/internal/auth"
	"santosobot/internal/config"
	"santosobot/internal/observability/metrics"
	"santosobot/pkg/logger"
)

// DefaultSession 是未指定会话时网关使用的会话标识。
const DefaultSession = "gateway:default"

// Channel 是网关轮次在指标与会话表中的渠道名。
const Channel = "gateway"

// Server 通过 HTTP 与 WebSocket 暴露智能体。
type Server struct {
	cfg      config.GatewayConfig
	agent    *agent.Agent
	auth     *auth.Service
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time
	upgrader websocket.Upgrader
}

// Option 调整 Server。
type Option func(*Server)

// WithAuth 启用 API Key 校验与审计。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithMetrics 记录 HTTP 请求指标。
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer 构造网关实例。
func NewServer(cfg config.GatewayConfig, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		agent:  ag,
		logger: logger.Named("api"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ModelID == "" {
		s.cfg.ModelID = config.Default().Gateway.ModelID
	}
	if s.auth == nil {
		s.auth = auth.NewStatic(nil)
	}
	s.started = s.now()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// 网关面向本机与受信任客户端，鉴权由 API Key 完成。
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Handler 返回 HTTP 端口上的全部路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /skills", s.handleSkills)
	mux.HandleFunc("GET /memory", s.handleListMemory)
	mux.HandleFunc("POST /memory", s.handleAppendMemory)

	authed := s.auth.Middleware(auth.MiddlewareConfig{
		AuditEvent: "gateway_http",
		Public:     isPublic,
	})(mux)
	return s.instrument(authed)
}

// WSHandler 返回 WebSocket 端口上的路由。
func (s *Server) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	authed := s.auth.Middleware(auth.MiddlewareConfig{
		AuditEvent: "gateway_ws",
		QueryParam: "token",
	})(mux)
	return s.instrument(authed)
}

// Start 监听配置的 HTTP 与 WebSocket 地址，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		httpLn.Close()
		return err
	}
	s.logger.Info("gateway listening", "http", httpLn.Addr().String(), "ws", wsLn.Addr().String())
	return s.Serve(ctx, httpLn, wsLn)
}

// Serve 在已有的监听器上运行网关。
func (s *Server) Serve(ctx context.Context, httpLn, wsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, httpLn, s.Handler()) })
	g.Go(func() error { return serve(gctx, wsLn, s.WSHandler()) })
	return g.Wait()
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           withContext(ctx, handler),
		ReadHeaderTimeout: 5 * time.Second,
		// 被劫持的 WebSocket 连接只能通过 BaseContext 感知关闭。
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录请求指标。路径标签只取已知路由，避免高基数。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(r.Method, routeLabel(r.URL.Path), sw.status, time.Since(start))
	})
}

func isPublic(r *http.Request) bool {
	return r.URL.Path == "/" || r.URL.Path == "/health"
}

func routeLabel(path string) string {
	switch path {
	case "/", "/health", "/chat/completions", "/v1/chat/completions", "/skills", "/memory", "/ws":
		return path
	default:
		return "other"
	}
}
