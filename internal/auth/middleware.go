package auth

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	xerrors "santosobot/internal/errors"
	"santosobot/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// AuditEvent 指定记录审计日志时使用的事件名称，默认使用请求路径。
	AuditEvent string
	// Public 返回 true 的请求无需认证，例如健康检查。
	Public func(*http.Request) bool
	// QueryParam 非空时允许通过查询参数传递 token，供无法设置请求头的 WebSocket 客户端使用。
	QueryParam string
}

// Middleware 返回一个 HTTP 中间件，负责认证并为每个请求写审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var subject *Subject
			if s.Enabled() && (cfg.Public == nil || !cfg.Public(r)) {
				credential := r.Header.Get("Authorization")
				if credential == "" && cfg.QueryParam != "" {
					credential = r.URL.Query().Get(cfg.QueryParam)
				}
				var err error
				subject, err = s.Authenticate(credential)
				if err != nil {
					writeUnauthorized(w, err)
					s.auditLogger().Warn("access_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", http.StatusUnauthorized,
						"error", err.Error(),
						"remote", r.RemoteAddr,
					)
					return
				}
			}

			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			keyID := ""
			if subject != nil {
				keyID = subject.KeyID
			}
			s.auditLogger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"key_id", keyID,
			)
		})
	}
}

func (s *Service) auditLogger() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="santosobot"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeUnauthorized),
			"message": err.Error(),
		},
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack 透传底层连接，WebSocket 升级依赖它。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap 供 http.ResponseController 访问底层 ResponseWriter。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
