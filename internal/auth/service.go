package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"

	"santosobot/pkg/logger"
)

// Service 用静态 API Key 校验网关请求。未配置任何 Key 时认证关闭。
type Service struct {
	keys  []keyEntry
	audit *slog.Logger
}

type keyEntry struct {
	digest [sha256.Size]byte
	id     string
}

// Option 调整 Service。
type Option func(*Service)

// WithAuditLogger 替换默认的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewStatic 根据 gateway.api_keys 构造认证服务，空白条目会被忽略。
func NewStatic(keys []string, opts ...Option) *Service {
	svc := &Service{audit: logger.Audit()}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		digest := sha256.Sum256([]byte(key))
		svc.keys = append(svc.keys, keyEntry{
			digest: digest,
			id:     hex.EncodeToString(digest[:4]),
		})
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Enabled 表示是否至少配置了一个 Key。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Authenticate 校验 Authorization 头或裸 token。比较在摘要上以常量时间进行，
// 且总是遍历全部 Key。
func (s *Service) Authenticate(credential string) (*Subject, error) {
	token := bearerToken(credential)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *keyEntry
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			matched = &s.keys[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{KeyID: matched.id}, nil
}

func bearerToken(credential string) string {
	credential = strings.TrimSpace(credential)
	if len(credential) > 7 && strings.EqualFold(credential[:7], "bearer ") {
		return strings.TrimSpace(credential[7:])
	}
	return credential
}
