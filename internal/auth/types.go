package auth

import (
	"context"
	"errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject identifies the API key that authenticated a request. Keys are
// never stored or logged in clear text; KeyID is a short fingerprint.
type Subject struct {
	KeyID string
}

type subjectKey struct{}

// WithSubject 把通过认证的调用方挂到请求上下文，nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, *subject)
}

// SubjectFromContext 返回请求的调用方；未启用认证或公开路由上为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	if !ok {
		return nil
	}
	return &s
}
