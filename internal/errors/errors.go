package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCancelled             Code = "CANCELLED"

	// 以下错误码构成智能体运行时的错误分类。
	CodeProvider           Code = "PROVIDER_ERROR"
	CodeProviderAuth       Code = "PROVIDER_AUTH"
	CodeToolExecution      Code = "TOOL_EXECUTION"
	CodeWorkspaceViolation Code = "WORKSPACE_VIOLATION"
	CodePrecondition       Code = "PRECONDITION"
	CodeMemory             Code = "MEMORY_ERROR"
	CodeSessionBusy        Code = "SESSION_BUSY"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityWarning},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeCancelled:             {Message: "operation cancelled", Severity: SeverityInfo},

		CodeProvider:           {Message: "provider request failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeProviderAuth:       {Message: "provider rejected credentials", Severity: SeverityCritical, Alert: true},
		CodeToolExecution:      {Message: "tool execution failed", Severity: SeverityInfo},
		CodeWorkspaceViolation: {Message: "path escapes workspace", Severity: SeverityWarning},
		CodePrecondition:       {Message: "precondition failed", Severity: SeverityInfo},
		CodeMemory:             {Message: "memory persistence failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeSessionBusy:        {Message: "session busy", Severity: SeverityInfo, Retryable: true},
	}
)

// Register 在初始化阶段登记或覆盖错误码的默认属性。
// 已创建的错误保留创建时的属性。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。属性在创建时从注册表取得，再由 Option 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	attr     Attributes
}

// Option 调整单个错误的属性。
type Option func(*Error)

// WithMetadata 附加一条键值信息，随告警一起发送。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attr.Retryable = retryable }
}

// WithAlert 覆盖是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attr.Alert = alert }
}

// WithSeverity 覆盖严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attr.Severity = sev }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	attr := AttributesOf(code)
	if message == "" {
		message = attr.Message
	}
	e := &Error{code: code, message: message, attr: attr}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，并保留 cause 供 errors.Is / errors.As 继续匹配。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，errors.Is(err, New(CodeX, "")) 即可判断类别。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 时为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的描述，适合直接展示给调用方。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool { return e != nil && e.attr.Retryable }

func (e *Error) ShouldAlert() bool { return e != nil && e.attr.Alert }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attr.Severity
}

// From 沿错误链查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上第一个 *Error 的错误码。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// RetryableError 判断任意 error 是否可重试，普通错误视为不可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度，普通错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// IsProvider 判断错误是否属于模型提供方故障，这类错误会中止当前轮次。
func IsProvider(err error) bool {
	switch CodeOf(err) {
	case CodeProvider, CodeProviderAuth, CodeRetriesExhausted:
		return true
	default:
		return false
	}
}
