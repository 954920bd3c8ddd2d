package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Wrap(CodeProvider, cause, "call provider", WithMetadata("attempts", "2"))

	if !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if got := err.Error(); got != "[PROVIDER_ERROR] call provider: context deadline exceeded" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := err.Metadata()["attempts"]; got != "2" {
		t.Fatalf("metadata attempts = %q", got)
	}

	wrapped := fmt.Errorf("turn aborted: %w", err)
	if CodeOf(wrapped) != CodeProvider {
		t.Fatalf("CodeOf through fmt wrapping = %s", CodeOf(wrapped))
	}
	if !IsProvider(wrapped) {
		t.Fatalf("expected provider classification")
	}
	if !stdErrors.Is(wrapped, New(CodeProvider, "")) {
		t.Fatalf("errors.Is should match on code")
	}
}

func TestAttributeDefaultsAndOverrides(t *testing.T) {
	busy := New(CodeSessionBusy, "")
	if busy.Message() != "session busy" {
		t.Fatalf("default message = %q", busy.Message())
	}
	if !busy.Retryable() || busy.ShouldAlert() {
		t.Fatalf("session busy should be retryable and silent")
	}

	auth := New(CodeProviderAuth, "401 from upstream")
	if !ShouldAlert(auth) || RetryableError(auth) {
		t.Fatalf("provider auth should alert and never retry")
	}
	if SeverityOf(auth) != SeverityCritical {
		t.Fatalf("severity = %s", SeverityOf(auth))
	}

	quiet := New(CodeProvider, "flaky", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if quiet.Retryable() || quiet.ShouldAlert() || quiet.Severity() != SeverityInfo {
		t.Fatalf("options should override registry attributes")
	}
}

func TestUnknownErrors(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain error code = %s", CodeOf(plain))
	}
	if RetryableError(plain) || ShouldAlert(plain) || IsProvider(plain) {
		t.Fatalf("plain errors carry no attributes")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("nil is not an *Error")
	}
	if attr := AttributesOf("NEVER_REGISTERED"); attr.Message != "unknown error" {
		t.Fatalf("unregistered code should fall back to UNKNOWN, got %q", attr.Message)
	}

	var nilErr *Error
	if nilErr.Code() != CodeUnknown || nilErr.Error() != "" || nilErr.Retryable() {
		t.Fatalf("nil *Error should be inert")
	}
}

func TestRegister(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	err := New(code, "")
	if err.Message() != "custom" || !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("registered attributes not applied: %+v", err)
	}
}
