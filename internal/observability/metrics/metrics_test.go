package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := New()
	c.ObserveTurn("cli", OutcomeOK)
	c.ObserveTurn("cli", OutcomeTruncated)
	c.ObserveTurn("", OutcomeError)
	c.ObserveTool("shell", "timeout")
	c.ObserveTool("shell", "ok")
	c.ObserveTool("shell", "ok")

	if got := testutil.ToFloat64(c.turns.WithLabelValues("cli", OutcomeOK)); got != 1 {
		t.Fatalf("expected 1 ok turn, got %v", got)
	}
	if got := testutil.ToFloat64(c.turns.WithLabelValues("unknown", OutcomeError)); got != 1 {
		t.Fatalf("expected unlabelled channel to be recorded as unknown, got %v", got)
	}
	if got := testutil.ToFloat64(c.truncations); got != 1 {
		t.Fatalf("expected 1 truncation, got %v", got)
	}
	if got := testutil.ToFloat64(c.tools.WithLabelValues("shell", "ok")); got != 2 {
		t.Fatalf("expected 2 ok shell calls, got %v", got)
	}

	done := c.TurnStarted()
	if got := testutil.ToFloat64(c.activeTurns); got != 1 {
		t.Fatalf("expected 1 active turn, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(c.activeTurns); got != 0 {
		t.Fatalf("expected 0 active turns, got %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest(http.MethodPost, "/chat/completions", http.StatusOK, 120*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`santosobot_http_requests_total{method="POST",path="/chat/completions",status="200"} 1`,
		`santosobot_http_request_duration_seconds_count{method="POST",path="/chat/completions"} 1`,
		`# TYPE santosobot_iteration_truncations_total counter`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveTurn("cli", OutcomeOK)
	c.ObserveTool("shell", "ok")
	c.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	c.TurnStarted()()
	if c.Registry() != nil {
		t.Fatal("nil collector should have no registry")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected runtime metrics in exposition")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
