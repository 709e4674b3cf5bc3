package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted("loopback")
	m.SessionFinished("closed", time.Second)
	m.Chunk("accepted")
	m.ProviderRequest("http", "ok", time.Millisecond)
	m.ProviderRetry("http")
	m.Command("free_text", true)
	m.CodeLookup("miss")
	m.HTTPRequest("GET", "/health", 200)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.SessionStarted("loopback")
	m.SessionStarted("loopback")
	m.SessionFinished("closed", 3*time.Second)
	m.Command("free_text", true)
	m.Command("free_text", false)
	m.Command("free_text", false)

	if got := testutil.ToFloat64(m.SessionsStarted.WithLabelValues("loopback")); got != 2 {
		t.Errorf("expected 2 sessions started, got %v", got)
	}
	if got := testutil.ToFloat64(m.OpenSessions); got != 1 {
		t.Errorf("expected 1 open session, got %v", got)
	}
	if got := testutil.ToFloat64(m.Commands.WithLabelValues("free_text", "true")); got != 2 {
		t.Errorf("expected 2 confirmed commands, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.Chunk("accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `voicedoc_chunks_total{result="accepted"} 1`) {
		t.Errorf("expected chunk counter in exposition, got:\n%s", body)
	}
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "voicedoc", "test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "test")
	if ctx == nil {
		t.Fatal("expected context")
	}
	EndSpan(span, errors.New("boom"))
}
