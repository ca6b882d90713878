package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/fleetboard/internal/board"
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/fleetapi"
	"github.com/agentworkforce/fleetboard/internal/roster"
	"github.com/prometheus/client_golang/prometheus"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("FLEETBOARD_TEST_FLOAT", "0.35")
	got := floatEnv("FLEETBOARD_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("FLEETBOARD_TEST_FLOAT_BAD", "oops")
	got := floatEnv("FLEETBOARD_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("FLEETBOARD_TEST_BOOL", "false")
	if boolEnv("FLEETBOARD_TEST_BOOL", true) {
		t.Fatalf("expected false")
	}
	t.Setenv("FLEETBOARD_TEST_BOOL_BAD", "maybe")
	if !boolEnv("FLEETBOARD_TEST_BOOL_BAD", true) {
		t.Fatalf("expected fallback true")
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("FLEETBOARD_TEST_DURATION_BAD", "soon")
	got := durationEnv("FLEETBOARD_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestArchiveDSNFromEnv(t *testing.T) {
	t.Setenv("FLEETBOARD_ARCHIVE_DSN", "")
	t.Setenv("FLEETBOARD_ARCHIVE_PROFILE", "")
	if dsn, err := archiveDSNFromEnv(); err != nil || dsn != "" {
		t.Fatalf("expected no archive by default, got %q, %v", dsn, err)
	}

	t.Setenv("FLEETBOARD_ARCHIVE_PROFILE", "durable-local")
	t.Setenv("FLEETBOARD_DATA_DIR", "/var/lib/fleetboard")
	if dsn, _ := archiveDSNFromEnv(); dsn != "file:///var/lib/fleetboard/archive.json" {
		t.Fatalf("unexpected durable-local dsn %q", dsn)
	}

	t.Setenv("FLEETBOARD_ARCHIVE_PROFILE", "production")
	t.Setenv("FLEETBOARD_POSTGRES_DSN", "")
	if _, err := archiveDSNFromEnv(); err == nil {
		t.Fatalf("expected production profile to require a postgres dsn")
	}

	t.Setenv("FLEETBOARD_ARCHIVE_DSN", "memory://")
	if dsn, _ := archiveDSNFromEnv(); dsn != "memory://" {
		t.Fatalf("expected explicit dsn to win, got %q", dsn)
	}

	t.Setenv("FLEETBOARD_ARCHIVE_DSN", "")
	t.Setenv("FLEETBOARD_ARCHIVE_PROFILE", "tape")
	if _, err := archiveDSNFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fleetboard_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(metricsHandler(registry))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "fleetboard_test_total 1") {
		t.Fatalf("expected counter in output, got %s", body)
	}
}

type stubSource struct {
	err error
}

func (s stubSource) Dashboard(context.Context, string) (roster.Dashboard, error) {
	return roster.Dashboard{Fleet: roster.Fleet{ID: 1}}, s.err
}

type stubChannel struct{}

func (stubChannel) Open(string, string) error  { return nil }
func (stubChannel) Close(string)               {}
func (stubChannel) Current(channel.Event) bool { return true }

func TestNeedsResyncOnlyAfterDisconnect(t *testing.T) {
	failed, err := board.New(board.Options{
		Token:   "tok",
		Source:  stubSource{err: &fleetapi.HTTPError{StatusCode: http.StatusBadGateway}},
		Channel: stubChannel{},
	})
	if err != nil {
		t.Fatalf("new board: %v", err)
	}
	if err := failed.Bootstrap(context.Background()); err == nil {
		t.Fatalf("expected bootstrap failure")
	}
	if failed.Phase() != board.PhaseFailed {
		t.Fatalf("expected failed phase, got %s", failed.Phase())
	}
	if needsResync(failed) {
		t.Fatalf("expected failed bootstrap to wait for a retry request")
	}

	live, err := board.New(board.Options{Token: "tok", Source: stubSource{}, Channel: stubChannel{}})
	if err != nil {
		t.Fatalf("new board: %v", err)
	}
	if err := live.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	live.HandleChannelEvent(channel.Event{Key: live.Key(), Kind: channel.EventConnected})
	if needsResync(live) {
		t.Fatalf("expected connected board not to resync")
	}
	live.HandleChannelEvent(channel.Event{Key: live.Key(), Kind: channel.EventDisconnected})
	if !needsResync(live) {
		t.Fatalf("expected disconnected board to resync")
	}
}
