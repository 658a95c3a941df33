package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/wakeline/internal/config"
	"github.com/MrWong99/wakeline/internal/health"
	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/pkg/transport"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestMetricsServer_Routes(t *testing.T) {
	t.Parallel()
	cooldown := errors.New("cooling down after 3 failed connects")
	hh := health.New(
		health.ConnectionChecker(func() error { return cooldown }),
		health.AudioChecker(func() error { return nil }),
	).WithDetails(
		health.Detail{Name: "phase", Value: func() string { return "listening" }},
	)
	srv := newMetricsServer(":9464", hh, testMetrics(t))
	if srv.Addr != ":9464" || srv.ReadHeaderTimeout == 0 {
		t.Fatalf("server = %q timeout %v", srv.Addr, srv.ReadHeaderTimeout)
	}

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("metrics", func(t *testing.T) {
		rec := get("/metrics")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "# TYPE") {
			t.Error("body is not in Prometheus exposition format")
		}
		if rec.Header().Get("X-Correlation-ID") == "" {
			t.Error("request was not instrumented")
		}
	})

	t.Run("healthz", func(t *testing.T) {
		rec := get("/healthz")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Details map[string]string `json:"details"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Details["phase"] != "listening" {
			t.Errorf("details = %v", body.Details)
		}
	})

	t.Run("readyz fails during cooldown", func(t *testing.T) {
		rec := get("/readyz")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d; want 503", rec.Code)
		}
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Status != "fail" || body.Checks["audio"] != "ok" || !strings.Contains(body.Checks["connection"], "cooling down") {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d; want 405", rec.Code)
		}
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		color bool
		want  slog.Level
	}{
		{config.LogDebug, false, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, false, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"", false, slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(tt.level, tt.color)
		ctx := context.Background()
		if !l.Enabled(ctx, tt.want) || l.Enabled(ctx, tt.want-1) {
			t.Errorf("newLogger(%q, %v) does not log from %v up", tt.level, tt.color, tt.want)
		}
	}
}

func TestConversationConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Realtime.TurnDetection = transport.TurnDetectionServerVAD

	cc := conversationConfig(cfg)
	if !cc.LocalBargeIn {
		t.Error("local barge-in off by default")
	}
	if cc.Gate.Threshold != cfg.Conversation.BargeIn.Threshold || cc.Gate.Release != cfg.Conversation.BargeIn.Release {
		t.Errorf("gate = %+v", cc.Gate)
	}
	if cc.InputRate != cfg.Realtime.InputSampleRate || cc.OutputRate != cfg.Realtime.OutputSampleRate {
		t.Errorf("rates = %d/%d", cc.InputRate, cc.OutputRate)
	}

	cfg.Conversation.HalfDuplex = true
	if conversationConfig(cfg).LocalBargeIn {
		t.Error("half duplex must disable local barge-in")
	}

	sc := sessionConfig(cfg)
	if sc.TurnDetection != transport.TurnDetectionServerVAD || sc.InputFormat.SampleRate != cfg.Realtime.InputSampleRate {
		t.Errorf("session config = %+v", sc)
	}
}
