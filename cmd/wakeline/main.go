// Command wakeline is a voice assistant that wakes on a spoken phrase and
// holds a realtime conversation with a remote speech-to-speech model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/MrWong99/wakeline/internal/config"
	"github.com/MrWong99/wakeline/internal/connection"
	"github.com/MrWong99/wakeline/internal/conversation"
	"github.com/MrWong99/wakeline/internal/cue"
	"github.com/MrWong99/wakeline/internal/health"
	"github.com/MrWong99/wakeline/internal/music"
	"github.com/MrWong99/wakeline/internal/music/local"
	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/internal/orchestrator"
	"github.com/MrWong99/wakeline/internal/wake"
	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/audio/portaudio"
	"github.com/MrWong99/wakeline/pkg/transport"
	oaitransport "github.com/MrWong99/wakeline/pkg/transport/openai"
	"github.com/MrWong99/wakeline/pkg/wakeword/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFile := flag.StringP("env", "e", ".env", "env file loaded before the config")
	logLevel := flag.StringP("log-level", "l", "", "overrides server.log_level")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "wakeline: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wakeline: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wakeline: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		lvl := config.LogLevel(*logLevel)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "wakeline: invalid --log-level %q\n", *logLevel)
			return 1
		}
		cfg.Server.LogLevel = lvl
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel, cfg.Server.LogColor))
	slog.Info("wakeline starting",
		"version", version,
		"config", *configPath,
		"model", cfg.Realtime.Model,
		"keywords", len(cfg.WakeWord.Keywords),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio ─────────────────────────────────────────────────────────────────
	pa, err := portaudio.Open()
	if err != nil {
		slog.Error("failed to open audio device", "err", err)
		return 1
	}
	defer pa.Close()
	mic := audio.NewExclusive(pa)

	spotter, err := whisper.New(cfg.WakeWord.ModelPath, cfg.WakeWord.EngineKeywords(),
		whisper.WithLanguage(cfg.WakeWord.Language),
		whisper.WithFrameLength(cfg.WakeWord.FrameLength),
		whisper.WithWindow(cfg.WakeWord.Window),
		whisper.WithHop(cfg.WakeWord.Hop),
		whisper.WithSilenceThreshold(cfg.WakeWord.SilenceThreshold),
	)
	if err != nil {
		slog.Error("failed to load wake word model", "path", cfg.WakeWord.ModelPath, "err", err)
		return 1
	}
	defer spotter.Close()
	monitor := wake.New(mic, spotter,
		wake.WithMaxConsecutiveErrors(cfg.Audio.MaxConsecutiveErrors),
		wake.WithMetrics(metrics),
	)

	cues := cue.New(pa, cfg.Realtime.OutputSampleRate, map[cue.Kind]string{
		cue.Wake:    cfg.Cues.Wake,
		cue.Goodbye: cfg.Cues.Goodbye,
		cue.Failure: cfg.Cues.Failure,
	})

	// ── Realtime connection ───────────────────────────────────────────────────
	var dialOpts []oaitransport.Option
	dialOpts = append(dialOpts, oaitransport.WithModel(cfg.Realtime.Model))
	if cfg.Realtime.BaseURL != "" {
		dialOpts = append(dialOpts, oaitransport.WithBaseURL(cfg.Realtime.BaseURL))
	}
	sup := connection.New(oaitransport.New(cfg.Realtime.APIKey, dialOpts...), connection.Policy{
		MaxRetries:       cfg.Connection.MaxRetries,
		Backoff:          cfg.Connection.Backoff,
		MaxBackoff:       cfg.Connection.MaxBackoff,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		Cooldown:         cfg.Connection.Cooldown,
	}, connection.WithMetrics(metrics))

	// ── Music (optional) ──────────────────────────────────────────────────────
	opts := []orchestrator.Option{
		orchestrator.WithCues(cues),
		orchestrator.WithRouter(conversation.NewRouter(cfg.Conversation.EndPhrases)),
		orchestrator.WithMetrics(metrics),
	}
	if cfg.Music.Enabled {
		ctrl, err := newMusic(cfg.Music)
		if err != nil {
			slog.Error("failed to initialise music player", "err", err)
			return 1
		}
		defer ctrl.Close()
		opts = append(opts, orchestrator.WithMusic(ctrl))
	}

	orch := orchestrator.New(mic, monitor, sup, orchestrator.Config{
		Session:       sessionConfig(cfg),
		Conversation:  conversationConfig(cfg),
		FrameDuration: cfg.Audio.FrameDuration,
		DeviceRetries: cfg.Audio.DeviceRetries,
		DeviceBackoff: cfg.Audio.DeviceBackoff,
	}, opts...)

	// ── Metrics and health endpoints ──────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		client := oai.NewClient(option.WithAPIKey(cfg.Realtime.APIKey))
		hh := health.New(
			health.ModelChecker(&client.Models, cfg.Realtime.Model),
			health.ConnectionChecker(sup.Available),
			health.AudioChecker(orch.DeviceErr),
		).WithDetails(
			health.Detail{Name: "phase", Value: func() string { return orch.Phase().String() }},
			health.Detail{Name: "connection", Value: func() string { return sup.State().String() }},
			health.Detail{Name: "last_outcome", Value: orch.LastOutcome},
		)
		srv := newMetricsServer(cfg.Server.MetricsAddr, hh, metrics)
		go func() {
			slog.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	slog.Info("ready, say a wake phrase to start a conversation")
	if err := orch.RunForever(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

func sessionConfig(cfg *config.Config) transport.SessionConfig {
	rt := cfg.Realtime
	return transport.SessionConfig{
		InputFormat:        transport.AudioFormat{SampleRate: rt.InputSampleRate},
		OutputFormat:       transport.AudioFormat{SampleRate: rt.OutputSampleRate},
		Voice:              rt.Voice,
		TranscriptionModel: rt.TranscriptionModel,
		TurnDetection:      rt.TurnDetection,
		Instructions:       rt.Instructions,
	}
}

func conversationConfig(cfg *config.Config) conversation.Config {
	cc := cfg.Conversation
	return conversation.Config{
		SilenceTimeout: cc.SilenceTimeout,
		MaxDuration:    cc.MaxDuration,
		TurnDetection:  cfg.Realtime.TurnDetection,
		HalfDuplex:     cc.HalfDuplex,
		LocalBargeIn:   cc.BargeIn.LocalBargeIn() && !cc.HalfDuplex,
		Gate: audio.GateConfig{
			Threshold: cc.BargeIn.Threshold,
			Attack:    cc.BargeIn.Attack,
			Release:   cc.BargeIn.Release,
		},
		EndAfterMusic:        cc.EndAfterMusic(),
		Greeting:             cfg.Realtime.Greeting,
		InputRate:            cfg.Realtime.InputSampleRate,
		OutputRate:           cfg.Realtime.OutputSampleRate,
		MaxConsecutiveErrors: cfg.Audio.MaxConsecutiveErrors,
	}
}

func newMusic(mc config.MusicConfig) (*music.Controller, error) {
	lib, err := local.Scan(mc.LibraryDir)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", mc.LibraryDir, err)
	}
	p, err := local.New(lib)
	if err != nil {
		return nil, err
	}
	return music.NewController(p), nil
}

func newMetricsServer(addr string, hh *health.Handler, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	hh.Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, color bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if color {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
