package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/capture"
	"github.com/lexiqai/duplex-agent/internal/config"
	"github.com/lexiqai/duplex-agent/internal/console"
	"github.com/lexiqai/duplex-agent/internal/generation"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/perf"
	"github.com/lexiqai/duplex-agent/internal/pipeline"
	"github.com/lexiqai/duplex-agent/internal/segment"
	"github.com/lexiqai/duplex-agent/internal/stt"
	"github.com/lexiqai/duplex-agent/internal/synth"
	"github.com/lexiqai/duplex-agent/internal/turn"
)

// broadcaster forwards pipeline events to the stream server once it exists
type broadcaster struct {
	server *capture.StreamServer
}

func (b *broadcaster) Broadcast(ev capture.Event) {
	if b.server != nil {
		b.server.Broadcast(ev)
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("capture_mode", cfg.CaptureMode).
		Str("llm_base_url", cfg.LLMBaseURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Duplex agent starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Agent stopped with error")
	}
	logger.Info().Msg("Agent exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}
	monitor := perf.NewMonitor(observability.ForComponent("perf"))

	// Capabilities degrade to no-ops when unavailable
	var (
		transcriber stt.Transcriber      = stt.Nop{}
		gen         generation.Generator = generation.Nop{}
		admitter    turn.Admitter
		checks      []observability.DependencyCheck
	)
	if dg, err := stt.NewDeepgramClient(cfg, metrics); err != nil {
		logger.Warn().Err(err).Msg("Recognition disabled")
	} else {
		transcriber = dg
		checks = append(checks, observability.DependencyCheck{Name: "recognition", Check: dg.HealthCheck})
	}

	if cfg.LLMBaseURL == "" {
		logger.Warn().Msg("LLM_BASE_URL not set, generation disabled")
	} else {
		llm := generation.NewOpenAIGenerator(cfg, cfg.LLMModel, metrics)
		gen = llm
		admitter = turn.NewMonitorClassifier(generation.NewOpenAIGenerator(cfg, cfg.MonitorModelName(), metrics))
		checks = append(checks, observability.DependencyCheck{Name: "generation", Check: llm.HealthCheck})
	}

	speaker, waitSpeaker := newSpeaker(cfg, metrics, logger)
	defer waitSpeaker()

	persona, err := turn.LoadPersona(cfg.PersonaFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.PersonaFile).Msg("Using default persona")
	}

	frame := time.Duration(cfg.FrameSamples) * time.Second / time.Duration(cfg.SampleRate)
	opts := []turn.Option{
		turn.WithPersona(persona),
		turn.WithHistorySize(cfg.HistorySize),
		turn.WithMetrics(metrics),
		turn.WithCSVPath(cfg.MetricsCSVPath),
		turn.WithEndpointDelay(time.Duration(cfg.SilenceFrames+1) * frame),
	}
	if admitter != nil {
		opts = append(opts, turn.WithAdmitter(admitter))
	}
	controller := turn.NewController(gen, speaker, monitor, opts...)

	queue := audio.NewFrameQueue(cfg.QueueCapacity)
	vad := audio.NewEnergyClassifier(&audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		FrameSize:       cfg.FrameSamples,
	})
	logger.Info().
		Float64("vad_threshold", vad.Threshold()).
		Dur("frame", frame).
		Int("queue_capacity", queue.Cap()).
		Msg("Capture pipeline configured")

	events := &broadcaster{}
	agent := pipeline.New(pipeline.Deps{
		Queue:       queue,
		VAD:         vad,
		Transcriber: transcriber,
		Controller:  controller,
		Speaker:     speaker,
		Monitor:     monitor,
		Metrics:     metrics,
		Notifier:    events,
		Segment: segment.Config{
			SilenceFrames:       cfg.SilenceFrames,
			InterruptFrames:     cfg.InterruptFrames,
			BackchannelChunks:   cfg.BackchannelChunks,
			BackchannelCooldown: cfg.BackchannelCooldown,
		},
		SampleRate: cfg.SampleRate,
	})

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))
	mux.HandleFunc("/api/metrics", monitor.Handler())
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	var streams *capture.StreamServer
	if cfg.CaptureMode != config.CaptureNone {
		streams = capture.NewStreamServer(agent.Sink(), cfg.SampleRate, cfg.FrameSamples, metrics)
		events.server = streams
		metrics.RegisterGauge("stream_sessions", "Connected websocket audio clients",
			func() float64 { return float64(streams.Sessions()) })
		mux.HandleFunc("/streams/audio", streams.Handler())
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/audio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		if streams != nil {
			streams.CloseAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.CaptureMode == config.CaptureDevice {
		device, err := capture.NewDevice(agent.Sink(), cfg.SampleRate, cfg.FrameSamples)
		if err != nil {
			logger.Error().Err(err).Msg("Microphone capture unavailable")
		} else {
			g.Go(func() error {
				if err := device.Run(gctx); err != nil && gctx.Err() == nil {
					logger.Error().Err(err).Msg("Microphone capture stopped")
				}
				return nil
			})
		}
	}

	if cfg.ConsoleEnabled {
		// Scanning stdin cannot be interrupted, so this goroutine is not
		// part of the group. Quit or EOF stops the agent.
		go func() {
			if err := console.New(agent, os.Stdout).Run(gctx, os.Stdin); err != nil {
				logger.Error().Err(err).Msg("Console read failed")
			}
			stop()
		}()
	}

	return g.Wait()
}

// newSpeaker builds the synthesizer and a func that waits for playback to finish
func newSpeaker(cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) (synth.Synthesizer, func()) {
	var player synth.Player
	if cfg.PlaybackDevice {
		device, err := synth.NewDevicePlayer()
		if err != nil {
			logger.Warn().Err(err).Msg("Playback device unavailable, falling back to player command")
		} else {
			player = device
		}
	}

	piper, err := synth.NewPiper(cfg, player, metrics)
	if err != nil {
		logger.Warn().Err(err).Msg("Synthesis disabled")
		return synth.Nop{}, func() {}
	}
	return piper, func() {
		piper.Stop()
		piper.Wait()
	}
}
