package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/config"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/resilience"
)

// DeepgramClient implements Transcriber with Deepgram's prerecorded API.
// Each utterance is uploaded as a 16-bit mono WAV.
type DeepgramClient struct {
	client         *api.Client
	options        *interfaces.PreRecordedTranscriptionOptions
	sampleRate     int
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewDeepgramClient creates a Deepgram transcriber from the DEEPGRAM_* settings
func NewDeepgramClient(cfg *config.Config, metrics *observability.Metrics) (*DeepgramClient, error) {
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("%w: DEEPGRAM_API_KEY not set", ErrUnavailable)
	}

	breaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.Observe(func(name string, state resilience.CircuitState, failed bool) {
		metrics.UpdateCircuitBreakerState(name, int(state))
		if failed {
			metrics.IncrementCircuitBreakerFailures(name)
		}
	})

	rest := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	return &DeepgramClient{
		client: api.New(rest),
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:       cfg.DeepgramModel,
			Language:    cfg.DeepgramLanguage,
			Punctuate:   true,
			SmartFormat: true,
			Utterances:  true,
		},
		sampleRate:     cfg.SampleRate,
		circuitBreaker: breaker,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryBackoff(),
			MaxBackoff:        resilience.DefaultRetryConfig().MaxBackoff,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		metrics: metrics,
		logger:  observability.ForComponent("stt").With().Str("model", cfg.DeepgramModel).Logger(),
	}, nil
}

// HealthCheck reports unhealthy while the recognition breaker is open.
// It makes no API call.
func (d *DeepgramClient) HealthCheck(ctx context.Context) (bool, error) {
	if err := d.circuitBreaker.Healthy(); err != nil {
		return false, err
	}
	return true, nil
}

// Transcribe implements Transcriber
func (d *DeepgramClient) Transcribe(ctx context.Context, samples []int16, onSegment func(string)) error {
	if len(samples) == 0 {
		return nil
	}

	var wav bytes.Buffer
	if err := audio.WriteWAV(&wav, samples, d.sampleRate); err != nil {
		return fmt.Errorf("encode utterance: %w", err)
	}
	body := wav.Bytes()

	start := time.Now()
	var raw []byte
	err := d.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func() error {
			res, err := d.client.FromStream(ctx, bytes.NewReader(body), d.options)
			if err != nil {
				return err
			}
			raw, err = json.Marshal(res)
			return err
		}, d.retryConfig, resilience.IsRetryableNetworkError)
	})
	d.metrics.RecordRecognition(time.Since(start), err == nil)
	if err != nil {
		d.metrics.RecordError("transcription_failed", "stt")
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("deepgram transcription failed: %w", err)
	}

	segments, err := segmentsFromResponse(raw)
	if err != nil {
		return err
	}
	d.logger.Debug().
		Int("samples", len(samples)).
		Int("segments", len(segments)).
		Dur("latency", time.Since(start)).
		Msg("Utterance transcribed")

	if onSegment != nil {
		for _, s := range segments {
			onSegment(s)
		}
	}
	return nil
}

// prerecordedResponse is the subset of a prerecorded response that carries text
type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Transcript string `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

// segmentsFromResponse prefers per-utterance segments and falls back to the
// best alternative of the first channel
func segmentsFromResponse(raw []byte) ([]string, error) {
	var resp prerecordedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}

	var segments []string
	for _, u := range resp.Results.Utterances {
		if t := strings.TrimSpace(u.Transcript); t != "" {
			segments = append(segments, t)
		}
	}
	if len(segments) > 0 {
		return segments, nil
	}

	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return nil, ErrNoSpeech
	}
	if t := strings.TrimSpace(resp.Results.Channels[0].Alternatives[0].Transcript); t != "" {
		segments = append(segments, t)
	}
	return segments, nil
}
