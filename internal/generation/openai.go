package generation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/duplex-agent/internal/config"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/resilience"
)

// StopSequence terminates an assistant turn in ChatML prompts
const StopSequence = "<|im_end|>"

// OpenAIGenerator streams completions from an OpenAI-compatible server
// (llama.cpp, vLLM, Ollama). Opening the stream is protected by a circuit
// breaker and retried on transient errors; tokens are never retried.
type OpenAIGenerator struct {
	client         *openai.Client
	model          string
	maxTokens      int
	temperature    float32
	penalty        float32
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewOpenAIGenerator creates a generator for model using the LLM_* settings
func NewOpenAIGenerator(cfg *config.Config, model string, metrics *observability.Metrics) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		clientConfig.BaseURL = cfg.LLMBaseURL
	}

	breaker := resilience.NewCircuitBreaker("generation:"+model, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.Observe(func(name string, state resilience.CircuitState, failed bool) {
		metrics.UpdateCircuitBreakerState(name, int(state))
		if failed {
			metrics.IncrementCircuitBreakerFailures(name)
		}
	})

	return &OpenAIGenerator{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          model,
		maxTokens:      cfg.LLMMaxTokens,
		temperature:    cfg.LLMTemperature,
		penalty:        cfg.LLMFrequencyPenalty,
		circuitBreaker: breaker,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryBackoff(),
			MaxBackoff:        resilience.DefaultRetryConfig().MaxBackoff,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		metrics: metrics,
		logger:  observability.ForComponent("generation").With().Str("model", model).Logger(),
	}
}

// Generate implements Generator
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, handle *Handle, onToken func(string)) error {
	req := openai.CompletionRequest{
		Model:            g.model,
		Prompt:           prompt,
		MaxTokens:        g.maxTokens,
		Temperature:      g.temperature,
		FrequencyPenalty: g.penalty,
		Stop:             []string{StopSequence},
		Stream:           true,
	}

	var stream *openai.CompletionStream
	err := g.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func() error {
			s, err := g.client.CreateCompletionStream(ctx, req)
			if err != nil {
				return markRetryable(err)
			}
			stream = s
			return nil
		}, g.retryConfig, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		g.metrics.RecordError("stream_open", "generation")
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	for {
		if handle.Aborted() {
			g.logger.Debug().Int("tokens", handle.Tokens()).Msg("Generation aborted")
			return nil
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if handle.Aborted() {
				return nil
			}
			g.metrics.RecordError("stream_recv", "generation")
			return fmt.Errorf("completion stream failed after %d tokens: %w", handle.Tokens(), err)
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Text == "" {
			continue
		}
		if !Deliver(handle, resp.Choices[0].Text, onToken) {
			return nil
		}
	}
}

// HealthCheck lists models to verify the server is reachable
func (g *OpenAIGenerator) HealthCheck(ctx context.Context) (bool, error) {
	if err := g.circuitBreaker.Healthy(); err != nil {
		return false, err
	}
	if _, err := g.client.ListModels(ctx); err != nil {
		return false, fmt.Errorf("generation health check failed: %w", err)
	}
	return true, nil
}

// markRetryable flags rate limiting and server-side failures for retry
func markRetryable(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500) {
		return resilience.NewRetryableError(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && (reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500) {
		return resilience.NewRetryableError(err)
	}
	return err
}
