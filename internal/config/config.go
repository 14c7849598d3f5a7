package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Capture modes
const (
	CaptureNone      = "none"      // console only
	CaptureDevice    = "device"    // default microphone (requires the audiodev build tag)
	CaptureWebSocket = "websocket" // PCM frames streamed to /streams/audio
)

// Config holds all configuration for the duplex agent
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Audio capture and framing
	CaptureMode   string `envconfig:"CAPTURE_MODE" default:"websocket"` // none, device, websocket
	SampleRate    int    `envconfig:"SAMPLE_RATE" default:"16000"`
	FrameSamples  int    `envconfig:"FRAME_SAMPLES" default:"512"`   // 32ms at 16kHz
	QueueCapacity int    `envconfig:"QUEUE_CAPACITY" default:"256"` // frames

	// Voice activity and segmentation thresholds
	VADEnergyThreshold  float64       `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	SilenceFrames       int           `envconfig:"SILENCE_FRAMES" default:"17"`          // silence run that must be exceeded to end an utterance
	InterruptFrames     int           `envconfig:"INTERRUPT_FRAMES" default:"8"`         // speech run that must be exceeded to barge in
	BackchannelChunks   int           `envconfig:"BACKCHANNEL_CHUNKS" default:"120"`     // speech frames before a filler is considered
	BackchannelCooldown time.Duration `envconfig:"BACKCHANNEL_COOLDOWN" default:"4s"`

	// Dialogue
	HistorySize int    `envconfig:"HISTORY_SIZE" default:"5"`
	PersonaFile string `envconfig:"PERSONA_FILE" default:""` // optional YAML persona

	// Generation backend (any OpenAI-compatible completions server, e.g. llama.cpp)
	LLMBaseURL          string  `envconfig:"LLM_BASE_URL" default:"http://localhost:8081/v1"`
	LLMAPIKey           string  `envconfig:"LLM_API_KEY" default:""`
	LLMModel            string  `envconfig:"LLM_MODEL" default:"qwen2.5-3b-instruct"`
	LLMMaxTokens        int     `envconfig:"LLM_MAX_TOKENS" default:"256"`
	LLMTemperature      float32 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	LLMFrequencyPenalty float32 `envconfig:"LLM_FREQUENCY_PENALTY" default:"0.3"`
	MonitorModel        string  `envconfig:"MONITOR_MODEL" default:""` // admission classifier model; empty reuses LLM_MODEL

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Piper TTS configuration
	PiperPath       string `envconfig:"PIPER_PATH" default:"piper"`
	PiperModel      string `envconfig:"PIPER_MODEL" default:""` // .onnx voice; empty disables synthesis
	PiperSampleRate int    `envconfig:"PIPER_SAMPLE_RATE" default:"22050"`
	PlayerCommand   string `envconfig:"PLAYER_COMMAND" default:"ffplay -nodisp -autoexit -loglevel quiet -f s16le -ar {rate} -ch_layout mono -i -"`
	PlaybackDevice  bool   `envconfig:"PLAYBACK_DEVICE" default:"false"` // play through the sound card (requires the audiodev build tag)

	// Test console on stdin; quit or EOF stops the agent
	ConsoleEnabled bool `envconfig:"CONSOLE_ENABLED" default:"true"`

	// Research metrics
	MetricsCSVPath string `envconfig:"METRICS_CSV_PATH" default:"benchmark_results.csv"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges. Credentials are optional: a missing key
// disables the matching capability instead of failing startup.
func (c *Config) Validate() error {
	switch c.CaptureMode {
	case CaptureNone, CaptureDevice, CaptureWebSocket:
	default:
		return fmt.Errorf("CAPTURE_MODE must be one of none, device, websocket; got %q", c.CaptureMode)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"SAMPLE_RATE", c.SampleRate},
		{"FRAME_SAMPLES", c.FrameSamples},
		{"QUEUE_CAPACITY", c.QueueCapacity},
		{"SILENCE_FRAMES", c.SilenceFrames},
		{"INTERRUPT_FRAMES", c.InterruptFrames},
		{"HISTORY_SIZE", c.HistorySize},
		{"LLM_MAX_TOKENS", c.LLMMaxTokens},
		{"PIPER_SAMPLE_RATE", c.PiperSampleRate},
		{"CIRCUIT_BREAKER_MAX_FAILURES", c.CircuitBreakerMaxFailures},
		{"RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.BackchannelChunks < 0 {
		return fmt.Errorf("BACKCHANNEL_CHUNKS must not be negative, got %d", c.BackchannelChunks)
	}
	if c.BackchannelCooldown < 0 {
		return fmt.Errorf("BACKCHANNEL_COOLDOWN must not be negative, got %s", c.BackchannelCooldown)
	}
	if c.VADEnergyThreshold < 0 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD must not be negative, got %f", c.VADEnergyThreshold)
	}

	return nil
}

// MonitorModelName returns the model used for admission decisions
func (c *Config) MonitorModelName() string {
	if c.MonitorModel != "" {
		return c.MonitorModel
	}
	return c.LLMModel
}

// BreakerResetTimeout returns the circuit breaker recovery delay
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryBackoff returns the initial retry backoff
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}
