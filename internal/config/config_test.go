package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	os.Setenv("LLM_BASE_URL", "http://llm.local/v1")
	defer os.Unsetenv("DEEPGRAM_API_KEY")
	defer os.Unsetenv("LLM_BASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}

	if cfg.LLMBaseURL != "http://llm.local/v1" {
		t.Errorf("Expected LLMBaseURL 'http://llm.local/v1', got '%s'", cfg.LLMBaseURL)
	}
}

func TestLoad_NoCredentialsRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("LLM_API_KEY")

	if _, err := Load(); err != nil {
		t.Errorf("Expected missing credentials to be allowed, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.DeepgramLanguage != "en" {
		t.Errorf("Expected default DeepgramLanguage 'en', got '%s'", cfg.DeepgramLanguage)
	}

	if cfg.SampleRate != 16000 {
		t.Errorf("Expected default SampleRate 16000, got %d", cfg.SampleRate)
	}

	if cfg.FrameSamples != 512 {
		t.Errorf("Expected default FrameSamples 512, got %d", cfg.FrameSamples)
	}

	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500.0, got %f", cfg.VADEnergyThreshold)
	}

	if cfg.SilenceFrames != 17 {
		t.Errorf("Expected default SilenceFrames 17, got %d", cfg.SilenceFrames)
	}

	if cfg.InterruptFrames != 8 {
		t.Errorf("Expected default InterruptFrames 8, got %d", cfg.InterruptFrames)
	}

	if cfg.BackchannelChunks != 120 {
		t.Errorf("Expected default BackchannelChunks 120, got %d", cfg.BackchannelChunks)
	}

	if cfg.BackchannelCooldown != 4*time.Second {
		t.Errorf("Expected default BackchannelCooldown 4s, got %s", cfg.BackchannelCooldown)
	}

	if cfg.HistorySize != 5 {
		t.Errorf("Expected default HistorySize 5, got %d", cfg.HistorySize)
	}

	if cfg.MetricsCSVPath != "benchmark_results.csv" {
		t.Errorf("Expected default MetricsCSVPath 'benchmark_results.csv', got '%s'", cfg.MetricsCSVPath)
	}

	if cfg.CaptureMode != CaptureWebSocket {
		t.Errorf("Expected default CaptureMode 'websocket', got '%s'", cfg.CaptureMode)
	}

	if !cfg.ConsoleEnabled {
		t.Error("Expected ConsoleEnabled to default to true")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	os.Setenv("SILENCE_FRAMES", "25")
	os.Setenv("BACKCHANNEL_COOLDOWN", "2500ms")
	defer os.Unsetenv("SILENCE_FRAMES")
	defer os.Unsetenv("BACKCHANNEL_COOLDOWN")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.SilenceFrames != 25 {
		t.Errorf("Expected SilenceFrames 25, got %d", cfg.SilenceFrames)
	}
	if cfg.BackchannelCooldown != 2500*time.Millisecond {
		t.Errorf("Expected BackchannelCooldown 2.5s, got %s", cfg.BackchannelCooldown)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	os.Setenv("CAPTURE_MODE", "carrier-pigeon")
	_, err := LoadFromEnv()
	os.Unsetenv("CAPTURE_MODE")
	if err == nil {
		t.Error("Expected error for unknown capture mode")
	}

	os.Setenv("HISTORY_SIZE", "0")
	_, err = LoadFromEnv()
	os.Unsetenv("HISTORY_SIZE")
	if err == nil {
		t.Error("Expected error for zero history size")
	}

	os.Setenv("SAMPLE_RATE", "not-a-number")
	_, err = LoadFromEnv()
	os.Unsetenv("SAMPLE_RATE")
	if err == nil {
		t.Error("Expected error for malformed integer")
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.BreakerResetTimeout() != 30*time.Second {
		t.Errorf("Expected default reset timeout 30s, got %s", cfg.BreakerResetTimeout())
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryBackoff() != 100*time.Millisecond {
		t.Errorf("Expected default retry backoff 100ms, got %s", cfg.RetryBackoff())
	}
}

func TestConfig_MonitorModelName(t *testing.T) {
	cfg := &Config{LLMModel: "main"}
	if cfg.MonitorModelName() != "main" {
		t.Errorf("Expected monitor model to fall back to 'main', got '%s'", cfg.MonitorModelName())
	}

	cfg.MonitorModel = "small"
	if cfg.MonitorModelName() != "small" {
		t.Errorf("Expected monitor model 'small', got '%s'", cfg.MonitorModelName())
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
