package turn

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/duplex-agent/internal/generation"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/perf"
)

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
	err    error

	// onSpeak runs inside Speak, before it returns
	onSpeak func()
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	hook := f.onSpeak
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.err
}

func (f *fakeSpeaker) PlayBackchannel(tag string) {}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeSpeaker) Spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// interruptingGen streams tokens and barges in after the given count
type interruptingGen struct {
	tokens []string
	after  int
	c      *Controller
}

func (g *interruptingGen) Generate(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
	for i, tok := range g.tokens {
		if !generation.Deliver(h, tok, onToken) {
			return nil
		}
		if i+1 == g.after {
			g.c.HandleInterrupt()
		}
	}
	return nil
}

// speakingProbe records AgentSpeaking while tokens stream
type speakingProbe struct {
	c    *Controller
	seen []bool
}

func (p *speakingProbe) Generate(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
	p.seen = append(p.seen, p.c.AgentSpeaking())
	generation.Deliver(h, "ok", onToken)
	return nil
}

func newMonitor() *perf.Monitor {
	return perf.NewMonitor(zerolog.Nop())
}

func TestController_RespondCompletes(t *testing.T) {
	speaker := &fakeSpeaker{}
	mon := newMonitor()
	csv := filepath.Join(t.TempDir(), "turns.csv")
	c := NewController(generation.Static{Tokens: []string{"Sure", ", ", "why not."}}, speaker, mon,
		WithCSVPath(csv), WithEndpointDelay(576*time.Millisecond))

	mon.StartTimer(perf.TimerE2E)
	res := c.Respond(context.Background(), "  can we go?  ", 120*time.Millisecond)

	assert.Equal(t, observability.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Sure, why not.", res.Reply)
	assert.Equal(t, 3, res.Tokens)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"Sure, why not."}, speaker.Spoken())
	assert.False(t, c.AgentSpeaking())

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, Exchange{User: "can we go?", Assistant: "Sure, why not."}, hist[0])

	rows, err := perf.LoadCSV(csv)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, res.TurnID, rows[0].TurnID)
	assert.Equal(t, "can we go?", rows[0].UserText)
	assert.Equal(t, 3, rows[0].Tokens)
	assert.InDelta(t, 120.0, rows[0].ASRLatencyMs, 0.001)
	assert.InDelta(t, 576.0, rows[0].VADLatencyMs, 0.001)
	assert.Greater(t, rows[0].TotalE2EMs, 0.0)
}

func TestController_EmptyInputIsNoop(t *testing.T) {
	speaker := &fakeSpeaker{}
	mon := newMonitor()
	c := NewController(generation.Static{Tokens: []string{"x"}}, speaker, mon)

	res := c.Respond(context.Background(), "   \n", 0)
	assert.Equal(t, OutcomeEmpty, res.Outcome)
	assert.Empty(t, c.History())
	assert.Empty(t, speaker.Spoken())
	assert.Empty(t, mon.Records())
}

func TestController_AbortAfterThirdToken(t *testing.T) {
	speaker := &fakeSpeaker{}
	mon := newMonitor()
	gen := &interruptingGen{
		tokens: []string{"one ", "two ", "three ", "four ", "five ", "six ", "seven ", "eight ", "nine ", "ten"},
		after:  3,
	}
	c := NewController(gen, speaker, mon)
	gen.c = c

	res := c.Respond(context.Background(), "count to ten", 0)

	assert.Equal(t, observability.OutcomeAborted, res.Outcome)
	assert.Equal(t, 3, res.Tokens)
	assert.Empty(t, speaker.Spoken(), "aborted turns are never synthesized")
	assert.Equal(t, 1, speaker.stops)
	assert.False(t, c.AgentSpeaking())

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "one two three ", hist[0].Assistant)

	rows := mon.Records()
	require.Len(t, rows, 1, "aborted turns are still logged")
	assert.Equal(t, 3, rows[0].Tokens)
	assert.Zero(t, rows[0].TTSLatencyMs)
}

func TestController_AgentSpeakingDuringTurn(t *testing.T) {
	probe := &speakingProbe{}
	var speakingWhileSpeaking bool
	speaker := &fakeSpeaker{}
	c := NewController(probe, speaker, newMonitor())
	probe.c = c
	speaker.onSpeak = func() { speakingWhileSpeaking = c.AgentSpeaking() }

	assert.False(t, c.AgentSpeaking())
	c.Respond(context.Background(), "hello", 0)

	assert.Equal(t, []bool{true}, probe.seen)
	assert.True(t, speakingWhileSpeaking, "flag stays set until synthesis returns")
	assert.False(t, c.AgentSpeaking())
}

func TestController_InterruptDuringSynthesis(t *testing.T) {
	speaker := &fakeSpeaker{}
	c := NewController(generation.Static{Tokens: []string{"a long story"}}, speaker, newMonitor())
	speaker.onSpeak = c.HandleInterrupt

	res := c.Respond(context.Background(), "tell me a story", 0)
	assert.Equal(t, observability.OutcomeAborted, res.Outcome)
	assert.False(t, c.AgentSpeaking())
	assert.Equal(t, 1, speaker.stops)
}

// playingSpeaker plays until its context is cancelled; Stop does nothing
type playingSpeaker struct {
	started chan struct{}
}

func (p *playingSpeaker) Speak(ctx context.Context, text string) error {
	close(p.started)
	<-ctx.Done()
	return ctx.Err()
}

func (p *playingSpeaker) PlayBackchannel(tag string) {}
func (p *playingSpeaker) Stop()                      {}

func TestController_InterruptCancelsPlayback(t *testing.T) {
	speaker := &playingSpeaker{started: make(chan struct{})}
	c := NewController(generation.Static{Tokens: []string{"a very long story"}}, speaker, newMonitor())

	done := make(chan Result, 1)
	go func() { done <- c.Respond(context.Background(), "tell me a story", 0) }()

	select {
	case <-speaker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
	c.HandleInterrupt()

	select {
	case res := <-done:
		assert.Equal(t, observability.OutcomeAborted, res.Outcome)
		assert.NoError(t, res.Err, "a cut reply is not a synthesis failure")
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cut playback")
	}
	assert.False(t, c.AgentSpeaking())
}

func TestController_AgentTurnAdvancesPerReply(t *testing.T) {
	c := NewController(generation.Static{Tokens: []string{"ok"}}, &fakeSpeaker{}, newMonitor())
	assert.Equal(t, uint64(0), c.AgentTurn())

	c.Respond(context.Background(), "one", 0)
	c.Respond(context.Background(), "two", 0)
	assert.Equal(t, uint64(2), c.AgentTurn())
}

func TestController_NoPlaybackAfterInterrupt(t *testing.T) {
	c := NewController(generation.Nop{}, &fakeSpeaker{}, newMonitor())

	h := generation.NewHandle()
	h.Abort()
	_, ok := c.beginSpeech(context.Background(), h)
	assert.False(t, ok)

	ctx, ok := c.beginSpeech(context.Background(), generation.NewHandle())
	require.True(t, ok)
	c.HandleInterrupt()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestController_MidStreamFailure(t *testing.T) {
	boom := errors.New("connection reset")
	speaker := &fakeSpeaker{}
	mon := newMonitor()
	c := NewController(generation.Static{Tokens: []string{"Well, ", "the answer is"}, Err: boom}, speaker, mon)

	res := c.Respond(context.Background(), "what is it", 0)

	assert.Equal(t, observability.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, []string{"Well, the answer is"}, speaker.Spoken(), "partial text is still spoken")
	require.Len(t, c.History(), 1)
	assert.Equal(t, "Well, the answer is", c.History()[0].Assistant)
	assert.Len(t, mon.Records(), 1)
	assert.False(t, c.AgentSpeaking())
}

func TestController_FailureWithoutTokens(t *testing.T) {
	speaker := &fakeSpeaker{}
	c := NewController(generation.Static{Err: generation.ErrUnavailable}, speaker, newMonitor())

	res := c.Respond(context.Background(), "hello?", 0)
	assert.Equal(t, observability.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, generation.ErrUnavailable)
	assert.Empty(t, speaker.Spoken())
}

func TestController_SynthesisFailure(t *testing.T) {
	speaker := &fakeSpeaker{err: errors.New("no audio device")}
	c := NewController(generation.Static{Tokens: []string{"hi"}}, speaker, newMonitor())

	res := c.Respond(context.Background(), "hello", 0)
	assert.Equal(t, observability.OutcomeCompleted, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSynthesis)
	assert.False(t, c.AgentSpeaking())
}

func TestController_HistoryFeedsNextPrompt(t *testing.T) {
	var prompts []string
	gen := generationFunc(func(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
		prompts = append(prompts, prompt)
		generation.Deliver(h, "reply", onToken)
		return nil
	})
	c := NewController(gen, &fakeSpeaker{}, newMonitor(), WithHistorySize(1), WithPersona(Persona{Preamble: "P"}))

	c.Respond(context.Background(), "first", 0)
	c.Respond(context.Background(), "second", 0)
	c.Respond(context.Background(), "third", 0)

	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[2], "first")
	assert.Contains(t, prompts[2], "<|im_start|>user\nsecond<|im_end|>\n<|im_start|>assistant\nreply<|im_end|>\n")
	assert.True(t, strings.HasPrefix(prompts[2], "<|im_start|>system\nP<|im_end|>\n"))
	assert.Len(t, c.History(), 1)
}

type generationFunc func(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error

func (f generationFunc) Generate(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
	return f(ctx, prompt, h, onToken)
}

func TestController_OnUtteranceRecognized(t *testing.T) {
	tests := []struct {
		name        string
		admitter    Admitter
		whileAgent  bool
		wantOutcome string
		wantStops   int
	}{
		{"agent silent", nil, false, observability.OutcomeCompleted, 0},
		{"admitted", AdmitFunc(func(context.Context, string) (bool, error) { return true, nil }), true, observability.OutcomeCompleted, 1},
		{"rejected", AdmitFunc(func(context.Context, string) (bool, error) { return false, nil }), true, OutcomeIgnored, 0},
		{"classifier error admits", AdmitFunc(func(context.Context, string) (bool, error) { return false, ErrClassifier }), true, observability.OutcomeCompleted, 1},
		{"no admitter admits", nil, true, observability.OutcomeCompleted, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speaker := &fakeSpeaker{}
			reg := prometheus.NewRegistry()
			c := NewController(generation.Static{Tokens: []string{"ok"}}, speaker, newMonitor(),
				WithAdmitter(tt.admitter), WithMetrics(observability.NewMetrics(reg)))

			res := c.OnUtteranceRecognized(context.Background(), "stop that", tt.whileAgent, 0)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantStops, speaker.stops)
			if tt.wantOutcome == OutcomeIgnored {
				assert.Empty(t, c.History())
			} else {
				assert.Len(t, c.History(), 1)
			}
		})
	}
}

func TestController_NewTurnSupersedesHandle(t *testing.T) {
	var first *generation.Handle
	gen := generationFunc(func(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
		if first == nil {
			first = h
		}
		generation.Deliver(h, "x", onToken)
		return nil
	})
	c := NewController(gen, &fakeSpeaker{}, newMonitor())

	c.Respond(context.Background(), "one", 0)
	c.Respond(context.Background(), "two", 0)
	require.NotNil(t, first)
	assert.False(t, first.Aborted(), "a finished handle is released, not aborted")

	// An interrupt with no live turn is harmless
	c.HandleInterrupt()
	assert.False(t, c.AgentSpeaking())
}
