package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/capture"
	"github.com/lexiqai/duplex-agent/internal/generation"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/perf"
	"github.com/lexiqai/duplex-agent/internal/segment"
	"github.com/lexiqai/duplex-agent/internal/synth"
	"github.com/lexiqai/duplex-agent/internal/turn"
)

type firstSampleVAD struct{}

func (firstSampleVAD) IsSpeech(f audio.Frame) bool { return len(f) > 0 && f[0] != 0 }

type fixedTranscriber struct {
	text    string
	samples atomic.Int64
	release chan struct{} // optional, blocks until closed
}

func (f *fixedTranscriber) Transcribe(ctx context.Context, samples []int16, onSegment func(string)) error {
	f.samples.Store(int64(len(samples)))
	if f.release != nil {
		<-f.release
	}
	onSegment(" [BLANK_AUDIO]")
	onSegment(f.text)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) Broadcast(ev capture.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev.Event)
	e.mu.Unlock()
}

func (e *eventLog) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == name {
			return true
		}
	}
	return false
}

// waitingGen emits one token then holds the floor until aborted
type waitingGen struct {
	started chan struct{}
	once    sync.Once
}

func (g *waitingGen) Generate(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
	generation.Deliver(h, "Let me tell you about ", onToken)
	g.once.Do(func() { close(g.started) })
	for !h.Aborted() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

type harness struct {
	p       *Pipeline
	queue   *audio.FrameQueue
	monitor *perf.Monitor
	ctrl    *turn.Controller
	events  *eventLog
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, gen generation.Generator, tr *fixedTranscriber) *harness {
	t.Helper()
	q := audio.NewFrameQueue(1024)
	mon := perf.NewMonitor(zerolog.Nop())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ctrl := turn.NewController(gen, synth.Nop{}, mon, turn.WithMetrics(metrics))
	events := &eventLog{}

	p := New(Deps{
		Queue:       q,
		VAD:         firstSampleVAD{},
		Transcriber: tr,
		Controller:  ctrl,
		Monitor:     mon,
		Metrics:     metrics,
		Notifier:    events,
		Segment:     segment.DefaultConfig(),
		SampleRate:  16000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{p: p, queue: q, monitor: mon, ctrl: ctrl, events: events, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	return h
}

func (h *harness) push(n int, speech bool) {
	for i := 0; i < n; i++ {
		v := int16(0)
		if speech {
			v = 1000
		}
		h.p.Sink().Push(audio.Frame{v, v})
	}
}

func (h *harness) pushUtterance() {
	h.push(3, true)
	h.push(18, false)
}

func TestPipeline_UtteranceToTurn(t *testing.T) {
	tr := &fixedTranscriber{text: "what time is it"}
	h := newHarness(t, generation.Static{Tokens: []string{"Time ", "to ", "code."}}, tr)

	h.pushUtterance()

	require.Eventually(t, func() bool { return len(h.monitor.Records()) == 1 }, 5*time.Second, 5*time.Millisecond)
	rec := h.monitor.Records()[0]
	assert.Equal(t, "what time is it", rec.UserText)
	assert.Equal(t, 3, rec.Tokens)
	assert.Equal(t, int64(20*2), tr.samples.Load(), "3 speech + 17 silence frames of 2 samples")

	hist := h.ctrl.History()
	require.Len(t, hist, 1, "degenerate segments never reach the controller")
	assert.Equal(t, "Time to code.", hist[0].Assistant)

	assert.Eventually(t, func() bool { return h.events.Has("reply") }, time.Second, 5*time.Millisecond)
	assert.True(t, h.events.Has("utterance"))
	assert.True(t, h.events.Has("transcript"))
	assert.True(t, h.events.Has("state"))
}

func TestPipeline_BusyWorkerDropsUtterance(t *testing.T) {
	tr := &fixedTranscriber{text: "hello", release: make(chan struct{})}
	h := newHarness(t, generation.Static{Tokens: []string{"hi"}}, tr)

	h.pushUtterance()
	// recognition starts after the worker drains the queue
	require.Eventually(t, func() bool { return tr.samples.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, h.p.slot.Busy())

	const held = 300 * time.Millisecond
	time.Sleep(held)

	h.pushUtterance()
	require.Eventually(t, func() bool {
		return h.queue.Len() == 0 && h.p.Engine().State() == segment.Idle
	}, 5*time.Second, 5*time.Millisecond)

	close(tr.release)
	require.Eventually(t, func() bool { return !h.p.slot.Busy() }, 5*time.Second, 5*time.Millisecond)
	require.Len(t, h.monitor.Records(), 1, "second utterance was dropped, not queued")

	// the dropped utterance must not restart the running turn's timers
	rec := h.monitor.Records()[0]
	assert.GreaterOrEqual(t, rec.ASRLatencyMs, float64(held.Milliseconds()))
	assert.GreaterOrEqual(t, rec.TotalE2EMs, rec.ASRLatencyMs)
}

func TestPipeline_BargeInAbortsTurn(t *testing.T) {
	gen := &waitingGen{started: make(chan struct{})}
	h := newHarness(t, gen, &fixedTranscriber{text: "tell me a story"})

	h.pushUtterance()
	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	require.True(t, h.ctrl.AgentSpeaking())

	h.push(9, true)

	require.Eventually(t, func() bool { return len(h.monitor.Records()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.ctrl.AgentSpeaking())
	assert.True(t, h.events.Has("interrupt"))

	hist := h.ctrl.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "Let me tell you about ", hist[0].Assistant)
}

func TestPipeline_ProcessTextMutesCapture(t *testing.T) {
	var mutedDuringTurn bool
	var p *Pipeline
	gen := generationFunc(func(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
		mutedDuringTurn = p.gate.Muted()
		generation.Deliver(h, "sure", onToken)
		return nil
	})
	h := newHarness(t, gen, &fixedTranscriber{})
	p = h.p

	res := p.ProcessText(context.Background(), "hello there")
	assert.Equal(t, observability.OutcomeCompleted, res.Outcome)
	assert.True(t, mutedDuringTurn)
	assert.False(t, p.gate.Muted())
}

func TestPipeline_ProcessFile(t *testing.T) {
	tr := &fixedTranscriber{text: "from a file"}
	h := newHarness(t, generation.Static{Tokens: []string{"ok"}}, tr)

	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, audio.WriteWAV(f, make([]int16, 1600), 16000))
	require.NoError(t, f.Close())

	results, err := h.p.ProcessFile(context.Background(), "  "+path+" ")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, observability.OutcomeCompleted, results[0].Outcome)
	assert.Equal(t, int64(1600), tr.samples.Load())

	_, err = h.p.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

type generationFunc func(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error

func (f generationFunc) Generate(ctx context.Context, prompt string, h *generation.Handle, onToken func(string)) error {
	return f(ctx, prompt, h, onToken)
}

func TestSlot(t *testing.T) {
	s := NewSlot()
	assert.False(t, s.Busy())
	assert.True(t, s.TryAcquire())
	assert.True(t, s.Busy())
	assert.False(t, s.TryAcquire())

	s.Release()
	assert.False(t, s.Busy())
	s.Release()
	assert.True(t, s.TryAcquire())
}
