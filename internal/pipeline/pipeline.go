// Package pipeline connects capture, segmentation, recognition and the turn
// controller into one running agent.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/capture"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/perf"
	"github.com/lexiqai/duplex-agent/internal/segment"
	"github.com/lexiqai/duplex-agent/internal/stt"
	"github.com/lexiqai/duplex-agent/internal/synth"
	"github.com/lexiqai/duplex-agent/internal/turn"
)

// Notifier receives agent events for connected clients
type Notifier interface {
	Broadcast(ev capture.Event)
}

// Deps are the collaborators a pipeline drives
type Deps struct {
	Queue       *audio.FrameQueue
	VAD         segment.VoiceActivity
	Transcriber stt.Transcriber
	Controller  *turn.Controller
	Speaker     synth.Synthesizer
	Monitor     *perf.Monitor
	Metrics     *observability.Metrics
	Notifier    Notifier // optional
	Segment     segment.Config
	SampleRate  int
	Clock       func() time.Time // optional, for tests
}

// Pipeline owns the segmentation goroutine and the utterance worker
type Pipeline struct {
	queue       *audio.FrameQueue
	gate        *capture.Gate
	engine      *segment.Engine
	transcriber stt.Transcriber
	controller  *turn.Controller
	speaker     synth.Synthesizer
	monitor     *perf.Monitor
	metrics     *observability.Metrics
	notifier    Notifier
	sampleRate  int
	logger      zerolog.Logger

	slot    *Slot
	workers sync.WaitGroup

	// Worker context, set by Run
	mu  sync.Mutex
	ctx context.Context
}

// New wires a pipeline. Capture sources should push into Sink().
func New(d Deps) *Pipeline {
	p := &Pipeline{
		queue:       d.Queue,
		gate:        capture.NewGate(d.Queue),
		transcriber: d.Transcriber,
		controller:  d.Controller,
		speaker:     d.Speaker,
		monitor:     d.Monitor,
		metrics:     d.Metrics,
		notifier:    d.Notifier,
		sampleRate:  d.SampleRate,
		logger:      observability.ForComponent("pipeline"),
		slot:        NewSlot(),
		ctx:         context.Background(),
	}
	if p.transcriber == nil {
		p.transcriber = stt.Nop{}
	}
	if p.speaker == nil {
		p.speaker = synth.Nop{}
	}

	opts := []segment.Option{segment.WithLogger(p.logger)}
	if d.Clock != nil {
		opts = append(opts, segment.WithClock(d.Clock))
	}
	p.engine = segment.NewEngine(d.Segment, d.VAD, d.Controller, segment.Events{
		OnUtterance:   p.onUtterance,
		OnInterrupt:   p.onInterrupt,
		OnBackchannel: p.onBackchannel,
		OnStateChange: p.onStateChange,
	}, opts...)

	p.metrics.RegisterQueueStats(d.Queue.Len, d.Queue.Cap(), d.Queue.Dropped)
	p.metrics.RegisterGauge("worker_busy", "Whether an utterance is being answered", observability.BoolGauge(p.slot.Busy))
	p.metrics.RegisterGauge("capture_muted", "Whether capture is muted for a console command", observability.BoolGauge(p.gate.Muted))
	p.metrics.RegisterCounter("capture_frames_discarded_total", "Frames discarded while capture was muted",
		func() float64 { return float64(p.gate.Discarded()) })
	return p
}

// Sink is where capture sources push frames. It is muted while console
// commands run.
func (p *Pipeline) Sink() capture.Sink {
	return p.gate
}

// Engine exposes the segmentation engine
func (p *Pipeline) Engine() *segment.Engine {
	return p.engine
}

// Run consumes frames until ctx is done, then waits for the worker to finish
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.queue.Close)
	defer stop()

	p.logger.Info().Msg("Pipeline started")
	err := p.engine.Run(ctx, p.queue)
	p.workers.Wait()
	p.logger.Info().Msg("Pipeline stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) workerContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *Pipeline) onUtterance(utt segment.Utterance) {
	p.metrics.RecordUtterance()

	// Timers are shared with the running turn, so only the slot holder starts them
	if !p.slot.TryAcquire() {
		p.metrics.RecordUtteranceDropped()
		p.logger.Warn().Str("utterance_id", utt.ID).Msg("Worker busy, dropping utterance")
		return
	}
	p.monitor.StartTimer(perf.TimerE2E)
	p.monitor.StartTimer(perf.TimerASR)

	p.notify(capture.Event{Event: "utterance", Data: map[string]string{"id": utt.ID}})
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		defer p.slot.Release()
		p.processUtterance(p.workerContext(), utt)
	}()
}

// processUtterance recognizes an utterance and hands every segment to the controller
func (p *Pipeline) processUtterance(ctx context.Context, utt segment.Utterance) {
	logger := p.logger.With().Str("utterance_id", utt.ID).Logger()
	p.queue.Drain()
	defer p.queue.Drain()

	samples := utt.Samples()
	err := p.transcriber.Transcribe(ctx, samples, stt.Filter(func(text string) {
		asr := p.monitor.StopTimer(perf.TimerASR)
		logger.Info().Str("text", text).Dur("asr", asr).Msg("User said")
		p.notify(capture.Event{Event: "transcript", Text: text})

		res := p.controller.OnUtteranceRecognized(ctx, text, p.controller.AgentSpeaking(), asr)
		p.notifyReply(res)
	}))
	if err != nil {
		logger.Error().Err(err).Int("samples", len(samples)).Msg("Recognition failed")
		p.metrics.RecordError("recognition_failed", "pipeline")
	}
}

func (p *Pipeline) onInterrupt() {
	p.controller.HandleInterrupt()
	p.notify(capture.Event{Event: "interrupt"})
}

func (p *Pipeline) onBackchannel() {
	p.speaker.PlayBackchannel(synth.BackchannelGeneric)
	p.metrics.RecordBackchannel()
	p.notify(capture.Event{Event: "backchannel", Text: synth.BackchannelText(synth.BackchannelGeneric)})
}

func (p *Pipeline) onStateChange(from, to segment.TurnState) {
	p.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Turn state")
	p.notify(capture.Event{Event: "state", State: to.String()})
}

func (p *Pipeline) notify(ev capture.Event) {
	if p.notifier != nil {
		p.notifier.Broadcast(ev)
	}
}

func (p *Pipeline) notifyReply(res turn.Result) {
	if res.Outcome == turn.OutcomeEmpty || res.Outcome == turn.OutcomeIgnored {
		return
	}
	p.notify(capture.Event{
		Event: "reply",
		Text:  res.Reply,
		Data:  map[string]string{"outcome": res.Outcome, "turn_id": fmt.Sprint(res.TurnID)},
	})
}

// ProcessText answers typed input as if it had been recognized.
// Capture is muted for the duration.
func (p *Pipeline) ProcessText(ctx context.Context, text string) turn.Result {
	p.gate.Mute()
	defer p.gate.Unmute()

	p.monitor.StartTimer(perf.TimerE2E)
	res := p.controller.OnUtteranceRecognized(ctx, text, false, 0)
	p.notifyReply(res)
	return res
}

// ProcessFile transcribes a WAV file and answers every recognized segment.
// Capture is muted for the duration.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) ([]turn.Result, error) {
	p.gate.Mute()
	defer p.gate.Unmute()

	p.monitor.StartTimer(perf.TimerE2E)
	p.monitor.StartTimer(perf.TimerASR)

	samples, info, err := audio.ReadWAVFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if info.SampleRate != p.sampleRate {
		p.logger.Warn().
			Int("file_rate", info.SampleRate).
			Int("pipeline_rate", p.sampleRate).
			Str("path", path).
			Msg("WAV sample rate differs from pipeline rate")
	}

	var results []turn.Result
	err = p.transcriber.Transcribe(ctx, samples, stt.Filter(func(text string) {
		asr := p.monitor.StopTimer(perf.TimerASR)
		p.logger.Info().Str("text", text).Dur("asr", asr).Str("path", path).Msg("File said")
		res := p.controller.OnUtteranceRecognized(ctx, text, false, asr)
		p.notifyReply(res)
		results = append(results, res)
	}))
	if err != nil {
		return results, fmt.Errorf("transcribe %s: %w", path, err)
	}
	return results, nil
}
