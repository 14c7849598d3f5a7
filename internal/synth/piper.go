package synth

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/config"
	"github.com/lexiqai/duplex-agent/internal/observability"
)

// Player consumes raw signed 16-bit little-endian mono PCM
type Player interface {
	Play(ctx context.Context, pcm io.Reader, sampleRate int) error
}

// CommandPlayer pipes PCM into an external player process.
// The literal {rate} in the command is replaced by the sample rate.
type CommandPlayer struct {
	Command string
}

// Play implements Player
func (p CommandPlayer) Play(ctx context.Context, pcm io.Reader, sampleRate int) error {
	line := strings.ReplaceAll(p.Command, "{rate}", strconv.Itoa(sampleRate))
	args := strings.Fields(line)
	if len(args) == 0 {
		return fmt.Errorf("synth: empty player command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = pcm
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("player %s: %w", args[0], err)
	}
	return nil
}

// Piper synthesizes with the piper CLI (--output_raw) and hands the PCM to a Player
type Piper struct {
	path       string
	model      string
	sampleRate int
	player     Player
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	active  map[int]context.CancelFunc
	nextID  int
	pending sync.WaitGroup
}

// NewPiper creates a Piper synthesizer from the PIPER_* settings
func NewPiper(cfg *config.Config, player Player, metrics *observability.Metrics) (*Piper, error) {
	if cfg.PiperModel == "" {
		return nil, fmt.Errorf("%w: no piper voice model configured", ErrUnavailable)
	}
	path, err := exec.LookPath(cfg.PiperPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if player == nil {
		player = CommandPlayer{Command: cfg.PlayerCommand}
	}

	return &Piper{
		path:       path,
		model:      cfg.PiperModel,
		sampleRate: cfg.PiperSampleRate,
		player:     player,
		metrics:    metrics,
		logger:     observability.ForComponent("synth"),
		active:     make(map[int]context.CancelFunc),
	}, nil
}

// Speak implements Synthesizer
func (p *Piper) Speak(ctx context.Context, text string) error {
	clean := Sanitize(text)
	if clean == "" {
		return nil
	}
	p.logger.Info().Str("text", clean).Msg("Speaking")
	return p.run(ctx, clean)
}

// PlayBackchannel implements Synthesizer
func (p *Piper) PlayBackchannel(tag string) {
	filler := BackchannelText(tag)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if err := p.run(context.Background(), filler); err != nil {
			p.logger.Warn().Err(err).Str("tag", tag).Msg("Backchannel playback failed")
		}
	}()
}

// Stop implements Synthesizer
func (p *Piper) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.active {
		cancel()
		delete(p.active, id)
	}
}

// Wait blocks until background backchannels have finished
func (p *Piper) Wait() {
	p.pending.Wait()
}

func (p *Piper) run(parent context.Context, text string) error {
	ctx, cancel := context.WithCancel(parent)
	id := p.track(cancel)
	defer p.untrack(id)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.path, "--model", p.model, "--output_raw")
	cmd.Stdin = strings.NewReader(text)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.metrics.RecordError("piper_start", "synth")
		return fmt.Errorf("start piper: %w", err)
	}

	playErr := p.player.Play(ctx, stdout, p.sampleRate)
	// Unblock piper if the player quit early
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil && parent.Err() == nil {
		// Cut by Stop
		return nil
	}
	if playErr != nil {
		p.metrics.RecordError("playback_failed", "synth")
		return playErr
	}
	if waitErr != nil {
		p.metrics.RecordError("piper_failed", "synth")
		return fmt.Errorf("piper: %w", waitErr)
	}
	return parent.Err()
}

func (p *Piper) track(cancel context.CancelFunc) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.active[p.nextID] = cancel
	return p.nextID
}

func (p *Piper) untrack(id int) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}
