// Package console reads test commands from a line-oriented stream
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/turn"
)

const (
	textPrefix  = "text:"
	filePrefix  = "file:"
	quitCommand = "quit"
)

// ErrQuit is returned by Execute for the quit command
var ErrQuit = errors.New("console: quit")

// Agent is the part of the pipeline the console drives
type Agent interface {
	ProcessText(ctx context.Context, text string) turn.Result
	ProcessFile(ctx context.Context, path string) ([]turn.Result, error)
}

// Console executes commands against an agent
type Console struct {
	agent  Agent
	out    io.Writer
	logger zerolog.Logger
}

func New(agent Agent, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{
		agent:  agent,
		out:    out,
		logger: observability.ForComponent("console"),
	}
}

// Run reads commands from in until quit, EOF or ctx is done
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  text: <utterance>   answer typed input")
	fmt.Fprintln(c.out, "  file: <path.wav>    transcribe a WAV file and answer it")
	fmt.Fprintln(c.out, "  quit                exit")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		err := c.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("Command failed")
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// Execute runs one command line. Unknown lines are ignored.
func (c *Console) Execute(ctx context.Context, line string) error {
	switch {
	case strings.TrimSpace(line) == quitCommand:
		return ErrQuit

	case strings.HasPrefix(line, textPrefix):
		text := strings.TrimPrefix(line, textPrefix)
		c.logger.Info().Str("text", text).Msg("Injected text")
		res := c.agent.ProcessText(ctx, text)
		c.report(res)
		return res.Err

	case strings.HasPrefix(line, filePrefix):
		path := strings.TrimSpace(strings.TrimPrefix(line, filePrefix))
		if path == "" {
			return errors.New("console: file command needs a path")
		}
		c.logger.Info().Str("path", path).Msg("Processing WAV")
		results, err := c.agent.ProcessFile(ctx, path)
		for _, res := range results {
			c.report(res)
		}
		return err
	}
	return nil
}

func (c *Console) report(res turn.Result) {
	switch res.Outcome {
	case turn.OutcomeEmpty, turn.OutcomeIgnored:
		return
	}
	fmt.Fprintf(c.out, "[turn %d %s] %s\n", res.TurnID, res.Outcome, res.Reply)
}
