package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/turn"
)

type fakeAgent struct {
	texts   []string
	files   []string
	fileErr error
}

func (f *fakeAgent) ProcessText(ctx context.Context, text string) turn.Result {
	f.texts = append(f.texts, text)
	if strings.TrimSpace(text) == "" {
		return turn.Result{Outcome: turn.OutcomeEmpty}
	}
	return turn.Result{TurnID: len(f.texts), Outcome: observability.OutcomeCompleted, Reply: "echo" + text}
}

func (f *fakeAgent) ProcessFile(ctx context.Context, path string) ([]turn.Result, error) {
	f.files = append(f.files, path)
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return []turn.Result{{TurnID: 9, Outcome: observability.OutcomeCompleted, Reply: "heard file"}}, nil
}

func TestConsole_Run(t *testing.T) {
	agent := &fakeAgent{}
	var out bytes.Buffer
	c := New(agent, &out)

	input := strings.Join([]string{
		"text: hello",
		"",
		"file:  samples/one.wav  ",
		"something else",
		"quit",
		"text: never read",
	}, "\n")

	require.NoError(t, c.Run(context.Background(), strings.NewReader(input)))
	assert.Equal(t, []string{" hello"}, agent.texts)
	assert.Equal(t, []string{"samples/one.wav"}, agent.files)
	assert.Contains(t, out.String(), "[turn 1 completed] echo hello")
	assert.Contains(t, out.String(), "[turn 9 completed] heard file")
}

func TestConsole_RunStopsAtEOF(t *testing.T) {
	agent := &fakeAgent{}
	c := New(agent, nil)
	require.NoError(t, c.Run(context.Background(), strings.NewReader("text: one\ntext: two")))
	assert.Len(t, agent.texts, 2)
}

func TestConsole_RunStopsWhenCancelled(t *testing.T) {
	agent := &fakeAgent{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, New(agent, nil).Run(ctx, strings.NewReader("text: one\n")))
	assert.Empty(t, agent.texts)
}

func TestConsole_Execute(t *testing.T) {
	agent := &fakeAgent{fileErr: errors.New("no such file")}
	var out bytes.Buffer
	c := New(agent, &out)
	ctx := context.Background()

	assert.ErrorIs(t, c.Execute(ctx, "quit"), ErrQuit)
	assert.ErrorIs(t, c.Execute(ctx, "  quit "), ErrQuit)
	assert.Error(t, c.Execute(ctx, "file:   "))
	assert.EqualError(t, c.Execute(ctx, "file: gone.wav"), "no such file")

	require.NoError(t, c.Execute(ctx, "text:"))
	assert.Empty(t, out.String(), "empty turns are not reported")
}

func TestConsole_RunReportsErrors(t *testing.T) {
	agent := &fakeAgent{fileErr: errors.New("bad wav")}
	var out bytes.Buffer
	require.NoError(t, New(agent, &out).Run(context.Background(), strings.NewReader("file: x.wav\n")))
	assert.Contains(t, out.String(), "error: bad wav")
}
