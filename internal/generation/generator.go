// Package generation streams text from a language model with cooperative cancellation.
package generation

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("generation: backend unavailable")

// Generator streams a completion for prompt.
//
// Every token is offered to handle.Accept before onToken is called; once Accept
// returns false the generator must return promptly without delivering more tokens.
// An aborted generation returns nil. A backend failure mid-stream returns an
// error, and whatever was accepted before it stays in the handle.
type Generator interface {
	Generate(ctx context.Context, prompt string, handle *Handle, onToken func(string)) error
}

// Deliver offers token to the handle and forwards it to onToken if accepted
func Deliver(handle *Handle, token string, onToken func(string)) bool {
	if !handle.Accept(token) {
		return false
	}
	if onToken != nil {
		onToken(token)
	}
	return true
}

// Nop produces no tokens. It stands in when no backend is configured.
type Nop struct{}

func (Nop) Generate(ctx context.Context, prompt string, handle *Handle, onToken func(string)) error {
	return nil
}

// Static replays a fixed token sequence, checking the handle between tokens.
// Useful for offline runs and tests.
type Static struct {
	Tokens []string
	Err    error // returned after all tokens if set
}

func (s Static) Generate(ctx context.Context, prompt string, handle *Handle, onToken func(string)) error {
	for _, tok := range s.Tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !Deliver(handle, tok, onToken) {
			return nil
		}
	}
	return s.Err
}
