package turn

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPreamble is the system instruction used when no persona file is given
const DefaultPreamble = "Chat casually like a normal person. " +
	"Playful, relaxed, slightly sarcastic. " +
	"Short, natural replies. No emojis or meta talk."

// Persona shapes the agent's voice
type Persona struct {
	Role      string `yaml:"role"`
	Tone      string `yaml:"tone"`
	Verbosity string `yaml:"verbosity"`
	Preamble  string `yaml:"preamble"`
}

// DefaultPersona returns the built-in casual persona
func DefaultPersona() Persona {
	return Persona{
		Role:      "assistant",
		Tone:      "calm",
		Verbosity: "medium",
		Preamble:  DefaultPreamble,
	}
}

// LoadPersona reads a YAML persona file. Missing fields keep their defaults;
// an empty path returns DefaultPersona.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultPersona(), fmt.Errorf("parse persona %s: %w", path, err)
	}
	p.Preamble = strings.TrimSpace(p.Preamble)
	if p.Preamble == "" {
		p.Preamble = DefaultPreamble
	}
	return p, nil
}

// Instruction is the text injected as the system turn
func (p Persona) Instruction() string {
	return p.Preamble
}
