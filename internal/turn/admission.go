package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexiqai/duplex-agent/internal/generation"
)

// Admitter decides whether speech heard while the agent talks should take the floor
type Admitter interface {
	Admit(ctx context.Context, text string) (bool, error)
}

// AdmitFunc adapts a function to Admitter
type AdmitFunc func(ctx context.Context, text string) (bool, error)

func (f AdmitFunc) Admit(ctx context.Context, text string) (bool, error) { return f(ctx, text) }

// MonitorClassifier asks a second generator for a YES/NO verdict
type MonitorClassifier struct {
	gen generation.Generator
}

// NewMonitorClassifier wraps gen as an admission classifier
func NewMonitorClassifier(gen generation.Generator) *MonitorClassifier {
	return &MonitorClassifier{gen: gen}
}

// Admit implements Admitter
func (m *MonitorClassifier) Admit(ctx context.Context, text string) (bool, error) {
	h := generation.NewHandle()
	if err := m.gen.Generate(ctx, ClassifierPrompt(text), h, nil); err != nil {
		return false, fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	return IsAffirmative(h.Text()), nil
}

// IsAffirmative reports whether a classifier verdict says YES
func IsAffirmative(verdict string) bool {
	return strings.Contains(verdict, "YES") || strings.Contains(verdict, "Yes")
}
