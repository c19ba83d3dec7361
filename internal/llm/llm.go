package llm

import (
	"context"
	"errors"
)

// TypeCountInput is one shape or polymer bucket passed to the model.
type TypeCountInput struct {
	Type  string
	Count int
}

// SummaryInput captures the computed metrics the model narrates.
type SummaryInput struct {
	ParticleCount int
	ParticleTypes []TypeCountInput
	PolymerTypes  []TypeCountInput
}

// Client abstracts LLM providers for the analysis summary.
type Client interface {
	Summarize(ctx context.Context, input SummaryInput) (string, error)
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// Summarize returns ErrNotImplemented.
func (PlaceholderClient) Summarize(ctx context.Context, input SummaryInput) (string, error) {
	_ = ctx
	_ = input
	return "", ErrNotImplemented
}
