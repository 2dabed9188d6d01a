// Package fallback talks to the generative model used when no precomputed
// answer matches.
package fallback

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no fallback is configured.
var ErrUnavailable = errors.New("fallback unavailable")

// Request is one fallback question.
type Request struct {
	Query string
	// Role names the workflow component asking, e.g. "causal_inference".
	Role string
	// Descriptions lists what the pattern store can already answer.
	Descriptions []string
}

// Answer is the fallback's reply.
type Answer struct {
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	TokensUsed  int64    `json:"tokens_used"`
	Confidence  float64  `json:"confidence"`
}

// Fallback answers queries the pattern store cannot.
type Fallback interface {
	Answer(ctx context.Context, req Request) (Answer, error)
}

// Func adapts a function to Fallback.
type Func func(ctx context.Context, req Request) (Answer, error)

func (f Func) Answer(ctx context.Context, req Request) (Answer, error) { return f(ctx, req) }

// Disabled is a Fallback that always fails with ErrUnavailable.
var Disabled Fallback = Func(func(context.Context, Request) (Answer, error) {
	return Answer{}, ErrUnavailable
})
