// Package generation defines the boundary to the token-producing engine.
// The conversation core only creates and updates message records; engines
// stream text for a single assistant message.
package generation

import "context"

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Model          string
	Messages       []Message
	ThinkingEffort string
	MaxTokens      int
}

// Delta is one streamed increment of assistant output.
type Delta struct {
	Text string
	Done bool
}

// Engine streams a completion, invoking onDelta for every increment. The
// implementation must stop promptly when ctx is canceled.
type Engine interface {
	Stream(ctx context.Context, req Request, onDelta func(d Delta) error) error
}
