package llm

import (
	"context"

	"github.com/loomhq/loom/types"
)

type Capabilities struct {
	Tools bool
}

// Provider is the opaque model boundary: a conversation goes in, either a
// final answer or one or more tool invocations come out.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
