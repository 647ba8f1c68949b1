package session

import (
	"context"

	"github.com/user/llmtunnel/internal/engine"
)

// ProcessLoader returns a Loader that starts llama-server with base options,
// taking the chat template and context size from Params.
func ProcessLoader(base engine.Options) Loader {
	return func(ctx context.Context, p Params) (Engine, error) {
		opts := base
		opts.ChatFormat = p.ChatFormat
		if p.CtxSize > 0 {
			opts.CtxSize = p.CtxSize
		}
		proc, err := engine.Start(ctx, p.ModelPath, opts)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}
}
