// Package factory resolves the model provider from configuration exactly
// once at process start. Callers receive the provider by injection; no code
// path re-derives it from ambient environment state afterwards.
package factory

import (
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/providers/anthropic"
)

// ErrNoCredential indicates no credential is configured for the selected
// provider. This is a detectable startup condition, not a crash: the caller
// may run in scheduler-only mode.
var ErrNoCredential = errors.New("no model provider credential configured")

func Resolve(cfg config.Config) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic", "":
		if cfg.AnthropicAPIKey == "" {
			return nil, ErrNoCredential
		}
		var opts []anthropic.Option
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.MaxOutputTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(cfg.MaxOutputTokens))
		}
		return anthropic.New(cfg.AnthropicAPIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
