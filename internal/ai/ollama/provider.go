// Package ollama connects to a local Ollama server through its
// OpenAI-compatible /v1 API.
package ollama

import (
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/ai/openai"
	"github.com/kiranshivaraju/clipcoach/internal/config"
)

func NewProvider(cfg config.OllamaConfig, timeout time.Duration) *openai.Provider {
	return openai.NewCompatible("ollama", cfg.BaseURL, "", cfg.Model, timeout)
}
