package ai

import (
	"fmt"

	"github.com/kiranshivaraju/clipcoach/internal/ai/anthropic"
	"github.com/kiranshivaraju/clipcoach/internal/ai/ollama"
	"github.com/kiranshivaraju/clipcoach/internal/ai/openai"
	"github.com/kiranshivaraju/clipcoach/internal/ai/vllm"
	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// NewProvider constructs the appropriate vision provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.VisionProvider, error) {
	timeout := cfg.InferenceTimeout()
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama, timeout), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM, timeout), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI, timeout), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic, timeout), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}
