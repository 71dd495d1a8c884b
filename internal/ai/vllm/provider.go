// Package vllm connects to a self-hosted vLLM server through its
// OpenAI-compatible API.
package vllm

import (
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/ai/openai"
	"github.com/kiranshivaraju/clipcoach/internal/config"
)

func NewProvider(cfg config.VLLMConfig, timeout time.Duration) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model, timeout)
}
