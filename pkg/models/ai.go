// Package models contains shared data models used across the ClipCoach codebase.
package models

import (
	"context"
	"errors"
)

// Provider failures shared by every vision integration. The ai package re-exports them.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

// VisionProvider is the core interface that all vision model integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type VisionProvider interface {
	// Critique sends the prompt and frames to the model and returns its raw text output.
	Critique(ctx context.Context, req VisionRequest) (string, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// Model returns the model identifier recorded on analyses.
	Model() string
}

// ImageDetail selects how much attention the model spends on a frame.
type ImageDetail string

const (
	DetailHigh ImageDetail = "high"
	DetailLow  ImageDetail = "low"
)

// VisionImage is one JPEG frame handed to the model.
type VisionImage struct {
	Data      []byte
	MediaType string
	Detail    ImageDetail
}

// VisionRequest is the input to a single inference call.
type VisionRequest struct {
	Prompt      string
	Images      []VisionImage // Chronological order
	Temperature float64
	// SchemaName and Schema describe the JSON shape requested from the model.
	// Providers that cannot enforce a schema embed it in the prompt instead.
	SchemaName string
	Schema     map[string]any
}
