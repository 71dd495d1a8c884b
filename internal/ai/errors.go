package ai

import (
	"errors"

	"github.com/kiranshivaraju/clipcoach/internal/media"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// Pipeline failures. The HTTP layer maps each to a status code.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrVideoNotFound = errors.New("video not found")
	ErrStorage       = errors.New("video storage failure")
	ErrEmptyReport   = errors.New("model returned no usable report")
	ErrPersistence   = errors.New("failed to persist analysis")

	ErrExtraction = media.ErrExtraction
	ErrNoFrames   = media.ErrNoFrames
)

// Provider failures, shared with the provider packages through models.
var (
	ErrProviderUnavailable = models.ErrProviderUnavailable
	ErrInferenceTimeout    = models.ErrInferenceTimeout
	ErrInvalidResponse     = models.ErrInvalidResponse
)
