package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/clipcoach/internal/ai"
	mw "github.com/kiranshivaraju/clipcoach/internal/api/middleware"
	"github.com/kiranshivaraju/clipcoach/internal/api/response"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// QueuedMessage is returned with 202 when a job for the video is in flight.
const QueuedMessage = "Analysis already in progress."

// Analyzer defines the interface the handler depends on.
type Analyzer interface {
	Analyze(ctx context.Context, req ai.AnalyzeRequest) (*ai.Outcome, error)
}

type analyzeRequest struct {
	VideoID int64 `json:"video_id" validate:"required,gt=0"`
	Force   bool  `json:"force"`
}

type analyzeResponse struct {
	FromCache bool           `json:"from_cache"`
	Report    *models.Report `json:"report"`
	Meta      analyzeMeta    `json:"meta"`
}

type analyzeMeta struct {
	AnalysisID uuid.UUID  `json:"analysis_id"`
	Version    int        `json:"version"`
	Model      string     `json:"model"`
	Tier       *int       `json:"tier,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

type queuedResponse struct {
	Queued     bool       `json:"queued"`
	Message    string     `json:"message"`
	AnalysisID *uuid.UUID `json:"analysis_id,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /api/v1/analyze.
// The call blocks until the analysis finishes, is found in the cache, or is
// found to be running already.
func NewAnalyzeHandler(svc Analyzer) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"video_id is required and must be a positive integer")
			return
		}

		out, err := svc.Analyze(r.Context(), ai.AnalyzeRequest{VideoID: req.VideoID, Force: req.Force})
		if err != nil {
			status, code, msg := analyzeError(err)
			slog.Error("analyze request failed",
				"video_id", req.VideoID,
				"key_name", mw.GetKeyName(r),
				"code", code,
				"error", err,
			)
			response.Error(w, status, code, msg)
			return
		}

		switch out.Kind {
		case ai.OutcomeQueued:
			body := queuedResponse{Queued: true, Message: QueuedMessage}
			if out.Analysis != nil {
				body.AnalysisID = &out.Analysis.ID
				body.Status = out.Analysis.Status
			}
			response.Accepted(w, body)
		case ai.OutcomeCacheHit:
			a := out.Analysis
			created := a.CreatedAt
			response.JSON(w, analyzeResponse{
				FromCache: true,
				Report:    a.Report,
				Meta: analyzeMeta{
					AnalysisID: a.ID,
					Version:    a.Version,
					Model:      a.Model,
					CreatedAt:  &created,
				},
			})
		default:
			a := out.Analysis
			tier := a.Params.Tier
			response.JSON(w, analyzeResponse{
				FromCache: false,
				Report:    a.Report,
				Meta: analyzeMeta{
					AnalysisID: a.ID,
					Version:    a.Version,
					Model:      a.Model,
					Tier:       &tier,
				},
			})
		}
	}
}

// analyzeError maps a pipeline error to status, machine code and message.
func analyzeError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ai.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST", "video_id is required and must be a positive integer"
	case errors.Is(err, ai.ErrVideoNotFound):
		return http.StatusNotFound, "VIDEO_NOT_FOUND", "Video not found"
	case errors.Is(err, ai.ErrNoFrames):
		return http.StatusInternalServerError, "NO_FRAMES", "No frames extracted"
	case errors.Is(err, ai.ErrExtraction):
		return http.StatusInternalServerError, "EXTRACTION_FAILED", "Frame extraction failed"
	case errors.Is(err, ai.ErrEmptyReport):
		return http.StatusInternalServerError, "EMPTY_REPORT", "The model did not return a usable report"
	case errors.Is(err, ai.ErrInferenceTimeout):
		return http.StatusInternalServerError, "AI_INFERENCE_TIMEOUT", "Analysis took too long and was cancelled"
	case errors.Is(err, ai.ErrProviderUnavailable):
		return http.StatusInternalServerError, "AI_PROVIDER_UNAVAILABLE", "The AI provider is not available"
	case errors.Is(err, ai.ErrInvalidResponse):
		return http.StatusInternalServerError, "AI_INVALID_RESPONSE", "The AI provider returned an invalid response"
	case errors.Is(err, ai.ErrStorage):
		return http.StatusInternalServerError, "STORAGE_ERROR", "Failed to fetch the video"
	case errors.Is(err, ai.ErrPersistence):
		return http.StatusInternalServerError, "PERSISTENCE_ERROR", "Failed to save the analysis"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"
	}
}
