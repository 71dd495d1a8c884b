package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/clipcoach/internal/api/response"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// AnalysisReader is the read side of the job store.
type AnalysisReader interface {
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	ListAnalyses(ctx context.Context, videoID int64, limit int) ([]*models.Analysis, error)
}

// NewGetAnalysisHandler returns an http.HandlerFunc for GET /api/v1/analyses/{analysisID}.
func NewGetAnalysisHandler(reader AnalysisReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "analysisID must be a UUID")
			return
		}

		a, err := reader.GetAnalysis(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "ANALYSIS_NOT_FOUND", "Analysis not found")
			return
		}
		if err != nil {
			slog.Error("get analysis failed", "analysis_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			return
		}

		response.JSON(w, a)
	}
}

type historyResponse struct {
	VideoID  int64              `json:"video_id"`
	Analyses []*models.Analysis `json:"analyses"`
	Count    int                `json:"count"`
}

// NewListAnalysesHandler returns an http.HandlerFunc for
// GET /api/v1/videos/{videoID}/analyses?limit=N, newest first.
func NewListAnalysesHandler(reader AnalysisReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID, err := strconv.ParseInt(chi.URLParam(r, "videoID"), 10, 64)
		if err != nil || videoID <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "videoID must be a positive integer")
			return
		}

		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		list, err := reader.ListAnalyses(r.Context(), videoID, limit)
		if err != nil {
			slog.Error("list analyses failed", "video_id", videoID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			return
		}
		if list == nil {
			list = []*models.Analysis{}
		}

		response.JSON(w, historyResponse{VideoID: videoID, Analyses: list, Count: len(list)})
	}
}
