package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrActiveAnalysis is returned by CreatePendingAnalysis when another job for
// the same video is already pending or processing.
var ErrActiveAnalysis = errors.New("analysis already active for video")

// ErrInvalidTransition is returned when the job's current status does not
// allow the requested move.
var ErrInvalidTransition = errors.New("invalid analysis status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	GetVideo(ctx context.Context, id int64) (*models.Video, error)

	FindLatestUsableAnalysis(ctx context.Context, videoID int64, version int) (*models.Analysis, error)
	FindActiveAnalysis(ctx context.Context, videoID int64) (*models.Analysis, error)
	CreatePendingAnalysis(ctx context.Context, a *models.Analysis) error
	TransitionAnalysis(ctx context.Context, id uuid.UUID, status string, opts ...AnalysisUpdateOption) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	ListAnalyses(ctx context.Context, videoID int64, limit int) ([]*models.Analysis, error)
	FailStaleAnalyses(ctx context.Context, videoID int64, olderThan time.Duration) (int64, error)
}

// AnalysisUpdate collects the optional column changes of a transition.
type AnalysisUpdate struct {
	Report       *models.Report
	Params       *models.SamplingParams
	ErrorMessage *string
	Version      *int
	Model        *string
}

type AnalysisUpdateOption func(*AnalysisUpdate)

// ApplyOptions folds opts into a single AnalysisUpdate.
func ApplyOptions(opts ...AnalysisUpdateOption) *AnalysisUpdate {
	u := &AnalysisUpdate{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithReport stores the final report. Required when moving to done.
func WithReport(r models.Report) AnalysisUpdateOption {
	return func(p *AnalysisUpdate) {
		n := r.Normalized()
		p.Report = &n
	}
}

func WithParams(params models.SamplingParams) AnalysisUpdateOption {
	return func(p *AnalysisUpdate) {
		p.Params = &params
	}
}

func WithErrorMessage(msg string) AnalysisUpdateOption {
	return func(p *AnalysisUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithVersion(v int) AnalysisUpdateOption {
	return func(p *AnalysisUpdate) {
		p.Version = &v
	}
}

func WithModel(model string) AnalysisUpdateOption {
	return func(p *AnalysisUpdate) {
		p.Model = &model
	}
}

// validTransitions lists the statuses each status may move to. Terminal
// statuses have no entry.
var validTransitions = map[string][]string{
	models.AnalysisStatusPending:    {models.AnalysisStatusProcessing, models.AnalysisStatusFailed},
	models.AnalysisStatusProcessing: {models.AnalysisStatusDone, models.AnalysisStatusFailed},
}

// allowedFrom returns the statuses from which target may be reached.
func allowedFrom(target string) []string {
	var from []string
	for src, dsts := range validTransitions {
		for _, d := range dsts {
			if d == target {
				from = append(from, src)
			}
		}
	}
	return from
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to string) bool {
	for _, d := range validTransitions[from] {
		if d == to {
			return true
		}
	}
	return false
}
