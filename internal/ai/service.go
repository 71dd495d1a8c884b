package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/analysis"
	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/internal/storage"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// OutcomeKind tells the caller which of the three success shapes it got.
type OutcomeKind int

const (
	OutcomeCacheHit OutcomeKind = iota
	OutcomeQueued
	OutcomeCompleted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeQueued:
		return "queued"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// AnalyzeRequest holds validated parameters for an analyze call.
type AnalyzeRequest struct {
	VideoID int64
	// Force skips the report cache. An active job still wins.
	Force bool
}

// Outcome is the non-error result of Analyze. For OutcomeQueued, Analysis is
// the active job when it is known and nil when admission lost a race.
type Outcome struct {
	Kind     OutcomeKind
	Analysis *models.Analysis
	Attempts int
}

// Report returns the analysis report, or nil for queued outcomes.
func (o *Outcome) Report() *models.Report {
	if o == nil || o.Analysis == nil || o.Kind == OutcomeQueued {
		return nil
	}
	return o.Analysis.Report
}

// Runner produces a report from a local video file.
type Runner interface {
	Run(ctx context.Context, videoPath string, hooks EscalationHooks) (*EscalationResult, error)
	Tiers() []config.Tier
	Model() string
}

// ServiceConfig groups the collaborators of AnalysisService.
type ServiceConfig struct {
	Gate          *analysis.Gate
	Store         store.Store
	Objects       storage.ObjectStore
	Temp          *storage.TempFiles
	Runner        Runner
	DefaultBucket string
	// Timeout bounds a whole pipeline run after admission.
	Timeout time.Duration
}

// AnalysisService orchestrates one analyze request end to end: cache gate,
// download, admission, escalation and the terminal job write.
type AnalysisService struct {
	gate          *analysis.Gate
	store         store.Store
	objects       storage.ObjectStore
	temp          *storage.TempFiles
	runner        Runner
	defaultBucket string
	timeout       time.Duration
}

// NewAnalysisService creates a new AnalysisService.
func NewAnalysisService(cfg ServiceConfig) *AnalysisService {
	return &AnalysisService{
		gate:          cfg.Gate,
		store:         cfg.Store,
		objects:       cfg.Objects,
		temp:          cfg.Temp,
		runner:        cfg.Runner,
		defaultBucket: cfg.DefaultBucket,
		timeout:       cfg.Timeout,
	}
}

// Analyze returns a cached report, reports an in-flight job, or runs the
// pipeline to completion. A failed run is returned as an error after the job
// has been marked failed.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalyzeRequest) (*Outcome, error) {
	if req.VideoID <= 0 {
		return nil, fmt.Errorf("%w: video_id must be a positive integer", ErrInvalidInput)
	}
	log := slog.With("video_id", req.VideoID)

	if !req.Force {
		cached, err := s.gate.Lookup(ctx, req.VideoID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if cached != nil {
			log.Info("serving cached report", "analysis_id", cached.ID)
			return &Outcome{Kind: OutcomeCacheHit, Analysis: cached}, nil
		}
	}

	active, err := s.gate.Active(ctx, req.VideoID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if active != nil {
		log.Info("analysis already in progress", "analysis_id", active.ID, "status", active.Status)
		return &Outcome{Kind: OutcomeQueued, Analysis: active}, nil
	}

	video, err := s.store.GetVideo(ctx, req.VideoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: video %d", ErrVideoNotFound, req.VideoID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading video: %w", ErrPersistence, err)
	}

	localPath, err := s.download(ctx, video)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.temp.CleanupTemp(localPath); err != nil {
			log.Warn("removing temp video failed", "path", localPath, "error", err)
		}
	}()

	tiers := s.runner.Tiers()
	job, err := s.gate.Admit(ctx, req.VideoID, s.runner.Model(), TierParams(0, tiers[0]))
	if errors.Is(err, analysis.ErrAlreadyActive) {
		log.Info("lost admission race, reporting queued")
		return &Outcome{Kind: OutcomeQueued}, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: video %d", ErrVideoNotFound, req.VideoID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	// The pipeline must reach a terminal state even if the client goes away.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	return s.runPipeline(runCtx, job, localPath)
}

// download copies the video object into a scoped temp file.
func (s *AnalysisService) download(ctx context.Context, video *models.Video) (string, error) {
	bucket := s.defaultBucket
	if video.Bucket != nil && *video.Bucket != "" {
		bucket = *video.Bucket
	}

	body, err := s.objects.Download(ctx, bucket, video.StoragePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", fmt.Errorf("%w: object %s/%s", ErrVideoNotFound, bucket, video.StoragePath)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer body.Close()

	ext := filepath.Ext(video.StoragePath)
	if ext == "" {
		ext = ".mp4"
	}
	path, err := s.temp.SaveTemp(ctx, "video_"+strconv.FormatInt(video.ID, 10), ext, body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return path, nil
}

// runPipeline escalates on the admitted job and records exactly one terminal
// status. It recovers from panics so the job never stays active.
func (s *AnalysisService) runPipeline(ctx context.Context, job *models.Analysis, videoPath string) (out *Outcome, err error) {
	log := slog.With("analysis_id", job.ID, "video_id", job.VideoID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in analysis pipeline", "error", r)
			out, err = nil, s.fail(ctx, job, fmt.Errorf("analysis panicked: %v", r))
		}
	}()

	started := false
	hooks := EscalationHooks{
		OnFramesReady: func(ctx context.Context, tierIndex int, tier config.Tier) error {
			if started {
				return nil
			}
			if err := s.store.TransitionAnalysis(ctx, job.ID, models.AnalysisStatusProcessing,
				store.WithParams(TierParams(tierIndex, tier))); err != nil {
				return fmt.Errorf("%w: marking processing: %w", ErrPersistence, err)
			}
			started = true
			return nil
		},
	}

	result, err := s.runner.Run(ctx, videoPath, hooks)
	if err != nil {
		log.Warn("analysis failed", "error", err)
		return nil, s.fail(ctx, job, err)
	}
	if !started {
		// Runner returned without reporting frames; keep the machine legal.
		if err := s.store.TransitionAnalysis(ctx, job.ID, models.AnalysisStatusProcessing); err != nil {
			return nil, s.fail(ctx, job, fmt.Errorf("%w: marking processing: %w", ErrPersistence, err))
		}
	}

	writeCtx, cancel := terminalContext(ctx)
	defer cancel()

	params := result.Params()
	if err := s.store.TransitionAnalysis(writeCtx, job.ID, models.AnalysisStatusDone,
		store.WithReport(result.Report),
		store.WithParams(params),
		store.WithVersion(s.gate.Version()),
	); err != nil {
		log.Error("persisting report failed", "error", err)
		return nil, s.fail(ctx, job, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	rep := result.Report.Normalized()
	now := time.Now().UTC()
	done := *job
	done.Status = models.AnalysisStatusDone
	done.Version = s.gate.Version()
	done.Params = params
	done.Report = &rep
	done.CompletedAt = &now
	done.UpdatedAt = now
	s.gate.Record(writeCtx, &done)

	log.Info("analysis completed", "tier", result.TierIndex, "attempts", result.Attempts)
	return &Outcome{Kind: OutcomeCompleted, Analysis: &done, Attempts: result.Attempts}, nil
}

// fail marks the job failed and returns cause. If that write also fails both
// errors are joined.
func (s *AnalysisService) fail(ctx context.Context, job *models.Analysis, cause error) error {
	writeCtx, cancel := terminalContext(ctx)
	defer cancel()

	if err := s.store.TransitionAnalysis(writeCtx, job.ID, models.AnalysisStatusFailed,
		store.WithErrorMessage(FailureMessage(cause))); err != nil {
		slog.Error("marking analysis failed did not persist", "analysis_id", job.ID, "error", err)
		return errors.Join(cause, fmt.Errorf("%w: marking failed: %w", ErrPersistence, err))
	}
	return cause
}

// FailureMessage is the human-readable reason stored on failed jobs and
// returned to API clients.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoFrames):
		return "No frames extracted"
	case errors.Is(err, ErrEmptyReport):
		return "Model returned an empty report"
	case errors.Is(err, ErrInferenceTimeout):
		return "Vision model timed out"
	case errors.Is(err, ErrProviderUnavailable):
		return "Vision model unavailable"
	case errors.Is(err, ErrInvalidResponse):
		return "Vision model returned an invalid response"
	case errors.Is(err, context.DeadlineExceeded):
		return "Analysis timed out"
	default:
		return err.Error()
	}
}

func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), config.TerminalWriteTimeout)
}
