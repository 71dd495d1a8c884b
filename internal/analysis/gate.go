// Package analysis decides whether a video needs a new analysis job: it serves
// cached reports, reports in-flight jobs and admits new ones.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/cache"
	"github.com/kiranshivaraju/clipcoach/internal/store"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// ErrAlreadyActive is returned by Admit when another job for the video won
// the admission race.
var ErrAlreadyActive = errors.New("analysis already in progress")

// GateConfig holds the gate's tunables.
type GateConfig struct {
	Version    int
	CacheTTL   time.Duration
	// StaleAfter must exceed the pipeline timeout plus the final write;
	// config.Load enforces this. Zero disables the sweep.
	StaleAfter time.Duration
}

// Gate fronts the job store with a Redis hot cache of finished reports.
type Gate struct {
	store store.Store
	cache cache.Cache
	cfg   GateConfig
}

// NewGate creates a Gate. ca may be nil, in which case every lookup goes to the store.
func NewGate(st store.Store, ca cache.Cache, cfg GateConfig) *Gate {
	return &Gate{store: st, cache: ca, cfg: cfg}
}

// Version is the analysis version reports must carry to be served.
func (g *Gate) Version() int {
	return g.cfg.Version
}

// Lookup returns the newest done analysis with a usable report at the current
// version, or nil when there is none. Cache failures fall through to the store.
func (g *Gate) Lookup(ctx context.Context, videoID int64) (*models.Analysis, error) {
	key := cache.ReportKey(videoID, g.cfg.Version)

	if g.cache != nil {
		data, found, err := g.cache.Get(ctx, key)
		switch {
		case err != nil:
			slog.Warn("report cache read failed", "video_id", videoID, "error", err)
		case found:
			var a models.Analysis
			if err := json.Unmarshal(data, &a); err == nil && a.VideoID == videoID && a.CacheableAt(g.cfg.Version) {
				return &a, nil
			}
			slog.Warn("dropping unusable cached report", "video_id", videoID)
			_ = g.cache.Delete(ctx, key)
		}
	}

	a, err := g.store.FindLatestUsableAnalysis(ctx, videoID, g.cfg.Version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding cached analysis: %w", err)
	}

	g.Record(ctx, a)
	return a, nil
}

// Active returns the pending or processing job for the video, or nil. Jobs
// that have not progressed within StaleAfter are failed first so a crashed
// worker cannot block the video forever.
func (g *Gate) Active(ctx context.Context, videoID int64) (*models.Analysis, error) {
	if g.cfg.StaleAfter > 0 {
		n, err := g.store.FailStaleAnalyses(ctx, videoID, g.cfg.StaleAfter)
		if err != nil {
			slog.Warn("expiring stale analyses failed", "video_id", videoID, "error", err)
		} else if n > 0 {
			slog.Warn("expired stale analyses", "video_id", videoID, "count", n)
		}
	}

	a, err := g.store.FindActiveAnalysis(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active analysis: %w", err)
	}
	return a, nil
}

// Admit creates the pending job for the video at the gate's version.
func (g *Gate) Admit(ctx context.Context, videoID int64, model string, params models.SamplingParams) (*models.Analysis, error) {
	a := &models.Analysis{
		VideoID: videoID,
		Status:  models.AnalysisStatusPending,
		Version: g.cfg.Version,
		Model:   model,
		Params:  params,
	}
	if err := g.store.CreatePendingAnalysis(ctx, a); err != nil {
		if errors.Is(err, store.ErrActiveAnalysis) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("creating pending analysis: %w", err)
	}
	return a, nil
}

// Record writes a done analysis into the hot cache. Anything not servable at
// the current version is ignored. Errors are logged, never returned.
func (g *Gate) Record(ctx context.Context, a *models.Analysis) {
	if g.cache == nil || a == nil || !a.CacheableAt(g.cfg.Version) {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		slog.Warn("encoding report for cache failed", "analysis_id", a.ID, "error", err)
		return
	}
	if err := g.cache.Set(ctx, cache.ReportKey(a.VideoID, g.cfg.Version), data, g.cfg.CacheTTL); err != nil {
		slog.Warn("report cache write failed", "analysis_id", a.ID, "error", err)
	}
}
