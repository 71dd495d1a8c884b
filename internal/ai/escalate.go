package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/internal/media"
	"github.com/kiranshivaraju/clipcoach/internal/report"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// CritiquePrompt instructs the model to act as a spike coach and answer with
// the technique_report JSON object.
const CritiquePrompt = `You are an experienced volleyball coach reviewing frames from a single spike attempt.
The frames are in chronological order. The first frames are sent in high detail.

Evaluate the attack phase by phase: approach footwork, jump and take-off, arm swing,
wrist and hand contact with the ball, landing, core engagement, and the timing and
synchronisation between these phases.

Respond with ONLY a valid JSON object and nothing else, in this exact shape:
{"strengths": [...], "issues": [...], "drills": [...]}

Rules:
- Each list must contain at least 3 items.
- Each item is one short, specific sentence about what is visible in the frames.
- Drills must target the listed issues.
- Do not wrap the JSON in markdown and do not add commentary.`

// FrameSampler extracts frames from a local video file.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath string, cfg media.SampleConfig) ([]media.Frame, error)
}

// EscalationHooks are invoked by Escalator.Run at well-defined points.
type EscalationHooks struct {
	// OnFramesReady runs after a tier produced frames and before inference.
	// A non-nil error aborts the run.
	OnFramesReady func(ctx context.Context, tierIndex int, tier config.Tier) error
}

// EscalationResult is the first usable report and the tier that produced it.
type EscalationResult struct {
	Report    models.Report
	Tier      config.Tier
	TierIndex int
	Attempts  int
}

// Params returns the sampling parameters recorded on the analysis.
func (r *EscalationResult) Params() models.SamplingParams {
	return TierParams(r.TierIndex, r.Tier)
}

// TierParams converts a tier into the params stored on an analysis row.
func TierParams(index int, t config.Tier) models.SamplingParams {
	cfg := media.SampleConfig{Rate: t.Rate, MaxFrames: t.MaxFrames, Width: t.Width}.Normalized()
	return models.SamplingParams{
		Rate:             cfg.Rate,
		MaxFrames:        cfg.MaxFrames,
		Width:            cfg.Width,
		HighDetailFrames: t.HighDetailFrames,
		Tier:             index,
	}
}

// Escalator walks the tier ladder until the model returns a usable report.
type Escalator struct {
	sampler          FrameSampler
	provider         models.VisionProvider
	tiers            []config.Tier
	inferenceTimeout time.Duration
}

// NewEscalator validates the ladder and returns an Escalator.
func NewEscalator(sampler FrameSampler, provider models.VisionProvider, tiers []config.Tier, inferenceTimeout time.Duration) (*Escalator, error) {
	if len(tiers) < 2 {
		return nil, fmt.Errorf("escalator needs at least 2 tiers, got %d", len(tiers))
	}
	return &Escalator{
		sampler:          sampler,
		provider:         provider,
		tiers:            tiers,
		inferenceTimeout: inferenceTimeout,
	}, nil
}

// Tiers returns the configured ladder.
func (e *Escalator) Tiers() []config.Tier {
	return e.tiers
}

// Model returns the model identifier of the underlying provider.
func (e *Escalator) Model() string {
	return e.provider.Model()
}

// Run samples and critiques videoPath tier by tier. It stops at the first
// usable report. Zero frames ends the run with ErrNoFrames since denser
// sampling of the same file cannot help. Provider errors also end the run.
func (e *Escalator) Run(ctx context.Context, videoPath string, hooks EscalationHooks) (*EscalationResult, error) {
	for i, tier := range e.tiers {
		log := slog.With("tier", i, "fps", tier.Rate, "max_frames", tier.MaxFrames, "width", tier.Width)

		frames, err := e.sampler.Sample(ctx, videoPath, media.SampleConfig{
			Rate:      tier.Rate,
			MaxFrames: tier.MaxFrames,
			Width:     tier.Width,
		})
		if err != nil {
			return nil, fmt.Errorf("tier %d: sampling: %w", i, err)
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("tier %d: %w", i, ErrNoFrames)
		}
		log.Debug("frames extracted", "frames", len(frames))

		if hooks.OnFramesReady != nil {
			if err := hooks.OnFramesReady(ctx, i, tier); err != nil {
				return nil, err
			}
		}

		raw, err := e.critique(ctx, frames, tier.HighDetailFrames)
		if err != nil {
			return nil, fmt.Errorf("tier %d: inference: %w", i, err)
		}

		rep, perr := report.Parse(raw)
		if perr != nil {
			var pe *report.ParseError
			if errors.As(perr, &pe) {
				log.Warn("model output needed repair", "stage", pe.Stage, "problems", pe.Problems)
			} else {
				log.Warn("model output needed repair", "error", perr)
			}
		}
		if rep.Usable() {
			return &EscalationResult{
				Report:    rep,
				Tier:      tier,
				TierIndex: i,
				Attempts:  i + 1,
			}, nil
		}
		log.Info("empty report, escalating")
	}
	return nil, fmt.Errorf("%w after %d tiers", ErrEmptyReport, len(e.tiers))
}

func (e *Escalator) critique(ctx context.Context, frames []media.Frame, highDetail int) (string, error) {
	if e.inferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.inferenceTimeout)
		defer cancel()
	}

	images := make([]models.VisionImage, len(frames))
	for i, f := range frames {
		detail := models.DetailLow
		if i < highDetail {
			detail = models.DetailHigh
		}
		images[i] = models.VisionImage{
			Data:      f.Data,
			MediaType: media.FrameMediaType,
			Detail:    detail,
		}
	}

	return e.provider.Critique(ctx, models.VisionRequest{
		Prompt:      CritiquePrompt,
		Images:      images,
		Temperature: 0,
		SchemaName:  report.SchemaName,
		Schema:      report.Schema(),
	})
}
