package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/shared/metrics"
	"golang.org/x/time/rate"
)

// Model is a multimodal generative backend: one payload plus an
// instruction in, free-form text out.
type Model interface {
	Generate(ctx context.Context, payload []byte, mimeType, prompt string) (string, error)
}

// Analyzer is what the pipeline needs from inference.
type Analyzer interface {
	Analyze(ctx context.Context, unit Unit, pctx *PatientContext, modality Modality) (Result, error)
}

// Adapter turns media units into structured results. It is stateless
// between calls and never retries.
type Adapter struct {
	model       Model
	unavailable error
	limiter     *rate.Limiter
	timeout     time.Duration
}

// NewAdapter wraps model. A nil model yields an adapter whose every call
// fails with InferenceUnavailable.
func NewAdapter(model Model, cfg config.AIConfig) *Adapter {
	a := &Adapter{model: model, timeout: cfg.Timeout}
	if model == nil {
		a.unavailable = apperrors.InferenceUnavailable("inference backend is not configured")
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return a
}

// Available returns nil when the adapter can serve calls.
func (a *Adapter) Available() error {
	return a.unavailable
}

// Analyze sends one unit to the model and parses the reply.
func (a *Adapter) Analyze(ctx context.Context, unit Unit, pctx *PatientContext, modality Modality) (Result, error) {
	if a.unavailable != nil {
		return nil, a.unavailable
	}
	if err := validateUnit(unit, modality); err != nil {
		return nil, err
	}

	prompt, err := BuildPrompt(modality, pctx)
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error(), nil)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, apperrors.InferenceCall(err)
		}
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := a.model.Generate(callCtx, unit.Data, unit.MIMEType, prompt)
	metrics.RecordInference(string(modality), time.Since(start), err)
	if err != nil {
		if errors.Is(err, apperrors.ErrInferenceUnavailable) {
			return nil, err
		}
		return nil, apperrors.InferenceCall(err)
	}

	return a.parse(reply, modality, unit.Seq)
}

func (a *Adapter) parse(reply string, modality Modality, seq uint64) (Result, error) {
	var (
		res   Result
		stats ParseStats
		err   error
	)
	switch modality {
	case ModalityFacial:
		var r *FacialResult
		r, stats, err = ParseFacial(reply)
		res = r
	case ModalitySpeech:
		var r *SpeechResult
		r, stats, err = ParseSpeech(reply)
		res = r
	}
	if err != nil {
		slog.Warn("unparseable model reply", "modality", modality, "seq", seq, "reply_bytes", len(reply))
		return nil, err
	}

	if stats.Extracted {
		metrics.RecordParseFallback(string(modality), "extracted")
	}
	if len(stats.Defaulted) > 0 {
		metrics.RecordParseFallback(string(modality), "defaulted")
		slog.Debug("filled missing result fields", "modality", modality, "seq", seq, "fields", stats.Defaulted)
	}
	return res, nil
}

func validateUnit(unit Unit, modality Modality) error {
	if !modality.Valid() {
		return apperrors.InvalidInput(fmt.Sprintf("unknown modality %q", modality), nil)
	}
	if len(unit.Data) == 0 {
		return apperrors.InvalidInput("empty media payload", nil)
	}
	if !modality.Accepts(unit.MIMEType) {
		return apperrors.InvalidInput("media type does not match modality", map[string]string{
			"mime_type": unit.MIMEType,
			"modality":  string(modality),
		})
	}
	return nil
}
