// Package pipeline turns uploaded files and live media streams into
// persisted analysis results, reporting progress through caller callbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/media"
	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/shared/metrics"
	"github.com/memora-health/platform/internal/storage"
)

const (
	modeOneShot = "oneshot"
	modeStream  = "stream"

	timelineTypeTest = "test"
)

// Recorder persists media, results and timeline events.
type Recorder interface {
	UploadMedia(ctx context.Context, patientID string, unit analysis.Unit) (string, error)
	SaveResult(ctx context.Context, rec storage.ProcessingResult) (string, error)
	SaveSpeechAnalysis(ctx context.Context, rec storage.SpeechAnalysisRecord) (string, error)
	LinkSpeechAnalysis(ctx context.Context, speechID, resultID string) error
	CreateTimelineEvent(ctx context.Context, ev storage.TimelineEvent) (string, error)
}

// availability is implemented by analyzers that know up front whether
// they can serve calls.
type availability interface {
	Available() error
}

// Pipeline orchestrates capture, inference and persistence.
type Pipeline struct {
	analyzer analysis.Analyzer
	recorder Recorder
	cfg      config.PipelineConfig
	logger   *slog.Logger
}

func New(analyzer analysis.Analyzer, recorder Recorder, cfg config.PipelineConfig) *Pipeline {
	if cfg.PersistEvery < 1 {
		cfg.PersistEvery = 1
	}
	return &Pipeline{
		analyzer: analyzer,
		recorder: recorder,
		cfg:      cfg,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// ProcessImage uploads, analyzes and persists one facial image.
// A failing step aborts the operation; earlier writes are kept.
func (p *Pipeline) ProcessImage(ctx context.Context, f media.File, opts Options) (*analysis.FacialResult, error) {
	result, err := p.processImage(ctx, f, opts)
	metrics.RecordAnalysis(string(analysis.ModalityFacial), modeOneShot, err)
	if err != nil {
		p.logger.Error("facial analysis failed", "patient_id", opts.PatientID, "error", err)
		opts.fail(err)
		return nil, err
	}

	opts.progress(100, "Complete")
	opts.complete(result)
	return result, nil
}

func (p *Pipeline) processImage(ctx context.Context, f media.File, opts Options) (*analysis.FacialResult, error) {
	opts.progress(10, "Uploading image...")

	unit, err := media.CaptureOneShot(f, analysis.ModalityFacial, p.cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	imageURL, err := p.recorder.UploadMedia(ctx, opts.PatientID, unit)
	if err != nil {
		return nil, err
	}

	opts.progress(30, "Analyzing facial features with AI...")

	res, err := p.analyzeWithRetry(ctx, unit, opts.PatientContext)
	if err != nil {
		return nil, err
	}
	facial, ok := res.(*analysis.FacialResult)
	if !ok {
		return nil, apperrors.Internal(fmt.Errorf("expected facial result, got %T", res))
	}

	opts.progress(80, "Saving results...")

	resultID, err := p.recorder.SaveResult(ctx, storage.ProcessingResult{
		PatientID: opts.PatientID,
		Modality:  analysis.ModalityFacial,
		Source:    storage.SourceUpload,
		Result:    facial,
		MediaURL:  imageURL,
	})
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("AI analysis completed with %d%% confidence. Found %d risk indicators.",
		percent(facial.Confidence*100), len(facial.RiskIndicators))
	_, err = p.recorder.CreateTimelineEvent(ctx, storage.TimelineEvent{
		PatientID:   opts.PatientID,
		Type:        timelineTypeTest,
		Title:       "Facial Recognition Analysis Completed",
		Description: description,
		Severity:    storage.SeverityFor(facial),
		ResultID:    resultID,
	})
	if err != nil {
		return nil, err
	}
	return facial, nil
}

// ProcessAudio uploads, analyzes and persists one speech recording. The
// speech record is written before the generic result that references it.
func (p *Pipeline) ProcessAudio(ctx context.Context, f media.File, opts Options) (*analysis.SpeechResult, error) {
	result, err := p.processAudio(ctx, f, opts)
	metrics.RecordAnalysis(string(analysis.ModalitySpeech), modeOneShot, err)
	if err != nil {
		p.logger.Error("speech analysis failed", "patient_id", opts.PatientID, "error", err)
		opts.fail(err)
		return nil, err
	}

	opts.progress(100, "Complete")
	opts.complete(result)
	return result, nil
}

func (p *Pipeline) processAudio(ctx context.Context, f media.File, opts Options) (*analysis.SpeechResult, error) {
	opts.progress(10, "Uploading audio...")

	unit, err := media.CaptureOneShot(f, analysis.ModalitySpeech, p.cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	audioURL, err := p.recorder.UploadMedia(ctx, opts.PatientID, unit)
	if err != nil {
		return nil, err
	}

	opts.progress(30, "Transcribing and analyzing speech...")

	res, err := p.analyzeWithRetry(ctx, unit, opts.PatientContext)
	if err != nil {
		return nil, err
	}
	speech, ok := res.(*analysis.SpeechResult)
	if !ok {
		return nil, apperrors.Internal(fmt.Errorf("expected speech result, got %T", res))
	}

	opts.progress(70, "Saving results...")

	speechID, err := p.recorder.SaveSpeechAnalysis(ctx, storage.SpeechAnalysisRecord{
		PatientID:      opts.PatientID,
		Duration:       unit.Duration.Seconds(),
		Transcription:  speech.Transcription,
		AudioURL:       audioURL,
		Metrics:        speech.Metrics,
		AIInsights:     speech.Insights,
		RiskIndicators: speech.RiskIndicators,
	})
	if err != nil {
		return nil, err
	}

	resultID, err := p.recorder.SaveResult(ctx, storage.ProcessingResult{
		PatientID:        opts.PatientID,
		Modality:         analysis.ModalitySpeech,
		Source:           storage.SourceUpload,
		Result:           speech,
		MediaURL:         audioURL,
		SpeechAnalysisID: speechID,
	})
	if err != nil {
		return nil, err
	}
	if err := p.recorder.LinkSpeechAnalysis(ctx, speechID, resultID); err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Speech analysis completed. Clarity: %d%%, Found %d risk indicators.",
		percent(speech.Metrics.Clarity), len(speech.RiskIndicators))
	_, err = p.recorder.CreateTimelineEvent(ctx, storage.TimelineEvent{
		PatientID:   opts.PatientID,
		Type:        timelineTypeTest,
		Title:       "Speech Analysis Completed",
		Description: description,
		Severity:    storage.SeverityFor(speech),
		ResultID:    resultID,
	})
	if err != nil {
		return nil, err
	}
	return speech, nil
}

// analyzeWithRetry retries failed model calls for one-shot operations.
// Only InferenceCall errors are retried.
func (p *Pipeline) analyzeWithRetry(ctx context.Context, unit analysis.Unit, pctx *analysis.PatientContext) (analysis.Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := p.analyzer.Analyze(ctx, unit, pctx, unit.Modality)
		if err == nil || attempt >= p.cfg.InferenceRetries || !errors.Is(err, apperrors.ErrInferenceCall) {
			return res, err
		}

		p.logger.Warn("retrying inference call", "modality", unit.Modality, "attempt", attempt+1, "error", err)
		timer := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func percent(v float64) int {
	return int(math.Round(v))
}
