package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/media"
	"github.com/memora-health/platform/internal/shared/metrics"
	"github.com/memora-health/platform/internal/storage"
)

// Handle controls a running live stream.
type Handle struct {
	task     *Task
	release  func()
	deadline *time.Timer
	stopOnce sync.Once
	done     chan struct{}
}

// Stop halts scheduling of further units and releases the capture
// resources before returning. An inference call already in flight is
// allowed to finish. Safe to call repeatedly and from any goroutine.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.task.Stop()
		h.release()
	})
}

// Done is closed once the stream loop has exited and its resources
// have been released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (p *Pipeline) startStream(ctx context.Context, modality analysis.Modality, interval time.Duration, step Step, release func()) *Handle {
	h := &Handle{task: NewTask(interval, step), release: release, done: make(chan struct{})}
	if p.cfg.MaxStreamDuration > 0 {
		h.deadline = time.AfterFunc(p.cfg.MaxStreamDuration, func() {
			p.logger.Info("stream reached maximum duration", "modality", modality, "limit", p.cfg.MaxStreamDuration)
			h.Stop()
		})
	}

	metrics.StreamStarted(string(modality))
	h.task.Start(ctx)

	go func() {
		<-h.task.Done()
		// Covers loops that end on their own: closed source or cancelled context.
		h.Stop()
		if h.deadline != nil {
			h.deadline.Stop()
		}
		metrics.StreamStopped(string(modality))
		close(h.done)
	}()
	return h
}

func (p *Pipeline) checkAvailable() error {
	if a, ok := p.analyzer.(availability); ok {
		return a.Available()
	}
	return nil
}

// ProcessLiveVideo samples the source every interval and analyzes each
// frame. A failing frame is reported through OnError and the loop goes on.
// Every PersistEvery-th analyzed frame is persisted.
func (p *Pipeline) ProcessLiveVideo(ctx context.Context, src media.VideoSource, opts StreamOptions) (*Handle, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = p.cfg.VideoInterval
	}

	sampler, err := p.setupVideo(src)
	if err != nil {
		if src != nil {
			src.Stop()
		}
		err = fmt.Errorf("video stream setup failed: %w", err)
		opts.fail(err)
		return nil, err
	}

	logger := p.logger.With("patient_id", opts.PatientID, "modality", analysis.ModalityFacial)
	frames := 0

	step := func(ctx context.Context) bool {
		unit, err := sampler.Next(ctx)
		if err != nil {
			if errors.Is(err, media.ErrSourceClosed) || ctx.Err() != nil {
				return false
			}
			metrics.RecordAnalysis(string(analysis.ModalityFacial), modeStream, err)
			logger.Warn("frame capture failed", "error", err)
			opts.fail(fmt.Errorf("frame capture failed: %w", err))
			return true
		}

		res, err := p.analyzer.Analyze(ctx, unit, opts.PatientContext, analysis.ModalityFacial)
		metrics.RecordAnalysis(string(analysis.ModalityFacial), modeStream, err)
		if err != nil {
			logger.Warn("frame processing failed", "seq", unit.Seq, "error", err)
			opts.fail(fmt.Errorf("frame processing failed: %w", err))
			return true
		}

		frames++
		opts.progress(50, fmt.Sprintf("Processing frame %d...", frames))
		opts.complete(res)

		if frames%p.cfg.PersistEvery == 0 {
			_, err := p.recorder.SaveResult(ctx, storage.ProcessingResult{
				PatientID:   opts.PatientID,
				Modality:    analysis.ModalityFacial,
				Source:      storage.SourceLive,
				Result:      res,
				FrameNumber: frames,
			})
			if err != nil {
				logger.Warn("failed to persist frame", "frame", frames, "error", err)
				opts.fail(err)
			}
		}
		return true
	}

	logger.Info("live video stream started", "interval", interval)
	return p.startStream(ctx, analysis.ModalityFacial, interval, step, sampler.Close), nil
}

func (p *Pipeline) setupVideo(src media.VideoSource) (*media.VideoSampler, error) {
	if err := p.checkAvailable(); err != nil {
		return nil, err
	}
	return media.NewVideoSampler(src)
}

// ProcessLiveAudio records the source into fixed segments and analyzes
// each one. Transcriptions accumulate across segments; the accumulated
// text is what gets reported and persisted. A failing segment is reported
// through OnError and recording continues.
func (p *Pipeline) ProcessLiveAudio(ctx context.Context, src media.AudioSource, opts StreamOptions) (*Handle, error) {
	segment := opts.Segment
	if segment <= 0 {
		segment = p.cfg.AudioSegment
	}

	segmenter, err := p.setupAudio(src, segment)
	if err != nil {
		if src != nil {
			src.Stop()
		}
		err = fmt.Errorf("audio stream setup failed: %w", err)
		opts.fail(err)
		return nil, err
	}

	logger := p.logger.With("patient_id", opts.PatientID, "modality", analysis.ModalitySpeech)
	var transcription string
	segments := 0

	step := func(ctx context.Context) bool {
		unit, err := segmenter.Next(ctx)
		if err != nil {
			if errors.Is(err, media.ErrSourceClosed) || ctx.Err() != nil {
				return false
			}
			// The recorder paces this loop, so a broken source would spin.
			logger.Error("audio capture failed", "error", err)
			opts.fail(fmt.Errorf("audio capture failed: %w", err))
			return false
		}

		opts.progress(30, "Analyzing audio chunk...")

		res, err := p.analyzer.Analyze(ctx, unit, opts.PatientContext, analysis.ModalitySpeech)
		metrics.RecordAnalysis(string(analysis.ModalitySpeech), modeStream, err)
		if err != nil {
			logger.Warn("chunk processing failed", "seq", unit.Seq, "error", err)
			opts.fail(fmt.Errorf("chunk processing failed: %w", err))
			return true
		}
		speech, ok := res.(*analysis.SpeechResult)
		if !ok {
			opts.fail(fmt.Errorf("chunk processing failed: unexpected result %T", res))
			return true
		}

		segments++
		transcription = trimTranscription(appendTranscription(transcription, speech.Transcription), p.cfg.MaxTranscription)

		chunk := *speech
		chunk.Transcription = transcription

		opts.progress(60, "Processing speech...")
		opts.complete(&chunk)

		_, err = p.recorder.SaveResult(ctx, storage.ProcessingResult{
			PatientID:     opts.PatientID,
			Modality:      analysis.ModalitySpeech,
			Source:        storage.SourceLive,
			Result:        &chunk,
			SegmentNumber: segments,
		})
		if err != nil {
			logger.Warn("failed to persist segment", "segment", segments, "error", err)
			opts.fail(err)
		}
		return true
	}

	logger.Info("live audio stream started", "segment", segment)
	return p.startStream(ctx, analysis.ModalitySpeech, 0, step, segmenter.Close), nil
}

func (p *Pipeline) setupAudio(src media.AudioSource, segment time.Duration) (*media.SegmentRecorder, error) {
	if err := p.checkAvailable(); err != nil {
		return nil, err
	}
	return media.NewSegmentRecorder(src, segment)
}

func appendTranscription(acc, next string) string {
	next = strings.TrimSpace(next)
	switch {
	case next == "":
		return acc
	case acc == "":
		return next
	default:
		return acc + " " + next
	}
}

// trimTranscription keeps at most limit bytes from the end of s, cutting
// at a word boundary when one exists. limit <= 0 disables the bound.
func trimTranscription(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	tail := s[len(s)-limit:]
	if i := strings.IndexByte(tail, ' '); i >= 0 && i+1 < len(tail) {
		return tail[i+1:]
	}
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return tail
}
