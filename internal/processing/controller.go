// Package processing exposes analysis operations to callers: a per-operation
// state machine, a session registry and the HTTP API on top of them.
package processing

import (
	"context"
	"sync"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/media"
	"github.com/memora-health/platform/internal/pipeline"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Snapshot is the observable state of a controller.
type Snapshot struct {
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Error     string          `json:"error,omitempty"`
	Result    analysis.Result `json:"result,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether no further changes are expected.
func (s Snapshot) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// Pipeline is the orchestration the controller drives.
type Pipeline interface {
	ProcessImage(ctx context.Context, f media.File, opts pipeline.Options) (*analysis.FacialResult, error)
	ProcessAudio(ctx context.Context, f media.File, opts pipeline.Options) (*analysis.SpeechResult, error)
	ProcessLiveVideo(ctx context.Context, src media.VideoSource, opts pipeline.StreamOptions) (*pipeline.Handle, error)
	ProcessLiveAudio(ctx context.Context, src media.AudioSource, opts pipeline.StreamOptions) (*pipeline.Handle, error)
}

// Controller holds the state of one pipeline invocation at a time:
// idle -> processing -> completed | error. Starting a second operation
// while one is in flight is not guarded; the newer operation wins and
// callbacks of the older one are ignored.
type Controller struct {
	pipeline Pipeline

	mu     sync.Mutex
	state  Snapshot
	gen    uint64
	subs   map[uint64]chan Snapshot
	nextID uint64
}

func NewController(p Pipeline) *Controller {
	return &Controller{
		pipeline: p,
		state:    Snapshot{Status: StatusIdle, UpdatedAt: time.Now().UTC()},
		subs:     make(map[uint64]chan Snapshot),
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessImage runs a one-shot facial analysis and blocks until it ends.
func (c *Controller) ProcessImage(ctx context.Context, f media.File, patientID string, pctx *analysis.PatientContext) error {
	gen := c.begin("Starting facial recognition analysis...")
	_, err := c.pipeline.ProcessImage(ctx, f, c.oneShotOptions(gen, patientID, pctx))
	if err != nil {
		c.update(gen, failed(err, "Analysis failed"))
	}
	return err
}

// ProcessAudio runs a one-shot speech analysis and blocks until it ends.
func (c *Controller) ProcessAudio(ctx context.Context, f media.File, patientID string, pctx *analysis.PatientContext) error {
	gen := c.begin("Starting speech analysis...")
	_, err := c.pipeline.ProcessAudio(ctx, f, c.oneShotOptions(gen, patientID, pctx))
	if err != nil {
		c.update(gen, failed(err, "Analysis failed"))
	}
	return err
}

// StartLiveVideo starts a live facial stream. The controller stays in
// processing until the returned stop function is called or the stream ends.
func (c *Controller) StartLiveVideo(ctx context.Context, src media.VideoSource, patientID string, pctx *analysis.PatientContext, interval time.Duration) (func(), error) {
	gen := c.begin("Starting live video analysis...")
	h, err := c.pipeline.ProcessLiveVideo(ctx, src, pipeline.StreamOptions{
		Options:  c.streamOptions(gen, patientID, pctx, "Frame analyzed"),
		Interval: interval,
	})
	if err != nil {
		c.update(gen, failed(err, "Stream processing failed"))
		return nil, err
	}
	return c.watch(gen, h), nil
}

// StartLiveAudio starts a live speech stream.
func (c *Controller) StartLiveAudio(ctx context.Context, src media.AudioSource, patientID string, pctx *analysis.PatientContext, segment time.Duration) (func(), error) {
	gen := c.begin("Starting live audio analysis...")
	h, err := c.pipeline.ProcessLiveAudio(ctx, src, pipeline.StreamOptions{
		Options: c.streamOptions(gen, patientID, pctx, "Chunk analyzed"),
		Segment: segment,
	})
	if err != nil {
		c.update(gen, failed(err, "Stream processing failed"))
		return nil, err
	}
	return c.watch(gen, h), nil
}

// Reset returns a finished controller to idle. It is rejected while an
// operation is in flight and is a no-op when already idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status {
	case StatusProcessing:
		return apperrors.Conflict("cannot reset while an analysis is in progress")
	case StatusIdle:
		return nil
	}

	c.gen++
	c.state = Snapshot{Status: StatusIdle, UpdatedAt: time.Now().UTC()}
	c.broadcast()
	return nil
}

// Subscribe delivers the current state and every later change. A slow
// subscriber only misses intermediate states; the latest one is kept.
func (c *Controller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Controller) begin(message string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.state = Snapshot{Status: StatusProcessing, Message: message, UpdatedAt: time.Now().UTC()}
	c.broadcast()
	return c.gen
}

// update applies fn if gen is still the current operation.
func (c *Controller) update(gen uint64, fn func(s *Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	fn(&c.state)
	c.state.UpdatedAt = time.Now().UTC()
	c.broadcast()
}

// broadcast must be called with mu held.
func (c *Controller) broadcast() {
	for _, ch := range c.subs {
		select {
		case ch <- c.state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c.state:
			default:
			}
		}
	}
}

func (c *Controller) oneShotOptions(gen uint64, patientID string, pctx *analysis.PatientContext) pipeline.Options {
	return pipeline.Options{
		PatientID:      patientID,
		PatientContext: pctx,
		OnProgress: func(percent int, message string) {
			c.update(gen, func(s *Snapshot) {
				s.Progress = percent
				s.Message = message
			})
		},
		OnComplete: func(result analysis.Result) {
			c.update(gen, func(s *Snapshot) {
				s.Result = result
				s.Status = StatusCompleted
				s.Progress = 100
				s.Message = "Analysis completed successfully!"
			})
		},
		OnError: func(err error) {
			c.update(gen, failed(err, "Analysis failed"))
		},
	}
}

// streamOptions never change the status: stream errors are advisory.
func (c *Controller) streamOptions(gen uint64, patientID string, pctx *analysis.PatientContext, analyzed string) pipeline.Options {
	return pipeline.Options{
		PatientID:      patientID,
		PatientContext: pctx,
		OnProgress: func(percent int, message string) {
			c.update(gen, func(s *Snapshot) {
				if s.Status == StatusProcessing {
					s.Progress = percent
					s.Message = message
				}
			})
		},
		OnComplete: func(result analysis.Result) {
			c.update(gen, func(s *Snapshot) {
				s.Result = result
				if s.Status == StatusProcessing {
					s.Message = analyzed
				}
			})
		},
		OnError: func(err error) {
			c.update(gen, func(s *Snapshot) {
				s.Error = err.Error()
			})
		},
	}
}

// watch moves the controller to completed once the stream ends, whether
// stopped by the caller or on its own.
func (c *Controller) watch(gen uint64, h *pipeline.Handle) func() {
	ended := func() {
		c.update(gen, func(s *Snapshot) {
			if s.Status == StatusProcessing {
				s.Status = StatusCompleted
				s.Message = "Stream stopped"
			}
		})
	}
	go func() {
		<-h.Done()
		ended()
	}()

	return func() {
		h.Stop()
		ended()
	}
}

func failed(err error, message string) func(s *Snapshot) {
	return func(s *Snapshot) {
		s.Status = StatusError
		s.Error = err.Error()
		s.Message = message
	}
}
