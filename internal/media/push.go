package media

import (
	"context"
	"sync"
	"time"
)

// PushVideoSource holds the latest frame posted by a remote client.
// CurrentFrame returns whatever is on screen now, so frames posted faster
// than the sampling interval are skipped.
type PushVideoSource struct {
	mu       sync.Mutex
	latest   *Frame
	ready    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewPushVideoSource() *PushVideoSource {
	return &PushVideoSource{
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Push replaces the current frame.
func (s *PushVideoSource) Push(f Frame) error {
	select {
	case <-s.stopped:
		return ErrSourceClosed
	default:
	}

	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	first := s.latest == nil
	s.latest = &f
	s.mu.Unlock()

	if first {
		close(s.ready)
	}
	return nil
}

func (s *PushVideoSource) CurrentFrame(ctx context.Context) (Frame, error) {
	select {
	case <-s.stopped:
		return Frame{}, ErrSourceClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ready:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.latest, nil
}

func (s *PushVideoSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// PushAudioSource queues PCM chunks posted by a remote client.
type PushAudioSource struct {
	format   PCMFormat
	chunks   chan []byte
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewPushAudioSource buffers up to queue chunks before Write blocks.
func NewPushAudioSource(format PCMFormat, queue int) *PushAudioSource {
	if queue < 1 {
		queue = 1
	}
	return &PushAudioSource{
		format:  format,
		chunks:  make(chan []byte, queue),
		stopped: make(chan struct{}),
	}
}

func (s *PushAudioSource) Format() PCMFormat {
	return s.format
}

// Write enqueues a copy of p, blocking while the queue is full.
func (s *PushAudioSource) Write(ctx context.Context, p []byte) error {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case <-s.stopped:
		return ErrSourceClosed
	default:
	}

	select {
	case s.chunks <- chunk:
		return nil
	case <-s.stopped:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PushAudioSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.stopped:
		return nil, ErrSourceClosed
	default:
	}

	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.stopped:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *PushAudioSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}
