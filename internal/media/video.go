package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memora-health/platform/internal/analysis"
)

// Frame is one video frame. An empty MIMEType means raw packed RGB24
// (Width*Height*3 bytes); otherwise Data is an already encoded still image.
type Frame struct {
	Data      []byte
	MIMEType  string
	Width     int
	Height    int
	Timestamp time.Time
}

// VideoSource yields the frame currently on screen.
type VideoSource interface {
	// CurrentFrame blocks until a frame is available, the source stops or ctx ends.
	CurrentFrame(ctx context.Context) (Frame, error)
	// Stop releases the capture device. It must be idempotent.
	Stop()
}

const jpegQuality = 85

// VideoSampler grabs frames from a VideoSource on demand and encodes them
// as JPEG stills. Pacing is the caller's concern.
type VideoSampler struct {
	src       VideoSource
	seq       atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewVideoSampler(src VideoSource) (*VideoSampler, error) {
	if src == nil {
		return nil, fmt.Errorf("video source is required")
	}
	return &VideoSampler{src: src}, nil
}

// Next captures and encodes the current frame.
func (s *VideoSampler) Next(ctx context.Context) (analysis.Unit, error) {
	if s.closed.Load() {
		return analysis.Unit{}, ErrSourceClosed
	}

	frame, err := s.src.CurrentFrame(ctx)
	if err != nil {
		return analysis.Unit{}, err
	}
	data, mimeType, err := EncodeFrame(frame)
	if err != nil {
		return analysis.Unit{}, err
	}

	captured := frame.Timestamp
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	return analysis.Unit{
		Data:       data,
		MIMEType:   mimeType,
		Modality:   analysis.ModalityFacial,
		Seq:        s.seq.Add(1),
		CapturedAt: captured,
	}, nil
}

// Close stops the source tracks. An in-flight Next may still return.
func (s *VideoSampler) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.src.Stop()
	})
}

// EncodeFrame returns the frame as an encoded still image.
func EncodeFrame(f Frame) ([]byte, string, error) {
	if f.MIMEType != "" {
		mt := normalizeMIME(f.MIMEType)
		if !strings.HasPrefix(mt, "image/") {
			return nil, "", fmt.Errorf("frame type %s is not an image", f.MIMEType)
		}
		if len(f.Data) == 0 {
			return nil, "", fmt.Errorf("empty frame")
		}
		return f.Data, mt, nil
	}

	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*3 {
		return nil, "", fmt.Errorf("raw frame %dx%d has %d bytes, want %d", f.Width, f.Height, len(f.Data), f.Width*f.Height*3)
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
