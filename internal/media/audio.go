package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memora-health/platform/internal/analysis"
)

// PCMFormat describes interleaved little-endian PCM samples.
type PCMFormat struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultPCMFormat is 16 kHz mono 16-bit, the usual speech capture format.
var DefaultPCMFormat = PCMFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f PCMFormat) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if f.BitsPerSample != 8 && f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32 {
		return fmt.Errorf("unsupported bit depth %d", f.BitsPerSample)
	}
	return nil
}

func (f PCMFormat) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f PCMFormat) bytesPerSecond() int {
	return f.SampleRate * f.blockAlign()
}

// BytesFor is the whole-frame byte length of d.
func (f PCMFormat) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.blockAlign()
}

// AudioSource yields raw PCM chunks of arbitrary size.
type AudioSource interface {
	Format() PCMFormat
	// Read blocks for the next chunk. It returns ErrSourceClosed once stopped.
	Read(ctx context.Context) ([]byte, error)
	// Stop releases the capture device. It must be idempotent.
	Stop()
}

// SegmentRecorder cuts an AudioSource into fixed-length WAV segments.
// A trailing partial segment is dropped when the source ends.
type SegmentRecorder struct {
	src       AudioSource
	format    PCMFormat
	segment   time.Duration
	segBytes  int
	buf       bytes.Buffer
	seq       uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewSegmentRecorder(src AudioSource, segment time.Duration) (*SegmentRecorder, error) {
	if src == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if segment <= 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}
	format := src.Format()
	if err := format.Validate(); err != nil {
		return nil, err
	}
	segBytes := format.BytesFor(segment)
	if segBytes == 0 {
		return nil, fmt.Errorf("segment %v is shorter than one sample", segment)
	}
	return &SegmentRecorder{src: src, format: format, segment: segment, segBytes: segBytes}, nil
}

// Next blocks until a full segment has been recorded. Not safe for
// concurrent use; Close may be called from any goroutine.
func (r *SegmentRecorder) Next(ctx context.Context) (analysis.Unit, error) {
	for r.buf.Len() < r.segBytes {
		if r.closed.Load() {
			return analysis.Unit{}, ErrSourceClosed
		}
		chunk, err := r.src.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || r.closed.Load() {
				return analysis.Unit{}, ErrSourceClosed
			}
			return analysis.Unit{}, err
		}
		r.buf.Write(chunk)
	}
	if r.closed.Load() {
		return analysis.Unit{}, ErrSourceClosed
	}

	pcm := make([]byte, r.segBytes)
	copy(pcm, r.buf.Next(r.segBytes))
	r.seq++

	return analysis.Unit{
		Data:       EncodeWAV(pcm, r.format),
		MIMEType:   "audio/wav",
		Modality:   analysis.ModalitySpeech,
		Seq:        r.seq,
		CapturedAt: time.Now().UTC(),
		Duration:   r.segment,
	}, nil
}

// Close stops the source synchronously and discards buffered audio.
func (r *SegmentRecorder) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.src.Stop()
	})
}

const wavHeaderSize = 44

// EncodeWAV wraps PCM samples in a canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, f PCMFormat) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1) // PCM
	le.PutUint16(out[22:], uint16(f.Channels))
	le.PutUint32(out[24:], uint32(f.SampleRate))
	le.PutUint32(out[28:], uint32(f.bytesPerSecond()))
	le.PutUint16(out[32:], uint16(f.blockAlign()))
	le.PutUint16(out[34:], uint16(f.BitsPerSample))
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// WAVDuration reads the playing time from a RIFF/WAVE header.
func WAVDuration(data []byte) (time.Duration, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a WAVE file")
	}

	le := binary.LittleEndian
	var byteRate uint32
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(le.Uint32(data[off+4:]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+12 > len(data) {
				return 0, fmt.Errorf("truncated fmt chunk")
			}
			byteRate = le.Uint32(data[body+8:])
		case "data":
			if byteRate == 0 {
				return 0, fmt.Errorf("data chunk before fmt chunk")
			}
			// Streaming writers leave the size unset; use what is present.
			if size == 0 || body+size > len(data) {
				size = len(data) - body
			}
			return time.Duration(int64(size) * int64(time.Second) / int64(byteRate)), nil
		}
		off = body + size + size%2
	}
	return 0, fmt.Errorf("no data chunk")
}
