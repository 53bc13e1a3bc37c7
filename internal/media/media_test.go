package media

import (
	"bytes"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestCaptureOneShot(t *testing.T) {
	wav := EncodeWAV(make([]byte, 32000), DefaultPCMFormat)

	tests := []struct {
		name      string
		file      File
		modality  analysis.Modality
		maxBytes  int64
		wantMIME  string
		wantError bool
	}{
		{
			name:     "declared image",
			file:     File{Name: "face.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff, 0xe0}},
			modality: analysis.ModalityFacial,
			wantMIME: "image/jpeg",
		},
		{
			name:     "sniffed png",
			file:     File{Name: "face", ContentType: "application/octet-stream", Data: pngHeader},
			modality: analysis.ModalityFacial,
			wantMIME: "image/png",
		},
		{
			name:     "wav with parameters",
			file:     File{Name: "a.wav", ContentType: "audio/x-wav; codecs=1", Data: wav},
			modality: analysis.ModalitySpeech,
			wantMIME: "audio/wav",
		},
		{
			name:     "recorder webm",
			file:     File{Name: "a.webm", Data: []byte("\x1a\x45\xdf\xa3\x01\x00\x00\x00")},
			modality: analysis.ModalitySpeech,
			wantMIME: "audio/webm",
		},
		{
			name:      "empty",
			file:      File{Name: "x.jpg", ContentType: "image/jpeg"},
			modality:  analysis.ModalityFacial,
			wantError: true,
		},
		{
			name:      "audio sent as image",
			file:      File{Name: "a.wav", ContentType: "audio/wav", Data: wav},
			modality:  analysis.ModalityFacial,
			wantError: true,
		},
		{
			name:      "too large",
			file:      File{Name: "face.jpg", ContentType: "image/jpeg", Data: make([]byte, 11)},
			modality:  analysis.ModalityFacial,
			maxBytes:  10,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := CaptureOneShot(tt.file, tt.modality, tt.maxBytes)
			if tt.wantError {
				if !errors.Is(err, apperrors.ErrInvalidInput) {
					t.Errorf("Expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if unit.MIMEType != tt.wantMIME {
				t.Errorf("Expected MIME %s, got %s", tt.wantMIME, unit.MIMEType)
			}
			if unit.Modality != tt.modality || unit.Name != tt.file.Name {
				t.Errorf("Unexpected unit: %+v", unit)
			}
		})
	}
}

func TestCaptureOneShotWAVDuration(t *testing.T) {
	wav := EncodeWAV(make([]byte, DefaultPCMFormat.BytesFor(1500*time.Millisecond)), DefaultPCMFormat)
	unit, err := CaptureOneShot(File{Name: "a.wav", ContentType: "audio/wav", Data: wav}, analysis.ModalitySpeech, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if unit.Duration != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %v", unit.Duration)
	}
}

func TestEncodeFrame(t *testing.T) {
	raw := Frame{Width: 4, Height: 2, Data: bytes.Repeat([]byte{200, 10, 10}, 8)}
	data, mimeType, err := EncodeFrame(raw)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if mimeType != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", mimeType)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected decodable JPEG, got: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("Expected 4x2, got %v", b)
	}

	encoded := Frame{MIMEType: "image/jpg", Data: []byte{1, 2, 3}}
	data, mimeType, err = EncodeFrame(encoded)
	if err != nil || mimeType != "image/jpeg" || len(data) != 3 {
		t.Errorf("Expected pass-through, got %s %d %v", mimeType, len(data), err)
	}

	bad := []Frame{
		{Width: 4, Height: 2, Data: make([]byte, 5)},
		{MIMEType: "audio/wav", Data: []byte{1}},
		{MIMEType: "image/png"},
	}
	for _, f := range bad {
		if _, _, err := EncodeFrame(f); err == nil {
			t.Errorf("Expected error for %+v", f)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	format := PCMFormat{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	pcm := make([]byte, format.BytesFor(2*time.Second))
	wav := EncodeWAV(pcm, format)

	if len(wav) != len(pcm)+44 {
		t.Fatalf("Expected %d bytes, got %d", len(pcm)+44, len(wav))
	}
	d, err := WAVDuration(wav)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d != 2*time.Second {
		t.Errorf("Expected 2s, got %v", d)
	}

	if _, err := WAVDuration([]byte("not a wave file")); err == nil {
		t.Error("Expected error for non-WAVE data")
	}
}
