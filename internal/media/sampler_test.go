package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestVideoSamplerSequence(t *testing.T) {
	src := NewPushVideoSource()
	sampler, err := NewVideoSampler(src)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := src.Push(Frame{MIMEType: "image/jpeg", Data: []byte{1}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	for want := uint64(1); want <= 3; want++ {
		unit, err := sampler.Next(context.Background())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if unit.Seq != want {
			t.Errorf("Expected seq %d, got %d", want, unit.Seq)
		}
	}

	sampler.Close()
	sampler.Close()
	if _, err := sampler.Next(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected ErrSourceClosed, got %v", err)
	}
	if err := src.Push(Frame{MIMEType: "image/jpeg", Data: []byte{1}}); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected push after stop to fail, got %v", err)
	}
}

func TestVideoSamplerCloseUnblocksWaiting(t *testing.T) {
	src := NewPushVideoSource()
	sampler, _ := NewVideoSampler(src)

	errCh := make(chan error, 1)
	go func() {
		_, err := sampler.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sampler.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSourceClosed) {
			t.Errorf("Expected ErrSourceClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSegmentRecorder(t *testing.T) {
	format := PCMFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 16}
	src := NewPushAudioSource(format, 16)
	rec, err := NewSegmentRecorder(src, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// 100ms at 8kHz/16-bit mono is 1600 bytes; push 2.5 segments in odd chunks.
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := src.Write(ctx, make([]byte, 1000)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	for want := uint64(1); want <= 2; want++ {
		unit, err := rec.Next(ctx)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if unit.Seq != want || unit.MIMEType != "audio/wav" {
			t.Errorf("Unexpected unit: seq=%d mime=%s", unit.Seq, unit.MIMEType)
		}
		if len(unit.Data) != 1600+44 {
			t.Errorf("Expected %d bytes, got %d", 1600+44, len(unit.Data))
		}
		if unit.Duration != 100*time.Millisecond {
			t.Errorf("Expected 100ms, got %v", unit.Duration)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var nextErr error
	go func() {
		defer wg.Done()
		_, nextErr = rec.Next(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	rec.Close()
	wg.Wait()

	if !errors.Is(nextErr, ErrSourceClosed) {
		t.Errorf("Expected partial segment to be dropped with ErrSourceClosed, got %v", nextErr)
	}
}

func TestSegmentRecorderValidation(t *testing.T) {
	tests := []struct {
		name    string
		format  PCMFormat
		segment time.Duration
	}{
		{"zero segment", DefaultPCMFormat, 0},
		{"bad rate", PCMFormat{SampleRate: 100, Channels: 1, BitsPerSample: 16}, time.Second},
		{"bad depth", PCMFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 12}, time.Second},
		{"sub-sample segment", DefaultPCMFormat, time.Nanosecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSegmentRecorder(NewPushAudioSource(tt.format, 1), tt.segment); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := NewSegmentRecorder(nil, time.Second); err == nil {
		t.Error("Expected error for nil source")
	}
}
