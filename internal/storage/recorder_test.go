package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/shared/events"
)

type mockPublisher struct {
	events []events.Event
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, e events.Event) error {
	m.events = append(m.events, e)
	return m.err
}

type failingBlobStore struct{}

func (failingBlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}

func (failingBlobStore) URL(ctx context.Context, ref string) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}

func TestMediaPath(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	tests := []struct {
		name      string
		patientID string
		modality  analysis.Modality
		file      string
		want      string
	}{
		{"plain", "p1", analysis.ModalityFacial, "face.jpg", "patients/p1/facial/1700000000123_face.jpg"},
		{"nested name", "p1", analysis.ModalitySpeech, "../../etc/a.wav", "patients/p1/speech/1700000000123_a.wav"},
		{"windows name", "p1", analysis.ModalitySpeech, `C:\rec\a.wav`, "patients/p1/speech/1700000000123_a.wav"},
		{"empty name", "p/2", analysis.ModalityFacial, "", "patients/p_2/facial/1700000000123_upload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MediaPath(tt.patientID, tt.modality, at, tt.file); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRecorderWritesAndPublishes(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore()
	docs := NewMemoryDocumentStore()
	bus := &mockPublisher{err: fmt.Errorf("bus down")}
	r := NewRecorder(blobs, docs, bus)
	r.now = func() time.Time { return time.UnixMilli(42) }

	url, err := r.UploadMedia(ctx, "p1", analysis.Unit{Name: "a.jpg", Data: []byte{1}, MIMEType: "image/jpeg", Modality: analysis.ModalityFacial})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if url != "memory://patients/p1/facial/42_a.jpg" {
		t.Errorf("Unexpected URL: %s", url)
	}

	speechID, err := r.SaveSpeechAnalysis(ctx, SpeechAnalysisRecord{PatientID: "p1", Transcription: "hi"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	resultID, err := r.SaveResult(ctx, ProcessingResult{
		PatientID: "p1",
		Modality:  analysis.ModalitySpeech,
		Result:    &analysis.SpeechResult{Transcription: "hi", RiskIndicators: []string{}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := r.LinkSpeechAnalysis(ctx, speechID, resultID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := r.CreateTimelineEvent(ctx, TimelineEvent{PatientID: "p1", Title: "t", Severity: SeverityInfo}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	speech, _ := docs.Get(ctx, CollectionSpeech, speechID)
	if speech["resultId"] != resultID {
		t.Errorf("Expected speech record linked to %s, got %v", resultID, speech["resultId"])
	}
	result, _ := docs.Get(ctx, CollectionResults, resultID)
	if result["status"] != StatusCompleted {
		t.Errorf("Expected status completed, got %v", result["status"])
	}

	// Publish failures are logged only.
	if len(bus.events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(bus.events))
	}
	wantTypes := []string{EventSpeechSaved, EventResultSaved, EventTimelineCreated}
	for i, want := range wantTypes {
		if bus.events[i].Type != want || bus.events[i].PatientID != "p1" {
			t.Errorf("Event %d: expected %s for p1, got %s for %s", i, want, bus.events[i].Type, bus.events[i].PatientID)
		}
	}

	history, err := r.History(ctx, CollectionTimeline, "p1", 0)
	if err != nil || len(history) != 1 {
		t.Errorf("Expected one timeline entry, got %d (%v)", len(history), err)
	}
}

func TestRecorderFailuresArePersistenceErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(failingBlobStore{}, NewMemoryDocumentStore(), nil)

	_, err := r.UploadMedia(ctx, "p1", analysis.Unit{Name: "a.jpg", Data: []byte{1}, MIMEType: "image/jpeg", Modality: analysis.ModalityFacial})
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}

	err = r.LinkSpeechAnalysis(ctx, "missing", "r1")
	if !errors.Is(err, apperrors.ErrPersistence) || !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrPersistence wrapping ErrNotFound, got %v", err)
	}
}

func TestSeverityFor(t *testing.T) {
	if got := SeverityFor(&analysis.FacialResult{}); got != SeverityInfo {
		t.Errorf("Expected info, got %s", got)
	}
	if got := SeverityFor(&analysis.FacialResult{RiskIndicators: []string{"x"}}); got != SeverityWarning {
		t.Errorf("Expected warning, got %s", got)
	}
}
