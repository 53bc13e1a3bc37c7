package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/media"
	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/storage"
)

// stubAnalyzer returns canned results and fails the calls listed in errs.
type stubAnalyzer struct {
	mu     sync.Mutex
	calls  int
	errs   map[int]error
	facial *analysis.FacialResult
	speech *analysis.SpeechResult
	onCall func(call int)
}

func (a *stubAnalyzer) Analyze(ctx context.Context, unit analysis.Unit, pctx *analysis.PatientContext, modality analysis.Modality) (analysis.Result, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()

	if a.onCall != nil {
		a.onCall(n)
	}
	if err := a.errs[n]; err != nil {
		return nil, err
	}

	if modality == analysis.ModalitySpeech {
		if a.speech != nil {
			r := *a.speech
			return &r, nil
		}
		return &analysis.SpeechResult{Transcription: fmt.Sprintf("word%d", n), RiskIndicators: []string{}, Confidence: 0.9}, nil
	}
	if a.facial != nil {
		r := *a.facial
		return &r, nil
	}
	return &analysis.FacialResult{RiskIndicators: []string{}, Confidence: 0.8}, nil
}

func (a *stubAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type failingBlobStore struct{}

func (failingBlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}

func (failingBlobStore) URL(ctx context.Context, ref string) (string, error) {
	return "", fmt.Errorf("bucket unavailable")
}

// callbackLog records callbacks in the order they arrive.
type callbackLog struct {
	mu       sync.Mutex
	progress []int
	messages []string
	events   []string
	results  []analysis.Result
	errs     []error
	notify   chan struct{}
}

func newCallbackLog() *callbackLog {
	return &callbackLog{notify: make(chan struct{}, 64)}
}

func (l *callbackLog) options(patientID string) Options {
	return Options{
		PatientID: patientID,
		OnProgress: func(p int, msg string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.progress = append(l.progress, p)
			l.messages = append(l.messages, msg)
		},
		OnComplete: func(r analysis.Result) {
			l.mu.Lock()
			l.events = append(l.events, "complete")
			l.results = append(l.results, r)
			l.mu.Unlock()
			l.signal()
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.events = append(l.events, "error")
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.signal()
		},
	}
}

func (l *callbackLog) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *callbackLog) snapshot() (events []string, results []analysis.Result, errs []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...), append([]analysis.Result(nil), l.results...), append([]error(nil), l.errs...)
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		VideoInterval:    time.Millisecond,
		AudioSegment:     100 * time.Millisecond,
		PersistEvery:     5,
		MaxUploadBytes:   1 << 20,
		MaxTranscription: 1024,
	}
}

func newTestPipeline(a analysis.Analyzer, cfg config.PipelineConfig) (*Pipeline, *storage.MemoryDocumentStore, *storage.MemoryBlobStore) {
	docs := storage.NewMemoryDocumentStore()
	blobs := storage.NewMemoryBlobStore()
	return New(a, storage.NewRecorder(blobs, docs, nil), cfg), docs, blobs
}

var jpegFile = media.File{Name: "face.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff, 0xe0}}

func TestProcessImage(t *testing.T) {
	ctx := context.Background()
	a := &stubAnalyzer{facial: &analysis.FacialResult{RiskIndicators: []string{"reduced expressivity"}, Confidence: 0.8}}
	p, docs, blobs := newTestPipeline(a, testConfig())
	log := newCallbackLog()

	result, err := p.ProcessImage(ctx, jpegFile, log.options("p1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Confidence != 0.8 {
		t.Errorf("Expected confidence 0.8, got %f", result.Confidence)
	}

	wantProgress := []int{10, 30, 80, 100}
	if fmt.Sprint(log.progress) != fmt.Sprint(wantProgress) {
		t.Errorf("Expected progress %v, got %v", wantProgress, log.progress)
	}
	if log.messages[3] != "Complete" {
		t.Errorf("Expected final message Complete, got %s", log.messages[3])
	}
	events, _, _ := log.snapshot()
	if len(events) != 1 || events[0] != "complete" {
		t.Errorf("Expected a single completion, got %v", events)
	}

	if len(blobs.Paths()) != 1 {
		t.Errorf("Expected 1 uploaded blob, got %d", len(blobs.Paths()))
	}
	if docs.Count(storage.CollectionResults) != 1 {
		t.Errorf("Expected 1 result record, got %d", docs.Count(storage.CollectionResults))
	}

	timeline, _ := docs.ListByPatient(ctx, storage.CollectionTimeline, "p1", 0)
	if len(timeline) != 1 {
		t.Fatalf("Expected 1 timeline event, got %d", len(timeline))
	}
	ev := timeline[0].Data
	if ev["type"] != "test" || ev["severity"] != "warning" {
		t.Errorf("Unexpected timeline event: %v", ev)
	}
	wantDesc := "AI analysis completed with 80% confidence. Found 1 risk indicators."
	if ev["description"] != wantDesc {
		t.Errorf("Expected %q, got %q", wantDesc, ev["description"])
	}
}

func TestProcessAudioEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := &stubAnalyzer{speech: &analysis.SpeechResult{
		Transcription:  "hello world",
		Metrics:        analysis.SpeechMetrics{Clarity: 80},
		RiskIndicators: []string{},
		Confidence:     0.9,
	}}
	p, docs, _ := newTestPipeline(a, testConfig())
	log := newCallbackLog()

	wav := media.EncodeWAV(make([]byte, 3*16000*2), media.DefaultPCMFormat)
	result, err := p.ProcessAudio(ctx, media.File{Name: "visit.wav", ContentType: "audio/wav", Data: wav}, log.options("p1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Transcription != "hello world" {
		t.Errorf("Expected hello world, got %s", result.Transcription)
	}

	wantProgress := []int{10, 30, 70, 100}
	if fmt.Sprint(log.progress) != fmt.Sprint(wantProgress) {
		t.Errorf("Expected progress %v, got %v", wantProgress, log.progress)
	}

	speech, _ := docs.ListByPatient(ctx, storage.CollectionSpeech, "p1", 0)
	results, _ := docs.ListByPatient(ctx, storage.CollectionResults, "p1", 0)
	timeline, _ := docs.ListByPatient(ctx, storage.CollectionTimeline, "p1", 0)
	if len(speech) != 1 || len(results) != 1 || len(timeline) != 1 {
		t.Fatalf("Expected 1/1/1 records, got %d/%d/%d", len(speech), len(results), len(timeline))
	}

	if speech[0].Data["duration"] != float64(3) {
		t.Errorf("Expected duration 3, got %v", speech[0].Data["duration"])
	}
	if results[0].Data["speechAnalysisId"] != speech[0].ID {
		t.Errorf("Expected result to reference %s, got %v", speech[0].ID, results[0].Data["speechAnalysisId"])
	}
	if speech[0].Data["resultId"] != results[0].ID {
		t.Errorf("Expected speech record linked to %s, got %v", results[0].ID, speech[0].Data["resultId"])
	}
	if timeline[0].Data["severity"] != "info" {
		t.Errorf("Expected info severity, got %v", timeline[0].Data["severity"])
	}
	wantDesc := "Speech analysis completed. Clarity: 80%, Found 0 risk indicators."
	if timeline[0].Data["description"] != wantDesc {
		t.Errorf("Expected %q, got %q", wantDesc, timeline[0].Data["description"])
	}
}

func TestProcessImageFailures(t *testing.T) {
	tests := []struct {
		name      string
		file      media.File
		blobs     storage.BlobStore
		errs      map[int]error
		wantKind  error
		wantCalls int
	}{
		{
			name:     "wrong media type",
			file:     media.File{Name: "a.txt", ContentType: "text/plain", Data: []byte("hi")},
			wantKind: apperrors.ErrInvalidInput,
		},
		{
			name:     "upload fails",
			file:     jpegFile,
			blobs:    failingBlobStore{},
			wantKind: apperrors.ErrPersistence,
		},
		{
			name:      "inference fails",
			file:      jpegFile,
			errs:      map[int]error{1: apperrors.InferenceCall(fmt.Errorf("quota"))},
			wantKind:  apperrors.ErrInferenceCall,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &stubAnalyzer{errs: tt.errs}
			blobs := tt.blobs
			if blobs == nil {
				blobs = storage.NewMemoryBlobStore()
			}
			docs := storage.NewMemoryDocumentStore()
			p := New(a, storage.NewRecorder(blobs, docs, nil), testConfig())
			log := newCallbackLog()

			_, err := p.ProcessImage(context.Background(), tt.file, log.options("p1"))
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Expected %v, got %v", tt.wantKind, err)
			}

			events, _, errs := log.snapshot()
			if len(events) != 1 || events[0] != "error" || errs[0] != err {
				t.Errorf("Expected exactly one OnError with the returned error, got %v", events)
			}
			if a.Calls() != tt.wantCalls {
				t.Errorf("Expected %d inference calls, got %d", tt.wantCalls, a.Calls())
			}
			if docs.Count(storage.CollectionResults) != 0 || docs.Count(storage.CollectionTimeline) != 0 {
				t.Error("Expected no records for a failed analysis")
			}
		})
	}
}

func TestOneShotRetriesInferenceCallsOnly(t *testing.T) {
	cfg := testConfig()
	cfg.InferenceRetries = 2

	a := &stubAnalyzer{errs: map[int]error{1: apperrors.InferenceCall(fmt.Errorf("timeout"))}}
	p, _, _ := newTestPipeline(a, cfg)
	if _, err := p.ProcessImage(context.Background(), jpegFile, Options{PatientID: "p1"}); err != nil {
		t.Fatalf("Expected retry to succeed, got: %v", err)
	}
	if a.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", a.Calls())
	}

	a = &stubAnalyzer{errs: map[int]error{1: apperrors.ResponseParse(fmt.Errorf("no object"))}}
	p, _, _ = newTestPipeline(a, cfg)
	if _, err := p.ProcessImage(context.Background(), jpegFile, Options{PatientID: "p1"}); !errors.Is(err, apperrors.ErrResponseParse) {
		t.Fatalf("Expected ErrResponseParse, got: %v", err)
	}
	if a.Calls() != 1 {
		t.Errorf("Expected parse failures not to be retried, got %d calls", a.Calls())
	}
}

func TestOneShotWithoutCallbacks(t *testing.T) {
	p, _, _ := newTestPipeline(&stubAnalyzer{}, testConfig())
	if _, err := p.ProcessImage(context.Background(), jpegFile, Options{PatientID: "p1"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}
