package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

type mockModel struct {
	reply    string
	err      error
	prompts  []string
	mimes    []string
	deadline bool
}

func (m *mockModel) Generate(ctx context.Context, payload []byte, mimeType, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.mimes = append(m.mimes, mimeType)
	_, m.deadline = ctx.Deadline()
	return m.reply, m.err
}

func imageUnit() Unit {
	return Unit{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: "image/jpeg", Modality: ModalityFacial, Seq: 1}
}

func TestAnalyzeUnavailable(t *testing.T) {
	a := NewAdapter(nil, config.AIConfig{})

	if !errors.Is(a.Available(), apperrors.ErrInferenceUnavailable) {
		t.Errorf("Expected unavailable, got %v", a.Available())
	}
	_, err := a.Analyze(context.Background(), imageUnit(), nil, ModalityFacial)
	if !errors.Is(err, apperrors.ErrInferenceUnavailable) {
		t.Errorf("Expected ErrInferenceUnavailable, got %v", err)
	}
}

func TestAnalyzeFacial(t *testing.T) {
	model := &mockModel{reply: `{"confidence": 0.7, "riskIndicators": ["asymmetry"]}`}
	a := NewAdapter(model, config.AIConfig{Timeout: time.Second})

	res, err := a.Analyze(context.Background(), imageUnit(), &PatientContext{Age: 80}, ModalityFacial)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	facial, ok := res.(*FacialResult)
	if !ok {
		t.Fatalf("Expected *FacialResult, got %T", res)
	}
	if facial.Confidence != 0.7 || len(facial.Indicators()) != 1 {
		t.Errorf("Unexpected result: %+v", facial)
	}
	if !model.deadline {
		t.Error("Expected the call to carry a deadline")
	}
	if len(model.prompts) != 1 || !strings.Contains(model.prompts[0], "Age 80") {
		t.Errorf("Expected prompt with patient context, got %v", model.prompts)
	}
	if model.mimes[0] != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", model.mimes[0])
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name     string
		model    *mockModel
		unit     Unit
		modality Modality
		want     error
	}{
		{
			name:     "transport failure",
			model:    &mockModel{err: fmt.Errorf("429 quota exceeded")},
			unit:     imageUnit(),
			modality: ModalityFacial,
			want:     apperrors.ErrInferenceCall,
		},
		{
			name:     "unparseable reply",
			model:    &mockModel{reply: "Sorry, I can't help with that."},
			unit:     imageUnit(),
			modality: ModalityFacial,
			want:     apperrors.ErrResponseParse,
		},
		{
			name:     "modality mismatch",
			model:    &mockModel{reply: "{}"},
			unit:     imageUnit(),
			modality: ModalitySpeech,
			want:     apperrors.ErrInvalidInput,
		},
		{
			name:     "empty payload",
			model:    &mockModel{reply: "{}"},
			unit:     Unit{MIMEType: "audio/wav"},
			modality: ModalitySpeech,
			want:     apperrors.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(tt.model, config.AIConfig{})
			_, err := a.Analyze(context.Background(), tt.unit, nil, tt.modality)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAnalyzeSpeech(t *testing.T) {
	model := &mockModel{reply: "```json\n{\"transcription\": \"hello world\", \"metrics\": {\"clarity\": 80}}\n```"}
	a := NewAdapter(model, config.AIConfig{RequestsPerSecond: 100, Burst: 1})

	unit := Unit{Data: []byte("RIFF"), MIMEType: "audio/wav", Modality: ModalitySpeech}
	res, err := a.Analyze(context.Background(), unit, nil, ModalitySpeech)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	speech := res.(*SpeechResult)
	if speech.Transcription != "hello world" || speech.Metrics.Clarity != 80 {
		t.Errorf("Unexpected result: %+v", speech)
	}
	if speech.Modality() != ModalitySpeech || speech.Score() != 0.5 {
		t.Errorf("Expected speech modality with default confidence, got %s %v", speech.Modality(), speech.Score())
	}
}
