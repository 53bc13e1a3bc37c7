package analysis

import (
	"strings"
	"time"
)

// Modality selects which analysis a unit receives.
type Modality string

const (
	ModalityFacial Modality = "facial"
	ModalitySpeech Modality = "speech"
)

// MediaPrefix is the MIME top-level type a modality accepts.
func (m Modality) MediaPrefix() string {
	switch m {
	case ModalityFacial:
		return "image/"
	case ModalitySpeech:
		return "audio/"
	default:
		return ""
	}
}

// Accepts reports whether mimeType is valid input for the modality.
func (m Modality) Accepts(mimeType string) bool {
	prefix := m.MediaPrefix()
	return prefix != "" && strings.HasPrefix(mimeType, prefix)
}

func (m Modality) Valid() bool {
	return m == ModalityFacial || m == ModalitySpeech
}

// Unit is one encoded payload handed to inference: an uploaded file,
// a captured video frame or a recorded audio segment. Units are immutable
// once produced.
type Unit struct {
	Data       []byte    `json:"-"`
	MIMEType   string    `json:"mime_type"`
	Modality   Modality  `json:"modality"`
	Seq        uint64    `json:"seq"`
	Name       string    `json:"name,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	// Duration is set for audio units whose length is known.
	Duration time.Duration `json:"duration,omitempty"`
}

// PatientContext is optional clinical context embedded in prompts.
// Zero fields render as unknown.
type PatientContext struct {
	Age            int      `json:"age,omitempty"`
	Gender         string   `json:"gender,omitempty"`
	MedicalHistory []string `json:"medicalHistory,omitempty"`
}

// Result is the tagged variant returned by inference:
// either *FacialResult or *SpeechResult.
type Result interface {
	Modality() Modality
	Score() float64
	Indicators() []string
}

type Emotion struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

type FacialFeatures struct {
	Symmetry    float64 `json:"symmetry"`
	Expression  string  `json:"expression"`
	AgeEstimate float64 `json:"ageEstimate,omitempty"`
}

// FacialResult is the structured outcome of a facial analysis.
type FacialResult struct {
	Emotions       []Emotion      `json:"emotions"`
	FacialFeatures FacialFeatures `json:"facialFeatures"`
	RiskIndicators []string       `json:"riskIndicators"`
	Analysis       string         `json:"analysis"`
	Confidence     float64        `json:"confidence"`
}

func (r *FacialResult) Modality() Modality   { return ModalityFacial }
func (r *FacialResult) Score() float64       { return r.Confidence }
func (r *FacialResult) Indicators() []string { return r.RiskIndicators }

// SpeechMetrics: PauseFrequency and WordRepetition in [0,1],
// Clarity and VocabularyRichness in [0,100], SpeechRate in words per minute.
type SpeechMetrics struct {
	PauseFrequency     float64 `json:"pauseFrequency"`
	WordRepetition     float64 `json:"wordRepetition"`
	Clarity            float64 `json:"clarity"`
	VocabularyRichness float64 `json:"vocabularyRichness"`
	SpeechRate         float64 `json:"speechRate"`
}

// SpeechResult is the structured outcome of a speech analysis.
type SpeechResult struct {
	Transcription  string        `json:"transcription"`
	Metrics        SpeechMetrics `json:"metrics"`
	RiskIndicators []string      `json:"riskIndicators"`
	Insights       string        `json:"insights"`
	Confidence     float64       `json:"confidence"`
}

func (r *SpeechResult) Modality() Modality   { return ModalitySpeech }
func (r *SpeechResult) Score() float64       { return r.Confidence }
func (r *SpeechResult) Indicators() []string { return r.RiskIndicators }
