package storage

import (
	"time"

	"github.com/memora-health/platform/internal/analysis"
)

// Result record statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Result record sources
const (
	SourceUpload = "upload"
	SourceLive   = "live"
)

// ProcessingResult is the generic record written for every persisted analysis.
type ProcessingResult struct {
	PatientID        string            `json:"patientId"`
	Modality         analysis.Modality `json:"modality"`
	Status           string            `json:"status"`
	Source           string            `json:"source"`
	Result           analysis.Result   `json:"result"`
	MediaURL         string            `json:"mediaUrl,omitempty"`
	SpeechAnalysisID string            `json:"speechAnalysisId,omitempty"`
	FrameNumber      int               `json:"frameNumber,omitempty"`
	SegmentNumber    int               `json:"segmentNumber,omitempty"`
	ProcessedAt      time.Time         `json:"processedAt"`
}

// SpeechAnalysisRecord is the speech-specific record kept alongside the
// generic result for uploaded recordings.
type SpeechAnalysisRecord struct {
	PatientID      string                 `json:"patientId"`
	Date           time.Time              `json:"date"`
	Duration       float64                `json:"duration"`
	Transcription  string                 `json:"transcription"`
	AudioURL       string                 `json:"audioUrl"`
	Metrics        analysis.SpeechMetrics `json:"metrics"`
	AIInsights     string                 `json:"aiInsights"`
	RiskIndicators []string               `json:"riskIndicators"`
	ResultID       string                 `json:"resultId,omitempty"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TimelineEvent is a human-readable entry in the patient's history.
type TimelineEvent struct {
	PatientID   string    `json:"patientId"`
	Date        time.Time `json:"date"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	ResultID    string    `json:"resultId,omitempty"`
}

// SeverityFor is warning when any risk indicator was found.
func SeverityFor(r analysis.Result) Severity {
	if len(r.Indicators()) > 0 {
		return SeverityWarning
	}
	return SeverityInfo
}
