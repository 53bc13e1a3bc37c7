package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/memora-health/platform/internal/analysis"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/shared/events"
	"github.com/memora-health/platform/internal/shared/metrics"
)

// Event types published after successful writes
const (
	EventResultSaved     = "analysis.result.saved"
	EventSpeechSaved     = "analysis.speech.saved"
	EventTimelineCreated = "timeline.event.created"
)

// Recorder writes analysis artifacts: media blobs, result documents and
// timeline events. Every failure is returned as a Persistence error.
type Recorder struct {
	blobs BlobStore
	docs  DocumentStore
	bus   events.Publisher
	now   func() time.Time
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(blobs BlobStore, docs DocumentStore, bus events.Publisher) *Recorder {
	return &Recorder{blobs: blobs, docs: docs, bus: bus, now: time.Now}
}

// MediaPath builds patients/{patientId}/{modality}/{unixMillis}_{name}.
func MediaPath(patientID string, modality analysis.Modality, at time.Time, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	patientID = strings.ReplaceAll(patientID, "/", "_")
	return fmt.Sprintf("patients/%s/%s/%d_%s", patientID, modality, at.UnixMilli(), name)
}

// UploadMedia stores a payload and returns its retrievable URL.
func (r *Recorder) UploadMedia(ctx context.Context, patientID string, unit analysis.Unit) (string, error) {
	p := MediaPath(patientID, unit.Modality, r.now(), unit.Name)

	ref, err := r.blobs.Upload(ctx, p, unit.Data, unit.MIMEType)
	if err != nil {
		return "", r.failed(err, "upload media")
	}
	url, err := r.blobs.URL(ctx, ref)
	if err != nil {
		return "", r.failed(err, "resolve media url")
	}
	return url, nil
}

// SaveResult writes the generic processing record.
func (r *Recorder) SaveResult(ctx context.Context, rec ProcessingResult) (string, error) {
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = r.now().UTC()
	}

	id, err := r.docs.Put(ctx, CollectionResults, "", rec)
	if err != nil {
		return "", r.failed(err, "save processing result")
	}

	r.publish(ctx, events.NewEvent(EventResultSaved, "storage", map[string]any{
		"result_id":  id,
		"modality":   rec.Modality,
		"source":     rec.Source,
		"confidence": rec.Result.Score(),
		"indicators": len(rec.Result.Indicators()),
	}).ForPatient(rec.PatientID))
	return id, nil
}

// SaveSpeechAnalysis writes the speech-specific record.
func (r *Recorder) SaveSpeechAnalysis(ctx context.Context, rec SpeechAnalysisRecord) (string, error) {
	if rec.Date.IsZero() {
		rec.Date = r.now().UTC()
	}
	if rec.RiskIndicators == nil {
		rec.RiskIndicators = []string{}
	}

	id, err := r.docs.Put(ctx, CollectionSpeech, "", rec)
	if err != nil {
		return "", r.failed(err, "save speech analysis")
	}

	r.publish(ctx, events.NewEvent(EventSpeechSaved, "storage", map[string]any{
		"speech_analysis_id": id,
		"clarity":            rec.Metrics.Clarity,
	}).ForPatient(rec.PatientID))
	return id, nil
}

// LinkSpeechAnalysis records the generic result id on a speech record.
func (r *Recorder) LinkSpeechAnalysis(ctx context.Context, speechID, resultID string) error {
	if err := r.docs.Update(ctx, CollectionSpeech, speechID, map[string]any{"resultId": resultID}); err != nil {
		return r.failed(err, "link speech analysis")
	}
	return nil
}

// CreateTimelineEvent writes a timeline entry.
func (r *Recorder) CreateTimelineEvent(ctx context.Context, ev TimelineEvent) (string, error) {
	if ev.Date.IsZero() {
		ev.Date = r.now().UTC()
	}

	id, err := r.docs.Put(ctx, CollectionTimeline, "", ev)
	if err != nil {
		return "", r.failed(err, "create timeline event")
	}

	r.publish(ctx, events.NewEvent(EventTimelineCreated, "storage", map[string]any{
		"timeline_event_id": id,
		"title":             ev.Title,
		"severity":          ev.Severity,
	}).ForPatient(ev.PatientID))
	return id, nil
}

// History returns a patient's newest documents from one collection.
func (r *Recorder) History(ctx context.Context, collection, patientID string, limit int) ([]Document, error) {
	docs, err := r.docs.ListByPatient(ctx, collection, patientID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load history")
	}
	return docs, nil
}

func (r *Recorder) failed(err error, operation string) error {
	metrics.RecordPersistenceFailure(operation)
	return apperrors.Persistence(err, operation)
}

// publish is best effort; the write it describes already succeeded.
func (r *Recorder) publish(ctx context.Context, event events.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish event", "type", event.Type, "patient_id", event.PatientID, "error", err)
	}
}
