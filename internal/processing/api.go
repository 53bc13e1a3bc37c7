package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/media"
	"github.com/memora-health/platform/internal/patient"
	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	audioQueueChunks    = 32
	multipartMemory     = 32 << 20
)

// History reads persisted documents for a patient.
type History interface {
	History(ctx context.Context, collection, patientID string, limit int) ([]storage.Document, error)
}

// Handler provides HTTP handlers for analysis sessions and patient history.
type Handler struct {
	baseCtx   context.Context
	pipeline  Pipeline
	sessions  *Registry
	history   History
	directory patient.Directory
	cfg       config.PipelineConfig
}

// NewHandler creates a handler. Work started by a request runs on baseCtx
// so it outlives the request. directory may be nil.
func NewHandler(baseCtx context.Context, p Pipeline, sessions *Registry, history History, directory patient.Directory, cfg config.PipelineConfig) *Handler {
	return &Handler{
		baseCtx:   baseCtx,
		pipeline:  p,
		sessions:  sessions,
		history:   history,
		directory: directory,
		cfg:       cfg,
	}
}

// Routes registers the processing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Post("/analyses/facial", h.AnalyzeFacial)
		r.Post("/analyses/speech", h.AnalyzeSpeech)
		r.Get("/analyses", h.ListAnalyses)
		r.Get("/speech-analyses", h.ListSpeechAnalyses)
		r.Get("/timeline", h.ListTimeline)

		r.Post("/streams/video", h.StartVideoStream)
		r.Post("/streams/audio", h.StartAudioStream)
	})

	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.StopSession)
		r.Get("/events", h.StreamEvents)
		r.Post("/frames", h.PushFrame)
		r.Post("/audio", h.PushAudio)
		r.Post("/reset", h.ResetSession)
	})

	return r
}

// --- One-shot analyses ---

// AnalyzeFacial accepts a multipart image upload
func (h *Handler) AnalyzeFacial(w http.ResponseWriter, r *http.Request) {
	h.analyzeUpload(w, r, analysis.ModalityFacial)
}

// AnalyzeSpeech accepts a multipart audio upload
func (h *Handler) AnalyzeSpeech(w http.ResponseWriter, r *http.Request) {
	h.analyzeUpload(w, r, analysis.ModalitySpeech)
}

func (h *Handler) analyzeUpload(w http.ResponseWriter, r *http.Request, modality analysis.Modality) {
	patientID := chi.URLParam(r, "patientID")

	f, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Reject bad uploads up front instead of opening a failed session.
	if _, err := media.CaptureOneShot(f, modality, h.cfg.MaxUploadBytes); err != nil {
		writeError(w, err)
		return
	}

	pctx, err := h.patientContext(r, patientID)
	if err != nil {
		writeError(w, err)
		return
	}

	kind := KindFacial
	run := func(c *Controller) error { return c.ProcessImage(h.baseCtx, f, patientID, pctx) }
	if modality == analysis.ModalitySpeech {
		kind = KindSpeech
		run = func(c *Controller) error { return c.ProcessAudio(h.baseCtx, f, patientID, pctx) }
	}

	sess := newSession(patientID, kind, NewController(h.pipeline))
	h.sessions.Add(sess)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := run(sess.Controller); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.View())
		return
	}

	go run(sess.Controller)
	writeJSON(w, http.StatusAccepted, sess.View())
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (media.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return media.File{}, apperrors.BadRequest("invalid multipart form")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return media.File{}, apperrors.BadRequest("missing file field")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return media.File{}, apperrors.BadRequest("failed to read upload")
	}
	return media.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// --- Live streams ---

// StartVideoStream opens a live facial session fed by PushFrame
func (h *Handler) StartVideoStream(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	interval, err := millisParam(r, "interval_ms")
	if err != nil {
		writeError(w, err)
		return
	}
	pctx, err := h.patientContext(r, patientID)
	if err != nil {
		writeError(w, err)
		return
	}

	src := media.NewPushVideoSource()
	sess := newSession(patientID, KindLiveVideo, NewController(h.pipeline))
	stop, err := sess.Controller.StartLiveVideo(h.baseCtx, src, patientID, pctx, interval)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.video = src
	sess.stop = stop
	h.sessions.Add(sess)

	slog.Info("live video session started", "session_id", sess.ID, "patient_id", patientID)
	writeJSON(w, http.StatusCreated, sess.View())
}

// StartAudioStream opens a live speech session fed by PushAudio
func (h *Handler) StartAudioStream(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	segment, err := millisParam(r, "segment_ms")
	if err != nil {
		writeError(w, err)
		return
	}
	format, err := pcmFormat(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pctx, err := h.patientContext(r, patientID)
	if err != nil {
		writeError(w, err)
		return
	}

	src := media.NewPushAudioSource(format, audioQueueChunks)
	sess := newSession(patientID, KindLiveAudio, NewController(h.pipeline))
	stop, err := sess.Controller.StartLiveAudio(h.baseCtx, src, patientID, pctx, segment)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.audio = src
	sess.stop = stop
	h.sessions.Add(sess)

	slog.Info("live audio session started", "session_id", sess.ID, "patient_id", patientID, "sample_rate", format.SampleRate)
	writeJSON(w, http.StatusCreated, sess.View())
}

// PushFrame replaces the current frame of a live video session. The body
// is an encoded image, or raw RGB24 when width and height are given.
func (h *Handler) PushFrame(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.video == nil {
		writeError(w, apperrors.BadRequest("session does not accept video frames"))
		return
	}

	data, err := h.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	frame := media.Frame{Data: data}
	q := r.URL.Query()
	if q.Get("width") != "" || q.Get("height") != "" {
		frame.Width, _ = strconv.Atoi(q.Get("width"))
		frame.Height, _ = strconv.Atoi(q.Get("height"))
		if frame.Width <= 0 || frame.Height <= 0 || len(data) != frame.Width*frame.Height*3 {
			writeError(w, apperrors.InvalidInput("raw frame size does not match width and height", nil))
			return
		}
	} else {
		frame.MIMEType = media.DetectMIME(r.Header.Get("Content-Type"), data)
		if !analysis.ModalityFacial.Accepts(frame.MIMEType) {
			writeError(w, apperrors.InvalidInput("frame is not an image", map[string]string{"mime_type": frame.MIMEType}))
			return
		}
	}

	if err := sess.video.Push(frame); err != nil {
		writeError(w, closedOr(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PushAudio appends raw PCM to a live audio session
func (h *Handler) PushAudio(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.audio == nil {
		writeError(w, apperrors.BadRequest("session does not accept audio"))
		return
	}

	data, err := h.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := sess.audio.Write(r.Context(), data); err != nil {
		writeError(w, closedOr(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperrors.InvalidInput("request body too large or unreadable", nil)
	}
	if len(data) == 0 {
		return nil, apperrors.InvalidInput("empty media payload", nil)
	}
	return data, nil
}

// --- Session state ---

// GetSession returns the session and its controller state
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// StopSession stops a live session
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !sess.Live() {
		writeError(w, apperrors.BadRequest("only live sessions can be stopped"))
		return
	}

	sess.Stop()
	slog.Info("live session stopped", "session_id", sess.ID, "patient_id", sess.PatientID)
	writeJSON(w, http.StatusOK, sess.View())
}

// ResetSession returns a finished session to idle
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Controller.Reset(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents sends controller snapshots as Server-Sent Events until the
// session finishes or the client goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal(errors.New("streaming not supported")))
		return
	}

	updates, cancel := sess.Controller.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("failed to encode snapshot", "session_id", sess.ID, "error", err)
				return
			}
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
			if snap.Terminal() {
				return
			}
		}
	}
}

// --- History ---

// ListAnalyses lists persisted analysis results
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	h.listHistory(w, r, storage.CollectionResults)
}

// ListSpeechAnalyses lists persisted speech records
func (h *Handler) ListSpeechAnalyses(w http.ResponseWriter, r *http.Request) {
	h.listHistory(w, r, storage.CollectionSpeech)
}

// ListTimeline lists timeline events
func (h *Handler) ListTimeline(w http.ResponseWriter, r *http.Request) {
	h.listHistory(w, r, storage.CollectionTimeline)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request, collection string) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, apperrors.BadRequest("invalid limit"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	docs, err := h.history.History(r.Context(), collection, chi.URLParam(r, "patientID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  docs,
		"total": len(docs),
	})
}

// --- Helpers ---

// patientContext resolves context from the directory and overlays the
// age, gender and medical_history request fields.
func (h *Handler) patientContext(r *http.Request, patientID string) (*analysis.PatientContext, error) {
	var pctx *analysis.PatientContext
	if h.directory != nil {
		found, err := h.directory.Lookup(r.Context(), patientID)
		if err != nil {
			slog.Warn("patient context lookup failed", "patient_id", patientID, "error", err)
		} else {
			pctx = found
		}
	}

	age := r.FormValue("age")
	gender := strings.TrimSpace(r.FormValue("gender"))
	history := r.Form["medical_history"]
	if age == "" && gender == "" && len(history) == 0 {
		return pctx, nil
	}

	overlay := analysis.PatientContext{}
	if pctx != nil {
		overlay = *pctx
	}
	if age != "" {
		n, err := strconv.Atoi(age)
		if err != nil || n < 0 || n > 150 {
			return nil, apperrors.BadRequest("invalid age")
		}
		overlay.Age = n
	}
	if gender != "" {
		overlay.Gender = gender
	}
	if len(history) > 0 {
		overlay.MedicalHistory = nil
		for _, entry := range history {
			for _, item := range strings.Split(entry, ",") {
				if item = strings.TrimSpace(item); item != "" {
					overlay.MedicalHistory = append(overlay.MedicalHistory, item)
				}
			}
		}
	}
	return &overlay, nil
}

func millisParam(r *http.Request, name string) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperrors.BadRequest(fmt.Sprintf("invalid %s", name))
	}
	return time.Duration(n) * time.Millisecond, nil
}

func pcmFormat(r *http.Request) (media.PCMFormat, error) {
	format := media.DefaultPCMFormat
	q := r.URL.Query()
	for name, field := range map[string]*int{
		"sample_rate": &format.SampleRate,
		"channels":    &format.Channels,
		"bits":        &format.BitsPerSample,
	} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return format, apperrors.BadRequest(fmt.Sprintf("invalid %s", name))
			}
			*field = n
		}
	}
	if err := format.Validate(); err != nil {
		return format, apperrors.BadRequest(err.Error())
	}
	return format, nil
}

func closedOr(err error) error {
	if errors.Is(err, media.ErrSourceClosed) {
		return apperrors.Conflict("stream has been stopped")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(apperrors.Status(err))
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
