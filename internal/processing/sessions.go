package processing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memora-health/platform/internal/media"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"github.com/memora-health/platform/internal/shared/types"
)

// Kind names what a session runs.
type Kind string

const (
	KindFacial    Kind = "facial"
	KindSpeech    Kind = "speech"
	KindLiveVideo Kind = "live_video"
	KindLiveAudio Kind = "live_audio"
)

const sweepInterval = time.Minute

// Session is one operation exposed over HTTP, owning its own controller.
type Session struct {
	ID         string
	PatientID  string
	Kind       Kind
	Controller *Controller
	CreatedAt  time.Time

	mu    sync.Mutex
	video *media.PushVideoSource
	audio *media.PushAudioSource
	stop  func()
}

func newSession(patientID string, kind Kind, ctrl *Controller) *Session {
	return &Session{
		ID:         types.NewID().String(),
		PatientID:  patientID,
		Kind:       kind,
		Controller: ctrl,
		CreatedAt:  time.Now().UTC(),
	}
}

// Live reports whether the session is a stream.
func (s *Session) Live() bool {
	return s.Kind == KindLiveVideo || s.Kind == KindLiveAudio
}

// Stop ends a live session. It is a no-op for one-shot sessions and
// repeated calls.
func (s *Session) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID        string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	State     Snapshot  `json:"state"`
}

func (s *Session) View() SessionView {
	return SessionView{
		ID:        s.ID,
		PatientID: s.PatientID,
		Kind:      s.Kind,
		CreatedAt: s.CreatedAt,
		State:     s.Controller.Snapshot(),
	}
}

// Registry keeps sessions until they have been finished for longer than ttl.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts sessions that have not been processing for ttl.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		snap := s.Controller.Snapshot()
		if snap.Status != StatusProcessing && snap.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Start runs the eviction loop until ctx ends or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("evicted finished sessions", "count", n)
			}
		}
	}
}

// Stop ends the eviction loop and every live stream.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Live() {
			live = append(live, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range live {
		s.Stop()
	}
}
