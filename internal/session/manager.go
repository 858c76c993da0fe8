package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
)

// transitions is the session state machine. cancelled → downloading is the
// resume edge and is additionally gated on Resumable.
var transitions = map[data.SessionStatus]map[data.SessionStatus]bool{
	data.StatusPending: {
		data.StatusDiscovering: true,
		data.StatusFailed:      true,
		data.StatusCancelled:   true,
	},
	data.StatusDiscovering: {
		data.StatusDownloading: true,
		data.StatusCompleted:   true, // zero-file discovery
		data.StatusFailed:      true,
		data.StatusCancelled:   true,
	},
	data.StatusDownloading: {
		data.StatusCompleted: true,
		data.StatusCancelled: true,
		data.StatusFailed:    true,
	},
	data.StatusCancelled: {
		data.StatusDownloading: true, // resume
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to data.SessionStatus) bool {
	return transitions[from][to]
}

// Manager owns session rows and enforces the state machine and the
// one-active-session-per-source rule.
type Manager struct {
	log  *slog.Logger
	repo repo.SessionRepo
}

func NewManager(log *slog.Logger, r repo.SessionRepo) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, repo: r}
}

// Create persists a new pending session. The repo rejects it with
// data.ErrConflict when the source already has an active session; the
// fast-path check here just gives a cleaner error before the insert.
func (m *Manager) Create(ctx context.Context, sourceType string, params map[string]string, workerCount int) (*data.Session, error) {
	if _, err := m.repo.ActiveForSource(ctx, sourceType); err == nil {
		return nil, data.ErrConflict
	}
	if workerCount < 1 {
		workerCount = 1
	}
	s := &data.Session{
		SourceType:  sourceType,
		Status:      data.StatusPending,
		Params:      params,
		WorkerCount: workerCount,
		Cancellable: true,
	}
	created, err := m.repo.AddSession(ctx, s)
	if err != nil {
		return nil, err
	}
	m.log.Info("session created", "session_id", created.ID, "source_type", sourceType, "workers", workerCount)
	return created, nil
}

// Transition moves a session along a legal edge, applying extra before the
// status change. Timestamps and control flags are maintained here so every
// caller agrees on them.
func (m *Manager) Transition(ctx context.Context, id string, to data.SessionStatus, extra func(*data.Session)) (*data.Session, error) {
	updated, err := m.repo.UpdateSession(ctx, id, func(s *data.Session) error {
		if !CanTransition(s.Status, to) {
			return data.ErrBadTransition
		}
		if to == data.StatusDownloading && s.Status == data.StatusCancelled {
			if !s.Resumable {
				return data.ErrNotResumable
			}
			s.ResumeCount++
			s.Resumable = false
			s.Cancellable = true
			s.CompletedAt = nil
		}
		if extra != nil {
			extra(s)
		}
		s.Status = to
		now := time.Now()
		switch to {
		case data.StatusDiscovering:
			if s.StartedAt == nil {
				s.StartedAt = &now
			}
		case data.StatusCompleted, data.StatusFailed:
			s.CompletedAt = &now
			s.Cancellable = false
			s.Resumable = false
		case data.StatusCancelled:
			s.CompletedAt = &now
			s.Cancellable = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("session transition", "session_id", id, "to", to)
	return updated, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*data.Session, error) {
	return m.repo.GetSession(ctx, id)
}

func (m *Manager) List(ctx context.Context, f repo.SessionFilter) (data.Sessions, error) {
	return m.repo.ListSessions(ctx, f)
}
