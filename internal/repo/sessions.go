package repo

import (
	"context"
	"time"

	"github.com/tinwald/claimpull/internal/data"
)

// Outcome is the terminal result of working one session file. RecordOutcome
// applies it atomically to the file row and the session counters.
type Outcome struct {
	Status     data.FileStatus // completed, skipped or failed
	SkipReason string
	Size       int64
	LocalPath  string
	Checksum   string
	Error      string
	RetryCount int
	WorkerID   int
}

// SessionFilter narrows ListSessions. Zero values mean "no filter".
type SessionFilter struct {
	SourceType string
	Status     data.SessionStatus
	Limit      int
	Offset     int
}

// FileFilter narrows ListFiles.
type FileFilter struct {
	Status data.FileStatus
	Limit  int
}

// HistoryRecord is the read-only answer to "have we downloaded this before".
type HistoryRecord struct {
	Exists     bool
	LastStatus data.FileStatus
}

type SessionReader interface {
	GetSession(ctx context.Context, id string) (*data.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) (data.Sessions, error)
	// ActiveForSource returns the session holding sourceType, or
	// data.ErrNotFound when the source is free.
	ActiveForSource(ctx context.Context, sourceType string) (*data.Session, error)
}

type SessionWriter interface {
	// AddSession persists a new session. It returns data.ErrConflict when
	// another session for the same source is still active.
	AddSession(ctx context.Context, s *data.Session) (*data.Session, error)
	// UpdateSession applies mutate to the latest row under a per-row lock
	// and persists the result.
	UpdateSession(ctx context.Context, id string, mutate func(*data.Session) error) (*data.Session, error)
}

type SessionRepo interface {
	SessionReader
	SessionWriter
}

type FileRepo interface {
	// AddFiles bulk-inserts discovery rows. Duplicate (session, filename)
	// pairs are dropped, keeping the first occurrence.
	AddFiles(ctx context.Context, files data.SessionFiles) error
	ListFiles(ctx context.Context, sessionID string, f FileFilter) (data.SessionFiles, error)
	GetFile(ctx context.Context, id int64) (*data.SessionFile, error)
	// ClaimPending atomically moves one pending row to downloading for the
	// given worker, so no file is ever fetched by two workers at once.
	// Returns data.ErrFileNotFound when the queue is drained.
	ClaimPending(ctx context.Context, sessionID string, workerID int) (*data.SessionFile, error)
	UpdateFile(ctx context.Context, id int64, mutate func(*data.SessionFile) error) (*data.SessionFile, error)
	// RecordOutcome is the single mutation point for execution progress:
	// file row and session counters change in one transaction.
	RecordOutcome(ctx context.Context, sessionID string, fileID int64, o Outcome) (*data.Session, *data.SessionFile, error)
	// ResetStuck reclaims downloading rows untouched since olderThan back
	// to pending. Used by the watchdog.
	ResetStuck(ctx context.Context, sessionID string, olderThan time.Time) (int, error)
	// RequeueRetryable moves failed rows with remaining retry budget back
	// to pending. Used on resume.
	RequeueRetryable(ctx context.Context, sessionID string, maxRetries int) (int, error)
}

type EventRepo interface {
	AppendEvent(ctx context.Context, e *data.Event) (*data.Event, error)
	ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) (data.Events, error)
}

// HistoryLookup is the read-only discovery-time query. Completed rows from
// earlier sessions are the history by construction; nothing writes to this
// view directly.
type HistoryLookup interface {
	History(ctx context.Context, sourceType, filename string) (HistoryRecord, error)
}

// Repo is the full persistence surface the orchestration layer wires in.
type Repo interface {
	SessionRepo
	FileRepo
	EventRepo
	HistoryLookup
}
