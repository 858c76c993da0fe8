package data

import (
	"encoding/json"
	"io"
	"time"
)

// SessionStatus is the lifecycle state of a download session.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusDiscovering SessionStatus = "discovering"
	StatusDownloading SessionStatus = "downloading"
	StatusCompleted   SessionStatus = "completed"
	StatusCancelled   SessionStatus = "cancelled"
	StatusFailed      SessionStatus = "failed"
)

// ActiveStatuses are the states in which a session holds its source_type
// exclusively. At most one session per source may be in any of them.
var ActiveStatuses = map[SessionStatus]bool{
	StatusPending:     true,
	StatusDiscovering: true,
	StatusDownloading: true,
}

// Session is one bounded download run scoped to a single source.
type Session struct {
	ID         string            `json:"id"`
	SourceType string            `json:"sourceType"`
	Status     SessionStatus     `json:"status"`
	Params     map[string]string `json:"params,omitempty"`

	// Discovery counters, fixed once discovery completes.
	TotalDiscovered   int `json:"totalDiscovered"`
	AlreadyDownloaded int `json:"alreadyDownloaded"`
	ToDownload        int `json:"toDownload"`
	RetryFailed       int `json:"retryFailed"`

	// Execution counters. Processed == Downloaded + Skipped + Failed always.
	Processed  int `json:"processed"`
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`

	WorkerCount int    `json:"workerCount"`
	Cancellable bool   `json:"cancellable"`
	Resumable   bool   `json:"resumable"`
	ResumeCount int    `json:"resumeCount"`
	LastError   string `json:"lastError,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Sessions []*Session

func (s *Session) ToJSON(w io.Writer) error  { return json.NewEncoder(w).Encode(s) }
func (s *Sessions) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(s) }

// Terminal reports whether the session can no longer change.
// A cancelled session with Resumable set may still continue.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed:
		return true
	case StatusCancelled:
		return !s.Resumable
	}
	return false
}

// Active reports whether the session currently holds its source exclusively.
func (s *Session) Active() bool { return ActiveStatuses[s.Status] }

// CountersConsistent checks the session counter invariants.
func (s *Session) CountersConsistent() bool {
	if s.Processed != s.Downloaded+s.Skipped+s.Failed {
		return false
	}
	// Discovery sum only holds once the partition is recorded.
	if s.TotalDiscovered > 0 &&
		s.TotalDiscovered != s.AlreadyDownloaded+s.ToDownload+s.RetryFailed {
		return false
	}
	return true
}

// Clone returns a deep copy so repositories can hand out snapshots safely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Params != nil {
		c.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s Sessions) Clone() Sessions {
	out := make(Sessions, len(s))
	for i, v := range s {
		out[i] = v.Clone()
	}
	return out
}
