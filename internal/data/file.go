package data

import "time"

// FileStatus is the lifecycle state of a single remote item within a session.
type FileStatus string

const (
	FilePending     FileStatus = "pending"
	FileDownloading FileStatus = "downloading"
	FileCompleted   FileStatus = "completed"
	FileSkipped     FileStatus = "skipped"
	FileFailed      FileStatus = "failed"
)

// Skip reasons recorded on SessionFile rows.
const (
	SkipAlreadyExists = "already_exists"
)

// SessionFile tracks one remote item through a session. (SessionID, Filename)
// is unique: a file appears exactly once per session even when the remote
// listing contains duplicates.
type SessionFile struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"sessionId"`
	Filename   string     `json:"filename"`
	Locator    string     `json:"locator"`
	FileType   string     `json:"fileType,omitempty"`
	Status     FileStatus `json:"status"`
	SkipReason string     `json:"skipReason,omitempty"`
	Size       int64      `json:"size"`
	LocalPath  string     `json:"localPath,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
	RetryCount int        `json:"retryCount"`
	WorkerID   int        `json:"workerId,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type SessionFiles []*SessionFile

// Clone returns a copy so repositories can hand out snapshots safely.
func (f *SessionFile) Clone() *SessionFile {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func (f SessionFiles) Clone() SessionFiles {
	out := make(SessionFiles, len(f))
	for i, v := range f {
		out[i] = v.Clone()
	}
	return out
}
