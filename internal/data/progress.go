package data

import (
	"encoding/json"
	"io"
	"time"
)

// ProgressInfo is the wire shape served by GET /v1/sessions/{id}/progress.
// It is assembled from the durable session row, never recomputed from scratch.
type ProgressInfo struct {
	SessionID  string        `json:"sessionId"`
	SourceType string        `json:"sourceType"`
	Status     SessionStatus `json:"status"`

	Discovery ProgressDiscovery `json:"discovery"`
	Execution ProgressExecution `json:"execution"`
	Progress  ProgressPercent   `json:"progress"`
	Timing    ProgressTiming    `json:"timing"`
	Control   ProgressControl   `json:"control"`
}

type ProgressDiscovery struct {
	TotalDiscovered   int  `json:"totalDiscovered"`
	AlreadyDownloaded int  `json:"alreadyDownloaded"`
	ToDownload        int  `json:"toDownload"`
	RetryFailed       int  `json:"retryFailed"`
	Complete          bool `json:"complete"`
}

type ProgressExecution struct {
	Processed  int `json:"processed"`
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type ProgressPercent struct {
	// Percent is 0 while discovery is still running; Discovering
	// distinguishes "0% done" from "still counting".
	Percent       float64 `json:"percent"`
	Discovering   bool    `json:"discovering"`
	CurrentFile   string  `json:"currentFile,omitempty"`
	CurrentWorker int     `json:"currentWorker,omitempty"`
}

type ProgressTiming struct {
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ElapsedSec  float64    `json:"elapsedSec"`
	// EtaSec is negative when unknown (nothing processed yet).
	EtaSec float64 `json:"etaSec"`
}

type ProgressControl struct {
	Cancellable bool `json:"cancellable"`
	Resumable   bool `json:"resumable"`
	ResumeCount int  `json:"resumeCount"`
}

func (p *ProgressInfo) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(p) }
