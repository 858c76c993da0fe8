package data

import "time"

// EventType enumerates the audit/stream events a session can emit.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventDiscoveryStarted   EventType = "discovery.started"
	EventDiscoveryCompleted EventType = "discovery.completed"
	EventDownloadStarted    EventType = "download.started"
	EventFileCheck          EventType = "file.check"
	EventFileDownloadStart  EventType = "file.download.start"
	EventProgress           EventType = "progress"
	EventFileComplete       EventType = "file.complete"
	EventFileSkip           EventType = "file.skip"
	EventFileFail           EventType = "file.fail"
	EventSessionComplete    EventType = "session.complete"
	EventSessionCancelled   EventType = "session.cancelled"
	EventSessionFailed      EventType = "session.failed"
)

// Event is an append-only audit record. Events are never updated or deleted
// and are ordered by (ID, CreatedAt) within a session. They are a derived
// observability stream: session correctness never depends on them.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Events []*Event
