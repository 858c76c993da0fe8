package events

import "github.com/tinwald/claimpull/internal/data"

// Emitter publishes session events. Emission is fire-and-forget: the
// orchestrator persists state first and emits after, so losing an event can
// only ever cost observability, never correctness.
type Emitter interface {
	Emit(sessionID string, t data.EventType, payload map[string]any)
}

// NopEmitter discards everything. Used where observability is not wired.
type NopEmitter struct{}

func (NopEmitter) Emit(string, data.EventType, map[string]any) {}
