package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/tinwald/claimpull/internal/data"
)

// Streamer provides the replay-then-follow event feed for one session.
type Streamer interface {
	Replay(ctx context.Context, sessionID string, afterID int64) (data.Events, error)
	Subscribe(sessionID string) (<-chan *data.Event, func())
}

// StreamEvents upgrades to a websocket and pushes the session's event log:
// first every persisted event, then live ones as they happen. A consumer
// that disconnects or stalls only loses its own feed; orchestration is
// never blocked by it.
func (h *SessionHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.svc.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to open stream", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.l.Error("websocket accept", "session_id", id, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ctx := r.Context()

	// Subscribe before replaying so no event falls between the two;
	// duplicates are filtered by ID below.
	live, cancel := h.str.Subscribe(id)
	defer cancel()

	backlog, err := h.str.Replay(ctx, id, 0)
	if err != nil {
		h.l.Error("event replay", "session_id", id, "err", err)
		return
	}
	var lastID int64
	for _, e := range backlog {
		if err := writeEvent(ctx, conn, e); err != nil {
			return
		}
		lastID = e.ID
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.ID <= lastID {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
			lastID = e.ID
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e *data.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
