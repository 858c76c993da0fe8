package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
)

// SessionService is the orchestrator surface the handlers call into.
type SessionService interface {
	CreateSession(ctx context.Context, sourceType string, params map[string]string) (*data.Session, error)
	CancelSession(ctx context.Context, id string, force bool) (*data.Session, error)
	ResumeSession(ctx context.Context, id string) (*data.Session, error)
	Progress(ctx context.Context, id string) (*data.ProgressInfo, error)
	GetSession(ctx context.Context, id string) (*data.Session, error)
	ListSessions(ctx context.Context, f repo.SessionFilter) (data.Sessions, error)
	ListFiles(ctx context.Context, id string, f repo.FileFilter) (data.SessionFiles, error)
}

// SessionHandler serves the /v1/sessions API.
type SessionHandler struct {
	l   *slog.Logger
	svc SessionService
	str Streamer
}

func NewSessionHandler(l *slog.Logger, svc SessionService, str Streamer) *SessionHandler {
	return &SessionHandler{l: l, svc: svc, str: str}
}

type createBody struct {
	SourceType string            `json:"sourceType"`
	Params     map[string]string `json:"params"`
}

type cancelBody struct {
	Force bool `json:"force"`
}

// rwLogger records status/bytes for the access log middleware.
type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// context keys
type ctxKeyCreate struct{}
type ctxKeyCancel struct{}

func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	v := r.Context().Value(ctxKeyCreate{})
	body, ok := v.(createBody)
	if !ok {
		markErr(w, ErrCreateCtx)
		http.Error(w, ErrCreateCtx.Error(), http.StatusInternalServerError)
		return
	}

	s, err := h.svc.CreateSession(r.Context(), body.SourceType, body.Params)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrConflict):
			markErr(w, err)
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, data.ErrUnknownSource):
			markErr(w, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			markErr(w, err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = s.ToJSON(w)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			markErr(w, err)
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		markErr(w, err)
		http.Error(w, "failed to fetch session", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = s.ToJSON(w)
}

func (h *SessionHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			markErr(w, err)
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		markErr(w, err)
		http.Error(w, "failed to read progress", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = info.ToJSON(w)
}

func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := false
	if v := r.Context().Value(ctxKeyCancel{}); v != nil {
		if body, ok := v.(cancelBody); ok {
			force = body.Force
		}
	}
	s, err := h.svc.CancelSession(r.Context(), id, force)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrNotFound):
			markErr(w, err)
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, data.ErrNotCancellable), errors.Is(err, data.ErrBadTransition):
			markErr(w, err)
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			markErr(w, err)
			http.Error(w, "failed to cancel session", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = s.ToJSON(w)
}

func (h *SessionHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, err := h.svc.ResumeSession(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrNotFound):
			markErr(w, err)
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, data.ErrNotResumable), errors.Is(err, data.ErrBadTransition):
			markErr(w, err)
			http.Error(w, data.ErrNotResumable.Error(), http.StatusConflict)
		default:
			markErr(w, err)
			http.Error(w, "failed to resume session", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = s.ToJSON(w)
}

func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.SessionFilter{
		SourceType: q.Get("sourceType"),
		Status:     data.SessionStatus(q.Get("status")),
	}
	f.Limit = intQuery(q.Get("limit"), 50)
	f.Offset = intQuery(q.Get("offset"), 0)

	list, err := h.svc.ListSessions(r.Context(), f)
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = data.Sessions{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = list.ToJSON(w)
}

func (h *SessionHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	f := repo.FileFilter{
		Status: data.FileStatus(q.Get("status")),
		Limit:  intQuery(q.Get("limit"), 0),
	}
	files, err := h.svc.ListFiles(r.Context(), id, f)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			markErr(w, err)
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		markErr(w, err)
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = data.SessionFiles{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, files); err != nil {
		markErr(w, err)
	}
}

func (h *SessionHandler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		timeElapsed := time.Since(startTime)
		if hErr := rw.err; hErr != nil {
			h.l.Error(hErr.Error(),
				"method", r.Method,
				"url", r.URL.Path,
				"status", rw.status,
				"remote", r.RemoteAddr,
				"ua", r.UserAgent(),
				"dur_ms", timeElapsed.Milliseconds(),
				"bytes", rw.bytes)
			return
		}
		h.l.Info("", "method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", timeElapsed.Milliseconds(),
			"bytes", rw.bytes)
	})
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
