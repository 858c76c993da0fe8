package v1_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	v1 "github.com/tinwald/claimpull/api/v1"
	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/router"
)

const testToken = "testtoken"

// stubSvc implements v1.SessionService with overridable behaviour.
type stubSvc struct {
	createFn   func(ctx context.Context, sourceType string, params map[string]string) (*data.Session, error)
	cancelFn   func(ctx context.Context, id string, force bool) (*data.Session, error)
	resumeFn   func(ctx context.Context, id string) (*data.Session, error)
	progressFn func(ctx context.Context, id string) (*data.ProgressInfo, error)
	getFn      func(ctx context.Context, id string) (*data.Session, error)
	listFn     func(ctx context.Context, f repo.SessionFilter) (data.Sessions, error)
	filesFn    func(ctx context.Context, id string, f repo.FileFilter) (data.SessionFiles, error)

	lastForce  bool
	lastFilter repo.SessionFilter
}

func (s *stubSvc) CreateSession(ctx context.Context, sourceType string, params map[string]string) (*data.Session, error) {
	if s.createFn != nil {
		return s.createFn(ctx, sourceType, params)
	}
	return &data.Session{ID: "s1", SourceType: sourceType, Status: data.StatusPending, Params: params}, nil
}

func (s *stubSvc) CancelSession(ctx context.Context, id string, force bool) (*data.Session, error) {
	s.lastForce = force
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id, force)
	}
	return &data.Session{ID: id, Status: data.StatusCancelled, Resumable: true}, nil
}

func (s *stubSvc) ResumeSession(ctx context.Context, id string) (*data.Session, error) {
	if s.resumeFn != nil {
		return s.resumeFn(ctx, id)
	}
	return &data.Session{ID: id, Status: data.StatusDownloading, ResumeCount: 1}, nil
}

func (s *stubSvc) Progress(ctx context.Context, id string) (*data.ProgressInfo, error) {
	if s.progressFn != nil {
		return s.progressFn(ctx, id)
	}
	return &data.ProgressInfo{SessionID: id, Status: data.StatusDownloading}, nil
}

func (s *stubSvc) GetSession(ctx context.Context, id string) (*data.Session, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return &data.Session{ID: id, Status: data.StatusCompleted}, nil
}

func (s *stubSvc) ListSessions(ctx context.Context, f repo.SessionFilter) (data.Sessions, error) {
	s.lastFilter = f
	if s.listFn != nil {
		return s.listFn(ctx, f)
	}
	return data.Sessions{}, nil
}

func (s *stubSvc) ListFiles(ctx context.Context, id string, f repo.FileFilter) (data.SessionFiles, error) {
	if s.filesFn != nil {
		return s.filesFn(ctx, id, f)
	}
	return data.SessionFiles{}, nil
}

type stubStreamer struct{}

func (stubStreamer) Replay(ctx context.Context, sessionID string, afterID int64) (data.Events, error) {
	return data.Events{}, nil
}
func (stubStreamer) Subscribe(sessionID string) (<-chan *data.Event, func()) {
	ch := make(chan *data.Event)
	return ch, func() { close(ch) }
}

func setup(t *testing.T, svc *stubSvc) http.Handler {
	t.Helper()
	t.Setenv("CLAIMPULL_API_TOKEN", testToken)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return router.New(logger, svc, stubStreamer{}, repo.NewInMemoryRepo())
}

func authReq(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+testToken)
}

func TestHealthz(t *testing.T) {
	h := setup(t, &stubSvc{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("expected body 'ok' got %q", rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	h := setup(t, &stubSvc{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
}

func TestCreateSession(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		svc := &stubSvc{}
		h := setup(t, svc)

		body := strings.NewReader(`{"sourceType":"claims","params":{"month":"2026-01"}}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", body)
		authReq(req)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201 got %d: %s", rr.Code, rr.Body.String())
		}
		var created map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if created["sourceType"] != "claims" {
			t.Fatalf("unexpected body: %v", created)
		}
	})

	t.Run("conflict", func(t *testing.T) {
		svc := &stubSvc{createFn: func(context.Context, string, map[string]string) (*data.Session, error) {
			return nil, data.ErrConflict
		}}
		h := setup(t, svc)

		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"sourceType":"claims"}`))
		authReq(req)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected status 409 got %d", rr.Code)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		svc := &stubSvc{createFn: func(context.Context, string, map[string]string) (*data.Session, error) {
			return nil, data.ErrUnknownSource
		}}
		h := setup(t, svc)

		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"sourceType":"bogus"}`))
		authReq(req)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 got %d", rr.Code)
		}
	})
}

func TestCreateSessionValidation(t *testing.T) {
	h := setup(t, &stubSvc{})

	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"wrong content-type", "text/plain", `{"sourceType":"claims"}`, http.StatusUnsupportedMediaType},
		{"unknown field", "application/json", `{"sourceType":"claims","extra":1}`, http.StatusBadRequest},
		{"missing source type", "application/json", `{"params":{}}`, http.StatusBadRequest},
		{"blank source type", "application/json", `{"sourceType":"   "}`, http.StatusBadRequest},
		{"malformed json", "application/json", `{"sourceType":`, http.StatusBadRequest},
		{"body too large", "application/json", `{"sourceType":"` + strings.Repeat("a", 1<<20) + `"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(tt.body))
			authReq(req)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		h := setup(t, &stubSvc{})
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rr.Code)
		}
	})

	t.Run("missing", func(t *testing.T) {
		svc := &stubSvc{getFn: func(context.Context, string) (*data.Session, error) {
			return nil, data.ErrNotFound
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 got %d", rr.Code)
		}
	})
}

func TestGetProgress(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		h := setup(t, &stubSvc{})
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/progress", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rr.Code)
		}
		var info map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if info["sessionId"] != "s1" {
			t.Fatalf("unexpected body: %v", info)
		}
	})

	t.Run("missing", func(t *testing.T) {
		svc := &stubSvc{progressFn: func(context.Context, string) (*data.ProgressInfo, error) {
			return nil, data.ErrNotFound
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/progress", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 got %d", rr.Code)
		}
	})
}

func TestCancelSession(t *testing.T) {
	t.Run("empty body is plain cancel", func(t *testing.T) {
		svc := &stubSvc{}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/cancel", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d: %s", rr.Code, rr.Body.String())
		}
		if svc.lastForce {
			t.Fatalf("expected force=false for empty body")
		}
	})

	t.Run("force", func(t *testing.T) {
		svc := &stubSvc{}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/cancel", strings.NewReader(`{"force":true}`))
		authReq(req)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rr.Code)
		}
		if !svc.lastForce {
			t.Fatalf("expected force=true")
		}
	})

	t.Run("not cancellable", func(t *testing.T) {
		svc := &stubSvc{cancelFn: func(context.Context, string, bool) (*data.Session, error) {
			return nil, data.ErrNotCancellable
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/cancel", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected status 409 got %d", rr.Code)
		}
	})

	t.Run("missing", func(t *testing.T) {
		svc := &stubSvc{cancelFn: func(context.Context, string, bool) (*data.Session, error) {
			return nil, data.ErrNotFound
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/nope/cancel", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 got %d", rr.Code)
		}
	})
}

func TestResumeSession(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		h := setup(t, &stubSvc{})
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/resume", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rr.Code)
		}
	})

	t.Run("not resumable", func(t *testing.T) {
		svc := &stubSvc{resumeFn: func(context.Context, string) (*data.Session, error) {
			return nil, data.ErrNotResumable
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/resume", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected status 409 got %d", rr.Code)
		}
	})
}

func TestListSessions(t *testing.T) {
	svc := &stubSvc{}
	h := setup(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?sourceType=claims&status=completed&limit=10", nil)
	authReq(req)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rr.Code)
	}
	if svc.lastFilter.SourceType != "claims" || svc.lastFilter.Status != data.StatusCompleted || svc.lastFilter.Limit != 10 {
		t.Fatalf("unexpected filter: %#v", svc.lastFilter)
	}

	// Default limit applies when none given.
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	authReq(req)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if svc.lastFilter.Limit != 50 {
		t.Fatalf("expected default limit 50, got %d", svc.lastFilter.Limit)
	}

	var list []any
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty array, got %v", list)
	}
}

func TestListFiles(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		svc := &stubSvc{filesFn: func(context.Context, string, repo.FileFilter) (data.SessionFiles, error) {
			return nil, data.ErrNotFound
		}}
		h := setup(t, svc)
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/files", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 got %d", rr.Code)
		}
	})

	t.Run("empty is an array", func(t *testing.T) {
		h := setup(t, &stubSvc{})
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/files", nil)
		authReq(req)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rr.Code)
		}
		if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
			t.Fatalf("expected empty array, got %q", got)
		}
	})
}

func TestAuthRequired(t *testing.T) {
	h := setup(t, &stubSvc{})
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rr.Code)
	}
}

var _ v1.SessionService = (*stubSvc)(nil)
var _ v1.Streamer = stubStreamer{}
