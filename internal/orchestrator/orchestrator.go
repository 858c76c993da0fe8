package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/events"
	"github.com/tinwald/claimpull/internal/metrics"
	"github.com/tinwald/claimpull/internal/progress"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/session"
	"github.com/tinwald/claimpull/internal/source"
)

// Config tunes the execution engine. Main maps it from the service config.
type Config struct {
	DownloadDir    string
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RateLimitPause time.Duration
	FetchTimeout   time.Duration
	WatchdogSweep  time.Duration
	StuckAfter     time.Duration
	// Workers maps source_type to pool size; missing entries default to 1.
	Workers map[string]int
	// Credentials maps source_type to adapter credentials.
	Credentials map[string]source.Credentials
}

func (c *Config) workersFor(sourceType string) int {
	if n := c.Workers[sourceType]; n > 0 {
		return n
	}
	return 1
}

// Manager is the download orchestrator: it creates sessions, runs the
// discovery → execution pipeline over a per-source worker pool, and exposes
// cancel/resume. Sessions for different sources share nothing but this
// struct's (briefly held) run table, so a stuck source never delays another.
type Manager struct {
	log      *slog.Logger
	repo     repo.Repo
	sessions *session.Manager
	tracker  *progress.Tracker
	emitter  events.Emitter
	registry *source.Registry
	cfg      Config

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is the in-process state of one executing session.
type run struct {
	sessionID string
	cancelReq atomic.Bool
	force     context.CancelFunc
	done      chan struct{}
	gate      rateGate
}

func (r *run) cancelled() bool { return r.cancelReq.Load() }

// rateGate pauses all of a session's workers after a 429.
type rateGate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *rateGate) pause(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := time.Now().Add(d)
	if t.After(g.until) {
		g.until = t
	}
}

func (g *rateGate) wait(ctx context.Context) {
	g.mu.Lock()
	until := g.until
	g.mu.Unlock()
	d := time.Until(until)
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func New(log *slog.Logger, r repo.Repo, sessions *session.Manager, tracker *progress.Tracker, emitter events.Emitter, registry *source.Registry, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Manager{
		log:      log,
		repo:     r,
		sessions: sessions,
		tracker:  tracker,
		emitter:  emitter,
		registry: registry,
		cfg:      cfg,
		runs:     make(map[string]*run),
	}
}

// CreateSession validates the source, persists a pending session and kicks
// off its pipeline in the background. Returns data.ErrConflict while another
// session for the same source is active.
func (m *Manager) CreateSession(ctx context.Context, sourceType string, params map[string]string) (*data.Session, error) {
	if _, err := m.registry.Get(sourceType); err != nil {
		return nil, err
	}
	s, err := m.sessions.Create(ctx, sourceType, params, m.cfg.workersFor(sourceType))
	if err != nil {
		return nil, err
	}
	m.emitter.Emit(s.ID, data.EventSessionCreated, map[string]any{
		"sourceType": sourceType,
		"workers":    s.WorkerCount,
	})
	m.startRun(s, false)
	return s, nil
}

// CancelSession requests cooperative cancellation. The session row flips to
// cancelled immediately; workers stop claiming new files and any in-flight
// fetch either finishes (its outcome is still recorded) or, with force, is
// interrupted and its partial file discarded.
func (m *Manager) CancelSession(ctx context.Context, id string, force bool) (*data.Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == data.StatusCancelled {
		return s, nil
	}
	if !s.Cancellable || s.Terminal() {
		return nil, data.ErrNotCancellable
	}

	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r != nil {
		r.cancelReq.Store(true)
		if force {
			r.force()
		}
	}

	resumable := false
	if s.Status == data.StatusDownloading {
		remaining, err := m.remainingWork(ctx, id)
		if err != nil {
			return nil, err
		}
		resumable = remaining > 0
	}
	updated, err := m.sessions.Transition(ctx, id, data.StatusCancelled, func(s *data.Session) {
		s.Resumable = resumable
	})
	if err != nil {
		return nil, err
	}
	m.emitter.Emit(id, data.EventSessionCancelled, map[string]any{
		"force":     force,
		"resumable": resumable,
	})
	return updated, nil
}

// ResumeSession re-enters execution against the remaining pending and
// retryable failed rows. Discovery is deliberately not re-run, so the totals
// recorded at discovery time stay authoritative.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*data.Session, error) {
	s, err := m.sessions.Transition(ctx, id, data.StatusDownloading, nil)
	if err != nil {
		return nil, err
	}
	if _, err := m.repo.RequeueRetryable(ctx, id, m.cfg.MaxAttempts); err != nil {
		return nil, err
	}
	m.emitter.Emit(id, data.EventDownloadStarted, map[string]any{
		"resumed":     true,
		"resumeCount": s.ResumeCount,
	})
	m.startRun(s, true)
	return s, nil
}

// Progress serves the durable snapshot; available at any point of a run.
func (m *Manager) Progress(ctx context.Context, id string) (*data.ProgressInfo, error) {
	return m.tracker.Snapshot(ctx, id)
}

func (m *Manager) GetSession(ctx context.Context, id string) (*data.Session, error) {
	return m.repo.GetSession(ctx, id)
}

func (m *Manager) ListSessions(ctx context.Context, f repo.SessionFilter) (data.Sessions, error) {
	return m.repo.ListSessions(ctx, f)
}

func (m *Manager) ListFiles(ctx context.Context, id string, f repo.FileFilter) (data.SessionFiles, error) {
	if _, err := m.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListFiles(ctx, id, f)
}

// RecoverOrphans sweeps sessions left active by a previous process: their
// downloading rows go back to pending and the session is parked cancelled
// (resumable when work remains) so a caller can resume it.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	for _, st := range []data.SessionStatus{data.StatusPending, data.StatusDiscovering, data.StatusDownloading} {
		list, err := m.repo.ListSessions(ctx, repo.SessionFilter{Status: st})
		if err != nil {
			return err
		}
		for _, s := range list {
			m.mu.Lock()
			_, running := m.runs[s.ID]
			m.mu.Unlock()
			if running {
				continue
			}
			if _, err := m.repo.ResetStuck(ctx, s.ID, time.Now()); err != nil {
				m.log.Error("recover: reset stuck", "session_id", s.ID, "err", err)
				continue
			}
			resumable := false
			if s.Status == data.StatusDownloading {
				if n, err := m.remainingWork(ctx, s.ID); err == nil {
					resumable = n > 0
				}
			}
			if _, err := m.sessions.Transition(ctx, s.ID, data.StatusCancelled, func(s *data.Session) {
				s.Resumable = resumable
			}); err != nil {
				m.log.Error("recover: park session", "session_id", s.ID, "err", err)
				continue
			}
			m.log.Info("recovered orphaned session", "session_id", s.ID, "resumable", resumable)
		}
	}
	return nil
}

// Run starts the stuck-row watchdog and blocks until ctx is cancelled, then
// cooperatively stops every active run.
func (m *Manager) Run(ctx context.Context) {
	sweep := m.cfg.WatchdogSweep
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	opID := uuid.NewString()
	log := m.log.With("operation_id", opID)
	log.Info("watchdog running", "sweep", sweep, "stuck_after", m.cfg.StuckAfter)
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.sweepStuck(log)
		}
	}
}

func (m *Manager) sweepStuck(log *slog.Logger) {
	if m.cfg.StuckAfter <= 0 {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.StuckAfter)
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, err := m.repo.ResetStuck(ctx, id, cutoff)
		cancel()
		if err != nil {
			log.Error("watchdog sweep", "session_id", id, "err", err)
			continue
		}
		if n > 0 {
			metrics.StuckFilesReclaimed.Add(float64(n))
			log.Warn("reclaimed stuck files", "session_id", id, "count", n)
		}
	}
}

// stopAll requests cooperative cancellation of every run and waits for the
// pools to drain. Sessions are parked resumable so a restart picks them up.
func (m *Manager) stopAll() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.cancelReq.Store(true)
	}
	m.wg.Wait()
	for _, r := range runs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := m.CancelSession(ctx, r.sessionID, false); err != nil &&
			!errors.Is(err, data.ErrNotCancellable) && !errors.Is(err, data.ErrBadTransition) {
			m.log.Error("shutdown cancel", "session_id", r.sessionID, "err", err)
		}
		cancel()
	}
}

// queuedWork counts rows still pending or downloading.
func (m *Manager) queuedWork(ctx context.Context, id string) (int, error) {
	pending, err := m.repo.ListFiles(ctx, id, repo.FileFilter{Status: data.FilePending})
	if err != nil {
		return 0, err
	}
	active, err := m.repo.ListFiles(ctx, id, repo.FileFilter{Status: data.FileDownloading})
	if err != nil {
		return 0, err
	}
	return len(pending) + len(active), nil
}

func (m *Manager) remainingWork(ctx context.Context, id string) (int, error) {
	queued, err := m.queuedWork(ctx, id)
	if err != nil {
		return 0, err
	}
	retriable := 0
	failed, err := m.repo.ListFiles(ctx, id, repo.FileFilter{Status: data.FileFailed})
	if err != nil {
		return 0, err
	}
	for _, f := range failed {
		if f.RetryCount < m.cfg.MaxAttempts {
			retriable++
		}
	}
	return queued + retriable, nil
}

func (m *Manager) startRun(s *data.Session, resumed bool) {
	runCtx, force := context.WithCancel(context.Background())
	r := &run{sessionID: s.ID, force: force, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[s.ID] = r
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer force()
		defer func() {
			m.mu.Lock()
			// A resume may have replaced this entry while the old run was
			// still draining; only the owning run removes it.
			if m.runs[s.ID] == r {
				delete(m.runs, s.ID)
			}
			m.mu.Unlock()
		}()
		metrics.ActiveSessions.Inc()
		defer metrics.ActiveSessions.Dec()
		m.execute(runCtx, r, s, resumed)
	}()
}
