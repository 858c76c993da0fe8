package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinwald/claimpull/internal/checksum"
	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/discovery"
	"github.com/tinwald/claimpull/internal/metrics"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/source"
)

// execute drives one session through discovery and execution. ctx is the
// force-cancel context: it is only cancelled by force-cancel, session-fatal
// errors or process shutdown, never by ordinary completion.
func (m *Manager) execute(ctx context.Context, r *run, s *data.Session, resumed bool) {
	log := m.log.With("session_id", s.ID, "source_type", s.SourceType)
	ad, err := m.registry.Get(s.SourceType)
	if err != nil {
		m.failSession(s.ID, err, log)
		return
	}

	if !resumed {
		if !m.discover(ctx, r, ad, s, log) {
			return
		}
	}

	var sessionFailed atomic.Bool
	var wg sync.WaitGroup
	for i := 1; i <= s.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.workerLoop(ctx, r, ad, s, workerID, &sessionFailed, log)
		}(i)
	}
	wg.Wait()

	if r.cancelled() || sessionFailed.Load() {
		// Terminal transition already happened in CancelSession or
		// failSession.
		return
	}

	// A drained pool does not by itself prove a drained queue: workers that
	// died on claim errors leave rows pending. Never complete over them.
	queued, err := m.queuedWork(context.Background(), s.ID)
	if err != nil || queued > 0 {
		m.parkIncomplete(s.ID, queued, err, log)
		return
	}

	final, err := m.sessions.Transition(context.Background(), s.ID, data.StatusCompleted, nil)
	if err != nil {
		// Lost a race with a cancel; nothing left to do.
		log.Info("skipping completion", "err", err)
		return
	}
	m.emitter.Emit(s.ID, data.EventSessionComplete, map[string]any{
		"processed":  final.Processed,
		"downloaded": final.Downloaded,
		"skipped":    final.Skipped,
		"failed":     final.Failed,
	})
	log.Info("session completed",
		"processed", final.Processed,
		"downloaded", final.Downloaded,
		"skipped", final.Skipped,
		"failed", final.Failed)
}

// discover runs the read-only discovery phase. Returns false when execution
// must not proceed (zero-file fast path, cancellation, or failure).
func (m *Manager) discover(ctx context.Context, r *run, ad source.Adapter, s *data.Session, log *slog.Logger) bool {
	if _, err := m.sessions.Transition(context.Background(), s.ID, data.StatusDiscovering, nil); err != nil {
		log.Info("not entering discovery", "err", err)
		return false
	}
	m.emitter.Emit(s.ID, data.EventDiscoveryStarted, nil)

	if _, err := ad.Authenticate(ctx, m.cfg.Credentials[s.SourceType]); err != nil {
		m.failSession(s.ID, err, log)
		return false
	}
	res, err := discovery.Discover(ctx, ad, source.Params(s.Params), m.repo)
	if err != nil {
		m.failSession(s.ID, err, log)
		return false
	}
	if r.cancelled() {
		return false
	}
	if err := m.tracker.Initialize(context.Background(), s.ID, res); err != nil {
		m.failSession(s.ID, err, log)
		return false
	}
	m.emitter.Emit(s.ID, data.EventDiscoveryCompleted, map[string]any{
		"totalDiscovered":   res.Total(),
		"alreadyDownloaded": len(res.AlreadyDownloaded),
		"toDownload":        len(res.ToDownload),
		"retryFailed":       len(res.RetryFailed),
	})
	for _, item := range res.ToDownload {
		m.emitter.Emit(s.ID, data.EventFileCheck, map[string]any{"filename": item.Name, "result": "to_download"})
	}
	for _, item := range res.RetryFailed {
		m.emitter.Emit(s.ID, data.EventFileCheck, map[string]any{"filename": item.Name, "result": "retry_failed"})
	}
	log.Info("discovery completed",
		"total", res.Total(),
		"to_download", len(res.ToDownload),
		"already_downloaded", len(res.AlreadyDownloaded),
		"retry_failed", len(res.RetryFailed))

	if len(res.Delta()) == 0 {
		final, err := m.sessions.Transition(context.Background(), s.ID, data.StatusCompleted, nil)
		if err != nil {
			log.Info("skipping completion", "err", err)
			return false
		}
		m.emitter.Emit(s.ID, data.EventSessionComplete, map[string]any{
			"processed": final.Processed,
			"skipped":   final.Skipped,
		})
		log.Info("nothing to download, session completed", "skipped", final.Skipped)
		return false
	}

	if _, err := m.sessions.Transition(context.Background(), s.ID, data.StatusDownloading, nil); err != nil {
		log.Info("not entering download phase", "err", err)
		return false
	}
	m.emitter.Emit(s.ID, data.EventDownloadStarted, map[string]any{"workers": s.WorkerCount})
	return true
}

func (m *Manager) workerLoop(ctx context.Context, r *run, ad source.Adapter, s *data.Session, workerID int, sessionFailed *atomic.Bool, log *slog.Logger) {
	log = log.With("worker", workerID)
	claimFailures := 0
	for {
		if r.cancelled() || sessionFailed.Load() || ctx.Err() != nil {
			return
		}
		r.gate.wait(ctx)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		f, err := m.repo.ClaimPending(cctx, s.ID, workerID)
		cancel()
		if err != nil {
			if errors.Is(err, data.ErrFileNotFound) {
				return
			}
			// Claim errors are retried with backoff so a transient store
			// hiccup degrades the pool instead of collapsing it.
			claimFailures++
			log.Error("claim pending", "err", err, "failures", claimFailures)
			if claimFailures >= m.cfg.MaxAttempts || !m.sleepBackoff(ctx, r, claimFailures) {
				return
			}
			continue
		}
		claimFailures = 0
		m.processFile(ctx, r, ad, s, f, workerID, sessionFailed, log)
	}
}

// processFile fetches one claimed file to completion, a terminal failure, or
// a cancellation handback. It is the only place retry/backoff policy lives.
func (m *Manager) processFile(ctx context.Context, r *run, ad source.Adapter, s *data.Session, f *data.SessionFile, workerID int, sessionFailed *atomic.Bool, log *slog.Logger) {
	m.emitter.Emit(s.ID, data.EventFileDownloadStart, map[string]any{
		"filename": f.Filename,
		"worker":   workerID,
	})

	item := source.ItemInfo{Name: f.Filename, Locator: f.Locator, Type: f.FileType, SizeHint: f.Size}
	dest := filepath.Join(m.cfg.DownloadDir, s.SourceType, f.Filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		m.recordFailure(s.ID, f, workerID, f.RetryCount, source.NewError(source.ClassResource, "create download dir", err), sessionFailed, log)
		return
	}

	retries := f.RetryCount
	validationRetried := false
	for {
		fctx := ctx
		var cancel context.CancelFunc = func() {}
		if m.cfg.FetchTimeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
		}
		start := time.Now()
		res, err := ad.Fetch(fctx, item, dest)
		cancel()
		metrics.FetchLatency.WithLabelValues(s.SourceType).Observe(time.Since(start).Seconds())

		if err == nil {
			if verr := ad.Validate(dest, item); verr != nil {
				err = source.NewError(source.ClassValidation, "validate "+f.Filename, verr)
			}
		}
		if err == nil {
			sum, cerr := checksum.File(dest)
			if cerr != nil {
				log.Warn("checksum", "filename", f.Filename, "err", cerr)
			}
			_, _, rerr := m.tracker.RecordOutcome(context.Background(), s.ID, f.ID, repo.Outcome{
				Status:     data.FileCompleted,
				Size:       res.BytesWritten,
				LocalPath:  dest,
				Checksum:   sum,
				RetryCount: retries,
				WorkerID:   workerID,
			})
			if errors.Is(rerr, data.ErrSuperseded) {
				log.Info("outcome superseded", "filename", f.Filename)
			} else if rerr != nil {
				log.Error("record outcome", "filename", f.Filename, "err", rerr)
			}
			return
		}

		// Cancellation interrupted the fetch: discard the partial file and
		// hand the row back for a later resume.
		if ctx.Err() != nil {
			_ = os.Remove(dest)
			m.requeue(f, retries, log)
			return
		}

		class := source.Classify(err)
		metrics.FetchErrors.WithLabelValues(s.SourceType, string(class)).Inc()
		log.Warn("fetch failed", "filename", f.Filename, "class", class, "attempt", retries+1, "err", err)

		if source.FailsSession(class) {
			m.recordFailure(s.ID, f, workerID, retries, err, sessionFailed, log)
			sessionFailed.Store(true)
			r.force()
			m.failSession(s.ID, err, log)
			return
		}
		if class == source.ClassValidation {
			_ = os.Remove(dest)
			if validationRetried {
				m.recordFailure(s.ID, f, workerID, retries, err, sessionFailed, log)
				return
			}
			validationRetried = true
			continue
		}

		retries++
		if !source.Retryable(class) || retries >= m.cfg.MaxAttempts {
			m.recordFailure(s.ID, f, workerID, retries, err, sessionFailed, log)
			return
		}
		if class == source.ClassRateLimited {
			r.gate.pause(m.cfg.RateLimitPause)
		}
		if !m.sleepBackoff(ctx, r, retries) {
			m.requeue(f, retries, log)
			return
		}
	}
}

// sleepBackoff waits the exponential delay for attempt n. Returns false when
// the wait was cut short by cancellation.
func (m *Manager) sleepBackoff(ctx context.Context, r *run, attempt int) bool {
	d := m.cfg.BackoffBase << (attempt - 1)
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return false
	}
	return !r.cancelled()
}

func (m *Manager) recordFailure(sessionID string, f *data.SessionFile, workerID, retries int, err error, sessionFailed *atomic.Bool, log *slog.Logger) {
	_, _, rerr := m.tracker.RecordOutcome(context.Background(), sessionID, f.ID, repo.Outcome{
		Status:     data.FileFailed,
		Error:      err.Error(),
		RetryCount: retries,
		WorkerID:   workerID,
	})
	if errors.Is(rerr, data.ErrSuperseded) {
		log.Info("failure outcome superseded", "filename", f.Filename)
	} else if rerr != nil {
		log.Error("record failure", "filename", f.Filename, "err", rerr)
	}
}

// requeue returns a claimed row to pending after an interrupted attempt so a
// resume can pick it up. Retry spend so far is kept on the row. Rows the
// watchdog already reclaimed, or that carry an outcome, are left alone.
func (m *Manager) requeue(f *data.SessionFile, retries int, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.repo.UpdateFile(ctx, f.ID, func(row *data.SessionFile) error {
		if row.Status != data.FileDownloading {
			return data.ErrSuperseded
		}
		row.Status = data.FilePending
		row.WorkerID = 0
		row.RetryCount = retries
		return nil
	})
	if err != nil && !errors.Is(err, data.ErrSuperseded) {
		log.Error("requeue file", "filename", f.Filename, "err", err)
	}
}

// parkIncomplete parks a session whose pool drained with rows still queued,
// which only happens when every worker died on claim errors. The session is
// left resumable so the remaining rows can be finished later.
func (m *Manager) parkIncomplete(id string, queued int, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.sessions.Transition(ctx, id, data.StatusCancelled, func(s *data.Session) {
		s.Resumable = true
	})
	if err != nil {
		log.Error("park incomplete session", "queued", queued, "err", err)
		return
	}
	m.emitter.Emit(id, data.EventSessionCancelled, map[string]any{
		"resumable": true,
		"queued":    queued,
	})
	log.Error("worker pool drained with files still queued, parked session", "queued", queued, "err", cause)
}

// failSession marks the session failed after an error that cannot be
// isolated to a single file.
func (m *Manager) failSession(id string, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.sessions.Transition(ctx, id, data.StatusFailed, func(s *data.Session) {
		s.LastError = cause.Error()
	})
	if err != nil {
		log.Error("mark session failed", "err", err, "cause", cause)
		return
	}
	m.emitter.Emit(id, data.EventSessionFailed, map[string]any{
		"error": cause.Error(),
		"class": string(source.Classify(cause)),
	})
	log.Error("session failed", "err", cause)
}
