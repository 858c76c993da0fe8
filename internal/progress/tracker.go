package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/discovery"
	"github.com/tinwald/claimpull/internal/events"
	"github.com/tinwald/claimpull/internal/metrics"
	"github.com/tinwald/claimpull/internal/repo"
)

// Tracker owns the durable execution counters for sessions. All outcome
// mutations funnel through RecordOutcome, which persists transactionally
// before any event leaves the process.
type Tracker struct {
	log     *slog.Logger
	repo    repo.Repo
	emitter events.Emitter
}

func New(log *slog.Logger, r repo.Repo, emitter events.Emitter) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Tracker{log: log, repo: r, emitter: emitter}
}

// Initialize records the discovery partition on the session and creates its
// file rows. Items already downloaded in a prior session become rows born
// skipped and are counted as processed immediately, so the execution
// counters account for every discovered item.
func (t *Tracker) Initialize(ctx context.Context, sessionID string, res *discovery.Result) error {
	skipped := len(res.AlreadyDownloaded)
	_, err := t.repo.UpdateSession(ctx, sessionID, func(s *data.Session) error {
		s.TotalDiscovered = res.Total()
		s.AlreadyDownloaded = skipped
		s.ToDownload = len(res.ToDownload)
		s.RetryFailed = len(res.RetryFailed)
		s.Skipped = skipped
		s.Processed = s.Downloaded + s.Skipped + s.Failed
		return nil
	})
	if err != nil {
		return err
	}

	files := make(data.SessionFiles, 0, res.Total())
	for _, item := range res.AlreadyDownloaded {
		files = append(files, &data.SessionFile{
			SessionID:  sessionID,
			Filename:   item.Name,
			Locator:    item.Locator,
			FileType:   item.Type,
			Size:       item.SizeHint,
			Status:     data.FileSkipped,
			SkipReason: data.SkipAlreadyExists,
		})
	}
	for _, item := range res.Delta() {
		files = append(files, &data.SessionFile{
			SessionID: sessionID,
			Filename:  item.Name,
			Locator:   item.Locator,
			FileType:  item.Type,
			Size:      item.SizeHint,
			Status:    data.FilePending,
		})
	}
	if err := t.repo.AddFiles(ctx, files); err != nil {
		return err
	}

	for _, item := range res.AlreadyDownloaded {
		metrics.FileOutcomes.WithLabelValues(string(data.FileSkipped)).Inc()
		t.emitter.Emit(sessionID, data.EventFileSkip, map[string]any{
			"filename": item.Name,
			"reason":   data.SkipAlreadyExists,
		})
	}
	return nil
}

// RecordOutcome applies one file outcome. Order matters: persist, then
// count, then emit. A crash after the persist loses only observability.
func (t *Tracker) RecordOutcome(ctx context.Context, sessionID string, fileID int64, o repo.Outcome) (*data.Session, *data.SessionFile, error) {
	s, f, err := t.repo.RecordOutcome(ctx, sessionID, fileID, o)
	if err != nil {
		return nil, nil, err
	}
	metrics.FileOutcomes.WithLabelValues(string(o.Status)).Inc()

	payload := map[string]any{
		"filename": f.Filename,
		"worker":   f.WorkerID,
	}
	var evType data.EventType
	switch o.Status {
	case data.FileCompleted:
		evType = data.EventFileComplete
		payload["size"] = f.Size
		payload["checksum"] = f.Checksum
		payload["localPath"] = f.LocalPath
	case data.FileSkipped:
		evType = data.EventFileSkip
		payload["reason"] = f.SkipReason
	default:
		evType = data.EventFileFail
		payload["error"] = f.Error
		payload["retryCount"] = f.RetryCount
	}
	t.emitter.Emit(sessionID, evType, payload)
	t.emitter.Emit(sessionID, data.EventProgress, map[string]any{
		"processed":  s.Processed,
		"downloaded": s.Downloaded,
		"skipped":    s.Skipped,
		"failed":     s.Failed,
		"total":      s.TotalDiscovered,
	})
	return s, f, nil
}

// Snapshot assembles ProgressInfo from the durable session row. It never
// recomputes counters from file rows; the row the workers write is the row
// the UI reads.
func (t *Tracker) Snapshot(ctx context.Context, sessionID string) (*data.ProgressInfo, error) {
	s, err := t.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info := &data.ProgressInfo{
		SessionID:  s.ID,
		SourceType: s.SourceType,
		Status:     s.Status,
		Discovery: data.ProgressDiscovery{
			TotalDiscovered:   s.TotalDiscovered,
			AlreadyDownloaded: s.AlreadyDownloaded,
			ToDownload:        s.ToDownload,
			RetryFailed:       s.RetryFailed,
			Complete:          s.Status != data.StatusPending && s.Status != data.StatusDiscovering,
		},
		Execution: data.ProgressExecution{
			Processed:  s.Processed,
			Downloaded: s.Downloaded,
			Skipped:    s.Skipped,
			Failed:     s.Failed,
		},
		Timing: data.ProgressTiming{
			CreatedAt:   s.CreatedAt,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			EtaSec:      -1,
		},
		Control: data.ProgressControl{
			Cancellable: s.Cancellable,
			Resumable:   s.Resumable,
			ResumeCount: s.ResumeCount,
		},
	}

	if s.Status == data.StatusPending || s.Status == data.StatusDiscovering {
		info.Progress.Discovering = true
	} else if s.TotalDiscovered > 0 {
		info.Progress.Percent = float64(s.Processed) / float64(s.TotalDiscovered) * 100
	}

	var elapsed time.Duration
	if s.StartedAt != nil {
		end := time.Now()
		if s.CompletedAt != nil {
			end = *s.CompletedAt
		}
		elapsed = end.Sub(*s.StartedAt)
	}
	info.Timing.ElapsedSec = elapsed.Seconds()
	if s.Processed > 0 && s.Status == data.StatusDownloading {
		perItem := elapsed.Seconds() / float64(s.Processed)
		info.Timing.EtaSec = perItem * float64(s.TotalDiscovered-s.Processed)
	}

	if s.Status == data.StatusDownloading {
		active, err := t.repo.ListFiles(ctx, sessionID, repo.FileFilter{Status: data.FileDownloading, Limit: 1})
		if err == nil && len(active) > 0 {
			info.Progress.CurrentFile = active[0].Filename
			info.Progress.CurrentWorker = active[0].WorkerID
		}
	}
	return info, nil
}
