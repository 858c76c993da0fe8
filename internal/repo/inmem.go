package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinwald/claimpull/internal/data"
)

// InMemoryRepo is a mutex-guarded implementation of Repo used in tests and
// for running without Postgres. Semantics mirror PostgresRepo.
type InMemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*data.Session
	order    []string // session ids in creation order
	files    map[int64]*data.SessionFile
	fileIDs  []int64 // insertion order; claim order follows it
	events   data.Events
	nextFile int64
	nextEv   int64
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]*data.Session),
		files:    make(map[int64]*data.SessionFile),
		nextFile: 1,
		nextEv:   1,
	}
}

var _ Repo = (*InMemoryRepo)(nil)

func (r *InMemoryRepo) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepo) AddSession(ctx context.Context, s *data.Session) (*data.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		cur := r.sessions[id]
		if cur.SourceType == s.SourceType && cur.Active() {
			return nil, data.ErrConflict
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.sessions[s.ID] = s.Clone()
	r.order = append(r.order, s.ID)
	return s.Clone(), nil
}

func (r *InMemoryRepo) GetSession(ctx context.Context, id string) (*data.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *InMemoryRepo) ListSessions(ctx context.Context, f SessionFilter) (data.Sessions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.Sessions
	// Newest first, matching the Postgres query.
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.sessions[r.order[i]]
		if f.SourceType != "" && s.SourceType != f.SourceType {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s.Clone())
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return data.Sessions{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *InMemoryRepo) ActiveForSource(ctx context.Context, sourceType string) (*data.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		s := r.sessions[id]
		if s.SourceType == sourceType && s.Active() {
			return s.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryRepo) UpdateSession(ctx context.Context, id string, mutate func(*data.Session) error) (*data.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now()
	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *InMemoryRepo) AddFiles(ctx context.Context, files data.SessionFiles) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, f := range files {
		if r.dupLocked(f.SessionID, f.Filename) {
			continue
		}
		row := f.Clone()
		row.ID = r.nextFile
		r.nextFile++
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		r.files[row.ID] = row
		r.fileIDs = append(r.fileIDs, row.ID)
		f.ID = row.ID
	}
	return nil
}

func (r *InMemoryRepo) dupLocked(sessionID, filename string) bool {
	for _, id := range r.fileIDs {
		f := r.files[id]
		if f.SessionID == sessionID && f.Filename == filename {
			return true
		}
	}
	return false
}

func (r *InMemoryRepo) ListFiles(ctx context.Context, sessionID string, f FileFilter) (data.SessionFiles, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.SessionFiles
	for _, id := range r.fileIDs {
		row := r.files[id]
		if row.SessionID != sessionID {
			continue
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		out = append(out, row.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepo) GetFile(ctx context.Context, id int64) (*data.SessionFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.files[id]
	if !ok {
		return nil, data.ErrFileNotFound
	}
	return row.Clone(), nil
}

func (r *InMemoryRepo) ClaimPending(ctx context.Context, sessionID string, workerID int) (*data.SessionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.fileIDs {
		row := r.files[id]
		if row.SessionID != sessionID || row.Status != data.FilePending {
			continue
		}
		row.Status = data.FileDownloading
		row.WorkerID = workerID
		row.UpdatedAt = time.Now()
		return row.Clone(), nil
	}
	return nil, data.ErrFileNotFound
}

func (r *InMemoryRepo) UpdateFile(ctx context.Context, id int64, mutate func(*data.SessionFile) error) (*data.SessionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.files[id]
	if !ok {
		return nil, data.ErrFileNotFound
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now()
	r.files[id] = next
	return next.Clone(), nil
}

func (r *InMemoryRepo) RecordOutcome(ctx context.Context, sessionID string, fileID int64, o Outcome) (*data.Session, *data.SessionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil, data.ErrNotFound
	}
	row, ok := r.files[fileID]
	if !ok || row.SessionID != sessionID {
		return nil, nil, data.ErrFileNotFound
	}
	switch o.Status {
	case data.FileCompleted, data.FileSkipped, data.FileFailed:
	default:
		return nil, nil, data.ErrBadStatus
	}
	// Outcomes only land on a row the reporting worker still holds. A row the
	// watchdog reset (or another worker re-claimed) has moved on; the late
	// outcome is superseded and must not touch the counters.
	if row.Status != data.FileDownloading {
		return nil, nil, data.ErrSuperseded
	}
	if o.WorkerID != 0 && row.WorkerID != o.WorkerID {
		return nil, nil, data.ErrSuperseded
	}
	switch o.Status {
	case data.FileCompleted:
		s.Downloaded++
	case data.FileSkipped:
		s.Skipped++
	case data.FileFailed:
		s.Failed++
	}
	s.Processed = s.Downloaded + s.Skipped + s.Failed
	now := time.Now()
	s.UpdatedAt = now

	row.Status = o.Status
	row.SkipReason = o.SkipReason
	if o.Size > 0 {
		row.Size = o.Size
	}
	row.LocalPath = o.LocalPath
	row.Checksum = o.Checksum
	row.Error = o.Error
	row.RetryCount = o.RetryCount
	if o.WorkerID != 0 {
		row.WorkerID = o.WorkerID
	}
	row.UpdatedAt = now
	return s.Clone(), row.Clone(), nil
}

func (r *InMemoryRepo) ResetStuck(ctx context.Context, sessionID string, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.fileIDs {
		row := r.files[id]
		if row.SessionID != sessionID || row.Status != data.FileDownloading {
			continue
		}
		if row.UpdatedAt.After(olderThan) {
			continue
		}
		row.Status = data.FilePending
		row.WorkerID = 0
		row.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (r *InMemoryRepo) RequeueRetryable(ctx context.Context, sessionID string, maxRetries int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.fileIDs {
		row := r.files[id]
		if row.SessionID != sessionID || row.Status != data.FileFailed {
			continue
		}
		if row.RetryCount >= maxRetries {
			continue
		}
		row.Status = data.FilePending
		row.Error = ""
		row.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (r *InMemoryRepo) AppendEvent(ctx context.Context, e *data.Event) (*data.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := *e
	ev.ID = r.nextEv
	r.nextEv++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, &ev)
	out := ev
	return &out, nil
}

func (r *InMemoryRepo) ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) (data.Events, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.Events
	for _, e := range r.events {
		if e.SessionID != sessionID || e.ID <= afterID {
			continue
		}
		ev := *e
		out = append(out, &ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepo) History(ctx context.Context, sourceType, filename string) (HistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type hit struct {
		at     time.Time
		status data.FileStatus
	}
	var hits []hit
	for _, id := range r.fileIDs {
		f := r.files[id]
		if f.Filename != filename {
			continue
		}
		s, ok := r.sessions[f.SessionID]
		if !ok || s.SourceType != sourceType {
			continue
		}
		switch f.Status {
		case data.FileCompleted, data.FileSkipped, data.FileFailed:
			hits = append(hits, hit{at: f.UpdatedAt, status: f.Status})
		}
	}
	if len(hits) == 0 {
		return HistoryRecord{}, nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	last := hits[len(hits)-1].status
	// A skip proves an earlier success, so it counts as one.
	if last == data.FileSkipped {
		last = data.FileCompleted
	}
	return HistoryRecord{Exists: true, LastStatus: last}, nil
}
