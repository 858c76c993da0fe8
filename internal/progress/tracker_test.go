package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/discovery"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/source"
)

// captureEmitter records emitted events in order.
type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	sessionID string
	typ       data.EventType
	payload   map[string]any
}

func (c *captureEmitter) Emit(sessionID string, t data.EventType, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{sessionID, t, payload})
}

func (c *captureEmitter) ofType(t data.EventType) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, e := range c.events {
		if e.typ == t {
			out = append(out, e)
		}
	}
	return out
}

func newResult() *discovery.Result {
	return &discovery.Result{
		Items: []source.ItemInfo{
			{Name: "old1.pdf"}, {Name: "old2.pdf"},
			{Name: "new1.pdf"}, {Name: "new2.pdf"},
			{Name: "retry.pdf"},
		},
		AlreadyDownloaded: []source.ItemInfo{{Name: "old1.pdf"}, {Name: "old2.pdf"}},
		ToDownload:        []source.ItemInfo{{Name: "new1.pdf"}, {Name: "new2.pdf"}},
		RetryFailed:       []source.ItemInfo{{Name: "retry.pdf"}},
	}
}

func TestTracker_Initialize(t *testing.T) {
	ctx := context.Background()
	r := repo.NewInMemoryRepo()
	em := &captureEmitter{}
	tr := New(nil, r, em)
	s, _ := r.AddSession(ctx, &data.Session{SourceType: "claims", Status: data.StatusDiscovering})

	if err := tr.Initialize(ctx, s.ID, newResult()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, _ := r.GetSession(ctx, s.ID)
	if got.TotalDiscovered != 5 || got.AlreadyDownloaded != 2 || got.ToDownload != 2 || got.RetryFailed != 1 {
		t.Fatalf("unexpected discovery counters: %#v", got)
	}
	// Already-downloaded items count as processed immediately.
	if got.Skipped != 2 || got.Processed != 2 {
		t.Fatalf("expected 2 skipped/processed, got %#v", got)
	}
	if !got.CountersConsistent() {
		t.Fatalf("counters inconsistent: %#v", got)
	}

	skippedRows, _ := r.ListFiles(ctx, s.ID, repo.FileFilter{Status: data.FileSkipped})
	if len(skippedRows) != 2 {
		t.Fatalf("expected 2 skipped rows, got %d", len(skippedRows))
	}
	for _, f := range skippedRows {
		if f.SkipReason != data.SkipAlreadyExists {
			t.Fatalf("unexpected skip reason %q", f.SkipReason)
		}
	}
	pending, _ := r.ListFiles(ctx, s.ID, repo.FileFilter{Status: data.FilePending})
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending rows, got %d", len(pending))
	}

	skips := em.ofType(data.EventFileSkip)
	if len(skips) != 2 {
		t.Fatalf("expected 2 file.skip events, got %d", len(skips))
	}
}

func TestTracker_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	r := repo.NewInMemoryRepo()
	em := &captureEmitter{}
	tr := New(nil, r, em)
	s, _ := r.AddSession(ctx, &data.Session{SourceType: "claims", Status: data.StatusDownloading})
	_ = r.AddFiles(ctx, data.SessionFiles{
		{SessionID: s.ID, Filename: "a.pdf", Status: data.FilePending},
	})
	files, _ := r.ListFiles(ctx, s.ID, repo.FileFilter{})
	if _, err := r.ClaimPending(ctx, s.ID, 2); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	sess, f, err := tr.RecordOutcome(ctx, s.ID, files[0].ID, repo.Outcome{
		Status:    data.FileCompleted,
		Size:      1234,
		LocalPath: "/tmp/a.pdf",
		Checksum:  "abc",
		WorkerID:  2,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if sess.Downloaded != 1 || sess.Processed != 1 {
		t.Fatalf("unexpected counters: %#v", sess)
	}
	if f.Status != data.FileCompleted || f.Checksum != "abc" {
		t.Fatalf("unexpected file row: %#v", f)
	}

	completes := em.ofType(data.EventFileComplete)
	if len(completes) != 1 {
		t.Fatalf("expected 1 file.complete event, got %d", len(completes))
	}
	if completes[0].payload["checksum"] != "abc" {
		t.Fatalf("unexpected payload: %#v", completes[0].payload)
	}
	progress := em.ofType(data.EventProgress)
	if len(progress) != 1 {
		t.Fatalf("expected 1 progress event, got %d", len(progress))
	}
	if progress[0].payload["processed"] != 1 {
		t.Fatalf("unexpected progress payload: %#v", progress[0].payload)
	}
}

func TestTracker_Snapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("discovering", func(t *testing.T) {
		r := repo.NewInMemoryRepo()
		tr := New(nil, r, nil)
		s, _ := r.AddSession(ctx, &data.Session{SourceType: "claims", Status: data.StatusDiscovering})

		info, err := tr.Snapshot(ctx, s.ID)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if !info.Progress.Discovering {
			t.Fatalf("expected discovering flag")
		}
		if info.Discovery.Complete {
			t.Fatalf("discovery should not read complete")
		}
		if info.Timing.EtaSec != -1 {
			t.Fatalf("expected unknown ETA, got %v", info.Timing.EtaSec)
		}
	})

	t.Run("downloading", func(t *testing.T) {
		r := repo.NewInMemoryRepo()
		tr := New(nil, r, nil)
		s, _ := r.AddSession(ctx, &data.Session{SourceType: "claims", Status: data.StatusDownloading})
		started := s.CreatedAt
		_, _ = r.UpdateSession(ctx, s.ID, func(s *data.Session) error {
			s.TotalDiscovered = 10
			s.AlreadyDownloaded = 2
			s.ToDownload = 8
			s.Processed = 5
			s.Downloaded = 3
			s.Skipped = 2
			s.StartedAt = &started
			return nil
		})
		_ = r.AddFiles(ctx, data.SessionFiles{
			{SessionID: s.ID, Filename: "busy.pdf", Status: data.FileDownloading, WorkerID: 3},
		})

		info, err := tr.Snapshot(ctx, s.ID)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if info.Progress.Percent != 50 {
			t.Fatalf("expected 50%%, got %v", info.Progress.Percent)
		}
		if info.Progress.CurrentFile != "busy.pdf" || info.Progress.CurrentWorker != 3 {
			t.Fatalf("unexpected current file: %#v", info.Progress)
		}
		if info.Timing.EtaSec < 0 {
			t.Fatalf("expected ETA estimate, got %v", info.Timing.EtaSec)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		tr := New(nil, repo.NewInMemoryRepo(), nil)
		if _, err := tr.Snapshot(ctx, "nope"); err == nil {
			t.Fatalf("expected error")
		}
	})
}
