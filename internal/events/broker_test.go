package events

import (
	"context"
	"testing"
	"time"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
)

func TestBroker_EmitPersistsAndFansOut(t *testing.T) {
	r := repo.NewInMemoryRepo()
	b := NewBroker(nil, r)

	ch, cancel := b.Subscribe("s1")
	defer cancel()

	b.Emit("s1", data.EventProgress, map[string]any{"processed": 1})

	select {
	case e := <-ch:
		if e.Type != data.EventProgress {
			t.Fatalf("unexpected event type %s", e.Type)
		}
		if e.ID == 0 {
			t.Fatalf("fanned-out event carries no persisted id")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	evs, err := r.ListEvents(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(evs))
	}
}

func TestBroker_SubscriberScoping(t *testing.T) {
	b := NewBroker(nil, repo.NewInMemoryRepo())

	ch1, cancel1 := b.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("s2")
	defer cancel2()

	b.Emit("s1", data.EventProgress, nil)

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatalf("s1 subscriber got nothing")
	}
	select {
	case e := <-ch2:
		t.Fatalf("s2 subscriber received s1 event: %#v", e)
	default:
	}
}

func TestBroker_SlowConsumerDropsNotBlocks(t *testing.T) {
	b := NewBroker(nil, repo.NewInMemoryRepo())

	// Never drained: once the buffer fills, further emits must not block.
	_, cancel := b.Subscribe("s1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subBuffer*2; i++ {
			b.Emit("s1", data.EventProgress, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Emit blocked on a slow consumer")
	}

	// Every event is still in the durable journal.
	evs, _ := b.Replay(context.Background(), "s1", 0)
	if len(evs) != subBuffer*2 {
		t.Fatalf("expected %d persisted events, got %d", subBuffer*2, len(evs))
	}
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := NewBroker(nil, repo.NewInMemoryRepo())

	ch, cancel := b.Subscribe("s1")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Emitting after cancel must not panic.
	b.Emit("s1", data.EventProgress, nil)

	// Cancel is safe to call twice.
	cancel()
}

func TestBroker_Replay(t *testing.T) {
	b := NewBroker(nil, repo.NewInMemoryRepo())

	b.Emit("s1", data.EventSessionCreated, nil)
	b.Emit("s1", data.EventDiscoveryStarted, nil)
	b.Emit("s1", data.EventProgress, nil)

	all, err := b.Replay(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != data.EventSessionCreated {
		t.Fatalf("replay out of order: %s first", all[0].Type)
	}

	tail, err := b.Replay(context.Background(), "s1", all[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 events after id %d, got %d", all[0].ID, len(tail))
	}
}
