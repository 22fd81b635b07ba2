package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	hub := NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(TypeRunQueued, Payload{RunID: "r1", Workflow: "vfio"})

	select {
	case ev := <-ch:
		if ev.Type != TypeRunQueued {
			t.Errorf("Type = %q", ev.Type)
		}
		if ev.ID == 0 {
			t.Error("ID = 0")
		}
		var p Payload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if p.RunID != "r1" || p.Workflow != "vfio" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := NewHub(16)
	ch, cancel := hub.Subscribe()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	hub.Publish(TypeRunStarted, Payload{RunID: "r1"})

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
}

func TestSnapshotSince(t *testing.T) {
	t.Parallel()

	hub := NewHub(16)
	for i := 0; i < 5; i++ {
		hub.Publish(TypeRunStep, Payload{RunID: "r1", Step: fmt.Sprintf("step-%d", i)})
	}

	all := hub.SnapshotSince(0)
	if len(all) != 5 {
		t.Fatalf("full snapshot = %d events", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatal("snapshot not ordered by ID")
		}
	}

	tail := hub.SnapshotSince(all[2].ID)
	if len(tail) != 2 {
		t.Fatalf("partial snapshot = %d events, want 2", len(tail))
	}
	if tail[0].ID != all[3].ID {
		t.Errorf("resume starts at %d, want %d", tail[0].ID, all[3].ID)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	hub := NewHub(3)
	for i := 0; i < 10; i++ {
		hub.Publish(TypeRunFinished, Payload{RunID: fmt.Sprintf("r%d", i)})
	}

	snap := hub.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d events, want ring capacity 3", len(snap))
	}
	if snap[len(snap)-1].ID != 10 {
		t.Errorf("newest event ID = %d, want 10", snap[len(snap)-1].ID)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	_, cancel := hub.Subscribe()
	defer cancel()

	// Never read from the channel; publishing past its buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(TypeRunStep, Payload{RunID: "r1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
