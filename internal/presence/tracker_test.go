package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"classhub/internal/bus"
	"classhub/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, bus.Subscription) {
	t.Helper()
	b := bus.NewMemory()
	t.Cleanup(func() { b.Close() })

	sub, err := b.Subscribe(context.Background(), types.TeacherGroup("room-1"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(b, logger), sub
}

func collectEvents(sub bus.Subscription, wait time.Duration) []*types.Envelope {
	var events []*types.Envelope
	deadline := time.After(wait)
	for {
		select {
		case env := <-sub.C():
			events = append(events, env)
		case <-deadline:
			return events
		}
	}
}

func TestPresenceEdges(t *testing.T) {
	tracker, sub := newTestTracker(t)
	ctx := context.Background()

	tracker.MarkConnected(ctx, "room-1", "alice")
	tracker.MarkConnected(ctx, "room-1", "alice") // second tab
	tracker.MarkDisconnected(ctx, "room-1", "alice")

	events := collectEvents(sub, 50*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (online edge only)", len(events))
	}
	if events[0].Type != types.EventUserOnline {
		t.Errorf("event type = %q, want %q", events[0].Type, types.EventUserOnline)
	}

	tracker.MarkDisconnected(ctx, "room-1", "alice")
	events = collectEvents(sub, 50*time.Millisecond)
	if len(events) != 1 || events[0].Type != types.EventUserOffline {
		t.Fatalf("expected one offline edge, got %v", events)
	}
}

func TestDisconnectWithoutConnectIsIgnored(t *testing.T) {
	tracker, sub := newTestTracker(t)
	ctx := context.Background()

	tracker.MarkDisconnected(ctx, "room-1", "alice")
	tracker.MarkDisconnected(ctx, "room-1", "alice")

	if events := collectEvents(sub, 50*time.Millisecond); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}

	// A later connect still fires a clean online edge.
	tracker.MarkConnected(ctx, "room-1", "alice")
	events := collectEvents(sub, 50*time.Millisecond)
	if len(events) != 1 || events[0].Type != types.EventUserOnline {
		t.Fatalf("expected one online edge, got %v", events)
	}
}

func TestConcurrentConnectsFireOneEdge(t *testing.T) {
	tracker, sub := newTestTracker(t)
	ctx := context.Background()
	const tabs = 50

	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.MarkConnected(ctx, "room-1", "alice")
		}()
	}
	wg.Wait()

	events := collectEvents(sub, 50*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("online edges = %d, want 1", len(events))
	}

	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.MarkDisconnected(ctx, "room-1", "alice")
		}()
	}
	wg.Wait()

	events = collectEvents(sub, 50*time.Millisecond)
	if len(events) != 1 || events[0].Type != types.EventUserOffline {
		t.Fatalf("expected exactly one offline edge, got %v", events)
	}

	statuses := tracker.Snapshot("room-1", []string{"alice"})
	if statuses[0].Online {
		t.Error("alice should be offline after all tabs closed")
	}
}

func TestSnapshot(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	tracker.MarkConnected(ctx, "room-1", "alice")
	tracker.MarkConnected(ctx, "room-2", "bob") // other room must not leak

	statuses := tracker.Snapshot("room-1", []string{"alice", "bob", "carol"})
	want := map[string]bool{"alice": true, "bob": false, "carol": false}
	for _, status := range statuses {
		if status.Online != want[status.StudentID] {
			t.Errorf("%s online = %v, want %v", status.StudentID, status.Online, want[status.StudentID])
		}
	}
}
