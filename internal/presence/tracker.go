package presence

import (
	"context"
	"log/slog"
	"sync"

	"classhub/internal/bus"
	"classhub/pkg/types"
)

type key struct {
	roomID string
	userID string
}

// Tracker keeps a reference count of open connections per (room, user).
// A user with three tabs open is online once; presence edges fire only
// on the 0→1 and 1→0 transitions. All mutation happens under one mutex,
// including the edge publication, so concurrent connect/disconnect
// races can neither double-fire nor miss an edge.
type Tracker struct {
	bus    bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	counts map[key]int
}

// NewTracker creates a tracker publishing presence edges on b.
func NewTracker(b bus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		bus:    b,
		logger: logger,
		counts: make(map[key]int),
	}
}

// MarkConnected increments the connection count for (room, user) and
// announces the user to the room's teacher group when they come online.
func (t *Tracker) MarkConnected(ctx context.Context, roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{roomID: roomID, userID: userID}
	t.counts[k]++
	if t.counts[k] == 1 {
		t.emit(ctx, roomID, userID, types.EventUserOnline)
	}
}

// MarkDisconnected decrements the count. The offline edge fires only
// when the count reaches exactly zero, at which point the entry is
// removed. Extra disconnects for an absent entry are ignored.
func (t *Tracker) MarkDisconnected(ctx context.Context, roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{roomID: roomID, userID: userID}
	count, ok := t.counts[k]
	if !ok {
		return
	}
	if count > 1 {
		t.counts[k] = count - 1
		return
	}

	delete(t.counts, k)
	t.emit(ctx, roomID, userID, types.EventUserOffline)
}

// Snapshot reports the online flag for each of studentIDs in the room.
func (t *Tracker) Snapshot(roomID string, studentIDs []string) []types.OnlineStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	statuses := make([]types.OnlineStatus, len(studentIDs))
	for i, studentID := range studentIDs {
		statuses[i] = types.OnlineStatus{
			StudentID: studentID,
			Online:    t.counts[key{roomID: roomID, userID: studentID}] > 0,
		}
	}
	return statuses
}

// emit publishes a presence edge to the teacher group. Called with the
// mutex held so edges for one user are ordered; bus delivery is
// non-blocking, so holding the lock here is safe.
func (t *Tracker) emit(ctx context.Context, roomID, userID, eventType string) {
	env := &types.Envelope{
		Type:     eventType,
		Data:     map[string]any{"student_id": userID, "room_id": roomID},
		SenderID: userID,
	}
	if err := t.bus.Publish(ctx, types.TeacherGroup(roomID), env); err != nil {
		t.logger.Warn("failed to publish presence edge",
			"room_id", roomID, "user_id", userID, "event", eventType, "error", err)
	}
}
