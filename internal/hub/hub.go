package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"classhub/internal/answers"
	"classhub/internal/bus"
	"classhub/internal/websocket"
	"classhub/pkg/types"
)

// Rooms is the registry surface the hub needs.
type Rooms interface {
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	Authorize(ctx context.Context, roomID, principal, target string) error
}

// Presence is the tracker surface the hub needs.
type Presence interface {
	MarkConnected(ctx context.Context, roomID, userID string)
	MarkDisconnected(ctx context.Context, roomID, userID string)
	Snapshot(roomID string, studentIDs []string) []types.OnlineStatus
}

// AnswerService covers the answer operations reachable over the
// realtime protocol.
type AnswerService interface {
	SaveAnswer(ctx context.Context, roomID, taskID, userID string, submission json.RawMessage) (*types.AnswerView, bool, error)
	MarkAsChecked(ctx context.Context, roomID, taskID, userID string) (*types.AnswerView, error)
	DeleteUserTaskAnswers(ctx context.Context, roomID, taskID, userID string) (bool, error)
	DeleteClassroomTaskAnswers(ctx context.Context, roomID, taskID string) (*answers.ModerationReport, error)
}

// Hub runs one session per accepted websocket connection. Sessions
// never talk to each other directly; everything cross-connection goes
// through the bus.
type Hub struct {
	rooms    Rooms
	presence Presence
	answers  AnswerService
	bus      bus.Bus
	logger   *slog.Logger
}

// NewHub wires the hub over its collaborators.
func NewHub(rooms Rooms, presence Presence, answerService AnswerService, b bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:    rooms,
		presence: presence,
		answers:  answerService,
		bus:      b,
		logger:   logger,
	}
}

// Run drives one connection until it closes. The caller has already
// authenticated the principal and resolved their role.
func (h *Hub) Run(ctx context.Context, c *websocket.Conn, roomID, userID string, role types.Role) {
	s := newSession(h, c, roomID, userID, role)
	s.run(ctx)
}
