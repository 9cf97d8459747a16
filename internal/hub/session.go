package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"classhub/internal/bus"
	"classhub/pkg/types"
)

// conn is the transport surface a session drives. Satisfied by
// *websocket.Conn; mocked in tests.
type conn interface {
	ReadEnvelope() (*types.Envelope, error)
	Send(env *types.Envelope) error
	Close() error
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthorizing
	stateActive
	stateClosed
)

// session is the per-connection actor. The read loop owns all state
// transitions; delivery goroutines only forward bus envelopes to the
// socket, so no session field is written concurrently.
type session struct {
	hub    *Hub
	conn   conn
	roomID string
	userID string
	role   types.Role

	state sessionState
	subs  []bus.Subscription
	wg    sync.WaitGroup
}

func newSession(h *Hub, c conn, roomID, userID string, role types.Role) *session {
	return &session{
		hub:    h,
		conn:   c,
		roomID: roomID,
		userID: userID,
		role:   role,
		state:  stateConnecting,
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close(ctx)

	s.state = stateAuthorizing
	if s.role == types.RoleNone {
		return
	}

	if err := s.subscribe(ctx); err != nil {
		s.hub.logger.Error("failed to subscribe session",
			"room_id", s.roomID, "user_id", s.userID, "error", err)
		return
	}

	if s.role == types.RoleStudent {
		s.hub.presence.MarkConnected(ctx, s.roomID, s.userID)
	}

	s.state = stateActive
	ack := &types.Envelope{Type: types.EventConnected}
	ack.SetField("room_id", s.roomID)
	ack.SetField("user_id", s.userID)
	ack.SetField("role", string(s.role))
	s.conn.Send(ack)

	// Close the socket when the surrounding context ends, which also
	// unblocks the read loop below.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		env, err := s.conn.ReadEnvelope()
		if err != nil {
			return
		}
		s.dispatch(ctx, env)
	}
}

// subscribe attaches the session to its role's groups and starts one
// delivery goroutine per subscription.
func (s *session) subscribe(ctx context.Context) error {
	groups := []string{
		types.RoomGroup(s.roomID),
		types.UserGroup(s.roomID, s.userID),
	}
	switch s.role {
	case types.RoleStudent:
		groups = append(groups, types.StudentsGroup(s.roomID))
	case types.RoleTeacher:
		groups = append(groups, types.TeacherGroup(s.roomID))
	}

	for _, group := range groups {
		sub, err := s.hub.bus.Subscribe(ctx, group)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for env := range sub.C() {
				s.deliver(env)
			}
		}()
	}
	return nil
}

// deliver forwards a bus envelope to the socket, suppressing the echo
// of the user's own chat and answer events. Suppression keys on the
// user id, so a second tab of the same user is silenced too.
func (s *session) deliver(env *types.Envelope) {
	if types.SuppressesEcho(env.Type) && env.SenderID == s.userID {
		return
	}
	s.conn.Send(env)
}

// dispatch routes one inbound envelope. Failures produce an error frame
// and leave the session active; only transport errors end the session.
func (s *session) dispatch(ctx context.Context, env *types.Envelope) {
	if env.Type == "" {
		s.sendError("event type is required")
		return
	}
	// The sender id is stamped here and never taken from the client.
	env.SenderID = s.userID

	switch {
	case strings.HasPrefix(env.Type, types.ChatPrefix):
		s.publish(ctx, types.RoomGroup(s.roomID), env)
	case env.Type == types.EventUsersOnline:
		s.handleUsersOnline(ctx)
	case s.role == types.RoleTeacher:
		s.dispatchTeacher(ctx, env)
	default:
		s.dispatchStudent(ctx, env)
	}
}

// handleUsersOnline replies with the presence roster, to the sender only.
func (s *session) handleUsersOnline(ctx context.Context) {
	if s.role != types.RoleTeacher {
		s.sendError("only the teacher may request the presence roster")
		return
	}

	room, err := s.hub.rooms.GetRoom(ctx, s.roomID)
	if err != nil {
		s.sendError("failed to load room")
		return
	}

	reply := &types.Envelope{Type: types.EventUsersOnline}
	reply.SetField("students", s.hub.presence.Snapshot(s.roomID, room.StudentIDs))
	s.conn.Send(reply)
}

// dispatchTeacher routes a teacher event to its target: "all" fans out
// to the students group, a student id to that user's group. Answer
// moderation types mutate the store before fan-out.
func (s *session) dispatchTeacher(ctx context.Context, env *types.Envelope) {
	target := env.StudentID()
	if target == "" {
		s.sendError("student_id is required")
		return
	}

	if target == types.TargetAll {
		if env.Type == types.EventAnswerCheck {
			s.sendError("answer:check requires a specific student")
			return
		}
		if env.Type == types.EventAnswerReset {
			if !s.resetClassroomAnswers(ctx, env) {
				return
			}
		}
		s.publish(ctx, types.StudentsGroup(s.roomID), env)
		return
	}

	if err := s.hub.rooms.Authorize(ctx, s.roomID, s.userID, target); err != nil {
		s.sendError("target is not a member of this room")
		return
	}

	switch env.Type {
	case types.EventAnswerReset:
		taskID := env.TaskID()
		if taskID == "" {
			s.sendError("task_id is required")
			return
		}
		if _, err := s.hub.answers.DeleteUserTaskAnswers(ctx, s.roomID, taskID, target); err != nil {
			s.sendFailure(err)
			return
		}
	case types.EventAnswerCheck:
		taskID := env.TaskID()
		if taskID == "" {
			s.sendError("task_id is required")
			return
		}
		view, err := s.hub.answers.MarkAsChecked(ctx, s.roomID, taskID, target)
		if err != nil {
			s.sendFailure(err)
			return
		}
		env.SetField("answer", view)
	}

	s.publish(ctx, types.UserGroup(s.roomID, target), env)
}

func (s *session) resetClassroomAnswers(ctx context.Context, env *types.Envelope) bool {
	taskID := env.TaskID()
	if taskID == "" {
		s.sendError("task_id is required")
		return false
	}
	report, err := s.hub.answers.DeleteClassroomTaskAnswers(ctx, s.roomID, taskID)
	if err != nil {
		s.sendFailure(err)
		return false
	}
	env.SetField("deleted", len(report.Deleted))
	return true
}

// dispatchStudent routes a student event to the teacher group. The
// student id is forced to the sender, so a student cannot emit events
// on behalf of a classmate.
func (s *session) dispatchStudent(ctx context.Context, env *types.Envelope) {
	env.SetField("student_id", s.userID)

	if env.Type == types.EventAnswerSent {
		taskID := env.TaskID()
		if taskID == "" {
			s.sendError("task_id is required")
			return
		}
		submission, ok := env.Data["answer"]
		if !ok {
			s.sendError("answer payload is required")
			return
		}
		raw, err := json.Marshal(submission)
		if err != nil {
			s.sendError("malformed answer payload")
			return
		}

		view, _, err := s.hub.answers.SaveAnswer(ctx, s.roomID, taskID, s.userID, raw)
		if err != nil {
			s.sendFailure(err)
			return
		}
		env.SetField("answer", view)
	}

	s.publish(ctx, types.TeacherGroup(s.roomID), env)
}

func (s *session) publish(ctx context.Context, group string, env *types.Envelope) {
	if err := s.hub.bus.Publish(ctx, group, env); err != nil {
		s.hub.logger.Warn("failed to publish event",
			"room_id", s.roomID, "user_id", s.userID, "type", env.Type, "error", err)
		s.sendError("failed to deliver event")
	}
}

func (s *session) sendError(message string) {
	env := &types.Envelope{Type: types.EventError}
	env.SetField("message", message)
	s.conn.Send(env)
}

// sendFailure reports err to the client. Domain rejections carry their
// message; everything else is logged and reported generically so
// storage details never reach a socket.
func (s *session) sendFailure(err error) {
	if errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrAccessDenied) {
		s.sendError(err.Error())
		return
	}
	s.hub.logger.Error("session operation failed",
		"room_id", s.roomID, "user_id", s.userID, "error", err)
	s.sendError("internal error")
}

// close tears the session down. Every step is best effort; teardown
// never raises.
func (s *session) close(ctx context.Context) {
	if s.state == stateClosed {
		return
	}
	wasActive := s.state == stateActive
	s.state = stateClosed

	for _, sub := range s.subs {
		sub.Close()
	}
	s.wg.Wait()

	if wasActive && s.role == types.RoleStudent {
		s.hub.presence.MarkDisconnected(ctx, s.roomID, s.userID)
	}
	s.conn.Close()
	s.hub.logger.Info("session closed", "room_id", s.roomID, "user_id", s.userID)
}
