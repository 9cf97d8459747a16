package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"classhub/pkg/types"
)

// Store is the persistence surface the registry needs. Satisfied by
// *database.Manager; mocked in tests.
type Store interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	UpdateRoom(ctx context.Context, room *types.Room) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListRooms(ctx context.Context) ([]*types.Room, error)
}

// Registry resolves room membership and roles, decoupled from the
// transport. Reads are served from an in-memory cache because
// membership changes are rare and role checks happen on every event.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*types.Room
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		rooms:  make(map[string]*types.Room),
	}
}

// LoadRooms warms the cache from the store.
func (r *Registry) LoadRooms(ctx context.Context) error {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range rooms {
		r.rooms[room.ID] = room
	}

	r.logger.Info("loaded rooms", "count", len(rooms))
	return nil
}

// CreateRoom creates a room owned by teacherID. Duplicate student ids
// are removed and the teacher is stripped from the student set so the
// teacher-not-enrolled invariant holds from birth.
func (r *Registry) CreateRoom(ctx context.Context, name, teacherID string, studentIDs []string, lessonID *string) (*types.Room, error) {
	room := &types.Room{
		ID:         uuid.New().String(),
		Name:       name,
		TeacherID:  teacherID,
		StudentIDs: dedupe(studentIDs, teacherID),
		LessonID:   lessonID,
		CreatedAt:  time.Now(),
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}

	if err := r.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	r.mu.Lock()
	r.rooms[room.ID] = room
	r.mu.Unlock()

	r.logger.Info("created room", "room_id", room.ID, "teacher", teacherID, "students", len(room.StudentIDs))
	return room, nil
}

// GetRoom retrieves a room, cache first.
func (r *Registry) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	r.mu.RLock()
	if room, ok := r.rooms[roomID]; ok {
		r.mu.RUnlock()
		return room, nil
	}
	r.mu.RUnlock()

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.rooms[room.ID] = room
	r.mu.Unlock()
	return room, nil
}

// ResolveRole returns the role user holds in the room.
func (r *Registry) ResolveRole(ctx context.Context, roomID, userID string) (types.Role, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return types.RoleNone, err
	}
	return room.RoleOf(userID), nil
}

// IsMember reports whether user belongs to the room in any role.
func (r *Registry) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	role, err := r.ResolveRole(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	return role != types.RoleNone, nil
}

// AvailablePeers returns the users the requester may address: the
// teacher may address self plus all students, a student only self.
func (r *Registry) AvailablePeers(ctx context.Context, roomID, userID string) ([]string, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	switch room.RoleOf(userID) {
	case types.RoleTeacher:
		peers := make([]string, 0, len(room.StudentIDs)+1)
		peers = append(peers, userID)
		peers = append(peers, room.StudentIDs...)
		return peers, nil
	case types.RoleStudent:
		return []string{userID}, nil
	default:
		return nil, types.ErrAccessDenied
	}
}

// Authorize checks that principal may act on target within the room:
// both must be members, and a student may only act on themself.
func (r *Registry) Authorize(ctx context.Context, roomID, principal, target string) error {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	switch room.RoleOf(principal) {
	case types.RoleTeacher:
		if !room.IsMember(target) {
			return fmt.Errorf("%w: %q is not a member of room %s", types.ErrAccessDenied, target, roomID)
		}
		return nil
	case types.RoleStudent:
		if principal != target {
			return fmt.Errorf("%w: students may only act on their own answers", types.ErrAccessDenied)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q is not a member of room %s", types.ErrAccessDenied, principal, roomID)
	}
}

// JoinRoom enrolls user as a student. Joining a room you already belong
// to is a no-op; the teacher cannot enroll as a student.
func (r *Registry) JoinRoom(ctx context.Context, roomID, userID string) (*types.Room, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsMember(userID) {
		return room, nil
	}

	updated := cloneRoom(room)
	updated.StudentIDs = append(updated.StudentIDs, userID)
	return r.replace(ctx, updated)
}

// LeaveRoom removes a student from the room. The teacher cannot leave;
// the room is deleted instead.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, userID string) (*types.Room, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsTeacher(userID) {
		return nil, types.ValidationError("the teacher cannot leave the room")
	}
	if !room.IsStudent(userID) {
		return room, nil
	}

	updated := cloneRoom(room)
	students := updated.StudentIDs[:0]
	for _, id := range updated.StudentIDs {
		if id != userID {
			students = append(students, id)
		}
	}
	updated.StudentIDs = students
	return r.replace(ctx, updated)
}

// AttachLesson binds a lesson to the room (nil detaches).
func (r *Registry) AttachLesson(ctx context.Context, roomID string, lessonID *string) (*types.Room, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	updated := cloneRoom(room)
	updated.LessonID = lessonID
	return r.replace(ctx, updated)
}

// DeleteRoom removes the room; stored answers cascade with it.
func (r *Registry) DeleteRoom(ctx context.Context, roomID string) error {
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()

	r.logger.Info("deleted room", "room_id", roomID)
	return nil
}

// ListRoomsFor returns the rooms user is a member of.
func (r *Registry) ListRoomsFor(ctx context.Context, userID string) ([]*types.Room, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	var member []*types.Room
	for _, room := range rooms {
		if room.IsMember(userID) {
			member = append(member, room)
		}
	}
	return member, nil
}

func (r *Registry) replace(ctx context.Context, room *types.Room) (*types.Room, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if err := r.store.UpdateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	r.mu.Lock()
	r.rooms[room.ID] = room
	r.mu.Unlock()
	return room, nil
}

func cloneRoom(room *types.Room) *types.Room {
	clone := *room
	clone.StudentIDs = append([]string(nil), room.StudentIDs...)
	return &clone
}

func dedupe(studentIDs []string, teacherID string) []string {
	seen := make(map[string]bool, len(studentIDs))
	unique := make([]string, 0, len(studentIDs))
	for _, id := range studentIDs {
		if id == teacherID || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique
}
