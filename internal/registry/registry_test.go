package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"classhub/pkg/types"
)

type mockStore struct {
	rooms map[string]*types.Room
}

func newMockStore() *mockStore {
	return &mockStore{rooms: make(map[string]*types.Room)}
}

func (m *mockStore) CreateRoom(ctx context.Context, room *types.Room) error {
	m.rooms[room.ID] = room
	return nil
}

func (m *mockStore) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, types.ErrRoomNotFound
	}
	return room, nil
}

func (m *mockStore) UpdateRoom(ctx context.Context, room *types.Room) error {
	if _, ok := m.rooms[room.ID]; !ok {
		return types.ErrRoomNotFound
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *mockStore) DeleteRoom(ctx context.Context, roomID string) error {
	delete(m.rooms, roomID)
	return nil
}

func (m *mockStore) ListRooms(ctx context.Context) ([]*types.Room, error) {
	var rooms []*types.Room
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func newTestRegistry(t *testing.T) (*Registry, *mockStore) {
	t.Helper()
	store := newMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(store, logger), store
}

func TestCreateRoomStripsTeacherAndDuplicates(t *testing.T) {
	registry, _ := newTestRegistry(t)

	room, err := registry.CreateRoom(context.Background(), "Algebra", "teacher1",
		[]string{"alice", "teacher1", "bob", "alice"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(room.StudentIDs) != 2 {
		t.Fatalf("students = %v, want [alice bob]", room.StudentIDs)
	}
	if room.IsStudent("teacher1") {
		t.Error("teacher must not be enrolled as a student")
	}
	if room.ID == "" {
		t.Error("room id should be generated")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.CreateRoom(ctx, "", "teacher1", nil, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty name: err = %v, want validation error", err)
	}
	if _, err := registry.CreateRoom(ctx, "ok", "bad id!", nil, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("bad teacher id: err = %v, want validation error", err)
	}
}

func TestResolveRole(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := registry.CreateRoom(ctx, "Algebra", "teacher1", []string{"alice"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		userID string
		want   types.Role
	}{
		{"teacher1", types.RoleTeacher},
		{"alice", types.RoleStudent},
		{"mallory", types.RoleNone},
	}
	for _, tt := range tests {
		role, err := registry.ResolveRole(ctx, room.ID, tt.userID)
		if err != nil {
			t.Fatal(err)
		}
		if role != tt.want {
			t.Errorf("ResolveRole(%q) = %q, want %q", tt.userID, role, tt.want)
		}
	}

	if _, err := registry.ResolveRole(ctx, "missing", "alice"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing room: err = %v, want not-found", err)
	}
}

func TestAvailablePeers(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := registry.CreateRoom(ctx, "Algebra", "teacher1", []string{"alice", "bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	peers, err := registry.AvailablePeers(ctx, room.ID, "teacher1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 3 {
		t.Errorf("teacher peers = %v, want self plus both students", peers)
	}

	peers, err = registry.AvailablePeers(ctx, room.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != "alice" {
		t.Errorf("student peers = %v, want [alice]", peers)
	}

	if _, err := registry.AvailablePeers(ctx, room.ID, "mallory"); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("non-member: err = %v, want access denied", err)
	}
}

func TestAuthorize(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := registry.CreateRoom(ctx, "Algebra", "teacher1", []string{"alice", "bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		principal string
		target    string
		wantErr   bool
	}{
		{"teacher on student", "teacher1", "alice", false},
		{"teacher on self", "teacher1", "teacher1", false},
		{"teacher on stranger", "teacher1", "mallory", true},
		{"student on self", "alice", "alice", false},
		{"student on classmate", "alice", "bob", true},
		{"stranger on student", "mallory", "alice", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Authorize(ctx, room.ID, tt.principal, tt.target)
			if tt.wantErr && !errors.Is(err, types.ErrAccessDenied) {
				t.Errorf("err = %v, want access denied", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	room, err := registry.CreateRoom(ctx, "Algebra", "teacher1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	joined, err := registry.JoinRoom(ctx, room.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !joined.IsStudent("alice") {
		t.Error("alice should be enrolled after join")
	}

	// Joining twice is a no-op.
	again, err := registry.JoinRoom(ctx, room.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.StudentIDs) != 1 {
		t.Errorf("students = %v, want single alice", again.StudentIDs)
	}

	// The teacher cannot enroll.
	asTeacher, err := registry.JoinRoom(ctx, room.ID, "teacher1")
	if err != nil {
		t.Fatal(err)
	}
	if asTeacher.IsStudent("teacher1") {
		t.Error("teacher must not become a student via join")
	}

	left, err := registry.LeaveRoom(ctx, room.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if left.IsStudent("alice") {
		t.Error("alice should be gone after leave")
	}

	if _, err := registry.LeaveRoom(ctx, room.ID, "teacher1"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("teacher leave: err = %v, want validation error", err)
	}
}

func TestDeleteRoomEvictsCache(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	room, err := registry.CreateRoom(ctx, "Algebra", "teacher1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.rooms[room.ID]; ok {
		t.Error("room should be deleted from the store")
	}
	if _, err := registry.GetRoom(ctx, room.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("get after delete: err = %v, want not-found", err)
	}
}

func TestListRoomsFor(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.CreateRoom(ctx, "Algebra", "teacher1", []string{"alice"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.CreateRoom(ctx, "History", "teacher2", []string{"bob"}, nil); err != nil {
		t.Fatal(err)
	}

	rooms, err := registry.ListRoomsFor(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].Name != "Algebra" {
		t.Errorf("rooms for alice = %v, want Algebra only", rooms)
	}
}

func TestLoadRoomsWarmsCache(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	store.rooms["r1"] = &types.Room{ID: "r1", Name: "Algebra", TeacherID: "teacher1"}
	if err := registry.LoadRooms(ctx); err != nil {
		t.Fatal(err)
	}

	// Remove from the store; the cache should still answer.
	delete(store.rooms, "r1")
	room, err := registry.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "Algebra" {
		t.Errorf("room = %+v", room)
	}
}
