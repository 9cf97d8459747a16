package answers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"classhub/pkg/types"
)

type mockStorage struct {
	rooms   map[string]*types.Room
	tasks   map[string]*types.Task
	answers map[string]*types.AnswerRow
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		rooms:   make(map[string]*types.Room),
		tasks:   make(map[string]*types.Task),
		answers: make(map[string]*types.AnswerRow),
	}
}

func answerKey(roomID, taskID, userID string) string {
	return fmt.Sprintf("%s|%s|%s", roomID, taskID, userID)
}

func (m *mockStorage) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, types.ErrRoomNotFound
	}
	return room, nil
}

func (m *mockStorage) CreateTask(ctx context.Context, task *types.Task) error {
	m.tasks[task.ID] = task
	return nil
}

func (m *mockStorage) GetTask(ctx context.Context, roomID, taskID string) (*types.Task, error) {
	task, ok := m.tasks[taskID]
	if !ok || task.RoomID != roomID {
		return nil, types.ErrTaskNotFound
	}
	return task, nil
}

func (m *mockStorage) ListSectionTasks(ctx context.Context, roomID, sectionID string) ([]*types.Task, error) {
	var tasks []*types.Task
	for _, task := range m.tasks {
		if task.RoomID == roomID && task.SectionID == sectionID {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (m *mockStorage) GetAnswer(ctx context.Context, roomID, taskID, userID string) (*types.AnswerRow, error) {
	return m.answers[answerKey(roomID, taskID, userID)], nil
}

func (m *mockStorage) UpdateAnswer(ctx context.Context, roomID, taskID, userID string,
	mutate func(existing *types.AnswerRow) (*types.AnswerRow, error)) (*types.AnswerRow, bool, error) {
	key := answerKey(roomID, taskID, userID)
	existing := m.answers[key]

	updated, err := mutate(existing)
	if err != nil {
		return nil, false, err
	}
	if updated == nil {
		delete(m.answers, key)
		return nil, false, nil
	}
	m.answers[key] = updated
	return updated, existing == nil, nil
}

func (m *mockStorage) DeleteAnswer(ctx context.Context, roomID, taskID, userID string) (bool, error) {
	key := answerKey(roomID, taskID, userID)
	_, existed := m.answers[key]
	delete(m.answers, key)
	return existed, nil
}

func (m *mockStorage) ListTaskAnswers(ctx context.Context, roomID, taskID string) ([]*types.AnswerRow, error) {
	var rows []*types.AnswerRow
	for _, row := range m.answers {
		if row.RoomID == roomID && row.TaskID == taskID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *mockStorage) {
	t.Helper()
	storage := newMockStorage()
	storage.rooms["room-1"] = &types.Room{
		ID:         "room-1",
		Name:       "Algebra",
		TeacherID:  "teacher1",
		StudentIDs: []string{"alice", "bob", "carol"},
	}
	return NewStore(storage, testLogger()), storage
}

func addTask(storage *mockStorage, taskID string, kind types.TaskKind, definition string) {
	storage.tasks[taskID] = &types.Task{
		ID:        taskID,
		RoomID:    "room-1",
		SectionID: "section-1",
		Kind:      kind,
		Payload:   json.RawMessage(definition),
	}
}

const testDef = `{"questions":[
	{"text":"q0","options":["a","b"],"correct_option":1},
	{"text":"q1","options":["a","b"],"correct_option":0},
	{"text":"q2","options":["a","b"],"correct_option":1}
]}`

func TestCreateTask(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, &types.Task{
		RoomID:    "room-1",
		SectionID: "section-1",
		Kind:      types.TaskKindText,
		Payload:   json.RawMessage(`{"prompt":"essay"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == "" {
		t.Error("task id should be generated")
	}

	_, err = store.CreateTask(ctx, &types.Task{
		RoomID:    "room-1",
		SectionID: "section-1",
		Kind:      "essay",
		Payload:   json.RawMessage(`{}`),
	})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown kind: err = %v, want validation error", err)
	}

	_, err = store.CreateTask(ctx, &types.Task{
		RoomID:    "missing",
		SectionID: "section-1",
		Kind:      types.TaskKindText,
		Payload:   json.RawMessage(`{}`),
	})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing room: err = %v, want not-found", err)
	}
}

func TestSaveAnswerTestKindMergesByIndex(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindTest, testDef)
	ctx := context.Background()

	view, created, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[{"question_index":0,"selected_option":1}]}`))
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if !created {
		t.Error("first save should create the row")
	}
	if view.Graded {
		t.Error("test answers must not be graded before check")
	}

	_, created, err = store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[{"question_index":2,"selected_option":0}]}`))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if created {
		t.Error("second save should update, not create")
	}

	view, err = store.GetTaskAnswer(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var state testState
	if err := json.Unmarshal(view.Payload, &state); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(state.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(state.Items))
	}
	if state.Items[0].Selected == nil || *state.Items[0].Selected != 1 {
		t.Error("question 0 selection lost after second save")
	}
	if state.Items[1].Selected != nil {
		t.Error("question 1 should be unanswered")
	}
	if state.Items[2].Selected == nil || *state.Items[2].Selected != 0 {
		t.Error("question 2 selection missing")
	}
}

func TestSaveAnswerOutOfRangeIndexIsolated(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindTest, testDef)
	ctx := context.Background()

	view, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[
			{"question_index":0,"selected_option":1},
			{"question_index":99,"selected_option":0},
			{"question_index":-1,"selected_option":0}
		]}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var state testState
	if err := json.Unmarshal(view.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.Items[0].Selected == nil || *state.Items[0].Selected != 1 {
		t.Error("valid sub-item should survive invalid siblings")
	}
}

func TestMarkAsCheckedGradesAndIsIdempotent(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindTest, testDef)
	ctx := context.Background()

	_, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[
			{"question_index":0,"selected_option":1},
			{"question_index":1,"selected_option":1}
		]}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	view, err := store.MarkAsChecked(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !view.Graded {
		t.Error("answer should be graded after check")
	}
	// q0 correct, q1 wrong, q2 unanswered counts as wrong for test.
	if view.CorrectCount != 1 || view.WrongCount != 2 {
		t.Errorf("counts = %d/%d, want 1/2", view.CorrectCount, view.WrongCount)
	}
	if view.TotalExpected != 3 {
		t.Errorf("total = %d, want 3", view.TotalExpected)
	}

	again, err := store.MarkAsChecked(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if again.CorrectCount != view.CorrectCount || again.WrongCount != view.WrongCount {
		t.Error("second check must not change the result")
	}

	_, _, err = store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[{"question_index":1,"selected_option":0}]}`))
	if !errors.Is(err, types.ErrAlreadyGraded) {
		t.Errorf("save after check: err = %v, want ErrAlreadyGraded", err)
	}
}

func TestTrueFalseCheckCountsAnsweredOnly(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindTrueFalse, `{"statements":[
		{"text":"s0","answer":true},
		{"text":"s1","answer":false},
		{"text":"s2","answer":true}
	]}`)
	ctx := context.Background()

	_, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"answers":[
			{"statement_index":0,"value":true},
			{"statement_index":1,"value":true}
		]}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	view, err := store.MarkAsChecked(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// s0 correct, s1 wrong, s2 left blank and not counted.
	if view.CorrectCount != 1 || view.WrongCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", view.CorrectCount, view.WrongCount)
	}
	if view.TotalExpected != 3 {
		t.Errorf("total = %d, want 3", view.TotalExpected)
	}
}

func TestMarkAsCheckedNonGradableKind(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindText, `{"prompt":"essay"}`)

	_, err := store.MarkAsChecked(context.Background(), "room-1", "task-1", "alice")
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestMarkAsCheckedWithoutAnswer(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindTest, testDef)

	_, err := store.MarkAsChecked(context.Background(), "room-1", "task-1", "alice")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want not-found error", err)
	}
}

func TestFillGapsAutoGrades(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindFillGaps, `{"answers":["Paris","0.5"]}`)
	ctx := context.Background()

	view, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"gaps":{"gap-0":"  PARIS! ","gap-1":"1/2"}}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !view.Graded {
		t.Error("fillgaps grades on submission")
	}
	if view.CorrectCount != 2 || view.WrongCount != 0 {
		t.Errorf("counts = %d/%d, want 2/0", view.CorrectCount, view.WrongCount)
	}

	// Resubmitting identical values must not double count.
	view, _, err = store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"gaps":{"gap-0":"  PARIS! ","gap-1":"1/2"}}`))
	if err != nil {
		t.Fatalf("identical resubmit: %v", err)
	}
	if view.CorrectCount != 2 || view.WrongCount != 0 {
		t.Errorf("counts after identical resubmit = %d/%d, want 2/0", view.CorrectCount, view.WrongCount)
	}

	view, _, err = store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"gaps":{"gap-1":"london"}}`))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if view.CorrectCount != 1 || view.WrongCount != 1 {
		t.Errorf("counts after wrong resubmit = %d/%d, want 1/1", view.CorrectCount, view.WrongCount)
	}
}

func TestFillGapsUnknownGapKeyStoredUngraded(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindFillGaps, `{"answers":["Paris"]}`)

	view, _, err := store.SaveAnswer(context.Background(), "room-1", "task-1", "alice",
		json.RawMessage(`{"gaps":{"gap-7":"whatever","bogus":"x","gap-0":"paris"}}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var state fillGapsState
	if err := json.Unmarshal(view.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if entry := state.Gaps["gap-7"]; entry.Correct != nil {
		t.Error("out-of-range gap must be stored without a verdict")
	}
	if entry := state.Gaps["bogus"]; entry.Correct != nil {
		t.Error("malformed gap key must be stored without a verdict")
	}
	if view.CorrectCount != 1 || view.WrongCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", view.CorrectCount, view.WrongCount)
	}
}

func TestMatchGradingAndHighlightExpiry(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindMatch, `{"pairs":{"dog":"bark","cat":"meow"}}`)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	view, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"left_card":"dog","right_card":"meow"}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if view.CorrectCount != 0 || view.WrongCount != 1 {
		t.Errorf("counts = %d/%d, want 0/1", view.CorrectCount, view.WrongCount)
	}

	// Within the highlight window the wrong pairing is visible.
	store.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	view, err = store.GetTaskAnswer(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	var within matchState
	if err := json.Unmarshal(view.Payload, &within); err != nil {
		t.Fatal(err)
	}
	if within.LastPair == nil {
		t.Fatal("wrong pairing should be highlighted within the window")
	}

	// After the window it is gone. Decoded into a fresh struct: the
	// stripped payload omits last_pair, which unmarshal would leave
	// untouched in a reused one.
	store.now = func() time.Time { return base.Add(2 * time.Second) }
	view, err = store.GetTaskAnswer(ctx, "room-1", "task-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	var after matchState
	if err := json.Unmarshal(view.Payload, &after); err != nil {
		t.Fatal(err)
	}
	if after.LastPair != nil {
		t.Error("highlight must expire after the window")
	}

	// A corrected pairing replaces the wrong one.
	store.now = func() time.Time { return base.Add(3 * time.Second) }
	view, _, err = store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"left_card":"dog","right_card":"bark"}`))
	if err != nil {
		t.Fatal(err)
	}
	if view.CorrectCount != 1 || view.WrongCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", view.CorrectCount, view.WrongCount)
	}
}

func TestTextAnswerOverwrites(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindText, `{"prompt":"essay"}`)
	ctx := context.Background()

	_, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice", json.RawMessage(`{"text":"draft"}`))
	if err != nil {
		t.Fatal(err)
	}
	view, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice", json.RawMessage(`{"text":"final"}`))
	if err != nil {
		t.Fatal(err)
	}

	var state textState
	if err := json.Unmarshal(view.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.Text != "final" {
		t.Errorf("text = %q, want %q", state.Text, "final")
	}
	if view.Graded {
		t.Error("text answers are never graded")
	}
}

func TestGetTaskAnswerAbsent(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindText, `{"prompt":"essay"}`)

	view, err := store.GetTaskAnswer(context.Background(), "room-1", "task-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view != nil {
		t.Error("absent answer should read as nil")
	}
}

func TestGetSectionAnswers(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindText, `{"prompt":"essay"}`)
	addTask(storage, "task-2", types.TaskKindFillGaps, `{"answers":["x"]}`)
	ctx := context.Background()

	if _, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatal(err)
	}

	section, err := store.GetSectionAnswers(ctx, "room-1", "section-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(section) != 2 {
		t.Fatalf("entries = %d, want 2", len(section))
	}

	answered := 0
	for _, entry := range section {
		if entry.Answer != nil {
			answered++
		}
	}
	if answered != 1 {
		t.Errorf("answered = %d, want 1", answered)
	}
}

func TestDeleteClassroomTaskAnswers(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindText, `{"prompt":"essay"}`)
	ctx := context.Background()

	for _, userID := range []string{"alice", "bob"} {
		if _, _, err := store.SaveAnswer(ctx, "room-1", "task-1", userID, json.RawMessage(`{"text":"hi"}`)); err != nil {
			t.Fatal(err)
		}
	}

	report, err := store.DeleteClassroomTaskAnswers(ctx, "room-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 2 {
		t.Errorf("deleted = %v, want 2 entries", report.Deleted)
	}
	if len(report.Failed) != 0 {
		t.Errorf("failed = %v, want none", report.Failed)
	}
	if len(storage.answers) != 0 {
		t.Error("all answers should be gone")
	}
}

func TestClassroomTaskStatisticsSorted(t *testing.T) {
	store, storage := newTestStore(t)
	addTask(storage, "task-1", types.TaskKindFillGaps, `{"answers":["a","b"]}`)
	ctx := context.Background()

	// alice: 2/2 correct, bob: 1/2, carol: no answer.
	if _, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "alice",
		json.RawMessage(`{"gaps":{"gap-0":"a","gap-1":"b"}}`)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.SaveAnswer(ctx, "room-1", "task-1", "bob",
		json.RawMessage(`{"gaps":{"gap-0":"a","gap-1":"wrong"}}`)); err != nil {
		t.Fatal(err)
	}

	stats, err := store.ClassroomTaskStatistics(ctx, "room-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 3 {
		t.Fatalf("rows = %d, want 3", len(stats))
	}

	want := []struct {
		studentID  string
		percentage int
	}{
		{"alice", 100},
		{"bob", 50},
		{"carol", 0},
	}
	for i, w := range want {
		if stats[i].StudentID != w.studentID || stats[i].SuccessPercentage != w.percentage {
			t.Errorf("stats[%d] = %s/%d%%, want %s/%d%%",
				i, stats[i].StudentID, stats[i].SuccessPercentage, w.studentID, w.percentage)
		}
	}
}
