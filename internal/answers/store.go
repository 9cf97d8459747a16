package answers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"classhub/pkg/types"
)

// Storage is the persistence surface the store needs. Satisfied by
// *database.Manager; mocked in tests.
type Storage interface {
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, roomID, taskID string) (*types.Task, error)
	ListSectionTasks(ctx context.Context, roomID, sectionID string) ([]*types.Task, error)
	GetAnswer(ctx context.Context, roomID, taskID, userID string) (*types.AnswerRow, error)
	UpdateAnswer(ctx context.Context, roomID, taskID, userID string,
		mutate func(existing *types.AnswerRow) (*types.AnswerRow, error)) (*types.AnswerRow, bool, error)
	DeleteAnswer(ctx context.Context, roomID, taskID, userID string) (bool, error)
	ListTaskAnswers(ctx context.Context, roomID, taskID string) ([]*types.AnswerRow, error)
}

// Store applies kind-specific grading semantics on top of the raw answer
// rows. All merge and grading logic runs inside storage mutate closures,
// which the single-writer database loop serializes per row, so two
// concurrent submissions for one answer can never interleave.
type Store struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates an answer store over storage.
func NewStore(storage Storage, logger *slog.Logger) *Store {
	return &Store{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateTask provisions a task definition. The kind must be known and
// the payload present; grading trusts both from here on.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.storage.GetRoom(ctx, task.RoomID); err != nil {
		return nil, err
	}

	if err := s.storage.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("created task",
		"room_id", task.RoomID, "task_id", task.ID, "section_id", task.SectionID, "kind", task.Kind)
	return task, nil
}

// SaveAnswer merges submission into the stored answer for (room, task,
// user) per the task kind. It returns the resulting view and whether a
// new row was created. Explicitly graded kinds reject submissions once
// the answer is marked as checked.
func (s *Store) SaveAnswer(ctx context.Context, roomID, taskID, userID string, submission json.RawMessage) (*types.AnswerView, bool, error) {
	task, err := s.storage.GetTask(ctx, roomID, taskID)
	if err != nil {
		return nil, false, err
	}

	g, err := graderFor(task.Kind, s.now)
	if err != nil {
		return nil, false, err
	}

	row, created, err := s.storage.UpdateAnswer(ctx, roomID, taskID, userID,
		func(existing *types.AnswerRow) (*types.AnswerRow, error) {
			if existing != nil && existing.Graded && task.Kind.RequiresCheck() {
				return nil, fmt.Errorf("%w: answer for task %s is already checked", types.ErrAlreadyGraded, taskID)
			}

			var prior []byte
			if existing != nil {
				prior = existing.Payload
			}
			result, err := g.Submit(task.Payload, prior, submission)
			if err != nil {
				return nil, err
			}
			return s.buildRow(roomID, taskID, userID, task.Kind, result), nil
		})
	if err != nil {
		return nil, false, err
	}

	s.logger.Debug("saved answer",
		"room_id", roomID, "task_id", taskID, "user_id", userID, "kind", task.Kind, "created", created)
	return row.View(), created, nil
}

// MarkAsChecked finalizes grading for an explicitly graded answer.
// Checking an already-checked answer is idempotent and returns the
// stored result unchanged.
func (s *Store) MarkAsChecked(ctx context.Context, roomID, taskID, userID string) (*types.AnswerView, error) {
	task, err := s.storage.GetTask(ctx, roomID, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Kind.RequiresCheck() {
		return nil, types.ValidationError("task kind %q is not explicitly graded", task.Kind)
	}

	g, err := graderFor(task.Kind, s.now)
	if err != nil {
		return nil, err
	}

	row, _, err := s.storage.UpdateAnswer(ctx, roomID, taskID, userID,
		func(existing *types.AnswerRow) (*types.AnswerRow, error) {
			if existing == nil {
				return nil, fmt.Errorf("%w: no answer for task %s", types.ErrAnswerNotFound, taskID)
			}
			if existing.Graded {
				return existing, nil
			}

			result, err := g.Check(task.Payload, existing.Payload)
			if err != nil {
				return nil, err
			}
			return s.buildRow(roomID, taskID, userID, task.Kind, result), nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("checked answer", "room_id", roomID, "task_id", taskID, "user_id", userID)
	return row.View(), nil
}

// GetTaskAnswer returns the stored answer for (room, task, user), or
// nil when none exists. The payload is shaped for reading at the
// current time.
func (s *Store) GetTaskAnswer(ctx context.Context, roomID, taskID, userID string) (*types.AnswerView, error) {
	task, err := s.storage.GetTask(ctx, roomID, taskID)
	if err != nil {
		return nil, err
	}

	row, err := s.storage.GetAnswer(ctx, roomID, taskID, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return s.view(task.Kind, row)
}

// SectionAnswer pairs a section task with the user's answer to it, nil
// when the task is unanswered.
type SectionAnswer struct {
	TaskID   string            `json:"task_id"`
	TaskType types.TaskKind    `json:"task_type"`
	Answer   *types.AnswerView `json:"answer"`
}

// GetSectionAnswers returns one entry per task of the section, in task
// order, with the user's answers attached where present.
func (s *Store) GetSectionAnswers(ctx context.Context, roomID, sectionID, userID string) ([]SectionAnswer, error) {
	tasks, err := s.storage.ListSectionTasks(ctx, roomID, sectionID)
	if err != nil {
		return nil, err
	}

	section := make([]SectionAnswer, 0, len(tasks))
	for _, task := range tasks {
		entry := SectionAnswer{TaskID: task.ID, TaskType: task.Kind}

		row, err := s.storage.GetAnswer(ctx, roomID, task.ID, userID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			entry.Answer, err = s.view(task.Kind, row)
			if err != nil {
				return nil, err
			}
		}
		section = append(section, entry)
	}
	return section, nil
}

// DeleteUserTaskAnswers removes one user's answer to a task, reporting
// whether anything was stored.
func (s *Store) DeleteUserTaskAnswers(ctx context.Context, roomID, taskID, userID string) (bool, error) {
	existed, err := s.storage.DeleteAnswer(ctx, roomID, taskID, userID)
	if err != nil {
		return false, err
	}
	if existed {
		s.logger.Debug("deleted answer", "room_id", roomID, "task_id", taskID, "user_id", userID)
	}
	return existed, nil
}

// ModerationReport summarizes a room-wide answer reset.
type ModerationReport struct {
	RoomID  string   `json:"room_id"`
	TaskID  string   `json:"task_id"`
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// DeleteClassroomTaskAnswers removes every member's answer to a task.
// Deletion is best effort per user; failures are reported, not fatal.
func (s *Store) DeleteClassroomTaskAnswers(ctx context.Context, roomID, taskID string) (*ModerationReport, error) {
	room, err := s.storage.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	report := &ModerationReport{RoomID: roomID, TaskID: taskID}
	members := append(append([]string(nil), room.StudentIDs...), room.TeacherID)
	for _, userID := range members {
		existed, err := s.storage.DeleteAnswer(ctx, roomID, taskID, userID)
		if err != nil {
			s.logger.Warn("failed to delete answer during reset",
				"room_id", roomID, "task_id", taskID, "user_id", userID, "error", err)
			report.Failed = append(report.Failed, userID)
			continue
		}
		if existed {
			report.Deleted = append(report.Deleted, userID)
		}
	}
	return report, nil
}

// ClassroomTaskStatistics reports per-student grading counters for one
// task, sorted by success percentage descending, then by student id.
// Students without a stored answer appear with zero counters.
func (s *Store) ClassroomTaskStatistics(ctx context.Context, roomID, taskID string) ([]types.StudentStatistics, error) {
	room, err := s.storage.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	rows, err := s.storage.ListTaskAnswers(ctx, roomID, taskID)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]*types.AnswerRow, len(rows))
	for _, row := range rows {
		byUser[row.UserID] = row
	}

	stats := make([]types.StudentStatistics, 0, len(room.StudentIDs))
	for _, studentID := range room.StudentIDs {
		entry := types.StudentStatistics{StudentID: studentID}
		if row, ok := byUser[studentID]; ok {
			entry.Correct = row.CorrectCount
			entry.Wrong = row.WrongCount
			entry.SuccessPercentage = successPercentage(row.CorrectCount, row.WrongCount)
		}
		stats = append(stats, entry)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SuccessPercentage != stats[j].SuccessPercentage {
			return stats[i].SuccessPercentage > stats[j].SuccessPercentage
		}
		return stats[i].StudentID < stats[j].StudentID
	})
	return stats, nil
}

func (s *Store) buildRow(roomID, taskID, userID string, kind types.TaskKind, result *gradeResult) *types.AnswerRow {
	return &types.AnswerRow{
		RoomID:        roomID,
		TaskID:        taskID,
		UserID:        userID,
		Kind:          kind,
		Payload:       result.payload,
		Graded:        result.graded,
		CorrectCount:  result.correctCount,
		WrongCount:    result.wrongCount,
		TotalExpected: result.totalExpected,
		UpdatedAt:     s.now(),
	}
}

func (s *Store) view(kind types.TaskKind, row *types.AnswerRow) (*types.AnswerView, error) {
	g, err := graderFor(kind, s.now)
	if err != nil {
		return nil, err
	}
	payload, err := g.View(row.Payload, s.now())
	if err != nil {
		return nil, err
	}

	view := row.View()
	view.Payload = payload
	return view, nil
}

func successPercentage(correct, wrong int) int {
	total := correct + wrong
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}
