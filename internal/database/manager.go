package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "classhub/pkg/database"
	"classhub/pkg/types"
)

// Manager owns the SQLite store for rooms, tasks and answers. All writes
// funnel through a single goroutine; reads run concurrently on the
// connection pool. Because every answer mutation executes as one
// read-merge-write closure inside the writer loop, each
// (room, task, user) row has at most one writer at a time.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer loop.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isRetryable(err) {
				m.logger.Warn("database write failed, retrying once", "error", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// isRetryable separates transient storage failures from domain
// rejections surfaced by write closures, which must not be retried.
func isRetryable(err error) bool {
	return !errors.Is(err, types.ErrValidation) &&
		!errors.Is(err, types.ErrNotFound) &&
		!errors.Is(err, types.ErrAccessDenied)
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// CreateRoom inserts a new room.
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	return m.executeWrite(func(db *sql.DB) error {
		studentIDs, err := json.Marshal(room.StudentIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal student ids: %w", err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO rooms (id, name, teacher_id, student_ids, lesson_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, room.ID, room.Name, room.TeacherID, string(studentIDs), room.LessonID, room.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
}

// GetRoom retrieves a room by id.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, name, teacher_id, student_ids, lesson_id, created_at
		FROM rooms WHERE id = ?
	`, roomID)
	return scanRoom(row)
}

// UpdateRoom persists membership and lesson changes.
func (m *Manager) UpdateRoom(ctx context.Context, room *types.Room) error {
	return m.executeWrite(func(db *sql.DB) error {
		studentIDs, err := json.Marshal(room.StudentIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal student ids: %w", err)
		}

		res, err := db.ExecContext(ctx, `
			UPDATE rooms SET name = ?, student_ids = ?, lesson_id = ? WHERE id = ?
		`, room.Name, string(studentIDs), room.LessonID, room.ID)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrRoomNotFound
		}
		return nil
	})
}

// DeleteRoom removes a room; tasks and answers cascade.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
		if err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrRoomNotFound
		}
		return nil
	})
}

// ListRooms returns all rooms, newest first.
func (m *Manager) ListRooms(ctx context.Context) ([]*types.Room, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, teacher_id, student_ids, lesson_id, created_at
		FROM rooms ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// CreateTask inserts a task definition.
func (m *Manager) CreateTask(ctx context.Context, task *types.Task) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO tasks (id, room_id, section_id, kind, position, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, task.ID, task.RoomID, task.SectionID, string(task.Kind), task.Position, string(task.Payload))
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by id within a room.
func (m *Manager) GetTask(ctx context.Context, roomID, taskID string) (*types.Task, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, room_id, section_id, kind, position, payload
		FROM tasks WHERE room_id = ? AND id = ?
	`, roomID, taskID)

	var task types.Task
	var kind, payload string
	err := row.Scan(&task.ID, &task.RoomID, &task.SectionID, &kind, &task.Position, &payload)
	if err == sql.ErrNoRows {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	task.Kind = types.TaskKind(kind)
	task.Payload = json.RawMessage(payload)
	return &task, nil
}

// ListSectionTasks returns the tasks of one section in display order.
func (m *Manager) ListSectionTasks(ctx context.Context, roomID, sectionID string) ([]*types.Task, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, section_id, kind, position, payload
		FROM tasks WHERE room_id = ? AND section_id = ?
		ORDER BY position ASC
	`, roomID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query section tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		var task types.Task
		var kind, payload string
		if err := rows.Scan(&task.ID, &task.RoomID, &task.SectionID, &kind, &task.Position, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.Kind = types.TaskKind(kind)
		task.Payload = json.RawMessage(payload)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// GetAnswer retrieves a stored answer row, or nil when none exists.
func (m *Manager) GetAnswer(ctx context.Context, roomID, taskID, userID string) (*types.AnswerRow, error) {
	return getAnswer(ctx, m.db, roomID, taskID, userID)
}

// UpdateAnswer runs mutate against the current row (nil when absent)
// inside the writer loop and upserts the result. A nil result deletes
// the row. It returns the stored row and whether it was created.
func (m *Manager) UpdateAnswer(
	ctx context.Context,
	roomID, taskID, userID string,
	mutate func(existing *types.AnswerRow) (*types.AnswerRow, error),
) (*types.AnswerRow, bool, error) {
	var stored *types.AnswerRow
	var created bool

	err := m.executeWrite(func(db *sql.DB) error {
		existing, err := getAnswer(ctx, db, roomID, taskID, userID)
		if err != nil {
			return err
		}

		updated, err := mutate(existing)
		if err != nil {
			return err
		}

		if updated == nil {
			if existing != nil {
				if _, err := db.ExecContext(ctx,
					"DELETE FROM answers WHERE room_id = ? AND task_id = ? AND user_id = ?",
					roomID, taskID, userID,
				); err != nil {
					return fmt.Errorf("failed to delete answer: %w", err)
				}
			}
			stored, created = nil, false
			return nil
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO answers (room_id, task_id, user_id, kind, payload, graded,
			                     correct_count, wrong_count, total_expected, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id, task_id, user_id) DO UPDATE SET
				kind = excluded.kind,
				payload = excluded.payload,
				graded = excluded.graded,
				correct_count = excluded.correct_count,
				wrong_count = excluded.wrong_count,
				total_expected = excluded.total_expected,
				updated_at = excluded.updated_at
		`, updated.RoomID, updated.TaskID, updated.UserID, string(updated.Kind),
			string(updated.Payload), updated.Graded, updated.CorrectCount,
			updated.WrongCount, updated.TotalExpected, updated.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert answer: %w", err)
		}

		stored, created = updated, existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// DeleteAnswer removes one answer row, reporting whether it existed.
func (m *Manager) DeleteAnswer(ctx context.Context, roomID, taskID, userID string) (bool, error) {
	var existed bool
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM answers WHERE room_id = ? AND task_id = ? AND user_id = ?",
			roomID, taskID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete answer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = n > 0
		return nil
	})
	return existed, err
}

// ListTaskAnswers returns every stored answer for one task in a room.
func (m *Manager) ListTaskAnswers(ctx context.Context, roomID, taskID string) ([]*types.AnswerRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT room_id, task_id, user_id, kind, payload, graded,
		       correct_count, wrong_count, total_expected, updated_at
		FROM answers WHERE room_id = ? AND task_id = ?
	`, roomID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task answers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var answers []*types.AnswerRow
	for rows.Next() {
		answer, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, answer)
	}
	return answers, rows.Err()
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM rooms LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the connection for migrations and schema validation.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer loop and the connection pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var room types.Room
	var studentIDs string
	var lessonID sql.NullString

	err := row.Scan(&room.ID, &room.Name, &room.TeacherID, &studentIDs, &lessonID, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}

	if err := json.Unmarshal([]byte(studentIDs), &room.StudentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal student ids: %w", err)
	}
	if lessonID.Valid {
		room.LessonID = &lessonID.String
	}
	return &room, nil
}

func scanAnswer(row rowScanner) (*types.AnswerRow, error) {
	var answer types.AnswerRow
	var kind, payload string

	err := row.Scan(&answer.RoomID, &answer.TaskID, &answer.UserID, &kind, &payload,
		&answer.Graded, &answer.CorrectCount, &answer.WrongCount,
		&answer.TotalExpected, &answer.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan answer row: %w", err)
	}
	answer.Kind = types.TaskKind(kind)
	answer.Payload = json.RawMessage(payload)
	return &answer, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAnswer(ctx context.Context, db querier, roomID, taskID, userID string) (*types.AnswerRow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT room_id, task_id, user_id, kind, payload, graded,
		       correct_count, wrong_count, total_expected, updated_at
		FROM answers WHERE room_id = ? AND task_id = ? AND user_id = ?
	`, roomID, taskID, userID)

	answer, err := scanAnswer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return answer, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
