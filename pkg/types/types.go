package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Role of a user within a room. A user is either the room's teacher,
// one of its enrolled students, or not a member at all.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleNone    Role = ""
)

// TaskKind is the closed set of task variants the answer store grades.
type TaskKind string

const (
	TaskKindTest      TaskKind = "test"      // multiple-choice, explicitly graded
	TaskKindTrueFalse TaskKind = "truefalse" // true/false statements, explicitly graded
	TaskKindFillGaps  TaskKind = "fillgaps"  // fill-in-the-gaps, auto-graded on submit
	TaskKindMatch     TaskKind = "match"     // card matching, auto-graded on submit
	TaskKindText      TaskKind = "text"      // free text, never graded
)

// IsValidTaskKind reports whether kind is one of the five known kinds.
func IsValidTaskKind(kind TaskKind) bool {
	switch kind {
	case TaskKindTest, TaskKindTrueFalse, TaskKindFillGaps, TaskKindMatch, TaskKindText:
		return true
	default:
		return false
	}
}

// RequiresCheck reports whether the kind needs an explicit mark-as-checked
// step before correctness is finalized.
func (k TaskKind) RequiresCheck() bool {
	return k == TaskKindTest || k == TaskKindTrueFalse
}

// Reserved event types on the realtime protocol. Any other type is a
// pass-through action routed by role.
const (
	EventConnected   = "connected"
	EventError       = "error"
	EventUsersOnline = "users:online"
	EventUserOnline  = "user:online:event"
	EventUserOffline = "user:offline:event"

	EventAnswerSent  = "answer:sent"
	EventAnswerReset = "answer:reset"
	EventAnswerCheck = "answer:check"

	ChatPrefix = "chat:"

	// TargetAll addresses every enrolled student of a room.
	TargetAll = "all"
)

// Room binds one teacher, a set of enrolled students and an optional lesson.
// Invariant: the teacher is never part of StudentIDs.
type Room struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	TeacherID  string    `json:"teacher_id" db:"teacher_id"`
	StudentIDs []string  `json:"student_ids" db:"student_ids"`
	LessonID   *string   `json:"lesson_id,omitempty" db:"lesson_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// IsTeacher reports whether userID owns the room.
func (r *Room) IsTeacher(userID string) bool {
	return r.TeacherID == userID
}

// IsStudent reports whether userID is enrolled in the room.
func (r *Room) IsStudent(userID string) bool {
	for _, id := range r.StudentIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsMember reports whether userID is the teacher or an enrolled student.
func (r *Room) IsMember(userID string) bool {
	return r.IsTeacher(userID) || r.IsStudent(userID)
}

// RoleOf resolves the role userID holds in the room.
func (r *Room) RoleOf(userID string) Role {
	switch {
	case r.IsTeacher(userID):
		return RoleTeacher
	case r.IsStudent(userID):
		return RoleStudent
	default:
		return RoleNone
	}
}

// Task is one gradable unit inside a lesson section. Payload holds the
// authoritative definition as a tagged union discriminated by Kind.
type Task struct {
	ID        string          `json:"id" db:"id"`
	RoomID    string          `json:"room_id" db:"room_id"`
	SectionID string          `json:"section_id" db:"section_id"`
	Kind      TaskKind        `json:"kind" db:"kind"`
	Position  int             `json:"position" db:"position"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
}

// AnswerRow is the stored answer record, unique per (room, task, user).
// Payload is kind-specific; the counters are derived by grading.
type AnswerRow struct {
	RoomID        string          `json:"room_id" db:"room_id"`
	TaskID        string          `json:"task_id" db:"task_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Kind          TaskKind        `json:"kind" db:"kind"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Graded        bool            `json:"graded" db:"graded"`
	CorrectCount  int             `json:"correct_count" db:"correct_count"`
	WrongCount    int             `json:"wrong_count" db:"wrong_count"`
	TotalExpected int             `json:"total_expected" db:"total_expected"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// View returns the client-facing projection of the row.
func (a *AnswerRow) View() *AnswerView {
	return &AnswerView{
		RoomID:        a.RoomID,
		TaskID:        a.TaskID,
		UserID:        a.UserID,
		TaskType:      a.Kind,
		Payload:       a.Payload,
		Graded:        a.Graded,
		CorrectCount:  a.CorrectCount,
		WrongCount:    a.WrongCount,
		TotalExpected: a.TotalExpected,
		UpdatedAt:     a.UpdatedAt,
	}
}

// AnswerView is the client-facing projection of an answer row.
type AnswerView struct {
	RoomID        string          `json:"room_id"`
	TaskID        string          `json:"task_id"`
	UserID        string          `json:"user_id"`
	TaskType      TaskKind        `json:"task_type"`
	Payload       json.RawMessage `json:"payload"`
	Graded        bool            `json:"graded"`
	CorrectCount  int             `json:"correct_count"`
	WrongCount    int             `json:"wrong_count"`
	TotalExpected int             `json:"total_expected"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Envelope is the wire format on both directions of the realtime
// protocol and on the message bus. SenderID is set by the hub when a
// connection publishes an event; it is never trusted from the client.
type Envelope struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	SenderID string         `json:"sender_id,omitempty"`
}

// StringField reads a string-valued field from the envelope data.
func (e *Envelope) StringField(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// TaskID returns the task_id data field, if present.
func (e *Envelope) TaskID() string { return e.StringField("task_id") }

// StudentID returns the student_id data field, if present.
func (e *Envelope) StudentID() string { return e.StringField("student_id") }

// SetField stores a data field, allocating the map when needed.
func (e *Envelope) SetField(key string, value any) {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
}

// SuppressesEcho reports whether eventType belongs to an event class
// that must not be redelivered to the connection whose own user caused
// it: chat messages and answer submit/reset/check notifications.
// Suppression compares user ids, not connection ids, so a second tab of
// the same user is suppressed as well.
func SuppressesEcho(eventType string) bool {
	if strings.HasPrefix(eventType, ChatPrefix) {
		return true
	}
	switch eventType {
	case EventAnswerSent, EventAnswerReset, EventAnswerCheck:
		return true
	default:
		return false
	}
}

// OnlineStatus is one entry of a presence roster snapshot.
type OnlineStatus struct {
	StudentID string `json:"student_id"`
	Online    bool   `json:"online"`
}

// StudentStatistics is one row of a classroom task report.
type StudentStatistics struct {
	StudentID         string `json:"student_id"`
	Correct           int    `json:"correct"`
	Wrong             int    `json:"wrong"`
	SuccessPercentage int    `json:"success_percentage"`
}
