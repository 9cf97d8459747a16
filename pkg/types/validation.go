package types

import "regexp"

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks the user id format: 1-50 characters, alphanumeric
// plus underscore and hyphen.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// Validate ensures the room meets all requirements, including the
// invariant that the teacher is not enrolled as a student.
func (r *Room) Validate() error {
	if len(r.Name) < 1 || len(r.Name) > 200 {
		return ErrInvalidRoomName
	}
	if !IsValidUserID(r.TeacherID) {
		return ValidationError("teacher_id: invalid user id %q", r.TeacherID)
	}
	for _, id := range r.StudentIDs {
		if !IsValidUserID(id) {
			return ValidationError("student_ids: invalid user id %q", id)
		}
		if id == r.TeacherID {
			return ValidationError("student_ids: teacher %q cannot be enrolled as a student", id)
		}
	}
	return nil
}

// Validate ensures the task carries a known kind and a definition.
func (t *Task) Validate() error {
	if !IsValidTaskKind(t.Kind) {
		return ErrUnknownTaskKind
	}
	if t.RoomID == "" {
		return ValidationError("room_id is required")
	}
	if t.SectionID == "" {
		return ValidationError("section_id is required")
	}
	if len(t.Payload) == 0 {
		return ValidationError("payload is required")
	}
	return nil
}
