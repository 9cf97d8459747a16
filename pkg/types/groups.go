package types

import "fmt"

// Bus group naming. Every live connection subscribes to the room group
// plus its personal group; students additionally join the students
// group and the teacher joins the teacher group.

// RoomGroup is the broadcast channel every member of the room receives.
func RoomGroup(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// UserGroup is the personal channel of one user inside a room.
func UserGroup(roomID, userID string) string {
	return fmt.Sprintf("room:%s:user:%s", roomID, userID)
}

// StudentsGroup carries teacher broadcasts addressed to all students.
func StudentsGroup(roomID string) string {
	return fmt.Sprintf("room:%s:students", roomID)
}

// TeacherGroup carries student-originated events and presence edges.
func TeacherGroup(roomID string) string {
	return fmt.Sprintf("room:%s:teacher", roomID)
}
