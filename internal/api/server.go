package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"classhub/internal/answers"
	"classhub/pkg/types"
)

// RoomService is the registry surface the HTTP layer needs.
type RoomService interface {
	CreateRoom(ctx context.Context, name, teacherID string, studentIDs []string, lessonID *string) (*types.Room, error)
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	JoinRoom(ctx context.Context, roomID, userID string) (*types.Room, error)
	LeaveRoom(ctx context.Context, roomID, userID string) (*types.Room, error)
	ListRoomsFor(ctx context.Context, userID string) ([]*types.Room, error)
	AvailablePeers(ctx context.Context, roomID, userID string) ([]string, error)
	Authorize(ctx context.Context, roomID, principal, target string) error
}

// AnswerService is the answer store surface the HTTP layer needs.
type AnswerService interface {
	CreateTask(ctx context.Context, task *types.Task) (*types.Task, error)
	SaveAnswer(ctx context.Context, roomID, taskID, userID string, submission json.RawMessage) (*types.AnswerView, bool, error)
	MarkAsChecked(ctx context.Context, roomID, taskID, userID string) (*types.AnswerView, error)
	GetTaskAnswer(ctx context.Context, roomID, taskID, userID string) (*types.AnswerView, error)
	GetSectionAnswers(ctx context.Context, roomID, sectionID, userID string) ([]answers.SectionAnswer, error)
	DeleteUserTaskAnswers(ctx context.Context, roomID, taskID, userID string) (bool, error)
	DeleteClassroomTaskAnswers(ctx context.Context, roomID, taskID string) (*answers.ModerationReport, error)
	ClassroomTaskStatistics(ctx context.Context, roomID, taskID string) ([]types.StudentStatistics, error)
}

// HealthChecker reports backing-store liveness for /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP surface for rooms and answers. Authentication is
// external; the principal arrives in the X-User-ID header.
type Server struct {
	rooms   RoomService
	answers AnswerService
	health  HealthChecker
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router. ws, when non-nil, is mounted as the
// realtime handshake endpoint.
func NewServer(rooms RoomService, answerService AnswerService, health HealthChecker, ws http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		rooms:   rooms,
		answers: answerService,
		health:  health,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if ws != nil {
		r.Get("/ws/{room}", ws.ServeHTTP)
	}

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", s.handleCreateRoom)
		r.Get("/", s.handleListRooms)

		r.Route("/{room}", func(r chi.Router) {
			r.Get("/", s.handleGetRoom)
			r.Delete("/", s.handleDeleteRoom)
			r.Post("/join", s.handleJoinRoom)
			r.Post("/leave", s.handleLeaveRoom)
			r.Get("/peers", s.handlePeers)

			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks/{task}/statistics", s.handleStatistics)
			r.Route("/tasks/{task}/answers", func(r chi.Router) {
				r.Delete("/", s.handleResetClassroomAnswers)

				r.Route("/{user}", func(r chi.Router) {
					r.Post("/", s.handleSaveAnswer)
					r.Post("/check", s.handleCheckAnswer)
					r.Get("/", s.handleGetAnswer)
					r.Delete("/", s.handleDeleteAnswer)
				})
			})

			r.Get("/sections/{section}/answers/{user}", s.handleSectionAnswers)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.HealthCheck(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRoomRequest struct {
	Name       string   `json:"name"`
	StudentIDs []string `json:"student_ids"`
	LessonID   *string  `json:"lesson_id"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.ValidationError("malformed request body"))
		return
	}

	room, err := s.rooms.CreateRoom(r.Context(), req.Name, principal, req.StudentIDs, req.LessonID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	rooms, err := s.rooms.ListRoomsFor(r.Context(), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []*types.Room{}
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "room")

	room, err := s.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !room.IsMember(principal) {
		s.writeError(w, types.ErrAccessDenied)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if _, ok := s.requireTeacher(w, r, roomID); !ok {
		return
	}

	if err := s.rooms.DeleteRoom(r.Context(), roomID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	room, err := s.rooms.JoinRoom(r.Context(), chi.URLParam(r, "room"), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	room, err := s.rooms.LeaveRoom(r.Context(), chi.URLParam(r, "room"), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	peers, err := s.rooms.AvailablePeers(r.Context(), chi.URLParam(r, "room"), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

type createTaskRequest struct {
	SectionID string          `json:"section_id"`
	Kind      types.TaskKind  `json:"kind"`
	Position  int             `json:"position"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if _, ok := s.requireTeacher(w, r, roomID); !ok {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.ValidationError("malformed request body"))
		return
	}

	task, err := s.answers.CreateTask(r.Context(), &types.Task{
		RoomID:    roomID,
		SectionID: req.SectionID,
		Kind:      req.Kind,
		Position:  req.Position,
		Payload:   req.Payload,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

type saveAnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

func (s *Server) handleSaveAnswer(w http.ResponseWriter, r *http.Request) {
	roomID, taskID, userID := answerParams(r)
	if _, ok := s.authorizeAnswer(w, r, roomID, userID); !ok {
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Answer) == 0 {
		s.writeError(w, types.ValidationError("answer payload is required"))
		return
	}

	view, created, err := s.answers.SaveAnswer(r.Context(), roomID, taskID, userID, req.Answer)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"answer": view, "created": created})
}

func (s *Server) handleCheckAnswer(w http.ResponseWriter, r *http.Request) {
	roomID, taskID, userID := answerParams(r)
	principal, ok := s.requireTeacher(w, r, roomID)
	if !ok {
		return
	}
	if err := s.rooms.Authorize(r.Context(), roomID, principal, userID); err != nil {
		s.writeError(w, err)
		return
	}

	view, err := s.answers.MarkAsChecked(r.Context(), roomID, taskID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"answer": view})
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	roomID, taskID, userID := answerParams(r)
	if _, ok := s.authorizeAnswer(w, r, roomID, userID); !ok {
		return
	}

	view, err := s.answers.GetTaskAnswer(r.Context(), roomID, taskID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"answer": view})
}

func (s *Server) handleDeleteAnswer(w http.ResponseWriter, r *http.Request) {
	roomID, taskID, userID := answerParams(r)
	if _, ok := s.authorizeAnswer(w, r, roomID, userID); !ok {
		return
	}

	existed, err := s.answers.DeleteUserTaskAnswers(r.Context(), roomID, taskID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": existed})
}

func (s *Server) handleResetClassroomAnswers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	taskID := chi.URLParam(r, "task")
	if _, ok := s.requireTeacher(w, r, roomID); !ok {
		return
	}

	report, err := s.answers.DeleteClassroomTaskAnswers(r.Context(), roomID, taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSectionAnswers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	sectionID := chi.URLParam(r, "section")
	userID := chi.URLParam(r, "user")
	if _, ok := s.authorizeAnswer(w, r, roomID, userID); !ok {
		return
	}

	section, err := s.answers.GetSectionAnswers(r.Context(), roomID, sectionID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"answers": section})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	taskID := chi.URLParam(r, "task")
	if _, ok := s.requireTeacher(w, r, roomID); !ok {
		return
	}

	stats, err := s.answers.ClassroomTaskStatistics(r.Context(), roomID, taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"statistics": stats})
}

// principal extracts and validates the authenticated user id, writing
// a 401 response when it is absent or malformed.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if !types.IsValidUserID(userID) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid X-User-ID header"})
		return "", false
	}
	return userID, true
}

// authorizeAnswer enforces the shared access rule for answer routes:
// the principal and the target must both be members, and a student may
// only act on their own answers.
func (s *Server) authorizeAnswer(w http.ResponseWriter, r *http.Request, roomID, target string) (string, bool) {
	principal, ok := s.principal(w, r)
	if !ok {
		return "", false
	}
	if err := s.rooms.Authorize(r.Context(), roomID, principal, target); err != nil {
		s.writeError(w, err)
		return "", false
	}
	return principal, true
}

// requireTeacher gates moderation routes on room ownership.
func (s *Server) requireTeacher(w http.ResponseWriter, r *http.Request, roomID string) (string, bool) {
	principal, ok := s.principal(w, r)
	if !ok {
		return "", false
	}

	room, err := s.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	if !room.IsTeacher(principal) {
		s.writeError(w, types.ErrAccessDenied)
		return "", false
	}
	return principal, true
}

func answerParams(r *http.Request) (roomID, taskID, userID string) {
	return chi.URLParam(r, "room"), chi.URLParam(r, "task"), chi.URLParam(r, "user")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP statuses. Errors outside
// the taxonomy are logged and reported with a generic message only.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	message := err.Error()
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
		message = "internal server error"
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
