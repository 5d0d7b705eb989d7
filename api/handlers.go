package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/engine"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/ratelimit"
	"github.com/stevessr/enrollq/task"
)

type submitRequest struct {
	StudentID int64  `json:"studentId"`
	CourseID  int64  `json:"courseId"`
	TaskType  string `json:"taskType"`
	// Priority is accepted for wire compatibility but ignored: dispatch
	// priority is derived from the task type, not chosen by the caller.
	Priority int `json:"priority"`
}

type submitResponse struct {
	TaskID               string `json:"taskId"`
	Position             int    `json:"position"`
	EstimatedTimeSeconds int    `json:"estimatedTimeSeconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// Dual-key gate: the caller's IP and, via student_id, the student
	// each draw from their own bucket.
	if s.gate != nil {
		ipKey := ratelimit.IPKey(ratelimit.ClientIP(r))
		userKey := ""
		if req.StudentID > 0 {
			userKey = ratelimit.UserKey(req.StudentID)
		}
		if d := s.gate.Check(ipKey, userKey); !d.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter.Seconds()))
			s.writeError(w, r, http.StatusTooManyRequests, enrollq.ErrRateLimited)
			return
		}
	}

	res, err := s.eng.Submit(r.Context(), req.StudentID, req.CourseID, task.Type(req.TaskType))
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:               res.Task.ID.String(),
		Position:             res.Position,
		EstimatedTimeSeconds: int(res.Estimate / time.Second),
	})
}

type statusResponse struct {
	*task.Task
	Position int `json:"position"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := id.ParseTaskID(r.URL.Query().Get("taskId"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	t, position, err := s.eng.Status(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Task: t, Position: position})
}

type cancelRequest struct {
	TaskID    string `json:"taskId"`
	StudentID int64  `json:"studentId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	taskID, err := id.ParseTaskID(req.TaskID)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	t, err := s.eng.Cancel(r.Context(), taskID, req.StudentID)
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type retryRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	taskID, err := id.ParseTaskID(req.TaskID)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	t, err := s.eng.Retry(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStudentTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	studentID, err := strconv.ParseInt(q.Get("studentId"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid studentId"))
		return
	}

	opts := task.ListOpts{}
	if v := q.Get("status"); v != "" {
		switch st := task.State(v); st {
		case task.StatePending, task.StateProcessing, task.StateCompleted, task.StateFailed:
			opts.State = st
		default:
			s.writeError(w, r, http.StatusBadRequest, errors.New("invalid status"))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, limitErr := strconv.Atoi(v)
		if limitErr != nil || limit < 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		opts.Limit = limit
	}

	tasks, err := s.eng.StudentTasks(r.Context(), studentID, opts)
	if err != nil {
		s.writeTaskError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.eng.CheckHealth(r.Context())

	status := http.StatusOK
	if h.Status == engine.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
