// Package api exposes the enrollment queue over HTTP: submission with
// rate-limit gating, status/cancel/retry, per-student task listing,
// aggregate stats, and health. All routes except /queue/health require
// the internal service token header.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/engine"
	"github.com/stevessr/enrollq/ratelimit"
)

const defaultMaxBodyBytes = 1 << 20

// ServiceTokenHeader carries the internal-service credential.
const ServiceTokenHeader = "X-Service-Token"

var errInvalidBody = errors.New("enrollq/api: invalid request body")

// Server serves the enrollment queue HTTP API.
type Server struct {
	eng          *engine.Engine
	gate         *ratelimit.Gate
	serviceToken string
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithGate installs the dual-key submission rate-limit gate. Without
// one, submissions are not throttled.
func WithGate(g *ratelimit.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// WithServiceToken sets the internal service token required on every
// route except /queue/health. An empty token disables the check.
func WithServiceToken(token string) Option {
	return func(s *Server) { s.serviceToken = token }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// New creates a Server over an engine.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:          eng,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully assembled http.Handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queue/submit", s.authorized(s.handleSubmit))
	mux.HandleFunc("GET /queue/status", s.authorized(s.handleStatus))
	mux.HandleFunc("POST /queue/cancel", s.authorized(s.handleCancel))
	mux.HandleFunc("POST /queue/retry", s.authorized(s.handleRetry))
	mux.HandleFunc("GET /queue/stats", s.authorized(s.handleStats))
	mux.HandleFunc("GET /queue/student/tasks", s.authorized(s.handleStudentTasks))
	mux.HandleFunc("GET /queue/health", s.handleHealth)
	return mux
}

// authorized requires the service token header when one is configured.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.serviceToken != "" && r.Header.Get(ServiceTokenHeader) != s.serviceToken {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("missing or invalid service token"))
			return
		}
		next(w, r)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errInvalidBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errInvalidBody
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errInvalidBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("http request error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeTaskError maps domain errors onto HTTP status codes.
func (s *Server) writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, enrollq.ErrTaskNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, enrollq.ErrInvalidStudent),
		errors.Is(err, enrollq.ErrInvalidCourse),
		errors.Is(err, enrollq.ErrInvalidTaskType),
		errors.Is(err, enrollq.ErrInvalidState),
		errors.Is(err, enrollq.ErrNotCancellable),
		errors.Is(err, enrollq.ErrNotRetryable),
		errors.Is(err, enrollq.ErrTaskAlreadyExists):
		s.writeError(w, r, http.StatusBadRequest, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

// retryAfterSeconds renders a wait hint for the Retry-After header,
// rounded up so clients never retry early.
func retryAfterSeconds(d float64) string {
	return strconv.Itoa(int(math.Ceil(d)))
}
