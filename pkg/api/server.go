package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bastion-games/bastion/pkg/config"
	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/metrics"
	"github.com/bastion-games/bastion/pkg/push"
	"github.com/bastion-games/bastion/pkg/service"
	"github.com/bastion-games/bastion/pkg/types"
)

const maxBodyBytes = 64 * 1024

// Request is the uniform command envelope
type Request struct {
	UserNo  int64           `json:"user_no"`
	APICode int             `json:"api_code"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the uniform reply envelope
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// handler executes one api_code for one user
type handler func(deps *service.Deps, userID int64, data json.RawMessage) (interface{}, error)

// Server is the HTTP front of the game core
type Server struct {
	cfg  *config.Server
	deps *service.Deps
	hub  *push.Hub

	table map[int]handler
	http  *http.Server

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewServer wires the dispatcher over the shared service dependencies
func NewServer(cfg *config.Server, deps *service.Deps, hub *push.Hub) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		hub:      hub,
		limiters: make(map[int64]*rate.Limiter),
	}
	s.table = dispatchTable()

	// Failed tasks stay inspectable: /health reports the dead-letter backlog
	// per task class.
	metrics.SetDeadLetterSource(func() map[string]int {
		out := make(map[string]int, len(types.TaskClasses))
		for _, class := range types.TaskClasses {
			members, err := deps.Queue.DeadLetters(class)
			if err != nil {
				continue
			}
			out[string(class)] = len(members)
		}
		return out
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.handleAPI)
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/healthz", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().
		Str("addr", s.cfg.ListenAddr).
		Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the grace period
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// limiter returns the per-user rate limiter, creating it on first use
func (s *Server) limiter(userID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimitBurst)
		s.limiters[userID] = l
	}
	return l
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, &Response{Success: false, Message: "POST required"})
		return
	}

	var req Request
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{Success: false, Message: "malformed request body"})
		return
	}

	code := strconv.Itoa(req.APICode)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(code))

	h, ok := s.table[req.APICode]
	if !ok {
		metrics.APIRequestsTotal.WithLabelValues(code, "error").Inc()
		writeJSON(w, http.StatusBadRequest, &Response{Success: false, Message: "unknown api_code"})
		return
	}
	// Login creates the user; every other code requires one
	if req.UserNo <= 0 && req.APICode != types.APILogin {
		metrics.APIRequestsTotal.WithLabelValues(code, "error").Inc()
		writeJSON(w, http.StatusBadRequest, &Response{Success: false, Message: "user_no is required"})
		return
	}
	if req.UserNo > 0 && !s.limiter(req.UserNo).Allow() {
		metrics.APIRequestsTotal.WithLabelValues(code, "throttled").Inc()
		writeJSON(w, http.StatusTooManyRequests, &Response{Success: false, Message: "rate limit exceeded"})
		return
	}

	result, err := h(s.deps, req.UserNo, req.Data)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(code, "error").Inc()
		status := errdefs.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger := log.WithComponent("api")
			logger.Error().
				Err(err).
				Int("api_code", req.APICode).
				Int64("user_no", req.UserNo).
				Msg("Command failed")
		}
		writeJSON(w, status, &Response{Success: false, Message: err.Error()})
		return
	}

	metrics.APIRequestsTotal.WithLabelValues(code, "ok").Inc()
	writeJSON(w, http.StatusOK, &Response{Success: true, Data: result})
}

// handleWS upgrades /ws/{user_id} into the user's push session
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/ws/")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := s.hub.Connect(w, r, userID); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().
			Err(err).
			Int64("user_no", userID).
			Msg("WebSocket upgrade failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
