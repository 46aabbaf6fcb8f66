// Package api exposes the HTTP trigger, webhook and admin surface for
// CheckinPipe: the tick trigger for external cron callers, the inbound
// message webhook, and the privileged stats and nudge endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/scheduler"
)

// Default server timeouts.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	CronSecret    string
	WebhookSecret string
	AdminToken    string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCronSecret guards the tick trigger endpoint.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithWebhookSecret guards the inbound message endpoint.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithAdminToken guards the admin endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server is the HTTP surface over the scheduler and flow coordinator.
type Server struct {
	opts        Opts
	scheduler   *scheduler.Scheduler
	coordinator *flow.Coordinator
	httpServer  *http.Server
}

// NewServer creates an API server.
func NewServer(sched *scheduler.Scheduler, coord *flow.Coordinator, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{opts: cfg, scheduler: sched, coordinator: coord}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/tick", s.tickHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/admin/stats", s.adminStatsHandler)
	mux.HandleFunc("/admin/nudge", s.adminNudgeHandler)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	slog.Info("API server starting", "addr", s.opts.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// tickHandler runs one scheduler tick. The tick is idempotent, so
// repeated or overlapping calls are safe.
func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	token := r.Header.Get("X-Cron-Secret")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if !secretMatch(token, s.opts.CronSecret) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
		return
	}

	if err := s.scheduler.RunTick(r.Context()); err != nil {
		slog.Error("tick trigger failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("tick failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("tick completed", nil))
}

// inboundRequest is the JSON body of one inbound participant action.
type inboundRequest struct {
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
	Callback      string `json:"callback"`
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	if !secretMatch(r.Header.Get("X-Webhook-Secret"), s.opts.WebhookSecret) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
		return
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if req.ParticipantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant_id is required"))
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	err := s.coordinator.HandleInbound(r.Context(), models.InboundMessage{
		MessageID:     req.MessageID,
		ParticipantID: req.ParticipantID,
		Text:          req.Text,
		Callback:      req.Callback,
		Time:          time.Now().Unix(),
	})
	if err != nil {
		slog.Error("inbound webhook failed", "error", err, "participantID", req.ParticipantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("inbound processing failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) adminStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	if !s.adminAuthorized(r) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
		return
	}

	stats, err := s.coordinator.AdminStats()
	if err != nil {
		slog.Error("admin stats failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("stats query failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) adminNudgeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	if !s.adminAuthorized(r) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
		return
	}

	result, err := s.coordinator.NudgeOnboarding(r.Context())
	if err != nil {
		slog.Error("admin nudge failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("nudge failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	token := r.Header.Get("X-Admin-Token")
	if token == "" {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			token = auth[len(prefix):]
		}
	}
	return secretMatch(token, s.opts.AdminToken)
}

// secretMatch compares a presented token against the configured secret in
// constant time. An unset secret rejects everything.
func secretMatch(presented, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
