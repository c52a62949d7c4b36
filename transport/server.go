package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/possync/possync/cfg"
	"github.com/possync/possync/session"
	"github.com/possync/possync/snapshot"
	"github.com/possync/possync/telemetry"
	"github.com/rs/zerolog/log"
)

// SyncService is the engine surface the HTTP layer drives
type SyncService interface {
	// ReceiveBackup persists a pushed snapshot payload to the local
	// snapshot directory.
	ReceiveBackup(ctx context.Context, req ReceiveBackupRequest) error
	// RestoreReceived restores a previously received snapshot by session ID.
	RestoreReceived(ctx context.Context, sessionID string) error
	// ProduceSnapshot exports and upsert-rewrites a local snapshot for a
	// pulling peer, returning its metadata.
	ProduceSnapshot(ctx context.Context, sessionID string) (InitiateBackupResponse, error)
	// ReadSnapshot loads a produced snapshot for download.
	ReadSnapshot(sessionID string) (DownloadBackupResponse, error)
	// SessionStatus returns a session's persisted state.
	SessionStatus(ctx context.Context, sessionID string) (*session.SyncSession, error)
	// Push runs a PUSH transfer against a peer.
	Push(ctx context.Context, sessionID, peerURL string) (*session.SyncSession, error)
	// Pull runs a PULL transfer against a peer.
	Pull(ctx context.Context, sessionID, peerURL string) (*session.SyncSession, error)
}

// Server exposes the peer-facing sync endpoints
type Server struct {
	config *cfg.Configuration
	svc    SyncService
	http   *http.Server
}

// NewServer builds the HTTP server with its routes wired
func NewServer(config *cfg.Configuration, svc SyncService) *Server {
	s := &Server{config: config, svc: svc}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		r.Method(http.MethodGet, "/metrics", handler)
	}

	r.Route("/sync", func(r chi.Router) {
		r.Use(AuthMiddleware(config.SyncSecret))
		r.Post("/receive-backup", s.handleReceiveBackup)
		r.Post("/restore-backup", s.handleRestoreBackup)
		r.Post("/initiate-backup", s.handleInitiateBackup)
		r.Get("/download-backup", s.handleDownloadBackup)
		r.Get("/status", s.handleStatus)
		r.Post("/push", s.handlePush)
		r.Post("/pull", s.handlePull)
	})

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.HTTP.BindAddress, config.HTTP.Port),
		Handler: r,
	}
	return s
}

// Handler returns the underlying HTTP handler (used by tests)
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	log.Info().Str("address", s.http.Addr).Msg("Sync endpoints enabled at /sync/*")
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
}

func (s *Server) handleReceiveBackup(w http.ResponseWriter, r *http.Request) {
	var req ReceiveBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := s.svc.ReceiveBackup(r.Context(), req); err != nil {
		telemetry.PeerRequestsTotal.With("receive-backup", "failed").Inc()
		writeServiceError(w, err)
		return
	}

	telemetry.PeerRequestsTotal.With("receive-backup", "ok").Inc()
	writeJSONResponse(w, map[string]interface{}{"success": true, "sessionId": req.SessionID})
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req RestoreBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := s.svc.RestoreReceived(r.Context(), req.SessionID); err != nil {
		telemetry.PeerRequestsTotal.With("restore-backup", "failed").Inc()
		writeServiceError(w, err)
		return
	}

	telemetry.PeerRequestsTotal.With("restore-backup", "ok").Inc()
	writeJSONResponse(w, RestoreBackupResponse{
		Success:   true,
		Message:   "restore completed",
		SessionID: req.SessionID,
	})
}

func (s *Server) handleInitiateBackup(w http.ResponseWriter, r *http.Request) {
	var req InitiateBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	info, err := s.svc.ProduceSnapshot(r.Context(), req.SessionID)
	if err != nil {
		telemetry.PeerRequestsTotal.With("initiate-backup", "failed").Inc()
		writeServiceError(w, err)
		return
	}

	telemetry.PeerRequestsTotal.With("initiate-backup", "ok").Inc()
	writeJSONResponse(w, info)
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	payload, err := s.svc.ReadSnapshot(sessionID)
	if err != nil {
		telemetry.PeerRequestsTotal.With("download-backup", "failed").Inc()
		writeServiceError(w, err)
		return
	}

	telemetry.PeerRequestsTotal.With("download-backup", "ok").Inc()
	writeJSONResponse(w, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sess, err := s.svc.SessionStatus(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSONResponse(w, StatusResponse{
		SessionID:        sess.SessionID,
		Direction:        string(sess.Direction),
		Status:           string(sess.Status),
		Phase:            sess.Phase,
		CurrentStep:      sess.CurrentStep,
		Progress:         sess.Progress,
		TransferredBytes: sess.TransferredBytes,
		TransferSpeed:    sess.TransferSpeed,
		ErrorMessage:     sess.ErrorMessage,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.svc.Push)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.svc.Pull)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context, sessionID, peerURL string) (*session.SyncSession, error)) {

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	peerURL := req.PeerURL
	if peerURL == "" {
		peerURL = s.config.Sync.PeerURL
	}
	if peerURL == "" {
		writeErrorResponse(w, http.StatusBadRequest, "no peer URL configured")
		return
	}

	sess, err := run(r.Context(), req.SessionID, peerURL)
	if err != nil {
		sessionID := req.SessionID
		if sess != nil {
			sessionID = sess.SessionID
		}
		writeJSONResponse(w, TransferResponse{Success: false, SessionID: sessionID, Message: err.Error()})
		return
	}

	writeJSONResponse(w, TransferResponse{Success: true, SessionID: sess.SessionID})
}

// writeServiceError maps engine errors to wire status codes
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, snapshot.ErrNotFound) || errors.Is(err, session.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeErrorResponse(w, status, err.Error())
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
