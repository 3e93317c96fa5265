// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/handlers"
	"github.com/carebridge/video-session-service/internal/middleware"
	"github.com/carebridge/video-session-service/internal/observability"
	"github.com/carebridge/video-session-service/internal/service"
	"github.com/carebridge/video-session-service/pkg/constants"
)

// natsConnChecker is the slice of the NATS connection the API needs for
// readiness reporting.
type natsConnChecker interface {
	IsConnected() bool
}

// SessionAPI is the HTTP surface of the service: session management routes,
// the provider webhook receiver, and the health endpoints. It also carries
// the NATS message handlers so the subscriptions and the readiness check
// share one place.
type SessionAPI struct {
	sessionManager *service.SessionManager
	webhookService *service.VideoWebhookService
	webhookHandler *handlers.VideoWebhookHandler
	sessionHandler *handlers.SessionHandler
	natsConn       natsConnChecker
}

// NewSessionAPI creates a new SessionAPI.
func NewSessionAPI(
	sessionManager *service.SessionManager,
	webhookService *service.VideoWebhookService,
	webhookHandler *handlers.VideoWebhookHandler,
	sessionHandler *handlers.SessionHandler,
	natsConn natsConnChecker,
) *SessionAPI {
	return &SessionAPI{
		sessionManager: sessionManager,
		webhookService: webhookService,
		webhookHandler: webhookHandler,
		sessionHandler: sessionHandler,
		natsConn:       natsConn,
	}
}

// ServiceReady checks if the service is able to take inbound requests.
func (s *SessionAPI) ServiceReady() bool {
	return s.sessionManager != nil && s.sessionManager.ServiceReady() &&
		s.webhookService != nil && s.webhookService.ServiceReady() &&
		s.webhookHandler != nil && s.webhookHandler.HandlerReady() &&
		s.sessionHandler != nil && s.sessionHandler.HandlerReady() &&
		s.natsConn != nil && s.natsConn.IsConnected()
}

// Router builds the HTTP routes for the service.
func (s *SessionAPI) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/livez", s.handleLivez)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/webhooks/video", s.handleVideoWebhook)

	r.Post("/api/v1/sessions", s.handleCreateSession)
	r.Get("/api/v1/sessions", s.handleListSessions)
	r.Get("/api/v1/sessions/{uid}", s.handleGetSession)
	r.Get("/api/v1/sessions/{uid}/participants", s.handleGetParticipants)
	r.Post("/api/v1/sessions/{uid}/force-end", s.handleForceEnd)
	r.Post("/api/v1/sessions/{uid}/cancel", s.handleCancel)
	r.Post("/api/v1/sessions/{uid}/recording/start", s.handleRecordingStart)
	r.Post("/api/v1/sessions/{uid}/recording/stop", s.handleRecordingStop)

	return r
}

// handleLivez checks if the service is alive.
func (s *SessionAPI) handleLivez(w http.ResponseWriter, _ *http.Request) {
	// This always returns as long as the service is still running. As this
	// endpoint is expected to be used as a Kubernetes liveness check, this
	// service must likewise self-detect non-recoverable errors and
	// self-terminate.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

// handleReadyz checks if the service is able to take inbound requests.
func (s *SessionAPI) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ServiceReady() {
		respondError(w, http.StatusServiceUnavailable, "503", "service not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

// createSessionRequest is the body for POST /api/v1/sessions.
type createSessionRequest struct {
	AppointmentUID string `json:"appointment_uid"`
}

// cancelSessionRequest is the optional body for POST /api/v1/sessions/{uid}/cancel.
type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

// sessionResponse is the API representation of a call session. The consult
// URL is derived per request and only present while the session can still be
// joined.
type sessionResponse struct {
	*models.CallSession
	ConsultURL string `json:"consult_url,omitempty"`
}

// listSessionsResponse is the body for GET /api/v1/sessions.
type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

// participantsResponse is the body for GET /api/v1/sessions/{uid}/participants.
type participantsResponse struct {
	Participants []*models.ParticipantRecord `json:"participants"`
	ActiveCount  int                         `json:"active_count"`
}

func (s *SessionAPI) toSessionResponse(session *models.CallSession) sessionResponse {
	resp := sessionResponse{CallSession: session}
	if !session.IsTerminal() {
		resp.ConsultURL = s.sessionManager.ConsultURL(session)
	}
	return resp
}

func (s *SessionAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "400", err.Error())
		return
	}

	session, err := s.sessionManager.CreateSession(r.Context(), strings.TrimSpace(req.AppointmentUID))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, s.toSessionResponse(session))
}

func (s *SessionAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionManager.GetSession(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, s.toSessionResponse(session))
}

func (s *SessionAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	appointmentUID := strings.TrimSpace(r.URL.Query().Get("appointment_uid"))

	sessions, err := s.sessionManager.ListSessions(r.Context(), appointmentUID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := listSessionsResponse{Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, s.toSessionResponse(session))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *SessionAPI) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	records, activeCount, err := s.sessionManager.GetParticipants(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, participantsResponse{
		Participants: records,
		ActiveCount:  activeCount,
	})
}

func (s *SessionAPI) handleForceEnd(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := s.sessionManager.ForceEnd(r.Context(), uid); err != nil {
		respondDomainError(w, err)
		return
	}

	session, err := s.sessionManager.GetSession(r.Context(), uid)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toSessionResponse(session))
}

func (s *SessionAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "400", err.Error())
		return
	}

	uid := chi.URLParam(r, "uid")
	if err := s.sessionManager.Cancel(r.Context(), uid, models.EndReason(req.Reason)); err != nil {
		respondDomainError(w, err)
		return
	}

	session, err := s.sessionManager.GetSession(r.Context(), uid)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toSessionResponse(session))
}

func (s *SessionAPI) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionManager.GetSession(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.sessionManager.Recording.Start(r.Context(), session); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toSessionResponse(session))
}

func (s *SessionAPI) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionManager.GetSession(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.sessionManager.Recording.Stop(r.Context(), session); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toSessionResponse(session))
}

// videoWebhookBody is the provider's webhook envelope. Payload stays untyped
// so signature validation and event routing never depend on event-specific
// fields.
type videoWebhookBody struct {
	Event   string `json:"event"`
	EventTS int64  `json:"event_ts"`
	Payload any    `json:"payload"`
}

// handleVideoWebhook receives provider webhook deliveries: it validates the
// signature over the captured raw body, answers URL-validation challenges
// inline, and publishes everything else to NATS for async processing.
func (s *SessionAPI) handleVideoWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, ok := middleware.GetRawBodyFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusInternalServerError, "500", "webhook body not captured")
		return
	}

	var body videoWebhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		respondError(w, http.StatusBadRequest, "400", "invalid webhook body")
		return
	}

	resp, err := s.webhookService.ProcessWebhookEvent(r.Context(), service.WebhookRequest{
		Event:     body.Event,
		EventTS:   body.EventTS,
		Payload:   body.Payload,
		Signature: r.Header.Get(constants.WebhookSignatureHeader),
		Timestamp: r.Header.Get(constants.WebhookTimestampHeader),
		RawBody:   rawBody,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// URL-validation challenges echo the token pair; every other event is
	// fast-acked once queued.
	if resp.PlainToken != nil && resp.EncryptedToken != nil {
		respondJSON(w, http.StatusOK, map[string]string{
			"plainToken":     *resp.PlainToken,
			"encryptedToken": *resp.EncryptedToken,
		})
		return
	}

	ack := map[string]string{}
	if resp.Status != nil {
		ack["status"] = *resp.Status
	}
	if resp.Message != nil {
		ack["message"] = *resp.Message
	}
	respondJSON(w, http.StatusOK, ack)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps a domain error category onto its HTTP status code.
func respondDomainError(w http.ResponseWriter, err error) {
	var status int
	switch domain.GetErrorType(err) {
	case domain.ErrorTypeValidation:
		status = http.StatusBadRequest
	case domain.ErrorTypeNotFound:
		status = http.StatusNotFound
	case domain.ErrorTypeConflict:
		status = http.StatusConflict
	case domain.ErrorTypeUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	respondError(w, status, strconv.Itoa(status), err.Error())
}
