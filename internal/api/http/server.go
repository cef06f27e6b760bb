package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/application/gate"
	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/application/release"
	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/stream"
)

// WebhookVerifier checks payment webhook signatures.
type WebhookVerifier interface {
	Verify(ctx context.Context, keyID string, body []byte, signature string) error
}

// AuthConfig configures bearer-token verification. Tokens are issued by the
// identity service; this server only verifies them.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	// SchedulerTokenHash is the bcrypt hash of the token internal endpoints
	// accept. Empty disables them.
	SchedulerTokenHash string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	messagingSvc   *messaging.Service
	negotiationSvc *negotiation.Service
	gateSvc        *gate.Service
	releases       *release.Runner
	uploader       attachment.Uploader
	hub            stream.Hub
	webhooks       WebhookVerifier
	auth           AuthConfig
	logger         zerolog.Logger
	heartbeat      time.Duration
}

func NewServer(
	messagingSvc *messaging.Service,
	negotiationSvc *negotiation.Service,
	gateSvc *gate.Service,
	releases *release.Runner,
	uploader attachment.Uploader,
	hub stream.Hub,
	webhooks WebhookVerifier,
	auth AuthConfig,
	logger zerolog.Logger,
) *Server {
	return &Server{
		messagingSvc:   messagingSvc,
		negotiationSvc: negotiationSvc,
		gateSvc:        gateSvc,
		releases:       releases,
		uploader:       uploader,
		hub:            hub,
		webhooks:       webhooks,
		auth:           auth,
		logger:         logger.With().Str("component", "http").Logger(),
		heartbeat:      25 * time.Second,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		// Streams outlive the request timeout.
		r.Get("/conversations/{conversationId}/stream", s.streamConversation)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.listConversations)
				r.Post("/", s.startConversation)
				r.Get("/{conversationId}", s.getConversation)
				r.Get("/{conversationId}/messages", s.listMessages)
				r.Post("/{conversationId}/messages", s.sendMessage)
				r.Delete("/{conversationId}/messages/{messageId}", s.deleteMessage)
				r.Post("/{conversationId}/read", s.markRead)
				r.Post("/{conversationId}/typing", s.signalTyping)
				r.Get("/{conversationId}/timeline", s.getTimeline)
				r.Get("/{conversationId}/gate", s.getGate)
			})

			r.Route("/proposals", func(r chi.Router) {
				r.Post("/", s.submitProposal)
				r.Get("/{proposalId}", s.getProposal)
				r.Get("/{proposalId}/counters", s.listCounters)
				r.Post("/{proposalId}/counter", s.counterProposal)
				r.Post("/{proposalId}/accept", s.proposalAction(s.negotiationSvc.Accept))
				r.Post("/{proposalId}/reject", s.proposalAction(s.negotiationSvc.Reject))
				r.Post("/{proposalId}/unlock", s.proposalAction(s.negotiationSvc.Unlock))
				r.Post("/{proposalId}/complete", s.proposalAction(s.negotiationSvc.MarkFreelancerCompleted))
				r.Post("/{proposalId}/confirm", s.proposalAction(s.negotiationSvc.ConfirmCompletion))
				r.Post("/{proposalId}/checkout", s.checkout)
				r.Post("/{proposalId}/dispute", s.openDispute)
			})
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/payments", s.paymentWebhook)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))
		r.Use(s.requireSchedulerToken)
		r.Post("/releases/run", s.runReleases)
		r.Get("/releases/last", s.lastRelease)
		r.Post("/blocks", s.createBlock)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondAppError maps the application error classes onto HTTP statuses.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		respondError(w, http.StatusBadRequest, "VALIDATION", apperr.Reason(err))
	case errors.Is(err, apperr.ErrPolicy):
		respondError(w, http.StatusForbidden, "POLICY", apperr.Reason(err))
	case errors.Is(err, apperr.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", apperr.Reason(err))
	case errors.Is(err, apperr.ErrTransient):
		s.logger.Warn().Err(errors.Unwrap(err)).Str("path", r.URL.Path).Msg("transient failure")
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", apperr.Reason(err))
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
