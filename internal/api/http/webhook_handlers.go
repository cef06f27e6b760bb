package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/payment"
)

const maxWebhookBytes = 64 << 10

type createBlockRequest struct {
	UserID string `json:"userId"`
	// Duration is a Go duration string. Empty blocks permanently.
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// paymentWebhook applies a signed capture event from the payment gateway.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable body")
		return
	}
	if s.webhooks == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "webhooks are not configured")
		return
	}
	if err := s.webhooks.Verify(r.Context(), r.Header.Get("X-Key-Id"), body, r.Header.Get("X-Signature")); err != nil {
		s.logger.Warn().Err(err).Msg("rejected payment webhook")
		respondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid signature")
		return
	}
	var ev payment.CaptureEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	res, err := s.negotiationSvc.HandleCapture(r.Context(), ev)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (s *Server) runReleases(w http.ResponseWriter, r *http.Request) {
	if s.releases == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "release runner is not configured")
		return
	}
	res, err := s.releases.RunOnce(r.Context())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) lastRelease(w http.ResponseWriter, r *http.Request) {
	if s.releases == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "release runner is not configured")
		return
	}
	sweep, ok := s.releases.LastSweep()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no sweep recorded")
		return
	}
	respondJSON(w, http.StatusOK, sweep)
}

func (s *Server) createBlock(w http.ResponseWriter, r *http.Request) {
	var req createBlockRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "duration must be a positive Go duration")
			return
		}
	}
	b, err := s.gateSvc.Block(r.Context(), req.UserID, d, req.Reason)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

