package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

type submitProposalRequest struct {
	ProjectID    *uuid.UUID `json:"projectId"`
	OwnerID      string     `json:"ownerId"`
	Budget       int64      `json:"budget"`
	DeliveryDays int        `json:"deliveryDays"`
	CoverLetter  string     `json:"coverLetter"`
}

type counterRequest struct {
	Amount       int64  `json:"amount"`
	DeliveryDays int    `json:"deliveryDays"`
	Message      string `json:"message"`
}

type actionRequest struct {
	Message string `json:"message"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type transitionResponse struct {
	Proposal         *proposal.Proposal `json:"proposal"`
	Activity         *proposal.Activity `json:"activity,omitempty"`
	AlreadyProcessed bool               `json:"alreadyProcessed"`
	PaymentRequired  bool               `json:"paymentRequired"`
}

type submitResponse struct {
	Proposal     *proposal.Proposal         `json:"proposal"`
	Conversation *conversation.Conversation `json:"conversation"`
	Activity     *proposal.Activity         `json:"activity"`
}

func toTransitionResponse(res *negotiation.Result) transitionResponse {
	return transitionResponse{
		Proposal:         res.Proposal,
		Activity:         res.Activity,
		AlreadyProcessed: res.AlreadyProcessed,
		PaymentRequired:  res.PaymentRequired,
	}
}

// submitProposal is called by the freelancer.
func (s *Server) submitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	res, err := s.negotiationSvc.Submit(r.Context(), negotiation.SubmitInput{
		ProjectID:    req.ProjectID,
		OwnerID:      req.OwnerID,
		FreelancerID: actorID(r.Context()),
		Budget:       req.Budget,
		DeliveryDays: req.DeliveryDays,
		CoverLetter:  req.CoverLetter,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, submitResponse{Proposal: res.Proposal, Conversation: res.Conversation, Activity: res.Activity})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "proposalId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
		return
	}
	p, err := s.negotiationSvc.GetProposal(r.Context(), id, actorID(r.Context()))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) listCounters(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "proposalId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
		return
	}
	items, err := s.negotiationSvc.ListCounterProposals(r.Context(), id, actorID(r.Context()))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) counterProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "proposalId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
		return
	}
	var req counterRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	res, err := s.negotiationSvc.Counter(r.Context(), negotiation.CounterInput{
		ProposalID:   id,
		ActorID:      actorID(r.Context()),
		Amount:       req.Amount,
		DeliveryDays: req.DeliveryDays,
		Message:      req.Message,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransitionResponse(res))
}

type actionFunc func(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)

// proposalAction adapts a simple transition into a handler. The body is
// optional and may carry a message.
func (s *Server) proposalAction(action actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "proposalId")
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
			return
		}
		var req actionRequest
		if err := decodeBody(r, &req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
			return
		}
		res, err := action(r.Context(), negotiation.ActionInput{
			ProposalID: id,
			ActorID:    actorID(r.Context()),
			Message:    req.Message,
		})
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, toTransitionResponse(res))
	}
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "proposalId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
		return
	}
	url, err := s.negotiationSvc.InitiateCheckout(r.Context(), negotiation.ActionInput{ProposalID: id, ActorID: actorID(r.Context())})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"redirectUrl": url})
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "proposalId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid proposal id")
		return
	}
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	res, err := s.negotiationSvc.OpenDispute(r.Context(), negotiation.DisputeInput{
		ProposalID: id,
		ActorID:    actorID(r.Context()),
		Reason:     req.Reason,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransitionResponse(res))
}
