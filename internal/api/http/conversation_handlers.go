package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/application/timeline"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

const maxMultipartMemory = 8 << 20

type startConversationRequest struct {
	CounterpartID string `json:"counterpartId"`
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	ClientKey string `json:"clientKey"`
}

type messagePage struct {
	Items      []*message.Message `json:"items"`
	NextBefore *pageCursor        `json:"nextBefore,omitempty"`
}

type pageCursor struct {
	Before   time.Time `json:"before"`
	BeforeID uuid.UUID `json:"beforeId"`
}

type timelineResponse struct {
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
	Entries  []*timeline.Entry  `json:"entries"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 20, 100)
	items, err := s.messagingSvc.ListConversations(r.Context(), actorID(r.Context()), limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	c, err := s.messagingSvc.StartConversation(r.Context(), actorID(r.Context()), req.CounterpartID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	c, err := s.messagingSvc.GetConversation(r.Context(), id, actorID(r.Context()))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	before, err := parseCursor(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_CURSOR", err.Error())
		return
	}
	limit, _ := parseLimitOffset(r, 20, 100)
	items, err := s.messagingSvc.ListMessages(r.Context(), id, actorID(r.Context()), before, limit)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	page := messagePage{Items: items}
	if len(items) == limit {
		c := message.CursorOf(items[0])
		page.NextBefore = &pageCursor{Before: c.CreatedAt, BeforeID: c.MessageID}
	}
	respondJSON(w, http.StatusOK, page)
}

func parseCursor(r *http.Request) (*message.Cursor, error) {
	q := r.URL.Query()
	rawAt, rawID := q.Get("before"), q.Get("beforeId")
	if rawAt == "" && rawID == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, rawAt)
	if err != nil {
		return nil, errors.New("before must be an RFC 3339 timestamp")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, errors.New("beforeId must be a message id")
	}
	return &message.Cursor{CreatedAt: at.UTC(), MessageID: id}, nil
}

// sendMessage accepts JSON for text messages and multipart/form-data when a
// file is attached. The file is uploaded before the message is stored.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	in := messaging.SendInput{ConversationID: id, SenderID: actorID(r.Context())}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		att, ok := s.uploadAttachment(w, r)
		if !ok {
			return
		}
		in.Content = r.FormValue("content")
		in.ClientKey = r.FormValue("clientKey")
		in.Attachment = att
	} else {
		var req sendMessageRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
			return
		}
		in.Content, in.ClientKey = req.Content, req.ClientKey
	}

	m, err := s.messagingSvc.SendMessage(r.Context(), in)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) (*attachment.Attachment, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid multipart body")
		return nil, false
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, true
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid file part")
		return nil, false
	}
	defer file.Close()

	if s.uploader == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "attachments are not enabled")
		return nil, false
	}
	att, err := s.uploader.Upload(r.Context(), attachment.File{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("file", header.Filename).Msg("attachment upload failed")
		respondError(w, http.StatusBadGateway, "UPLOAD_FAILED", "attachment upload failed")
		return nil, false
	}
	return att, true
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "messageId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid message id")
		return
	}
	if err := s.messagingSvc.DeleteMessage(r.Context(), id, actorID(r.Context())); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	if err := s.messagingSvc.MarkRead(r.Context(), id, actorID(r.Context())); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) signalTyping(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	if err := s.messagingSvc.SignalTyping(r.Context(), id, actorID(r.Context())); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// getTimeline returns the latest message page merged with the full
// negotiation history, as a client renders it.
func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	ctx := r.Context()
	actor := actorID(ctx)
	conv, err := s.messagingSvc.GetConversation(ctx, id, actor)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	limit, _ := parseLimitOffset(r, 50, 100)
	msgs, err := s.messagingSvc.ListMessages(ctx, id, actor, nil, limit)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	resp := timelineResponse{}
	var acts []*proposal.Activity
	if conv.ProposalID != nil {
		if resp.Proposal, err = s.negotiationSvc.GetProposal(ctx, *conv.ProposalID, actor); err != nil {
			s.respondAppError(w, r, err)
			return
		}
		if acts, err = s.negotiationSvc.ListActivities(ctx, id); err != nil {
			s.respondAppError(w, r, err)
			return
		}
	}
	var merger timeline.Merger
	resp.Entries, _ = merger.Merge(msgs, acts, timeline.Viewer{ActorID: actor, Proposal: resp.Proposal})
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getGate(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	v, err := s.gateSvc.Check(r.Context(), actorID(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}
