package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/media"
	"github.com/vango-go/plantassist/pkg/server/mw"
)

const defaultMaxBodyBytes = 12 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	ce, status := mw.FromError(err, reqID)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", reqID, "path", r.URL.Path, "error", err)
	}
	mw.WriteError(w, status, ce)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewInvalidRequestError("request body too large")
		}
		return core.NewInvalidRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) chat(r *http.Request) (*assistant.Orchestrator, error) {
	id := assistant.SectionID(r.PathValue("section"))
	sec, ok := assistant.Lookup(s.app.Messages.Lang, id)
	if !ok {
		return nil, core.NewNotFoundError("unknown section " + string(id))
	}
	if !sec.Enabled {
		return nil, core.NewConflictError(s.app.Messages.Locked, nil)
	}
	o, ok := s.app.Chat(id)
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam("section "+string(id)+" has no conversations", "section")
	}
	return o, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.live.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"configured": s.app.Gemini.Status().Configured,
	})
}

type sectionView struct {
	assistant.Section
	ThinkingLabel string `json:"thinkingLabel"`
	Live          bool   `json:"live"`
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	secs := s.app.Sections()
	out := make([]sectionView, 0, len(secs))
	for _, sec := range secs {
		_, isChat := s.app.Chat(sec.ID)
		out = append(out, sectionView{
			Section:       sec,
			ThinkingLabel: sec.ThinkingLabel(s.app.Messages),
			Live:          isChat && s.mics != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"language": s.app.Messages.Lang,
		"sections": out,
	})
}

type chatState struct {
	UploadProgress int    `json:"uploadProgress"`
	Thinking       bool   `json:"thinking"`
	LiveActive     bool   `json:"liveActive"`
	LiveState      string `json:"liveState"`
	LiveError      string `json:"liveError,omitempty"`
}

func (s *Server) handleChatState(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	state, msg := o.LiveState()
	writeJSON(w, http.StatusOK, chatState{
		UploadProgress: o.UploadProgress(),
		Thinking:       o.Thinking(),
		LiveActive:     o.LiveActive(),
		LiveState:      state.String(),
		LiveError:      msg,
	})
}

type conversationList struct {
	Conversations   []types.ConversationSummary `json:"conversations"`
	ActiveID        string                      `json:"activeId,omitempty"`
	PendingDeletion string                      `json:"pendingDeletion,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	pending, _ := o.Store().PendingDeletion()
	writeJSON(w, http.StatusOK, conversationList{
		Conversations:   o.Store().List(),
		ActiveID:        o.Store().ActiveID(),
		PendingDeletion: pending,
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o.Store().Create())
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	conv, ok := o.Store().Get(r.PathValue("id"))
	if !ok {
		s.writeErr(w, r, core.NewNotFoundError("conversation not found"))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSelectConversation(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !o.Store().Select(r.PathValue("id")) {
		s.writeErr(w, r, core.NewNotFoundError("conversation not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeId": o.Store().ActiveID()})
}

func (s *Server) handleRequestDelete(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	id := r.PathValue("id")
	if !o.Store().RequestDelete(id) {
		s.writeErr(w, r, core.NewNotFoundError("conversation not found"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"pendingDeletion": id,
		"prompt":          s.app.Messages.DeleteAsk,
	})
}

func (s *Server) handleConfirmDelete(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, ok := o.Store().ConfirmDelete()
	if !ok {
		s.writeErr(w, r, core.NewConflictError("no deletion pending", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"deleted":  id,
		"activeId": o.Store().ActiveID(),
	})
}

func (s *Server) handleCancelDelete(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	o.Store().CancelDelete()
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Text  string       `json:"text"`
	Image *imageUpload `json:"image,omitempty"`
}

type imageUpload struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType,omitempty"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type submitResponse struct {
	assistant.Receipt
	Conversation *types.Conversation `json:"conversation,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req submitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sub := assistant.Submission{Text: req.Text}
	if req.Image != nil {
		if len(req.Image.Data) == 0 {
			s.writeErr(w, r, core.NewInvalidRequestErrorWithParam("image data must not be empty", "image.data"))
			return
		}
		src := media.FromBytes(req.Image.Name, req.Image.Data)
		src.MIMEType = strings.TrimSpace(req.Image.MIMEType)
		sub.Image = &src
	}

	receipt, err := o.Submit(r.Context(), sub)
	switch {
	case errors.Is(err, assistant.ErrEmptySubmission):
		s.writeErr(w, r, core.NewInvalidRequestErrorWithParam(err.Error(), "text"))
		return
	case errors.Is(err, assistant.ErrBusy):
		s.writeErr(w, r, core.NewConflictError(err.Error(), err))
		return
	case err != nil:
		s.writeErr(w, r, err)
		return
	}
	resp := submitResponse{Receipt: receipt}
	if conv, ok := o.Store().Get(receipt.ConversationID); ok {
		resp.Conversation = &conv
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if r.Method == http.MethodPost {
		var req searchRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
		q = req.Query
	}
	results, err := s.app.Search.Search(r.Context(), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if results == nil {
		results = []types.MediaRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   strings.TrimSpace(q),
		"results": results,
	})
}

func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"history": nonNil(s.app.Search.History())})
}

func (s *Server) handleRemoveSearchHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		s.writeErr(w, r, core.NewInvalidRequestErrorWithParam("q is required", "q"))
		return
	}
	if !s.app.Search.RemoveHistory(r.Context(), q) {
		s.writeErr(w, r, core.NewNotFoundError("query not in history"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"suggestions": nonNil(s.app.Search.Suggestions(r.URL.Query().Get("q"))),
	})
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Gemini.Status())
}

type credentialsRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleConfigureCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.app.Gemini.Configure(r.Context(), req.APIKey); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Gemini.Status())
}

func (s *Server) handleForgetCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Gemini.Forget(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Gemini.Status())
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
