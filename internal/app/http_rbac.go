package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"logbook/api/internal/store"
)

func logbookPayload(logbook store.Logbook, role string) map[string]any {
	return map[string]any{
		"id":        logbook.ID,
		"name":      logbook.Name,
		"slug":      logbook.Slug,
		"theme":     logbook.Theme,
		"createdBy": logbook.CreatedBy,
		"createdAt": logbook.CreatedAt,
		"role":      role,
	}
}

func (s *HTTPServer) handleListLogbooks(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListLogbooks(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, logbookPayload(item.Logbook, item.Role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

type createLogbookBody struct {
	Name  string `json:"name" validate:"required,max=120"`
	Theme string `json:"theme" validate:"omitempty,oneof=classic sunrise forest midnight"`
}

func (s *HTTPServer) handleCreateLogbook(w http.ResponseWriter, r *http.Request) {
	var body createLogbookBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	logbook, err := s.service.CreateLogbook(r.Context(), sessionFrom(r).UserID, body.Name, body.Theme)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, logbookPayload(logbook, "parent"))
}

func (s *HTTPServer) handleGetLogbook(w http.ResponseWriter, r *http.Request) {
	logbook, member, err := s.service.GetLogbook(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logbookPayload(logbook, member.Role))
}

func (s *HTTPServer) handleLogbookBySlug(w http.ResponseWriter, r *http.Request) {
	logbook, member, err := s.service.LogbookBySlug(r.Context(), chi.URLParam(r, "slug"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logbookPayload(logbook, member.Role))
}

type themeBody struct {
	Theme string `json:"theme" validate:"required,oneof=classic sunrise forest midnight"`
}

func (s *HTTPServer) handleUpdateTheme(w http.ResponseWriter, r *http.Request) {
	var body themeBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	if err := s.service.UpdateTheme(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID, body.Theme); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"theme": body.Theme})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.ListMembers(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(members))
	for _, m := range members {
		payload = append(payload, map[string]any{
			"userId":      m.UserID,
			"displayName": m.DisplayName,
			"email":       m.Email,
			"role":        m.Role,
			"joinedAt":    m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

type memberRoleBody struct {
	Role string `json:"role" validate:"required,oneof=parent family friend"`
}

func (s *HTTPServer) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	var body memberRoleBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	err := s.service.UpdateMemberRole(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID, chi.URLParam(r, "userID"), body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": chi.URLParam(r, "userID"), "role": body.Role})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveMember(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID, chi.URLParam(r, "userID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var body InviteInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	invite, emailed, err := s.service.CreateInvite(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{
		"email":     invite.Email,
		"role":      invite.Role,
		"expiresAt": invite.ExpiresAt,
		"emailed":   emailed,
	}
	// Without SMTP the inviter shares the link by hand.
	if !emailed {
		response["token"] = invite.Token
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	member, err := s.service.RedeemInvite(r.Context(), chi.URLParam(r, "token"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logbookId": member.LogbookID, "role": member.Role})
}
