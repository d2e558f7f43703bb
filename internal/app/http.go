package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"logbook/api/internal/authpw"
	"logbook/api/internal/editsession"
	"logbook/api/internal/export"
	"logbook/api/internal/media"
	"logbook/api/internal/metrics"
	"logbook/api/internal/ratelimit"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

const maxJSONBody = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	limiter    *ratelimit.Keyed
	validate   *requestValidator
	log        zerolog.Logger
}

type ServerOption func(*HTTPServer)

func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMutationLimiter throttles content and membership writes per user.
func WithMutationLimiter(l *ratelimit.Keyed) ServerOption {
	return func(s *HTTPServer) { s.limiter = l }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		validate:   newRequestValidator(),
		log:        service.log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/api/auth/signup", s.handleAuthSignUp)
	r.Post("/api/auth/signin", s.handleAuthSignIn)
	r.Get("/api/session", s.handleSession)
	r.Post("/api/session/refresh", s.handleSessionRefresh)
	r.Post("/api/session/logout", s.handleSessionLogout)
	r.Get("/api/schema/{pageType}", s.handleSchema)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/logbooks", s.handleListLogbooks)
		r.With(s.limitMutations).Post("/api/logbooks", s.handleCreateLogbook)
		r.Get("/api/logbooks/by-slug/{slug}", s.handleLogbookBySlug)
		r.Post("/api/invites/{token}/redeem", s.handleRedeemInvite)

		r.Route("/api/logbooks/{logbookID}", func(r chi.Router) {
			r.Get("/", s.handleGetLogbook)
			r.Get("/members", s.handleListMembers)
			r.With(s.attachEditSession).Get("/pages/{pageType}", s.handlePage)
			r.Get("/pages/{pageType}/export", s.handleExport)
			r.Get("/media", s.handleListMedia)
			r.Get("/media/{mediaID}/url", s.handleMediaURL)
			r.Post("/media/archive", s.handleMediaArchive)
			r.Get("/search", s.handleSearch)

			r.Group(func(r chi.Router) {
				r.Use(s.limitMutations)
				r.Put("/theme", s.handleUpdateTheme)
				r.Put("/members/{userID}", s.handleUpdateMember)
				r.Delete("/members/{userID}", s.handleRemoveMember)
				r.Post("/invites", s.handleCreateInvite)
				r.Put("/pages/{pageType}/sections/{sectionKey}/visibility", s.handleSetVisibility)
				r.Put("/pages/{pageType}/sections/{sectionKey}/fields/{fieldName}", s.handleSetField)
				r.Post("/media", s.handleUploadMedia)
				r.Delete("/media/{mediaID}", s.handleDeleteMedia)
			})
		})
	})

	return r
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// attachEditSession starts the caller's edit session for this page load and
// carries it to the handler through the request context.
func (s *HTTPServer) attachEditSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.service.EditSession(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(editsession.WithSession(r.Context(), session)))
	})
}

func (s *HTTPServer) limitMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(sessionFrom(r).UserID) {
			w.Header().Set("Retry-After", "1")
			s.fail(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs every request and records it under its route pattern.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if s.metrics != nil {
			s.metrics.RequestStarted()
		}

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.RequestFinished(r.Method, route, status, elapsed)
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// fail writes err as a JSON error, logging anything that maps to a 5xx.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt,
	}
}

type signUpBody struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"displayName" validate:"required,max=80"`
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body signUpBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

type signInBody struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body signInBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
	})
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *HTTPServer) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	pageType, ok := pageTypeParam(w, r)
	if !ok {
		return
	}
	defaults, err := s.service.Schema(pageType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pageType": pageType, "sections": defaults})
}

func (s *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request) {
	pageType, ok := pageTypeParam(w, r)
	if !ok {
		return
	}
	view, err := s.service.Page(r.Context(), chi.URLParam(r, "logbookID"), pageType, sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type visibilityBody struct {
	Visible *bool `json:"visible" validate:"required"`
}

func (s *HTTPServer) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	pageType, ok := pageTypeParam(w, r)
	if !ok {
		return
	}
	var body visibilityBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	section, err := s.service.SetSectionVisibility(r.Context(),
		chi.URLParam(r, "logbookID"), pageType, chi.URLParam(r, "sectionKey"), *body.Visible, sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

type fieldBody struct {
	Value json.RawMessage `json:"value" validate:"required"`
}

func (s *HTTPServer) handleSetField(w http.ResponseWriter, r *http.Request) {
	pageType, ok := pageTypeParam(w, r)
	if !ok {
		return
	}
	var body fieldBody
	if !s.decodeValid(w, r, &body) {
		return
	}
	var value any
	if err := json.Unmarshal(body.Value, &value); err != nil || value == nil {
		s.fail(w, r, validationError("value must not be null", map[string]string{"value": "is required"}))
		return
	}
	section, err := s.service.SetSectionField(r.Context(),
		chi.URLParam(r, "logbookID"), pageType, chi.URLParam(r, "sectionKey"), chi.URLParam(r, "fieldName"), value, sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	pageType, ok := pageTypeParam(w, r)
	if !ok {
		return
	}
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		s.fail(w, r, validationError("unknown export format", map[string]string{"format": "must be one of: html pdf"}))
		return
	}
	result, err := s.service.Export(r.Context(), chi.URLParam(r, "logbookID"), pageType, format, sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func mediaPayload(item store.Media) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"filename":    item.Filename,
		"contentType": item.ContentType,
		"sizeBytes":   item.SizeBytes,
		"caption":     item.Caption,
		"uploadedBy":  item.UploadedBy,
		"createdAt":   item.CreatedAt,
	}
}

func (s *HTTPServer) handleListMedia(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListMedia(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, mediaPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (s *HTTPServer) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	limit := s.service.cfg.MaxUploadMB << 20
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, media.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, validationError("file is required", map[string]string{"file": "is required"}))
		return
	}
	defer file.Close()

	item, err := s.service.UploadMedia(r.Context(), media.UploadRequest{
		LogbookID:   chi.URLParam(r, "logbookID"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Caption:     r.FormValue("caption"),
		UploadedBy:  sessionFrom(r).UserID,
		Body:        file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mediaPayload(item))
}

func (s *HTTPServer) handleMediaURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.service.MediaURL(r.Context(), chi.URLParam(r, "logbookID"), chi.URLParam(r, "mediaID"), sessionFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteMedia(r.Context(), chi.URLParam(r, "logbookID"), chi.URLParam(r, "mediaID"), sessionFrom(r).UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeTracker remembers whether any bytes reached the client so a failed
// archive can still be reported as JSON.
type writeTracker struct {
	http.ResponseWriter
	written bool
}

func (t *writeTracker) Write(p []byte) (int, error) {
	t.written = true
	return t.ResponseWriter.Write(p)
}

func (s *HTTPServer) handleMediaArchive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	logbookID := chi.URLParam(r, "logbookID")
	items, err := s.service.SelectMedia(r.Context(), logbookID, sessionFrom(r).UserID, body.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	tracker := &writeTracker{ResponseWriter: w}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", logbookID+"-media.zip"))
	if err := s.service.WriteArchive(r.Context(), tracker, items); err != nil {
		if !tracker.written {
			w.Header().Del("Content-Disposition")
			s.fail(w, r, err)
			return
		}
		s.log.Warn().Err(err).Str("logbook_id", logbookID).Msg("archive aborted mid-stream")
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		s.fail(w, r, validationError("q is required", map[string]string{"q": "is required"}))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	resp, err := s.service.Search(r.Context(), chi.URLParam(r, "logbookID"), sessionFrom(r).UserID, text, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func pageTypeParam(w http.ResponseWriter, r *http.Request) (sections.PageType, bool) {
	pageType, ok := sections.ParsePageType(chi.URLParam(r, "pageType"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown page", nil)
		return "", false
	}
	return pageType, true
}

// decodeValid decodes a JSON body and runs struct validation, writing the
// error response itself when either fails.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(w, r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Validate(target); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
