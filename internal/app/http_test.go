package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logbook/api/internal/editsession"
	"logbook/api/internal/metrics"
	"logbook/api/internal/ratelimit"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/api/health", "", nil)
	expectStatus(t, rr, http.StatusOK, "")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	payload := decodeJSON(t, env.do(http.MethodGet, "/api/ready", "", nil))
	assert.Equal(t, "ready", payload["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks", "", nil), http.StatusUnauthorized, "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodGet, "/api/logbooks", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSignUpSignInAndRefreshRotation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "New@Example.com", "password": "correct horse", "displayName": "Nia",
	})
	expectStatus(t, rr, http.StatusCreated, "")
	payload := decodeJSON(t, rr)
	assert.NotEmpty(t, payload["token"])
	assert.NotEmpty(t, payload["refreshToken"])

	expectStatus(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "new@example.com", "password": "correct horse", "displayName": "Nia",
	}), http.StatusConflict, "EMAIL_EXISTS")

	expectStatus(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "not-an-email", "password": "correct horse", "displayName": "Nia",
	}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	expectStatus(t, env.do(http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "new@example.com", "password": "wrong password",
	}), http.StatusUnauthorized, "INVALID_CREDENTIALS")

	rr = env.do(http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "new@example.com", "password": "correct horse",
	})
	expectStatus(t, rr, http.StatusOK, "")
	refresh, _ := decodeJSON(t, rr)["refreshToken"].(string)

	rr = env.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": refresh})
	expectStatus(t, rr, http.StatusOK, "")
	rotated, _ := decodeJSON(t, rr)["refreshToken"].(string)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, refresh, rotated)

	expectStatus(t, env.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": refresh}),
		http.StatusUnauthorized, "UNAUTHORIZED")

	expectStatus(t, env.do(http.MethodPost, "/api/session/logout", "", map[string]string{"refreshToken": rotated}), http.StatusOK, "")
	expectStatus(t, env.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": rotated}),
		http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	payload := decodeJSON(t, env.do(http.MethodGet, "/api/session", "", nil))
	assert.Equal(t, false, payload["authenticated"])

	payload = decodeJSON(t, env.do(http.MethodGet, "/api/session", "friend-1", nil))
	assert.Equal(t, true, payload["authenticated"])
	assert.Equal(t, "Fred", payload["userName"])
}

func sectionKeys(t *testing.T, payload map[string]any) []string {
	t.Helper()
	raw, ok := payload["sections"].([]any)
	require.True(t, ok, "missing sections in %v", payload)
	keys := make([]string, 0, len(raw))
	for _, item := range raw {
		keys = append(keys, item.(map[string]any)["key"].(string))
	}
	return keys
}

func TestPageShowsHiddenSectionsToEditorsOnly(t *testing.T) {
	env := newTestEnv(t)

	payload := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "parent-1", nil))
	assert.Equal(t, []string{"hero", "stats", "welcome", "timeline"}, sectionKeys(t, payload))
	session := payload["editSession"].(map[string]any)
	assert.Equal(t, "viewing", session["state"])
	assert.Equal(t, true, session["canEdit"])

	payload = decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "friend-1", nil))
	assert.Equal(t, []string{"hero", "welcome", "timeline"}, sectionKeys(t, payload))
	assert.Equal(t, false, payload["editSession"].(map[string]any)["canEdit"])

	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "outsider", nil), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/attic", "parent-1", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestPageUsesEditSessionFromContext(t *testing.T) {
	env := newTestEnv(t)

	session := editsession.New("parent")
	_, err := session.Fire(editsession.EventEnterEdit)
	require.NoError(t, err)
	ctx := editsession.WithSession(context.Background(), session)

	view, err := env.service.Page(ctx, "lb1", sections.PageHome, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, editsession.StateEditing, view.Session.State)
	assert.Contains(t, view.Session.Controls, editsession.EventExitEdit)

	// A session opened for another role is not trusted.
	view, err = env.service.Page(ctx, "lb1", sections.PageHome, "friend-1")
	require.NoError(t, err)
	assert.Equal(t, editsession.StateViewing, view.Session.State)
	assert.False(t, view.Session.CanEdit)

	view, err = env.service.Page(context.Background(), "lb1", sections.PageHome, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, editsession.StateViewing, view.Session.State)
}

func TestEditSessionRequiresMembership(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.service.EditSession(context.Background(), "lb1", "family-1")
	require.NoError(t, err)
	assert.Equal(t, editsession.StateViewing, session.State())

	_, err = env.service.EditSession(context.Background(), "lb1", "outsider")
	assert.Error(t, err)
}

func TestSetSectionVisibility(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/logbooks/lb1/pages/home/sections/hero/visibility"

	rr := env.do(http.MethodPut, path, "parent-1", map[string]any{"visible": false})
	payload := decodeJSON(t, rr)
	require.Equal(t, http.StatusOK, rr.Code, "%v", payload)
	assert.Equal(t, "hero", payload["key"])
	assert.Equal(t, false, payload["visible"])

	payload = decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "friend-1", nil))
	assert.Equal(t, []string{"welcome", "timeline"}, sectionKeys(t, payload))

	expectStatus(t, env.do(http.MethodPut, path, "family-1", map[string]any{"visible": true}), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodPut, path, "outsider", map[string]any{"visible": true}), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodPut, path, "parent-1", map[string]any{}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/pages/home/sections/nope/visibility", "parent-1",
		map[string]any{"visible": true}), http.StatusNotFound, "NOT_FOUND")
}

func TestSetSectionField(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/logbooks/lb1/pages/home/sections/hero/fields/title"

	rr := env.do(http.MethodPut, path, "parent-1", map[string]any{"value": "The Smiths"})
	payload := decodeJSON(t, rr)
	require.Equal(t, http.StatusOK, rr.Code, "%v", payload)
	fields := payload["fields"].(map[string]any)
	assert.Equal(t, "The Smiths", fields["title"])
	assert.NotEmpty(t, fields["subtitle"])

	expectStatus(t, env.do(http.MethodPut, path, "parent-1", map[string]any{"value": true}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectStatus(t, env.do(http.MethodPut, path, "parent-1", map[string]any{"value": nil}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/pages/home/sections/hero/fields/colour", "parent-1",
		map[string]any{"value": "red"}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectStatus(t, env.do(http.MethodPut, path, "friend-1", map[string]any{"value": "x"}), http.StatusForbidden, "FORBIDDEN")
}

func TestSchemaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	payload := decodeJSON(t, env.do(http.MethodGet, "/api/schema/gallery", "", nil))
	assert.Equal(t, []string{"header", "grid", "download"}, sectionKeys(t, payload))
}

func TestLogbookLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/logbooks", "outsider", map[string]any{"name": "Olly's Crew", "theme": "forest"})
	created := decodeJSON(t, rr)
	require.Equal(t, http.StatusCreated, rr.Code, "%v", created)
	assert.Equal(t, "olly-s-crew", created["slug"])
	assert.Equal(t, "parent", created["role"])

	list := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks", "outsider", nil))
	assert.Len(t, list["items"], 1)

	expectStatus(t, env.do(http.MethodPost, "/api/logbooks", "outsider", map[string]any{"name": "X", "theme": "neon"}),
		http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/theme", "parent-1", map[string]any{"theme": "midnight"}), http.StatusOK, "")
	got := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1", "friend-1", nil))
	assert.Equal(t, "midnight", got["theme"])
	assert.Equal(t, "friend", got["role"])
	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/theme", "family-1", map[string]any{"theme": "sunrise"}), http.StatusForbidden, "FORBIDDEN")
}

func TestLogbookBySlug(t *testing.T) {
	env := newTestEnv(t)

	payload := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/by-slug/Smith", "family-1", nil))
	assert.Equal(t, "lb1", payload["id"])
	assert.Equal(t, "family", payload["role"])
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/by-slug/smith", "outsider", nil), http.StatusNotFound, "NOT_FOUND")
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/by-slug/nobody", "family-1", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestMembersCannotLoseLastParent(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(http.MethodDelete, "/api/logbooks/lb1/members/parent-1", "parent-1", nil), http.StatusConflict, "LAST_PARENT")
	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/members/parent-1", "parent-1", map[string]any{"role": "family"}),
		http.StatusConflict, "LAST_PARENT")

	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/members/family-1", "parent-1", map[string]any{"role": "parent"}), http.StatusOK, "")
	expectStatus(t, env.do(http.MethodDelete, "/api/logbooks/lb1/members/parent-1", "family-1", nil), http.StatusNoContent, "")

	members := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/members", "friend-1", nil))
	assert.Len(t, members["items"], 2)
	expectStatus(t, env.do(http.MethodPut, "/api/logbooks/lb1/members/friend-1", "family-1", map[string]any{"role": "owner"}),
		http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestInviteCreateAndRedeem(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/logbooks/lb1/invites", "parent-1", map[string]any{"email": "olly@example.com", "role": "family"})
	payload := decodeJSON(t, rr)
	require.Equal(t, http.StatusCreated, rr.Code, "%v", payload)
	assert.Equal(t, false, payload["emailed"])
	token, _ := payload["token"].(string)
	require.NotEmpty(t, token, "token is returned when SMTP is not configured")

	expectStatus(t, env.do(http.MethodPost, "/api/logbooks/lb1/invites", "family-1", map[string]any{"email": "x@example.com", "role": "friend"}),
		http.StatusForbidden, "FORBIDDEN")

	redeemed := decodeJSON(t, env.do(http.MethodPost, "/api/invites/"+token+"/redeem", "outsider", nil))
	assert.Equal(t, "lb1", redeemed["logbookId"])
	assert.Equal(t, "family", redeemed["role"])
	expectStatus(t, env.do(http.MethodPost, "/api/invites/"+token+"/redeem", "outsider", nil), http.StatusConflict, "INVITE_USED")
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "outsider", nil), http.StatusOK, "")
	expectStatus(t, env.do(http.MethodPost, "/api/invites/unknown/redeem", "outsider", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestInviteExpired(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/api/logbooks/lb1/invites", "parent-1", map[string]any{"email": "olly@example.com", "role": "friend"})
	token, _ := decodeJSON(t, rr)["token"].(string)

	env.service.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	expectStatus(t, env.do(http.MethodPost, "/api/invites/"+token+"/redeem", "outsider", nil), http.StatusGone, "INVITE_EXPIRED")
}

func TestMutationsAreRateLimited(t *testing.T) {
	limiter := ratelimit.New(0, 1, time.Minute)
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, WithMutationLimiter(limiter))
	path := "/api/logbooks/lb1/pages/home/sections/stats/visibility"

	expectStatus(t, env.do(http.MethodPut, path, "parent-1", map[string]any{"visible": true}), http.StatusOK, "")
	rr := env.do(http.MethodPut, path, "parent-1", map[string]any{"visible": false})
	expectStatus(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "parent-1", nil), http.StatusOK, "")
}

func TestExportHTML(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/api/logbooks/lb1/pages/home/export?format=html", "friend-1", nil)
	require.Equal(t, http.StatusOK, rr.Code, "body=%s", rr.Body.String())
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "Smith-Family-home.html")
	assert.Contains(t, rr.Body.String(), "Our Family Logbook")

	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home/export?format=pdf", "friend-1", nil),
		http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE")
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home/export?format=docx", "friend-1", nil),
		http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/pages/home/export", "outsider", nil), http.StatusForbidden, "FORBIDDEN")
}

func TestMediaWithoutObjectStorage(t *testing.T) {
	env := newTestEnv(t)

	list := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/media", "friend-1", nil))
	assert.Empty(t, list["items"])

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	require.NoError(t, err)
	_, _ = part.Write([]byte("jpeg"))
	_ = mw.Close()

	upload := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/logbooks/lb1/media", bytes.NewReader(buf.Bytes()))
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+env.tokens[userID])
		rr := httptest.NewRecorder()
		env.server.ServeHTTP(rr, req)
		return rr
	}
	expectStatus(t, upload("friend-1"), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, upload("family-1"), http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")

	expectStatus(t, env.do(http.MethodPost, "/api/logbooks/lb1/media/archive", "family-1", map[string]any{}),
		http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/search", "friend-1", nil), http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	payload := decodeJSON(t, env.do(http.MethodGet, "/api/logbooks/lb1/search?q=welcome", "friend-1", nil))
	results, ok := payload["results"].([]any)
	require.True(t, ok, "%v", payload)
	assert.Empty(t, results)
	expectStatus(t, env.do(http.MethodGet, "/api/logbooks/lb1/search?q=x", "outsider", nil), http.StatusForbidden, "FORBIDDEN")
}

func TestMetricsRecordRoutePattern(t *testing.T) {
	m := metrics.New()
	env := newTestEnv(t, WithMetrics(m))

	env.do(http.MethodGet, "/api/logbooks/lb1/pages/home", "parent-1", nil)

	rr := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/api/logbooks/{logbookID}/pages/{pageType}"`)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"persistence", &store.PersistenceError{Op: "upsert override", Err: errors.New("reset")}, http.StatusServiceUnavailable, "TRY_AGAIN"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"conflict", store.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"domain", errLastParent, http.StatusConflict, "LAST_PARENT"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Our Family":     "our-family",
		"  ***  ":        "logbook",
		"Émile & Co.":    "mile-co",
		"already-a-slug": "already-a-slug",
	}
	for in, want := range cases {
		assert.Equal(t, want, slugify(in), "slugify(%q)", in)
	}
}
