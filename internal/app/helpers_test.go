package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"logbook/api/internal/authpw"
	"logbook/api/internal/config"
	"logbook/api/internal/store"
)

type testEnv struct {
	t       *testing.T
	mem     *store.MemoryStore
	service *Service
	server  http.Handler
	tokens  map[string]string
}

// newTestEnv seeds logbook lb1 with a parent, a family member and a friend,
// plus an outsider who belongs to no logbook.
func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()

	users := []store.User{
		{ID: "parent-1", DisplayName: "Pat", Email: "pat@example.com"},
		{ID: "family-1", DisplayName: "Fay", Email: "fay@example.com"},
		{ID: "friend-1", DisplayName: "Fred", Email: "fred@example.com"},
		{ID: "outsider", DisplayName: "Olly", Email: "olly@example.com"},
	}
	for _, u := range users {
		require.NoError(t, mem.CreateUser(ctx, u))
	}
	_, err := mem.CreateLogbook(ctx, store.Logbook{ID: "lb1", Name: "Smith Family", Slug: "smith", Theme: "classic", CreatedBy: "parent-1"})
	require.NoError(t, err)
	for id, role := range map[string]string{"family-1": "family", "friend-1": "friend"} {
		require.NoError(t, mem.AddMembership(ctx, store.Membership{LogbookID: "lb1", UserID: id, Role: role}))
	}

	svc := New(Deps{
		Config: config.Config{
			JWTSecret:   "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
			InviteTTL:   24 * time.Hour,
			MaxUploadMB: 1,
			PublicURL:   "http://localhost:5173",
		},
		Store:  mem,
		Logger: zerolog.Nop(),
	})
	svc.passwords = authpw.NewService(mem).WithCost(bcrypt.MinCost)

	env := &testEnv{
		t:       t,
		mem:     mem,
		service: svc,
		server:  NewHTTPServer(svc, "*", opts...).Handler(),
		tokens:  map[string]string{},
	}
	for _, u := range users {
		session, err := svc.issueSession(ctx, u)
		require.NoError(t, err)
		env.tokens[u.ID] = session.Token
	}
	return env
}

// do sends body as JSON when it is not nil and returns the recorder.
func (e *testEnv) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[userID])
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	require.Equal(t, status, rr.Code, "body=%s", rr.Body.String())
	if code == "" {
		return nil
	}
	payload := decodeJSON(t, rr)
	require.Equal(t, code, payload["code"])
	return payload
}
