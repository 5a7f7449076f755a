package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"marketsync/internal/auth"
	"marketsync/internal/models"
	"marketsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedHealth struct{}

func (fixedHealth) Peers() int       { return 2 }
func (fixedHealth) Subscribers() int { return 5 }

type servers struct {
	store *storage.BboltStorage
	api   http.Handler
	admin http.Handler
}

func newServers(t *testing.T) *servers {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "http.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("http-test")),
	}, store)
	require.NoError(t, err)

	api := NewAPI(authService, store, fixedHealth{}, nil)
	return &servers{
		store: store,
		api:   NewAPIServer(api, nil, "").Handler(),
		admin: NewAdminServer(api, "").Handler(),
	}
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (s *servers) issue(t *testing.T, userID, displayName string) string {
	t.Helper()
	rec := do(t, s.admin, http.MethodPost, "/admin/tokens", "", `{"userId":"`+userID+`","displayName":"`+displayName+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp IssueTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestIssueTokenAndMe(t *testing.T) {
	s := newServers(t)
	token := s.issue(t, "alice", "Alice A.")

	rec := do(t, s.api, http.MethodGet, "/api/me", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me models.Profile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, models.Profile{ID: "alice", DisplayName: "Alice A."}, me)

	assert.Equal(t, http.StatusUnauthorized, do(t, s.api, http.MethodGet, "/api/me", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.api, http.MethodGet, "/api/me", "forged", "").Code)

	require.Equal(t, http.StatusOK, do(t, s.api, http.MethodPost, "/api/logoff", token, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.api, http.MethodGet, "/api/me", token, "").Code)
}

func TestIssueToken_Invalid(t *testing.T) {
	s := newServers(t)

	tests := []struct {
		name string
		body string
	}{
		{"Not JSON", "{"},
		{"Missing user", `{}`},
		{"Bad user id", `{"userId":"no spaces please"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.admin, http.MethodPost, "/admin/tokens", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestPushSubscriptions(t *testing.T) {
	s := newServers(t)
	token := s.issue(t, "bob", "")
	ctx := context.Background()

	body := `{"endpoint":"https://push.example/abc","keys":{"p256dh":"key","auth":"secret"}}`
	require.Equal(t, http.StatusCreated, do(t, s.api, http.MethodPost, "/api/push-subscriptions", token, body).Code)

	subs, err := s.store.ListPushSubscriptions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "key", subs[0].P256dh)

	assert.Equal(t, http.StatusBadRequest,
		do(t, s.api, http.MethodPost, "/api/push-subscriptions", token, `{"endpoint":"mailto:x","keys":{"p256dh":"k","auth":"a"}}`).Code)

	require.Equal(t, http.StatusNoContent, do(t, s.api, http.MethodDelete, "/api/push-subscriptions", token, `{"endpoint":"https://push.example/abc"}`).Code)
	subs, err = s.store.ListPushSubscriptions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestHealth(t *testing.T) {
	s := newServers(t)
	rec := do(t, s.api, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["peers"])
	assert.EqualValues(t, 5, body["subscribers"])
}
