package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"marketsync/internal/models"
)

type memTokens struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func newMemTokens() *memTokens {
	return &memTokens{sessions: map[string]models.Session{}}
}

func (m *memTokens) UpsertToken(s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.TokenHash] = s
	return nil
}

func (m *memTokens) DeleteToken(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, hash)
	return nil
}

func (m *memTokens) ListTokens() ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memTokens) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	cfg := Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
		TokenExpiry: time.Hour,
	}

	// Helper to create service with fixed time
	createService := func(t *testing.T, store *memTokens) (*AuthService, *time.Time) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		svc, err := NewAuthService(ctx, cfg, store)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndResolve", func(t *testing.T) {
		store := newMemTokens()
		svc, _ := createService(t, store)

		token, expiresAt, err := svc.IssueToken("alice")
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		if !expiresAt.Equal(time.Unix(t0Unix, 0).Add(time.Hour)) {
			t.Errorf("unexpected expiry %v", expiresAt)
		}

		userID, err := svc.GetUserID(token)
		if err != nil || userID != "alice" {
			t.Errorf("GetUserID() = %q, %v; want alice", userID, err)
		}

		for hash := range store.sessions {
			if hash == token {
				t.Errorf("raw token must not be stored")
			}
		}
	})

	t.Run("InvalidUserID", func(t *testing.T) {
		svc, _ := createService(t, newMemTokens())
		if _, _, err := svc.IssueToken("bad user"); !errors.Is(err, models.ErrInvalid) {
			t.Errorf("Expected ErrInvalid, got %v", err)
		}
	})

	t.Run("UnknownToken", func(t *testing.T) {
		svc, _ := createService(t, newMemTokens())
		for _, token := range []string{"", "nope"} {
			if _, err := svc.GetUserID(token); err != ErrInvalidToken {
				t.Errorf("GetUserID(%q) error = %v, want ErrInvalidToken", token, err)
			}
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		store := newMemTokens()
		svc, now := createService(t, store)

		token, _, err := svc.IssueToken("alice")
		if err != nil {
			t.Fatal(err)
		}

		*now = now.Add(time.Hour)
		if _, err := svc.GetUserID(token); err != ErrInvalidToken {
			t.Errorf("Expected expired token to be rejected, got %v", err)
		}
		if store.len() != 0 {
			t.Errorf("expired session should be deleted from the store")
		}
	})

	t.Run("Logoff", func(t *testing.T) {
		store := newMemTokens()
		svc, _ := createService(t, store)

		token, _, _ := svc.IssueToken("alice")
		if err := svc.Logoff(token); err != nil {
			t.Fatalf("Logoff failed: %v", err)
		}
		if _, err := svc.GetUserID(token); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken after logoff, got %v", err)
		}
		if store.len() != 0 {
			t.Errorf("session should be deleted from the store")
		}
	})

	t.Run("SessionsSurviveRestart", func(t *testing.T) {
		store := newMemTokens()
		svc, _ := createService(t, store)
		// Sessions are loaded with the real clock.
		svc.now = time.Now
		token, _, _ := svc.IssueToken("alice")

		if err := store.UpsertToken(models.Session{TokenHash: "stale", UserID: "bob", ExpiresAt: time.Unix(t0Unix, 0)}); err != nil {
			t.Fatal(err)
		}

		restarted, _ := createService(t, store)
		if userID, err := restarted.GetUserID(token); err != nil || userID != "alice" {
			t.Errorf("GetUserID() after restart = %q, %v", userID, err)
		}
		if store.len() != 1 {
			t.Errorf("expired session should be dropped on load, have %d", store.len())
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"Empty", "", true},
		{"Not base64", "%%%", true},
		{"Too long", base64.StdEncoding.EncodeToString(make([]byte, 65)), true},
		{"Valid", base64.StdEncoding.EncodeToString([]byte("server-secret")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Secret: tt.secret}
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg.TokenExpiry != DefaultTokenExpiry {
				t.Errorf("TokenExpiry = %v, want default", cfg.TokenExpiry)
			}
		})
	}
}
