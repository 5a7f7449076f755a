package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketsync/internal/content"
	"marketsync/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const DefaultTokenExpiry = 12 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

type TokenStore interface {
	UpsertToken(session models.Session) error
	DeleteToken(tokenHash string) error
	ListTokens() ([]models.Session, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) > blake2b.Size {
		return fmt.Errorf("auth secret must be at most %d bytes", blake2b.Size)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// AuthService issues opaque session tokens. Only keyed hashes of the tokens
// are kept, in memory and in the token store.
type AuthService struct {
	Config
	store      TokenStore
	liveTokens geche.Geche[string, models.Session]
	now        func() time.Time
}

// NewAuthService loads the persisted sessions that have not expired yet.
func NewAuthService(ctx context.Context, config Config, store TokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, models.Session](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	sessions, err := store.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	now := as.now()
	for _, s := range sessions {
		if !now.Before(s.ExpiresAt) {
			if err := store.DeleteToken(s.TokenHash); err != nil {
				slog.Error("failed to delete expired session", "user_id", s.UserID, "error", err)
			}
			continue
		}
		as.liveTokens.Set(s.TokenHash, s)
	}

	return as, nil
}

func (as *AuthService) hashToken(token string) string {
	// Validate guarantees the key length.
	h, _ := blake2b.New256(as.secretBytes)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// IssueToken starts a session for userID.
func (as *AuthService) IssueToken(userID string) (string, time.Time, error) {
	if err := content.ValidateUserID(userID); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %w", models.ErrInvalid, err)
	}

	token, err := as.generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	session := models.Session{
		TokenHash: as.hashToken(token),
		UserID:    userID,
		ExpiresAt: as.now().Add(as.TokenExpiry),
	}
	if err := as.store.UpsertToken(session); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store session: %w", err)
	}
	as.liveTokens.Set(session.TokenHash, session)

	return token, session.ExpiresAt, nil
}

func (as *AuthService) Logoff(token string) error {
	hash := as.hashToken(token)
	_ = as.liveTokens.Del(hash)
	return as.store.DeleteToken(hash)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	hash := as.hashToken(token)
	session, err := as.liveTokens.Get(hash)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !as.now().Before(session.ExpiresAt) {
		_ = as.liveTokens.Del(hash)
		if err := as.store.DeleteToken(hash); err != nil {
			slog.Error("failed to delete expired session", "user_id", session.UserID, "error", err)
		}
		return "", ErrInvalidToken
	}
	return session.UserID, nil
}
