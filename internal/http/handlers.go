package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"marketsync/internal/models"
)

type Authenticator interface {
	IssueToken(userID string) (string, time.Time, error)
	GetUserID(token string) (string, error)
	Logoff(token string) error
}

type Store interface {
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
	UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

// Health reports live realtime state for /healthz.
type Health interface {
	Peers() int
	Subscribers() int
}

type API struct {
	auth   Authenticator
	store  Store
	health Health
	logger *slog.Logger
}

func NewAPI(auth Authenticator, store Store, health Health, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{auth: auth, store: store, health: health, logger: logger}
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}

func getToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy to status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrContentRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	profile, err := a.store.GetProfile(r.Context(), userID)
	if errors.Is(err, models.ErrNotFound) {
		profile = models.Profile{ID: userID, DisplayName: userID}
	} else if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, profile)
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscribePushHandler registers a browser push subscription, in the
// PushSubscription.toJSON() shape.
func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") && !strings.HasPrefix(req.Endpoint, "http://") {
		http.Error(w, "Endpoint must be an URL", http.StatusBadRequest)
		return
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		http.Error(w, "Subscription keys are required", http.StatusBadRequest)
		return
	}

	err := a.store.UpsertPushSubscription(r.Context(), models.PushSubscription{
		UserID:   userIDFrom(r.Context()),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.store.DeletePushSubscription(r.Context(), userIDFrom(r.Context()), req.Endpoint); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"peers":       a.health.Peers(),
		"subscribers": a.health.Subscribers(),
	})
}

type IssueTokenRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type IssueTokenResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// IssueTokenHandler is admin only: it creates the profile if needed and
// starts a session for the user.
func (a *API) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := a.auth.IssueToken(req.UserID)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, IssueTokenResponse{Message: err.Error()})
		return
	}

	if _, err := a.store.GetProfile(r.Context(), req.UserID); errors.Is(err, models.ErrNotFound) || req.DisplayName != "" {
		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.UserID
		}
		if err := a.store.UpsertProfile(r.Context(), models.Profile{ID: req.UserID, DisplayName: displayName}); err != nil {
			a.writeError(w, err)
			return
		}
	}

	a.writeJSON(w, http.StatusOK, IssueTokenResponse{
		Success:   true,
		UserID:    req.UserID,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
