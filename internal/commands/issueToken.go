package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marketsync/internal/config"
	apihttp "marketsync/internal/http"
)

// IssueToken asks the running server's admin API for a session token and
// prints it together with the realtime URL.
func IssueToken(userID, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(apihttp.IssueTokenRequest{UserID: userID, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/tokens", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result apihttp.IssueTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nToken issued.\n")
	fmt.Printf("User:       %s\n", result.UserID)
	fmt.Printf("Token:      %s\n", result.Token)
	fmt.Printf("Expires at: %s\n", result.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Realtime:   %s\n\n", RealtimeURL(cfg.BaseURL))
	return nil
}

// RealtimeURL derives the websocket endpoint from the public base URL.
func RealtimeURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/realtime"
}
