package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// OAuthRefresher performs the OAuth2 refresh_token grant against a token endpoint
type OAuthRefresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewOAuthRefresher creates a refresher for tokenURL
func NewOAuthRefresher(tokenURL, clientID, clientSecret string, timeout time.Duration) *OAuthRefresher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OAuthRefresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges cred's refresh token for a new access token
func (r *OAuthRefresher) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token for %s", cred.DestinationID)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode, tok.Error, tok.ErrorDescription)
	}

	fresh := &models.Credential{
		DestinationID: cred.DestinationID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		fresh.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return fresh, nil
}
