package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// startMagicAuthResult is the provider's response to starting a challenge.
type startMagicAuthResult struct {
	pendingExternalUserID string
	expiresAt             *time.Time
}

// verifyMagicAuthResult is the provider's response to a successful code
// verification.
type verifyMagicAuthResult struct {
	externalUserID string
	email          string
	firstName      string
	lastName       string
}

// IdentityProvider starts and verifies magic-code authentication against an
// external or local identity source. Exactly one implementation is selected
// at startup via Config.Auth.ProviderMode.
type IdentityProvider interface {
	StartMagicAuth(ctx context.Context, email string) (startMagicAuthResult, error)
	VerifyMagicAuth(ctx context.Context, code, pendingExternalUserID, email, ipAddress, userAgent string) (verifyMagicAuthResult, error)
	Name() string
}

// MockIdentityProvider accepts a single fixed code, for local development
// and tests. Mirrors auth.rs's MockIdentityProvider.
type MockIdentityProvider struct {
	Code string
}

func (p *MockIdentityProvider) StartMagicAuth(_ context.Context, email string) (startMagicAuthResult, error) {
	expires := time.Now().Add(10 * time.Minute)
	return startMagicAuthResult{
		pendingExternalUserID: "mock_remote_" + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceDNS, []byte(email)).String(), "-", ""),
		expiresAt:             &expires,
	}, nil
}

func (p *MockIdentityProvider) VerifyMagicAuth(_ context.Context, code, pendingExternalUserID, email, _, _ string) (verifyMagicAuthResult, error) {
	if strings.TrimSpace(code) != p.Code {
		return verifyMagicAuthResult{}, validationErr("code", "that code is invalid or expired. Request a new code.")
	}
	local := email
	if idx := strings.IndexByte(email, '@'); idx >= 0 {
		local = email[:idx]
	}
	return verifyMagicAuthResult{
		externalUserID: pendingExternalUserID,
		email:          email,
		firstName:      local,
		lastName:       "Mock",
	}, nil
}

func (p *MockIdentityProvider) Name() string { return "mock" }

// UnavailableIdentityProvider refuses every call with a fixed explanatory
// message — selected when remote credentials are not configured.
type UnavailableIdentityProvider struct {
	Message string
}

func (p *UnavailableIdentityProvider) StartMagicAuth(context.Context, string) (startMagicAuthResult, error) {
	return startMagicAuthResult{}, providerErr(p.Message)
}

func (p *UnavailableIdentityProvider) VerifyMagicAuth(context.Context, string, string, string, string, string) (verifyMagicAuthResult, error) {
	return verifyMagicAuthResult{}, providerErr(p.Message)
}

func (p *UnavailableIdentityProvider) Name() string { return "remote" }

// RemoteIdentityProvider talks to a WorkOS-shaped hosted magic-auth API:
// POST {base}/user_management/magic_auth to start, POST
// {base}/user_management/authenticate to verify. Grounded on
// auth.rs's WorkosIdentityProvider, generalized past one vendor's name.
type RemoteIdentityProvider struct {
	ClientID string
	APIKey   string
	BaseURL  string
	HTTP     *http.Client
}

func NewRemoteIdentityProvider(clientID, apiKey, baseURL string) *RemoteIdentityProvider {
	return &RemoteIdentityProvider{
		ClientID: clientID,
		APIKey:   apiKey,
		BaseURL:  baseURL,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

type remoteMagicAuthResponse struct {
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

type remoteUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type remoteAuthenticateResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	User         remoteUser `json:"user"`
}

func (p *RemoteIdentityProvider) postForm(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return providerErr(fmt.Sprintf("unable to encode request: %v", err))
	}

	url := strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return providerErr(fmt.Sprintf("unable to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return providerErr(fmt.Sprintf("unable to contact identity provider: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity {
			return validationErr("code", "that code is invalid or expired. Request a new code.")
		}
		return providerErr(fmt.Sprintf("identity provider request failed (%d): %s", resp.StatusCode, string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return providerErr(fmt.Sprintf("invalid identity provider response payload: %v", err))
	}
	return nil
}

func (p *RemoteIdentityProvider) StartMagicAuth(ctx context.Context, email string) (startMagicAuthResult, error) {
	var out remoteMagicAuthResponse
	if err := p.postForm(ctx, "user_management/magic_auth", map[string]string{"email": email}, &out); err != nil {
		return startMagicAuthResult{}, err
	}
	pendingID := strings.TrimSpace(out.UserID)
	if pendingID == "" {
		return startMagicAuthResult{}, validationErr("email", "sign-in provider response was invalid. Please try again.")
	}
	var expires *time.Time
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(out.ExpiresAt)); err == nil {
		expires = &ts
	}
	return startMagicAuthResult{pendingExternalUserID: pendingID, expiresAt: expires}, nil
}

func (p *RemoteIdentityProvider) VerifyMagicAuth(ctx context.Context, code, pendingExternalUserID, email, ipAddress, userAgent string) (verifyMagicAuthResult, error) {
	emailPayload := map[string]interface{}{
		"client_id":     p.ClientID,
		"client_secret": p.APIKey,
		"grant_type":    "urn:remote:oauth:grant-type:magic-auth:code",
		"email":         email,
		"code":          code,
		"ip_address":    emptyToOmit(ipAddress),
		"user_agent":    emptyToOmit(userAgent),
	}

	var out remoteAuthenticateResponse
	err := p.postForm(ctx, "user_management/authenticate", emailPayload, &out)
	if err != nil {
		userPayload := map[string]interface{}{
			"client_id":     p.ClientID,
			"client_secret": p.APIKey,
			"grant_type":    "urn:remote:oauth:grant-type:magic-auth:code",
			"user_id":       pendingExternalUserID,
			"code":          code,
			"ip_address":    emptyToOmit(ipAddress),
			"user_agent":    emptyToOmit(userAgent),
		}
		if err2 := p.postForm(ctx, "user_management/authenticate", userPayload, &out); err2 != nil {
			return verifyMagicAuthResult{}, err2
		}
	}

	externalUserID := strings.TrimSpace(out.User.ID)
	resolvedEmail := strings.ToLower(strings.TrimSpace(out.User.Email))
	if externalUserID == "" || resolvedEmail == "" {
		return verifyMagicAuthResult{}, validationErr("code", "sign-in provider user payload was invalid. Please try again.")
	}

	if strings.TrimSpace(out.AccessToken) == "" || strings.TrimSpace(out.RefreshToken) == "" {
		return verifyMagicAuthResult{}, validationErr("code", "sign-in provider response was incomplete. Please try again.")
	}

	return verifyMagicAuthResult{
		externalUserID: externalUserID,
		email:          resolvedEmail,
		firstName:      out.User.FirstName,
		lastName:       out.User.LastName,
	}, nil
}

func (p *RemoteIdentityProvider) Name() string { return "remote" }

func emptyToOmit(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
