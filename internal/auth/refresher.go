package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Kiro OIDC endpoints.
const (
	KiroStartURL     = "https://view.awsapps.com/start"
	KiroAuthEndpoint = "https://prod.us-east-1.auth.desktop.kiro.dev"

	defaultRegion = "us-east-1"
	httpTimeout   = 30 * time.Second
)

// TokenRefresher exchanges a refresh token for fresh credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context, creds *Credentials) (*Credentials, error)
}

// HTTPRefresher implements TokenRefresher against the real Kiro endpoints:
// AWS OIDC for IdC accounts, the Kiro desktop auth service for social ones.
type HTTPRefresher struct {
	client *resty.Client
	logger zerolog.Logger
}

// NewHTTPRefresher builds a refresher with a 30s request timeout.
func NewHTTPRefresher(logger zerolog.Logger) *HTTPRefresher {
	return &HTTPRefresher{
		client: resty.New().SetTimeout(httpTimeout),
		logger: logger.With().Str("component", "refresher").Logger(),
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	if creds.AuthMethod == MethodSocial {
		return r.refreshSocial(ctx, creds)
	}
	return r.refreshIdC(ctx, creds)
}

func (r *HTTPRefresher) refreshIdC(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("idc credentials missing clientId/clientSecret")
	}
	region := creds.Region
	if region == "" {
		region = defaultRegion
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
			"grantType":    "refresh_token",
			"refreshToken": creds.RefreshToken,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region))
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode(), resp.String())
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("token response missing accessToken")
	}

	updated := *creds
	updated.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		updated.RefreshToken = out.RefreshToken
	}
	updated.ExpiresAt = expiryFromNow(out.ExpiresIn)
	r.logger.Debug().Str("region", region).Msg("idc token refreshed")
	return &updated, nil
}

func (r *HTTPRefresher) refreshSocial(ctx context.Context, creds *Credentials) (*Credentials, error) {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": creds.RefreshToken,
		}).
		SetResult(&out).
		Post(KiroAuthEndpoint + "/oauth/token")
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode(), resp.String())
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	updated := *creds
	updated.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		updated.RefreshToken = out.RefreshToken
	}
	updated.ExpiresAt = expiryFromNow(out.ExpiresIn)
	r.logger.Debug().Msg("social token refreshed")
	return &updated, nil
}

func expiryFromNow(expiresIn int) string {
	if expiresIn <= 0 {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Add(time.Duration(expiresIn) * time.Second).Format(time.RFC3339)
}
