package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// SocialCallbackURL is the fixed redirect the Kiro auth service accepts.
const SocialCallbackURL = "http://127.0.0.1:19823/kiro-social-callback"

var kiroScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// FlowManager drives the interactive login flows. At most one device flow
// and one social flow can be in flight at a time.
type FlowManager struct {
	mu     sync.Mutex
	client *resty.Client
	logger zerolog.Logger

	device *deviceState
	social *socialState
}

type deviceState struct {
	clientID     string
	clientSecret string
	deviceCode   string
	userCode     string
	verification string
	interval     int
	region       string
	expiresAt    time.Time
}

type socialState struct {
	provider     string
	codeVerifier string
	oauthState   string
	expiresAt    time.Time
}

// NewFlowManager builds a login flow manager.
func NewFlowManager(logger zerolog.Logger) *FlowManager {
	return &FlowManager{
		client: resty.New().SetTimeout(httpTimeout),
		logger: logger.With().Str("component", "login").Logger(),
	}
}

// DeviceStart holds what the user needs to complete a device authorization.
type DeviceStart struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartDeviceFlow registers an OIDC client and requests a device code.
// Any previous in-flight device flow is replaced.
func (m *FlowManager) StartDeviceFlow(ctx context.Context, region string) (*DeviceStart, error) {
	if region == "" {
		region = defaultRegion
	}
	oidcBase := fmt.Sprintf("https://oidc.%s.amazonaws.com", region)

	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"clientName": "Kiro Proxy",
			"clientType": "public",
			"scopes":     kiroScopes,
			"grantTypes": []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
			"issuerUrl":  KiroStartURL,
		}).
		SetResult(&reg).
		Post(oidcBase + "/client/register")
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	if resp.IsError() || reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("client registration failed (%d): %s", resp.StatusCode(), resp.String())
	}

	var auth struct {
		DeviceCode              string `json:"deviceCode"`
		UserCode                string `json:"userCode"`
		VerificationURI         string `json:"verificationUri"`
		VerificationURIComplete string `json:"verificationUriComplete"`
		Interval                int    `json:"interval"`
		ExpiresIn               int    `json:"expiresIn"`
	}
	resp, err = m.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"clientId":     reg.ClientID,
			"clientSecret": reg.ClientSecret,
			"startUrl":     KiroStartURL,
		}).
		SetResult(&auth).
		Post(oidcBase + "/device_authorization")
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}
	if resp.IsError() || auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("device authorization failed (%d): %s", resp.StatusCode(), resp.String())
	}

	verification := auth.VerificationURIComplete
	if verification == "" {
		verification = auth.VerificationURI
	}
	interval := auth.Interval
	if interval <= 0 {
		interval = 5
	}
	expiresIn := auth.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 600
	}

	m.mu.Lock()
	m.device = &deviceState{
		clientID:     reg.ClientID,
		clientSecret: reg.ClientSecret,
		deviceCode:   auth.DeviceCode,
		userCode:     auth.UserCode,
		verification: verification,
		interval:     interval,
		region:       region,
		expiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	m.mu.Unlock()

	m.logger.Info().Str("user_code", auth.UserCode).Msg("device flow started")
	return &DeviceStart{
		UserCode:        auth.UserCode,
		VerificationURI: verification,
		ExpiresIn:       expiresIn,
		Interval:        interval,
	}, nil
}

// DevicePoll is the outcome of one polling attempt.
type DevicePoll struct {
	Completed   bool         `json:"completed"`
	Status      string       `json:"status,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// PollDeviceFlow checks whether the user has completed the authorization.
// Terminal OIDC errors (expired, denied) clear the flow state.
func (m *FlowManager) PollDeviceFlow(ctx context.Context) (*DevicePoll, error) {
	m.mu.Lock()
	st := m.device
	if st != nil && time.Now().After(st.expiresAt) {
		m.device = nil
		st = nil
	}
	m.mu.Unlock()
	if st == nil {
		return nil, fmt.Errorf("no login in progress")
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		Error        string `json:"error"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"clientId":     st.clientID,
			"clientSecret": st.clientSecret,
			"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
			"deviceCode":   st.deviceCode,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("https://oidc.%s.amazonaws.com/token", st.region))
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	if resp.IsSuccess() {
		creds := &Credentials{
			AccessToken:  out.AccessToken,
			RefreshToken: out.RefreshToken,
			ExpiresAt:    expiryFromNow(out.ExpiresIn),
			ClientID:     st.clientID,
			ClientSecret: st.clientSecret,
			Region:       st.region,
			AuthMethod:   MethodIdC,
		}
		m.mu.Lock()
		m.device = nil
		m.mu.Unlock()
		m.logger.Info().Msg("device flow completed")
		return &DevicePoll{Completed: true, Credentials: creds}, nil
	}

	switch out.Error {
	case "authorization_pending":
		return &DevicePoll{Status: "pending"}, nil
	case "slow_down":
		return &DevicePoll{Status: "slow_down"}, nil
	case "expired_token":
		m.clearDevice()
		return nil, fmt.Errorf("authorization expired, start over")
	case "access_denied":
		m.clearDevice()
		return nil, fmt.Errorf("authorization denied by user")
	default:
		return nil, fmt.Errorf("token request failed (%d): %s", resp.StatusCode(), resp.String())
	}
}

// CancelDeviceFlow drops the in-flight device flow, if any.
func (m *FlowManager) CancelDeviceFlow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return false
	}
	m.device = nil
	return true
}

func (m *FlowManager) clearDevice() {
	m.mu.Lock()
	m.device = nil
	m.mu.Unlock()
}

// DeviceStatus describes the in-flight device flow for the admin UI.
type DeviceStatus struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlowStatus returns nil when no device flow is in flight.
func (m *FlowManager) DeviceFlowStatus() *DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	if time.Now().After(m.device.expiresAt) {
		m.device = nil
		return nil
	}
	return &DeviceStatus{
		UserCode:        m.device.userCode,
		VerificationURI: m.device.verification,
		ExpiresIn:       int(time.Until(m.device.expiresAt).Seconds()),
		Interval:        m.device.interval,
	}
}

// SocialStart holds the browser URL for a social (Google/GitHub) login.
type SocialStart struct {
	LoginURL string `json:"login_url"`
	State    string `json:"state"`
	Provider string `json:"provider"`
}

// StartSocialAuth begins a PKCE login against the Kiro desktop auth service.
func (m *FlowManager) StartSocialAuth(provider string) (*SocialStart, error) {
	var normalized string
	switch strings.ToLower(provider) {
	case "google":
		normalized = "Google"
	case "github":
		normalized = "Github"
	default:
		return nil, fmt.Errorf("unsupported login provider: %s", provider)
	}

	verifier := randomURLSafe(64)
	challenge := pkceChallenge(verifier)
	state := randomURLSafe(32)

	loginURL := fmt.Sprintf(
		"%s/login?idp=%s&redirect_uri=%s&code_challenge=%s&code_challenge_method=S256&state=%s",
		KiroAuthEndpoint, normalized,
		url.QueryEscape(SocialCallbackURL),
		url.QueryEscape(challenge),
		url.QueryEscape(state),
	)

	m.mu.Lock()
	m.social = &socialState{
		provider:     normalized,
		codeVerifier: verifier,
		oauthState:   state,
		expiresAt:    time.Now().Add(10 * time.Minute),
	}
	m.mu.Unlock()

	m.logger.Info().Str("provider", normalized).Msg("social auth started")
	return &SocialStart{LoginURL: loginURL, State: state, Provider: normalized}, nil
}

// ExchangeSocialCode trades the authorization code for credentials. The
// state must match the one issued by StartSocialAuth.
func (m *FlowManager) ExchangeSocialCode(ctx context.Context, code, state string) (*Credentials, error) {
	m.mu.Lock()
	st := m.social
	m.social = nil
	m.mu.Unlock()

	if st == nil {
		return nil, fmt.Errorf("no social login in progress")
	}
	if state != st.oauthState {
		return nil, fmt.Errorf("oauth state mismatch")
	}
	if time.Now().After(st.expiresAt) {
		return nil, fmt.Errorf("login expired, start over")
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  SocialCallbackURL,
			"code_verifier": st.codeVerifier,
		}).
		SetResult(&out).
		Post(KiroAuthEndpoint + "/oauth/token")
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return nil, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode(), resp.String())
	}

	m.logger.Info().Str("provider", st.provider).Msg("social auth completed")
	return &Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    expiryFromNow(out.ExpiresIn),
		AuthMethod:   MethodSocial,
	}, nil
}

// CancelSocialAuth drops the in-flight social flow, if any.
func (m *FlowManager) CancelSocialAuth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.social == nil {
		return false
	}
	m.social = nil
	return true
}

func randomURLSafe(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
