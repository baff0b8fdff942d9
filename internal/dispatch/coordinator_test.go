package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
)

// scriptedForwarder returns canned responses per access token, in order.
type scriptedForwarder struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     int
	lastReq   *Request
}

func (f *scriptedForwarder) Forward(_ context.Context, req *Request, _, _ string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.lastReq = req
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &Response{StatusCode: 200, Body: []byte(`{"content":"ok"}`)}, nil
}

type recordedCall struct {
	accountID string
	status    int
	errKind   string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) Record(accountID, _ string, statusCode int, _ int64, errKind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{accountID: accountID, status: statusCode, errKind: errKind})
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(context.Context, string) (string, error) { return "summary", nil }

type noopRefresher struct{}

func (noopRefresher) Refresh(_ context.Context, creds *auth.Credentials) (*auth.Credentials, error) {
	out := *creds
	out.ExpiresAt = time.Now().Add(time.Hour).Format(time.RFC3339)
	return &out, nil
}

// failingRefresher rejects one refresh token and renews everything else.
type failingRefresher struct{ badToken string }

func (r failingRefresher) Refresh(_ context.Context, creds *auth.Credentials) (*auth.Credentials, error) {
	if creds.RefreshToken == r.badToken {
		return nil, errors.New("invalid_grant")
	}
	out := *creds
	out.ExpiresAt = time.Now().Add(time.Hour).Format(time.RFC3339)
	return &out, nil
}

type noopFetcher struct{}

func (noopFetcher) FetchUsage(context.Context, string, string) (quota.UsageInfo, error) {
	return quota.UsageInfo{UsageLimit: 100}, nil
}

type coordinatorFixture struct {
	dir       string
	registry  *account.Registry
	selector  *account.Selector
	cooldowns *quota.CooldownTable
	forwarder *scriptedForwarder
	recorder  *fakeRecorder
	coord     *Coordinator
}

func newCoordinatorFixture(t *testing.T, limiterEnabled bool) *coordinatorFixture {
	t.Helper()
	return newCoordinatorFixtureWith(t, limiterEnabled, noopRefresher{})
}

func newCoordinatorFixtureWith(t *testing.T, limiterEnabled bool, tokenRefresher auth.TokenRefresher) *coordinatorFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()
	cache := quota.NewCache(filepath.Join(dir, "quota_cache.json"), logger)
	cooldowns := quota.NewCooldownTable()
	limiter := ratelimit.NewLimiter(config.RateLimitSettings{
		Enabled:                    limiterEnabled,
		MaxRequestsPerMinute:       1000,
		GlobalMaxRequestsPerMinute: 1000,
		QuotaCooldownSeconds:       30,
	}, logger)
	selector := account.NewSelector(cache, filepath.Join(dir, "priority.json"), logger)
	registry := account.NewRegistry(filepath.Join(dir, "accounts.json"), cache, cooldowns, limiter, selector, logger)

	refresher := refresh.NewManager(registry, tokenRefresher, noopFetcher{}, cache, config.RefreshSettings{
		MaxRetries:               1,
		RetryBaseDelaySeconds:    0.001,
		Concurrency:              1,
		TokenRefreshBeforeExpiry: 300,
		AutoRefreshInterval:      60,
	}, logger)
	compressor := history.NewCompressor(config.HistorySettings{
		MaxRetries:          3,
		AddWarningHeader:    true,
		SummaryCacheEnabled: false,
	}, logger)

	f := &coordinatorFixture{
		dir:       dir,
		registry:  registry,
		selector:  selector,
		cooldowns: cooldowns,
		forwarder: &scriptedForwarder{},
		recorder:  &fakeRecorder{},
	}
	f.coord = NewCoordinator(registry, limiter, refresher, compressor, f.forwarder, stubSummarizer{}, f.recorder, logger)
	return f
}

func (f *coordinatorFixture) addAccount(t *testing.T, name string) *account.Account {
	t.Helper()
	return f.addAccountCreds(t, name, &auth.Credentials{
		AccessToken:  "tok-" + name,
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func (f *coordinatorFixture) addAccountCreds(t *testing.T, name string, creds *auth.Credentials) *account.Account {
	t.Helper()
	tokenPath := filepath.Join(f.dir, name+".json")
	require.NoError(t, creds.Save(tokenPath))
	a, err := f.registry.Add(name, tokenPath)
	require.NoError(t, err)
	return a
}

func simpleRequest() *Request {
	return &Request{
		SessionID:   "sess1",
		ModelID:     "claude-sonnet-4",
		History:     []history.Entry{{UserInput: &history.UserMessage{Content: "hello"}}},
		UserContent: "hello again",
	}
}

func TestDispatchSuccess(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	a := f.addAccount(t, "alpha")

	out, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, a.ID, out.AccountID)
	assert.Equal(t, 1, a.Requests())

	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, recordedCall{accountID: a.ID, status: 200}, f.recorder.calls[0])
}

func TestDispatchNoAccounts(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	_, err := f.coord.Dispatch(context.Background(), simpleRequest())
	assert.ErrorIs(t, err, account.ErrNoAccounts)
}

func TestDispatchRateLimitFailsOver(t *testing.T) {
	f := newCoordinatorFixture(t, true)
	f.addAccount(t, "alpha")
	f.addAccount(t, "beta")

	f.forwarder.responses = []*Response{
		{StatusCode: 429, Body: []byte("quota exceeded")},
		{StatusCode: 200, Body: []byte("ok")},
	}

	out, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, 2, f.forwarder.calls)

	// the first account went on cooldown and the failure was recorded
	var rateLimited []recordedCall
	for _, c := range f.recorder.calls {
		if c.errKind == "rate_limited" {
			rateLimited = append(rateLimited, c)
		}
	}
	require.Len(t, rateLimited, 1)
	assert.Equal(t, 429, rateLimited[0].status)
	assert.NotEqual(t, out.AccountID, rateLimited[0].accountID)
	assert.True(t, f.cooldowns.IsCoolingDown(rateLimited[0].accountID))
}

func TestDispatchRateLimitNoFallback(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")

	f.forwarder.responses = []*Response{{StatusCode: 429, Body: []byte("quota exceeded")}}

	_, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.Error(t, err)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 429, ue.StatusCode)
}

func TestDispatchRateLimitDoesNotLoop(t *testing.T) {
	// both accounts reject: the tried set stops the ping-pong
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")
	f.addAccount(t, "beta")

	f.forwarder.responses = []*Response{
		{StatusCode: 429, Body: []byte("quota exceeded")},
		{StatusCode: 429, Body: []byte("quota exceeded")},
	}

	_, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.LessOrEqual(t, f.forwarder.calls, 2)
}

func TestDispatchContentLengthCompressesAndRetries(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")

	// big enough for the length retry to have something to cut, but under
	// the auto-compress threshold so preprocessing stays out of the way
	filler := strings.Repeat("x", 5000)
	req := simpleRequest()
	req.History = make([]history.Entry, 0, 22)
	for i := 0; i < 22; i++ {
		if i%2 == 0 {
			req.History = append(req.History, history.Entry{UserInput: &history.UserMessage{Content: "user turn " + filler}})
		} else {
			req.History = append(req.History, history.Entry{AssistantResponse: &history.AssistantMessage{Content: "assistant turn " + filler}})
		}
	}

	f.forwarder.responses = []*Response{
		{StatusCode: 400, Body: []byte("CONTENT_LENGTH_EXCEEDS_THRESHOLD")},
		{StatusCode: 200, Body: []byte("ok")},
	}

	out, err := f.coord.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, 2, f.forwarder.calls)
	assert.NotEmpty(t, out.CompressionInfo)
	assert.Less(t, len(f.forwarder.lastReq.History), 22, "retry went out with a smaller history")
}

func TestDispatchContentLengthGivesUp(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")

	// too few messages to shrink further
	req := simpleRequest()
	f.forwarder.responses = []*Response{{StatusCode: 400, Body: []byte("Input is too long")}}

	_, err := f.coord.Dispatch(context.Background(), req)
	require.Error(t, err)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 400, ue.StatusCode)
	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, "content_length", f.recorder.calls[0].errKind)
}

func TestDispatchUpstreamErrorMarksAccount(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	a := f.addAccount(t, "alpha")

	f.forwarder.responses = []*Response{{StatusCode: 500, Body: []byte("internal")}}

	_, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.Equal(t, 1, a.Errors())
	assert.Zero(t, a.Requests())
	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, "upstream_error", f.recorder.calls[0].errKind)
}

func TestDispatchTransientFailsOver(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")
	f.addAccount(t, "beta")

	f.forwarder.responses = []*Response{
		{StatusCode: 503, Body: []byte("overloaded")},
		{StatusCode: 200, Body: []byte("ok")},
	}

	out, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, 2, f.forwarder.calls)

	require.Len(t, f.recorder.calls, 2)
	assert.Equal(t, "upstream_error", f.recorder.calls[0].errKind)
	assert.Equal(t, 503, f.recorder.calls[0].status)
	assert.NotEqual(t, f.recorder.calls[0].accountID, out.AccountID)

	// a 5xx is not a quota problem, no cooldown
	assert.False(t, f.cooldowns.IsCoolingDown(f.recorder.calls[0].accountID))
}

func TestDispatchContextCancelNoPenalty(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	a := f.addAccount(t, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	f.forwarder.errs = []error{context.Canceled}
	cancel()

	_, err := f.coord.Dispatch(ctx, simpleRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.Errors(), "cancellation is not the account's fault")
	assert.Empty(t, f.recorder.calls)
}

func TestDispatchAuthErrorRefreshesAndReplays(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")

	f.forwarder.responses = []*Response{
		{StatusCode: 401, Body: []byte("unauthorized")},
		{StatusCode: 200, Body: []byte("ok")},
	}

	out, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, out.Response.StatusCode)
	assert.Equal(t, 2, f.forwarder.calls, "one transparent replay after the token refresh")
}

func TestDispatchPreflightRefreshFailureFailsOver(t *testing.T) {
	f := newCoordinatorFixtureWith(t, false, failingRefresher{badToken: "bad-refresh"})
	alpha := f.addAccountCreds(t, "alpha", &auth.Credentials{
		AccessToken:  "tok-alpha",
		RefreshToken: "bad-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	beta := f.addAccount(t, "beta")
	known := map[string]bool{alpha.ID: true, beta.ID: true}
	require.NoError(t, f.selector.SetPriority([]string{alpha.ID}, known))

	req := simpleRequest()
	req.SessionID = ""
	out, err := f.coord.Dispatch(context.Background(), req)
	require.NoError(t, err, "a healthy account must pick up the request")
	assert.Equal(t, beta.ID, out.AccountID)
	assert.Equal(t, 1, f.forwarder.calls)
	assert.Equal(t, account.StatusUnhealthy, alpha.CurrentStatus())
}

func TestDispatchAuthRefreshFailureFailsOver(t *testing.T) {
	f := newCoordinatorFixtureWith(t, false, failingRefresher{badToken: "bad-refresh"})
	alpha := f.addAccountCreds(t, "alpha", &auth.Credentials{
		AccessToken:  "tok-alpha",
		RefreshToken: "bad-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	beta := f.addAccount(t, "beta")
	known := map[string]bool{alpha.ID: true, beta.ID: true}
	require.NoError(t, f.selector.SetPriority([]string{alpha.ID}, known))

	// the 401 triggers a refresh that fails terminally; the request moves on
	f.forwarder.responses = []*Response{
		{StatusCode: 401, Body: []byte("unauthorized")},
		{StatusCode: 200, Body: []byte("ok")},
	}

	req := simpleRequest()
	req.SessionID = ""
	out, err := f.coord.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, beta.ID, out.AccountID)
	assert.Equal(t, 2, f.forwarder.calls)
	assert.Equal(t, account.StatusUnhealthy, alpha.CurrentStatus())

	require.NotEmpty(t, f.recorder.calls)
	assert.Equal(t, "token_refresh", f.recorder.calls[0].errKind)
	assert.Equal(t, alpha.ID, f.recorder.calls[0].accountID)
}

func TestDispatchSessionStickiness(t *testing.T) {
	f := newCoordinatorFixture(t, false)
	f.addAccount(t, "alpha")
	f.addAccount(t, "beta")

	first, err := f.coord.Dispatch(context.Background(), simpleRequest())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := f.coord.Dispatch(context.Background(), simpleRequest())
		require.NoError(t, err)
		assert.Equal(t, first.AccountID, again.AccountID)
	}
}

func TestUpstreamErrorText(t *testing.T) {
	err := &UpstreamError{StatusCode: 429, Body: "slow down"}
	assert.Contains(t, err.Error(), "429")
	assert.True(t, refresh.IsRateLimitError(err))

	err = &UpstreamError{StatusCode: 401, Body: "bad token"}
	assert.True(t, refresh.IsAuthError(err))
}
