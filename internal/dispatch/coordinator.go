package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
)

// Outcome is a successful dispatch.
type Outcome struct {
	Response        *Response
	AccountID       string
	CompressionInfo string
}

// Coordinator runs the per-request flow.
type Coordinator struct {
	registry   *account.Registry
	limiter    *ratelimit.Limiter
	refresher  *refresh.Manager
	compressor *history.Compressor
	forwarder  Forwarder
	summarizer history.Summarizer
	recorder   Recorder
	logger     zerolog.Logger
}

// NewCoordinator wires the coordinator. summarizer and recorder may be nil.
func NewCoordinator(registry *account.Registry, limiter *ratelimit.Limiter, refresher *refresh.Manager, compressor *history.Compressor, forwarder Forwarder, summarizer history.Summarizer, recorder Recorder, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry:   registry,
		limiter:    limiter,
		refresher:  refresher,
		compressor: compressor,
		forwarder:  forwarder,
		summarizer: summarizer,
		recorder:   recorder,
		logger:     logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch serves one request end to end. Quota rejections, transient
// upstream failures and terminally failed token refreshes fail over to the
// least-used other account; content-length rejections compress and retry;
// auth errors refresh the token once. Context cancellation aborts without
// penalizing the account.
func (c *Coordinator) Dispatch(ctx context.Context, req *Request) (*Outcome, error) {
	acct, err := c.registry.AcquireForSession(req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Acquire(ctx, acct.ID); err != nil {
		return nil, err
	}

	tried := map[string]bool{acct.ID: true}
	if rerr := c.refresher.RefreshTokenIfNeeded(ctx, acct); rerr != nil {
		// the account is already marked unhealthy; try the next one before
		// giving up on the request
		c.logger.Warn().Err(rerr).Str("account", acct.ID).Msg("pre-flight token refresh failed")
		next := c.registry.NextAvailable(acct.ID)
		if next == nil || tried[next.ID] {
			return nil, rerr
		}
		acct = next
		tried[acct.ID] = true
		if aerr := c.limiter.Acquire(ctx, acct.ID); aerr != nil {
			return nil, aerr
		}
	}

	entries := req.History
	var compressionInfo string
	if pre := c.compressor.PreProcess(ctx, entries, req.UserContent, req.SessionID, c.summarizer); pre.Compressed {
		entries = pre.Entries
		compressionInfo = c.compressor.WarningHeader(pre)
	}

	lengthRetries := 0
	for {
		start := time.Now()
		resp, err := c.callOnce(ctx, acct, req, entries)
		elapsed := time.Since(start).Milliseconds()

		if err == nil {
			c.registry.MarkUsed(acct)
			c.record(acct.ID, req.ModelID, resp.StatusCode, elapsed, "")
			return &Outcome{Response: resp, AccountID: acct.ID, CompressionInfo: compressionInfo}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case refresh.IsRateLimitError(err):
			c.registry.MarkQuotaExceeded(acct, "Rate limited")
			c.record(acct.ID, req.ModelID, statusOf(err), elapsed, "rate_limited")
			next := c.registry.NextAvailable(acct.ID)
			if next == nil || tried[next.ID] {
				return nil, err
			}
			c.logger.Info().Str("from", acct.ID).Str("to", next.ID).Msg("failing over after quota rejection")
			acct = next
			tried[acct.ID] = true
			if aerr := c.limiter.Acquire(ctx, acct.ID); aerr != nil {
				return nil, aerr
			}

		case history.IsContentLengthError(err.Error()):
			result, retry := c.compressor.HandleLengthError(ctx, entries, req.SessionID, c.summarizer, lengthRetries)
			if !retry {
				c.record(acct.ID, req.ModelID, statusOf(err), elapsed, "content_length")
				return nil, err
			}
			entries = result.Entries
			if info := c.compressor.WarningHeader(result); info != "" {
				compressionInfo = info
			}
			lengthRetries++

		case errors.Is(err, refresh.ErrTokenRefresh):
			c.record(acct.ID, req.ModelID, statusOf(err), elapsed, "token_refresh")
			next := c.registry.NextAvailable(acct.ID)
			if next == nil || tried[next.ID] {
				return nil, err
			}
			c.logger.Warn().Str("from", acct.ID).Str("to", next.ID).Msg("failing over after failed token refresh")
			acct = next
			tried[acct.ID] = true
			if aerr := c.limiter.Acquire(ctx, acct.ID); aerr != nil {
				return nil, aerr
			}

		case isTransient(err):
			acct.MarkError()
			c.record(acct.ID, req.ModelID, statusOf(err), elapsed, "upstream_error")
			next := c.registry.NextAvailable(acct.ID)
			if next == nil || tried[next.ID] {
				return nil, err
			}
			c.logger.Warn().Err(err).Str("from", acct.ID).Str("to", next.ID).Msg("retrying on another account after upstream failure")
			acct = next
			tried[acct.ID] = true
			if aerr := c.limiter.Acquire(ctx, acct.ID); aerr != nil {
				return nil, aerr
			}

		default:
			acct.MarkError()
			c.record(acct.ID, req.ModelID, statusOf(err), elapsed, "upstream_error")
			return nil, err
		}
	}
}

// callOnce forwards with the account's identity, retrying once through a
// token refresh on auth errors.
func (c *Coordinator) callOnce(ctx context.Context, a *account.Account, req *Request, entries []history.Entry) (*Response, error) {
	attempt := *req
	attempt.History = entries

	var resp *Response
	err := c.refresher.ExecuteWithAuthRetry(ctx, a, func(ctx context.Context) error {
		r, ferr := c.forwarder.Forward(ctx, &attempt, a.AccessToken(), a.MachineID())
		if ferr != nil {
			return ferr
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}
		return &UpstreamError{StatusCode: r.StatusCode, Body: string(r.Body)}
	})
	return resp, err
}

func (c *Coordinator) record(accountID, modelID string, status int, millis int64, errKind string) {
	if c.recorder != nil {
		c.recorder.Record(accountID, modelID, status, millis, errKind)
	}
}

func statusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// isTransient reports whether a failed call is worth replaying on a
// different account: a 5xx from upstream, or a transport error that never
// produced a response. Failed token refreshes are terminal for the request.
func isTransient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500
	}
	return !errors.Is(err, refresh.ErrTokenRefresh)
}
