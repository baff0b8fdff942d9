// Package dispatch glues the core together for one request: pick an
// account, pass the rate limiter, ensure a fresh token, compress oversized
// history, forward upstream and handle 429/401/length failures.
package dispatch

import (
	"context"
	"fmt"

	"github.com/kiroflow/kiro-proxy-go/internal/history"
)

// Request is one upstream call to be dispatched.
type Request struct {
	SessionID   string
	ModelID     string
	History     []history.Entry
	UserContent string
}

// Response is the upstream's answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Forwarder performs the actual upstream call with the chosen account's
// identity.
type Forwarder interface {
	Forward(ctx context.Context, req *Request, accessToken, machineID string) (*Response, error)
}

// Recorder receives one record per dispatched request; implemented by the
// stats store.
type Recorder interface {
	Record(accountID, modelID string, statusCode int, durationMillis int64, errKind string)
}

// UpstreamError is a non-2xx upstream response surfaced as an error so the
// classifiers can inspect status and body text.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Body)
}
