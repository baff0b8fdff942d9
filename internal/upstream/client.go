// Package upstream is the HTTP binding of the forward and summarizer
// calls the dispatcher consumes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/dispatch"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
)

// Client forwards requests to the code-assist upstream. Plain net/http so
// large response bodies stream instead of buffering in the HTTP layer.
type Client struct {
	http    *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewClient builds a forwarder against baseURL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "upstream").Logger(),
	}
}

type forwardPayload struct {
	ConversationID string          `json:"conversationId,omitempty"`
	ModelID        string          `json:"modelId"`
	History        []history.Entry `json:"history"`
	UserContent    string          `json:"userContent,omitempty"`
}

// Forward sends the request with the account's bearer token and machine id.
func (c *Client) Forward(ctx context.Context, req *dispatch.Request, accessToken, machineID string) (*dispatch.Response, error) {
	payload := forwardPayload{
		ConversationID: req.SessionID,
		ModelID:        req.ModelID,
		History:        req.History,
		UserContent:    req.UserContent,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("x-machine-id", machineID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return &dispatch.Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Summarizer generates history summaries by sending the prompt upstream as
// a one-turn conversation over any available account.
type Summarizer struct {
	client   *Client
	registry *account.Registry
}

// NewSummarizer builds a summarizer over the forwarder.
func NewSummarizer(client *Client, registry *account.Registry) *Summarizer {
	return &Summarizer{client: client, registry: registry}
}

func (s *Summarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	acct, err := s.registry.AcquireForSession("")
	if err != nil {
		return "", err
	}

	req := &dispatch.Request{
		ModelID: "claude-sonnet-4",
		History: []history.Entry{{Role: history.RoleUser, Content: prompt}},
	}
	resp, err := s.client.Forward(ctx, req, acct.AccessToken(), acct.MachineID())
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summarizer call failed (%d): %s", resp.StatusCode, resp.Body)
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Content == "" {
		return "", fmt.Errorf("summarizer response missing content")
	}
	return out.Content, nil
}
