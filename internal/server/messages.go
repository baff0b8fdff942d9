package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/dispatch"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
)

type messagesRequest struct {
	SessionID   string          `json:"session_id"`
	ModelID     string          `json:"model_id"`
	History     []history.Entry `json:"history"`
	UserContent string          `json:"user_content"`
}

// handleDispatch runs one conversation turn through the coordinator and
// relays the upstream response.
func (s *Server) handleDispatch(c *gin.Context) {
	var body messagesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = account.DeriveSessionID(firstUserText(body.History, body.UserContent))
	}

	outcome, err := s.coordinator.Dispatch(c.Request.Context(), &dispatch.Request{
		SessionID:   sessionID,
		ModelID:     body.ModelID,
		History:     body.History,
		UserContent: body.UserContent,
	})
	if err != nil {
		switch {
		case errors.Is(err, account.ErrNoAccounts):
			fail(c, http.StatusServiceUnavailable, err)
		case refresh.IsRateLimitError(err):
			fail(c, http.StatusTooManyRequests, err)
		default:
			fail(c, http.StatusBadGateway, err)
		}
		return
	}

	c.Header("X-Account-Id", outcome.AccountID)
	if outcome.CompressionInfo != "" {
		c.Header("X-History-Compressed", outcome.CompressionInfo)
	}
	c.Data(outcome.Response.StatusCode, "application/json", outcome.Response.Body)
}

func firstUserText(entries []history.Entry, fallback string) string {
	for i := range entries {
		if entries[i].IsUser() {
			if text := entries[i].Text(); text != "" {
				return text
			}
		}
	}
	return fallback
}
