package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

func ok(c *gin.Context, payload gin.H) {
	payload["status"] = "ok"
	c.JSON(http.StatusOK, payload)
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"status": "error", "error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleStatus(c *gin.Context) {
	ok(c, gin.H{
		"accounts": s.registry.Stats(),
		"quota":    s.cache.Summarize(s.cfg.Scheduler.CacheMaxAge()),
		"strategy": s.selector.CurrentStrategy(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := 200
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	ok(c, gin.H{"logs": s.logRing.Recent(limit)})
}

func (s *Server) handleStats(c *gin.Context) {
	totals, err := s.stats.Totals()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	perAccount, err := s.stats.PerAccount()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	hourly, err := s.stats.Hourly(24)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"totals": totals, "per_account": perAccount, "hourly": hourly})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	ok(c, gin.H{"accounts": s.registry.Summaries()})
}

func (s *Server) handleAddAccount(c *gin.Context) {
	var body struct {
		Name      string `json:"name" binding:"required"`
		TokenPath string `json:"token_path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	a, err := s.registry.Add(body.Name, body.TokenPath)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"id": a.ID})
}

func (s *Server) getAccount(c *gin.Context) *account.Account {
	a := s.registry.Get(c.Param("id"))
	if a == nil {
		fail(c, http.StatusNotFound, fmt.Errorf("account not found: %s", c.Param("id")))
	}
	return a
}

func (s *Server) handleGetAccount(c *gin.Context) {
	a := s.getAccount(c)
	if a == nil {
		return
	}
	for _, row := range s.registry.Summaries() {
		if row.ID == a.ID {
			ok(c, gin.H{"account": row})
			return
		}
	}
	fail(c, http.StatusNotFound, fmt.Errorf("account not found: %s", a.ID))
}

func (s *Server) handleRemoveAccount(c *gin.Context) {
	if !s.registry.Remove(c.Param("id")) {
		fail(c, http.StatusNotFound, fmt.Errorf("account not found: %s", c.Param("id")))
		return
	}
	ok(c, gin.H{})
}

func (s *Server) handleToggleAccount(c *gin.Context) {
	a := s.getAccount(c)
	if a == nil {
		return
	}
	enabled := !a.IsEnabled()
	s.registry.SetEnabled(a.ID, enabled)
	if err := s.registry.Persist(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"enabled": enabled})
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	a := s.getAccount(c)
	if a == nil {
		return
	}
	if err := s.refresher.RefreshAccountToken(c.Request.Context(), a); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, gin.H{"message": "token refreshed"})
}

func (s *Server) handleRefreshQuota(c *gin.Context) {
	a := s.getAccount(c)
	if a == nil {
		return
	}
	var target quota.Target
	for _, t := range s.registry.QuotaTargets() {
		if t.ID == a.ID {
			target = t
			break
		}
	}
	snap := s.scheduler.RefreshAccount(c.Request.Context(), target)
	if err := s.cache.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save quota cache")
	}
	ok(c, gin.H{"quota": snap})
}

func (s *Server) handleRestoreAccount(c *gin.Context) {
	a := s.getAccount(c)
	if a == nil {
		return
	}
	s.cooldowns.Clear(a.ID)
	a.SetStatus(account.StatusActive)
	s.registry.SetEnabled(a.ID, true)
	if err := s.registry.Persist(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"message": "account restored"})
}

func (s *Server) handleQuotaSummary(c *gin.Context) {
	ok(c, gin.H{"summary": s.cache.Summarize(s.cfg.Scheduler.CacheMaxAge())})
}

func (s *Server) handleQuotaRefreshAll(c *gin.Context) {
	go s.scheduler.RefreshAll(context.Background())
	ok(c, gin.H{"message": "quota refresh started"})
}

func (s *Server) handleCooldowns(c *gin.Context) {
	ok(c, gin.H{"cooldowns": s.cooldowns.Active()})
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	var body struct {
		SkipDisabled bool `json:"skip_disabled"`
		SkipError    bool `json:"skip_error"`
	}
	_ = c.ShouldBindJSON(&body)

	err := s.refresher.StartBatch(context.Background(), refresh.BatchOptions{
		SkipDisabled: body.SkipDisabled,
		SkipError:    body.SkipError,
	})
	if errors.Is(err, refresh.ErrRefreshInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"status":   "error",
			"message":  "refresh in progress",
			"progress": s.refresher.Progress(),
		})
		return
	}
	ok(c, gin.H{"message": "refresh started"})
}

func (s *Server) handleRefreshProgress(c *gin.Context) {
	p := s.refresher.Progress()
	if p == nil {
		ok(c, gin.H{"progress": nil})
		return
	}
	ok(c, gin.H{"progress": p})
}

func (s *Server) handleGetRefreshConfig(c *gin.Context) {
	ok(c, gin.H{"config": s.refresher.Settings()})
}

func (s *Server) handleUpdateRefreshConfig(c *gin.Context) {
	var settings config.RefreshSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.refresher.UpdateSettings(settings); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.cfg.Refresh = settings
	if err := s.cfg.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist config")
	}
	ok(c, gin.H{"config": settings})
}

func (s *Server) handleGetRateLimitConfig(c *gin.Context) {
	ok(c, gin.H{"config": s.limiter.Settings()})
}

func (s *Server) handleUpdateRateLimitConfig(c *gin.Context) {
	var settings config.RateLimitSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.limiter.UpdateSettings(settings)
	s.cfg.RateLimit = settings
	if err := s.cfg.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist config")
	}
	ok(c, gin.H{"config": settings})
}

func (s *Server) handleGetHistoryConfig(c *gin.Context) {
	ok(c, gin.H{"config": s.compressor.Settings()})
}

func (s *Server) handleUpdateHistoryConfig(c *gin.Context) {
	var settings config.HistorySettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.compressor.UpdateSettings(settings)
	s.cfg.History = settings
	if err := s.cfg.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist config")
	}
	ok(c, gin.H{"config": settings})
}

func (s *Server) knownAccountIDs() map[string]bool {
	known := make(map[string]bool)
	for _, a := range s.registry.All() {
		known[a.ID] = true
	}
	return known
}

func (s *Server) handleGetPriority(c *gin.Context) {
	ok(c, gin.H{
		"priority_accounts": s.selector.Priority(),
		"strategy":          s.selector.CurrentStrategy(),
	})
}

func (s *Server) handleSetPriority(c *gin.Context) {
	var body struct {
		AccountIDs []string `json:"account_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.selector.SetPriority(body.AccountIDs, s.knownAccountIDs()); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"priority_accounts": s.selector.Priority()})
}

func (s *Server) handleAddPriority(c *gin.Context) {
	var body struct {
		Position *int `json:"position"`
	}
	_ = c.ShouldBindJSON(&body)
	position := -1
	if body.Position != nil {
		position = *body.Position
	}
	if err := s.selector.AddPriority(c.Param("id"), position, s.knownAccountIDs()); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"priority_accounts": s.selector.Priority()})
}

func (s *Server) handleRemovePriority(c *gin.Context) {
	if err := s.selector.RemovePriority(c.Param("id")); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"priority_accounts": s.selector.Priority()})
}

func (s *Server) handleReorderPriority(c *gin.Context) {
	var body struct {
		AccountIDs []string `json:"account_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.selector.Reorder(body.AccountIDs); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"priority_accounts": s.selector.Priority()})
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var body struct {
		Strategy string `json:"strategy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	strategy, err := account.ParseStrategy(body.Strategy)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.selector.SetStrategy(strategy); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"strategy": strategy})
}

func (s *Server) handleDeviceStart(c *gin.Context) {
	var body struct {
		Region string `json:"region"`
	}
	_ = c.ShouldBindJSON(&body)
	start, err := s.flows.StartDeviceFlow(c.Request.Context(), body.Region)
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, gin.H{"login": start})
}

func (s *Server) handleDevicePoll(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&body)

	poll, err := s.flows.PollDeviceFlow(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if !poll.Completed {
		ok(c, gin.H{"completed": false, "poll_status": poll.Status})
		return
	}

	id, err := s.saveLoginCredentials(poll.Credentials, body.Name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"completed": true, "account_id": id})
}

func (s *Server) handleDeviceCancel(c *gin.Context) {
	ok(c, gin.H{"cancelled": s.flows.CancelDeviceFlow()})
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	ok(c, gin.H{"login": s.flows.DeviceFlowStatus()})
}

func (s *Server) handleSocialStart(c *gin.Context) {
	var body struct {
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	start, err := s.flows.StartSocialAuth(body.Provider)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, gin.H{"login": start})
}

func (s *Server) handleSocialCallback(c *gin.Context) {
	var body struct {
		Code  string `json:"code" binding:"required"`
		State string `json:"state" binding:"required"`
		Name  string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	creds, err := s.flows.ExchangeSocialCode(c.Request.Context(), body.Code, body.State)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.saveLoginCredentials(creds, body.Name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"completed": true, "account_id": id})
}

func (s *Server) handleSocialCancel(c *gin.Context) {
	ok(c, gin.H{"cancelled": s.flows.CancelSocialAuth()})
}

// saveLoginCredentials writes the new credential file under the token dir
// and registers an account over it.
func (s *Server) saveLoginCredentials(creds *auth.Credentials, name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("kiro-%s", time.Now().Format("20060102-150405"))
	}
	if err := util.EnsureDir(s.cfg.TokenDir()); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.TokenDir(), name+".json")
	if err := creds.Save(path); err != nil {
		return "", err
	}
	a, err := s.registry.Add(name, path)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}
