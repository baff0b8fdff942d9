package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// UsageFetcher retrieves the current usage figures for one credential.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, accessToken, machineID string) (UsageInfo, error)
}

// HTTPUsageFetcher calls the Kiro usage-limits endpoint.
type HTTPUsageFetcher struct {
	client  *resty.Client
	baseURL string
	logger  zerolog.Logger
}

// NewHTTPUsageFetcher builds a fetcher against baseURL with a 30s timeout.
func NewHTTPUsageFetcher(baseURL string, logger zerolog.Logger) *HTTPUsageFetcher {
	return &HTTPUsageFetcher{
		client:  resty.New().SetTimeout(30 * time.Second),
		baseURL: baseURL,
		logger:  logger.With().Str("component", "usage_fetcher").Logger(),
	}
}

func (f *HTTPUsageFetcher) FetchUsage(ctx context.Context, accessToken, machineID string) (UsageInfo, error) {
	var info UsageInfo
	resp, err := f.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetHeader("x-machine-id", machineID).
		SetResult(&info).
		Get(f.baseURL + "/getUsageLimits")
	if err != nil {
		return UsageInfo{}, fmt.Errorf("usage request failed: %w", err)
	}
	if resp.IsError() {
		return UsageInfo{}, fmt.Errorf("usage request failed (%d): %s", resp.StatusCode(), resp.String())
	}
	return info, nil
}
