package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// usageHostTemplate is the CodeWhisperer runtime host. Usage queries
// always use the global region; credential-level regions only affect
// OAuth refresh.
const usageHostTemplate = "q.%s.amazonaws.com"

// UsageLimitsResponse is the getUsageLimits response.
type UsageLimitsResponse struct {
	NextDateReset      *float64         `json:"nextDateReset,omitempty"`
	SubscriptionInfo   *SubscriptionInfo `json:"subscriptionInfo,omitempty"`
	UsageBreakdownList []UsageBreakdown `json:"usageBreakdownList,omitempty"`
}

// SubscriptionInfo carries the account's plan title.
type SubscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
}

// UsageBreakdown is one usage line item; the first entry is the primary
// breakdown all derived values are computed from.
type UsageBreakdown struct {
	CurrentUsage              int64          `json:"currentUsage"`
	CurrentUsageWithPrecision float64        `json:"currentUsageWithPrecision"`
	Bonuses                   []Bonus        `json:"bonuses,omitempty"`
	FreeTrialInfo             *FreeTrialInfo `json:"freeTrialInfo,omitempty"`
	NextDateReset             *float64       `json:"nextDateReset,omitempty"`
	UsageLimit                int64          `json:"usageLimit"`
	UsageLimitWithPrecision   float64        `json:"usageLimitWithPrecision"`
}

// Bonus is an extra quota grant; only ACTIVE bonuses count.
type Bonus struct {
	CurrentUsage float64 `json:"currentUsage"`
	UsageLimit   float64 `json:"usageLimit"`
	Status       string  `json:"status,omitempty"`
}

// IsActive reports whether the bonus counts toward quota. The status
// comparison is case-sensitive on purpose.
func (b Bonus) IsActive() bool {
	return b.Status == "ACTIVE"
}

// FreeTrialInfo is the free-trial quota attached to a breakdown.
type FreeTrialInfo struct {
	CurrentUsage              int64    `json:"currentUsage"`
	CurrentUsageWithPrecision float64  `json:"currentUsageWithPrecision"`
	FreeTrialExpiry           *float64 `json:"freeTrialExpiry,omitempty"`
	FreeTrialStatus           string   `json:"freeTrialStatus,omitempty"`
	UsageLimit                int64    `json:"usageLimit"`
	UsageLimitWithPrecision   float64  `json:"usageLimitWithPrecision"`
}

// IsActive reports whether the free trial counts toward quota.
func (f FreeTrialInfo) IsActive() bool {
	return f.FreeTrialStatus == "ACTIVE"
}

// SubscriptionTitle returns the plan title, or "".
func (u UsageLimitsResponse) SubscriptionTitle() string {
	if u.SubscriptionInfo == nil {
		return ""
	}
	return u.SubscriptionInfo.SubscriptionTitle
}

func (u UsageLimitsResponse) primaryBreakdown() *UsageBreakdown {
	if len(u.UsageBreakdownList) == 0 {
		return nil
	}
	return &u.UsageBreakdownList[0]
}

// UsageLimit sums the base limit, the active free-trial limit and all
// active bonus limits.
func (u UsageLimitsResponse) UsageLimit() float64 {
	breakdown := u.primaryBreakdown()
	if breakdown == nil {
		return 0
	}

	total := breakdown.UsageLimitWithPrecision
	if breakdown.FreeTrialInfo != nil && breakdown.FreeTrialInfo.IsActive() {
		total += breakdown.FreeTrialInfo.UsageLimitWithPrecision
	}
	for _, bonus := range breakdown.Bonuses {
		if bonus.IsActive() {
			total += bonus.UsageLimit
		}
	}
	return total
}

// CurrentUsage sums the base usage, the active free-trial usage and all
// active bonus usage.
func (u UsageLimitsResponse) CurrentUsage() float64 {
	breakdown := u.primaryBreakdown()
	if breakdown == nil {
		return 0
	}

	total := breakdown.CurrentUsageWithPrecision
	if breakdown.FreeTrialInfo != nil && breakdown.FreeTrialInfo.IsActive() {
		total += breakdown.FreeTrialInfo.CurrentUsageWithPrecision
	}
	for _, bonus := range breakdown.Bonuses {
		if bonus.IsActive() {
			total += bonus.CurrentUsage
		}
	}
	return total
}

// FreeTrialExpiry surfaces the primary breakdown's free-trial expiry.
func (u UsageLimitsResponse) FreeTrialExpiry() *float64 {
	breakdown := u.primaryBreakdown()
	if breakdown == nil || breakdown.FreeTrialInfo == nil {
		return nil
	}
	return breakdown.FreeTrialInfo.FreeTrialExpiry
}

// UsageClientOptions configures a UsageClient.
type UsageClientOptions struct {
	Region      string
	KiroVersion string
	Proxy       *ProxyConfig
	Logger      *slog.Logger
}

// UsageClient queries the upstream usage-limits endpoint.
type UsageClient struct {
	region      string
	kiroVersion string
	proxy       *ProxyConfig
	logger      *slog.Logger

	// Base URL override for tests; "" uses the real host.
	baseURL string
}

// NewUsageClient creates a usage-limits client.
func NewUsageClient(opts UsageClientOptions) *UsageClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageClient{
		region:      opts.Region,
		kiroVersion: opts.KiroVersion,
		proxy:       opts.Proxy,
		logger:      logger,
	}
}

// GetUsageLimits fetches usage limits for a credential with the given
// bearer token.
func (c *UsageClient) GetUsageLimits(ctx context.Context, creds Credentials, token string) (*UsageLimitsResponse, error) {
	host := fmt.Sprintf(usageHostTemplate, c.region)
	base := c.baseURL
	if base == "" {
		base = "https://" + host
	}

	machineID, err := MachineID(creds, c.kiroVersion)
	if err != nil {
		return nil, err
	}

	reqURL := base + "/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST"
	if creds.ProfileARN != "" {
		reqURL += "&profileArn=" + url.QueryEscape(creds.ProfileARN)
	}

	userAgent := fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s",
		c.kiroVersion, machineID,
	)
	amzUserAgent := fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", c.kiroVersion, machineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("x-amz-user-agent", amzUserAgent)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Connection", "close")
	req.Host = host

	client, err := NewHTTPClient(ProxyFor(creds, c.proxy), RefreshTimeout)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching usage limits", "id", creds.ID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %d %s", usageStatusError(resp.StatusCode), resp.StatusCode, string(body))
	}

	var usage UsageLimitsResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("failed to parse usage response: %w", err)
	}

	return &usage, nil
}

func usageStatusError(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "认证失败，Token 无效或已过期"
	case status == http.StatusForbidden:
		return "权限不足，无法获取使用额度"
	case status == http.StatusTooManyRequests:
		return "请求过于频繁，已被限流"
	case status >= 500 && status <= 599:
		return "服务器错误，AWS 服务暂时不可用"
	default:
		return "获取使用额度失败"
	}
}
