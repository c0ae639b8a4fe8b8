package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// socialRefreshURLTemplate is the Kiro desktop auth refresh endpoint.
	socialRefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// idcRefreshURLTemplate is the AWS SSO OIDC token endpoint.
	idcRefreshURLTemplate = "https://oidc.%s.amazonaws.com/token"

	// idcAmzUserAgent is the x-amz-user-agent the IdC endpoint expects.
	idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"
)

// RefreshRequest is the social refresh request body.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// IDCRefreshRequest is the AWS SSO OIDC refresh request body.
type IDCRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

// RefreshResponse covers both refresh flavors; profileArn only appears
// on the social flow.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	Region      string
	KiroVersion string
	Proxy       *ProxyConfig
	Logger      *slog.Logger
}

// Refresher performs OAuth token refreshes against the two upstream
// flavors (social and IdC).
type Refresher struct {
	region      string
	kiroVersion string
	proxy       *ProxyConfig
	logger      *slog.Logger

	// Endpoint templates, overridable in tests.
	socialURLTemplate string
	idcURLTemplate    string
}

// NewRefresher creates a refresher.
func NewRefresher(opts RefresherOptions) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		region:            opts.Region,
		kiroVersion:       opts.KiroVersion,
		proxy:             opts.Proxy,
		logger:            logger,
		socialURLTemplate: socialRefreshURLTemplate,
		idcURLTemplate:    idcRefreshURLTemplate,
	}
}

// Refresh exchanges the refresh token for a fresh access token and
// returns a new credential record with the token fields replaced. The
// input is not mutated.
func (r *Refresher) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if err := creds.ValidateRefreshToken(); err != nil {
		return Credentials{}, err
	}

	if creds.EffectiveAuthMethod() == AuthMethodIDC {
		return r.refreshIDC(ctx, creds)
	}
	return r.refreshSocial(ctx, creds)
}

func (r *Refresher) refreshSocial(ctx context.Context, creds Credentials) (Credentials, error) {
	region := creds.OAuthRegion(r.region)
	refreshURL := fmt.Sprintf(r.socialURLTemplate, region)
	refreshDomain := fmt.Sprintf("prod.%s.auth.desktop.kiro.dev", region)

	machineID, err := MachineID(creds, r.kiroVersion)
	if err != nil {
		return Credentials{}, err
	}

	r.logger.Info("refreshing social token", "id", creds.ID, "region", region)

	body, err := json.Marshal(RefreshRequest{RefreshToken: creds.RefreshToken})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", r.kiroVersion, machineID))
	req.Header.Set("Accept-Encoding", "gzip, compress, deflate, br")
	req.Header.Set("Connection", "close")
	req.Host = refreshDomain

	data, err := r.send(req, ProxyFor(creds, r.proxy), socialStatusError)
	if err != nil {
		return Credentials{}, err
	}

	var resp RefreshResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	out := creds.Clone()
	out.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		out.RefreshToken = resp.RefreshToken
	}
	if resp.ProfileARN != "" {
		out.ProfileARN = resp.ProfileARN
	}
	if resp.ExpiresIn > 0 {
		out.ExpiresAt = time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second).Format(time.RFC3339)
	}

	r.logger.Info("social token refreshed", "id", creds.ID)
	return out, nil
}

func (r *Refresher) refreshIDC(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.ClientID == "" {
		return Credentials{}, fmt.Errorf("IdC 刷新需要 clientId")
	}
	if creds.ClientSecret == "" {
		return Credentials{}, fmt.Errorf("IdC 刷新需要 clientSecret")
	}

	region := creds.OAuthRegion(r.region)
	refreshURL := fmt.Sprintf(r.idcURLTemplate, region)

	r.logger.Info("refreshing IdC token", "id", creds.ID, "region", region)

	body, err := json.Marshal(IDCRefreshRequest{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RefreshToken: creds.RefreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	req.Host = fmt.Sprintf("oidc.%s.amazonaws.com", region)
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")

	data, err := r.send(req, ProxyFor(creds, r.proxy), idcStatusError)
	if err != nil {
		return Credentials{}, err
	}

	var resp RefreshResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	out := creds.Clone()
	out.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		out.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		out.ExpiresAt = time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second).Format(time.RFC3339)
	}

	r.logger.Info("IdC token refreshed", "id", creds.ID)
	return out, nil
}

// send executes the request and returns the response body, mapping
// non-2xx statuses through statusErr to the stable error fragments the
// admin layer classifies on.
func (r *Refresher) send(req *http.Request, proxy *ProxyConfig, statusErr func(int) string) ([]byte, error) {
	client, err := NewHTTPClient(proxy, RefreshTimeout)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("%s: %d %s", statusErr(resp.StatusCode), resp.StatusCode, string(body))
	}

	return body, nil
}

func socialStatusError(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "OAuth 凭证已过期或无效，需要重新认证"
	case status == http.StatusForbidden:
		return "权限不足，无法刷新 Token"
	case status == http.StatusTooManyRequests:
		return "请求过于频繁，已被限流"
	case status >= 500 && status <= 599:
		return "服务器错误，AWS OAuth 服务暂时不可用"
	default:
		return "Token 刷新失败"
	}
}

func idcStatusError(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "IdC 凭证已过期或无效，需要重新认证"
	case status == http.StatusForbidden:
		return "权限不足，无法刷新 Token"
	case status == http.StatusTooManyRequests:
		return "请求过于频繁，已被限流"
	case status >= 500 && status <= 599:
		return "服务器错误，AWS OIDC 服务暂时不可用"
	default:
		return "IdC Token 刷新失败"
	}
}
