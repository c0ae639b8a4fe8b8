// Package kiro provides the credential record and HTTP clients for the
// Kiro upstream (token refresh and usage-limits queries).
package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// MinRefreshTokenLength is the minimum plausible refreshToken length.
// The Kiro IDE truncates exported tokens with a trailing "..." to stop
// third-party tools from using them; anything shorter is truncated.
const MinRefreshTokenLength = 100

// Auth methods. "builder-id" and "iam" are aliases of "idc".
const (
	AuthMethodSocial = "social"
	AuthMethodIDC    = "idc"
)

// Credentials is one durable credential record.
// JSON field names match the credentials file format exactly.
type Credentials struct {
	ID           uint64 `json:"id,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"` // RFC3339
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     uint32 `json:"priority"`

	// Region overrides. Pointers so that an explicitly-set empty string
	// is distinguishable from absent: an empty region is treated as set
	// and does not fall back to the global region.
	Region     *string `json:"region,omitempty"`
	AuthRegion *string `json:"authRegion,omitempty"`
	APIRegion  *string `json:"apiRegion,omitempty"`

	MachineID         string `json:"machineId,omitempty"`
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`

	// Credential-level proxy. "direct" on ProxyURL means no proxy even
	// when a global proxy is configured.
	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// Clone returns a deep copy of the credentials.
func (c Credentials) Clone() Credentials {
	out := c
	out.Region = cloneStringPtr(c.Region)
	out.AuthRegion = cloneStringPtr(c.AuthRegion)
	out.APIRegion = cloneStringPtr(c.APIRegion)
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NormalizeAuthMethod maps the "builder-id" and "iam" aliases to "idc".
func NormalizeAuthMethod(method string) string {
	if strings.EqualFold(method, "builder-id") || strings.EqualFold(method, "iam") {
		return AuthMethodIDC
	}
	return method
}

// CanonicalizeAuthMethod normalizes the record's auth method in place.
func (c *Credentials) CanonicalizeAuthMethod() {
	if c.AuthMethod != "" {
		c.AuthMethod = NormalizeAuthMethod(c.AuthMethod)
	}
}

// EffectiveAuthMethod resolves the auth method, auto-detecting IdC when
// both clientId and clientSecret are present.
func (c Credentials) EffectiveAuthMethod() string {
	if c.AuthMethod != "" {
		return NormalizeAuthMethod(c.AuthMethod)
	}
	if c.ClientID != "" && c.ClientSecret != "" {
		return AuthMethodIDC
	}
	return AuthMethodSocial
}

// OAuthRegion resolves the region used for token refresh: credential
// authRegion wins, then credential region, then the global region.
// A set-but-empty credential region intentionally does not fall back.
func (c Credentials) OAuthRegion(configRegion string) string {
	if c.AuthRegion != nil {
		return *c.AuthRegion
	}
	if c.Region != nil {
		return *c.Region
	}
	return configRegion
}

// ValidateRefreshToken checks the refresh token for presence, emptiness
// and the "..." truncation marker. The error strings are stable
// fragments matched by the admin error classifier.
func (c Credentials) ValidateRefreshToken() error {
	if c.RefreshToken == "" {
		return fmt.Errorf("缺少 refreshToken")
	}
	if len(c.RefreshToken) < MinRefreshTokenLength || strings.Contains(c.RefreshToken, "...") {
		return fmt.Errorf(
			"refreshToken 已被截断（长度: %d 字符）。这通常是 Kiro IDE 为了防止凭证被第三方工具使用而故意截断的",
			len(c.RefreshToken),
		)
	}
	return nil
}

// RefreshTokenHash returns the SHA-256 hex digest of the refresh token,
// or "" when unset. Used for duplicate detection and admin display.
func (c Credentials) RefreshTokenHash() string {
	if c.RefreshToken == "" {
		return ""
	}
	return SHA256Hex(c.RefreshToken)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of input.
func SHA256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// LoadCredentialsFile reads the credentials file, accepting either the
// legacy single-object form or the multi-credential array form. The
// returned bool reports whether the file uses the array form; only that
// form is ever written back. Entries come back sorted by priority.
func LoadCredentialsFile(path string) ([]Credentials, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read credentials file: %w", err)
	}

	isMultiple := gjson.ParseBytes(data).IsArray()

	var creds []Credentials
	if isMultiple {
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, true, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
		}
	} else {
		var single Credentials
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, false, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
		}
		creds = []Credentials{single}
	}

	sort.SliceStable(creds, func(i, j int) bool {
		return creds[i].Priority < creds[j].Priority
	})

	return creds, isMultiple, nil
}
