// Package admin implements the control-plane service behind the admin
// API: pool status shaping, balance queries with caching, and the
// credential lifecycle operations.
package admin

import (
	"sort"

	"github.com/xilu0/kiro-gateway/internal/pool"
)

// CredentialSummary is one credential as shown to the admin. Tokens are
// never exposed; the refresh token appears only as its SHA-256 digest.
type CredentialSummary struct {
	ID                uint64 `json:"id"`
	Priority          uint32 `json:"priority"`
	IsCurrent         bool   `json:"isCurrent"`
	Disabled          bool   `json:"disabled"`
	DisabledReason    string `json:"disabledReason,omitempty"`
	FailureCount      uint32 `json:"failureCount"`
	SuccessCount      uint64 `json:"successCount"`
	LastUsedAt        string `json:"lastUsedAt,omitempty"`
	AuthMethod        string `json:"authMethod"`
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	RefreshTokenHash  string `json:"refreshTokenHash,omitempty"`
	HasProfileARN     bool   `json:"hasProfileArn"`
	HasProxy          bool   `json:"hasProxy"`
	ProxyURL          string `json:"proxyUrl,omitempty"`
}

// PoolStatus is the full pool view returned by the status endpoint.
type PoolStatus struct {
	CurrentID         uint64              `json:"currentId"`
	LoadBalancingMode string              `json:"loadBalancingMode"`
	Total             int                 `json:"total"`
	Available         int                 `json:"available"`
	Credentials       []CredentialSummary `json:"credentials"`
}

// BalanceSnapshot is the derived usage view for one credential.
type BalanceSnapshot struct {
	ID                uint64   `json:"id"`
	SubscriptionTitle string   `json:"subscriptionTitle,omitempty"`
	UsageLimit        float64  `json:"usageLimit"`
	CurrentUsage      float64  `json:"currentUsage"`
	Remaining         float64  `json:"remaining"`
	UsagePercentage   float64  `json:"usagePercentage"`
	NextResetAt       *float64 `json:"nextResetAt,omitempty"`
	FreeTrialExpiry   *float64 `json:"freeTrialExpiry,omitempty"`
}

// BalanceResult pairs a balance with its cache provenance.
type BalanceResult struct {
	Balance *BalanceSnapshot `json:"balance"`
	Cached  bool             `json:"cached"`
}

func statusFromSnapshot(snap pool.PoolSnapshot) PoolStatus {
	creds := make([]CredentialSummary, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		creds = append(creds, CredentialSummary{
			ID:                e.ID,
			Priority:          e.Priority,
			IsCurrent:         e.ID == snap.CurrentID,
			Disabled:          e.Disabled,
			DisabledReason:    string(e.DisabledReason),
			FailureCount:      e.FailureCount,
			SuccessCount:      e.SuccessCount,
			LastUsedAt:        e.LastUsedAt,
			AuthMethod:        e.AuthMethod,
			Email:             e.Email,
			SubscriptionTitle: e.SubscriptionTitle,
			ExpiresAt:         e.ExpiresAt,
			RefreshTokenHash:  e.RefreshTokenHash,
			HasProfileARN:     e.HasProfileARN,
			HasProxy:          e.HasProxy,
			ProxyURL:          e.ProxyURL,
		})
	}

	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].Priority != creds[j].Priority {
			return creds[i].Priority < creds[j].Priority
		}
		return creds[i].ID < creds[j].ID
	})

	return PoolStatus{
		CurrentID:         snap.CurrentID,
		LoadBalancingMode: snap.Mode,
		Total:             snap.Total,
		Available:         snap.Available,
		Credentials:       creds,
	}
}
