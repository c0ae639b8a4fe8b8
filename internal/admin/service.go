package admin

import (
	"context"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

// Service is the admin control plane over the credential pool.
type Service struct {
	pool   *pool.Pool
	logger *slog.Logger
	cache  *balanceCache

	// balanceGroup coalesces concurrent balance fetches for the same
	// credential so a burst of admin refreshes costs one upstream call.
	balanceGroup singleflight.Group
}

// Options configures a Service.
type Options struct {
	Pool *pool.Pool
	// CredentialsPath locates the balance cache file next to the
	// credentials file. Empty keeps the cache in memory only.
	CredentialsPath string
	Logger          *slog.Logger
}

// NewService creates the admin service and loads the balance cache.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:   opts.Pool,
		logger: logger,
		cache:  newBalanceCache(opts.CredentialsPath, logger),
	}
}

// Status returns the pool view, credentials sorted by priority.
func (s *Service) Status() PoolStatus {
	return statusFromSnapshot(s.pool.Snapshot())
}

// GetBalance returns the usage balance for one credential, served from
// the cache while fresh unless forceRefresh is set.
func (s *Service) GetBalance(ctx context.Context, id uint64, forceRefresh bool) (*BalanceResult, error) {
	if !forceRefresh {
		if balance, ok := s.cache.get(id); ok {
			return &BalanceResult{Balance: balance, Cached: true}, nil
		}
	}

	v, err, _ := s.balanceGroup.Do(strconv.FormatUint(id, 10), func() (any, error) {
		return s.fetchBalance(ctx, id)
	})
	if err != nil {
		return nil, Classify(err)
	}

	return &BalanceResult{Balance: v.(*BalanceSnapshot), Cached: false}, nil
}

func (s *Service) fetchBalance(ctx context.Context, id uint64) (*BalanceSnapshot, error) {
	usage, err := s.pool.GetUsageLimitsFor(ctx, id)
	if err != nil {
		return nil, err
	}

	balance := balanceFromUsage(id, usage)
	s.pool.UpdateSubscriptionTitle(id, balance.SubscriptionTitle)
	s.cache.put(id, *balance)
	return balance, nil
}

func balanceFromUsage(id uint64, usage *kiro.UsageLimitsResponse) *BalanceSnapshot {
	limit := usage.UsageLimit()
	current := usage.CurrentUsage()

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	var percentage float64
	if limit > 0 {
		percentage = current / limit * 100
		if percentage > 100 {
			percentage = 100
		}
	}

	nextReset := usage.NextDateReset
	if nextReset == nil && len(usage.UsageBreakdownList) > 0 {
		nextReset = usage.UsageBreakdownList[0].NextDateReset
	}

	return &BalanceSnapshot{
		ID:                id,
		SubscriptionTitle: usage.SubscriptionTitle(),
		UsageLimit:        limit,
		CurrentUsage:      current,
		Remaining:         remaining,
		UsagePercentage:   percentage,
		NextResetAt:       nextReset,
		FreeTrialExpiry:   usage.FreeTrialExpiry(),
	}
}

// AddCredentialResult is the outcome of adding a credential: the
// assigned id plus the balance when the post-add query succeeded.
type AddCredentialResult struct {
	ID      uint64           `json:"id"`
	Balance *BalanceSnapshot `json:"balance,omitempty"`
}

// AddCredential validates and adds a credential, then fetches its
// balance best-effort so the admin sees quota immediately.
func (s *Service) AddCredential(ctx context.Context, creds kiro.Credentials) (*AddCredentialResult, error) {
	id, err := s.pool.AddCredential(ctx, creds)
	if err != nil {
		return nil, ClassifyAdd(err)
	}

	result := &AddCredentialResult{ID: id}
	balance, bErr := s.fetchBalance(ctx, id)
	if bErr != nil {
		s.logger.Warn("post-add balance query failed", "id", id, "error", bErr)
	} else {
		result.Balance = balance
	}
	return result, nil
}

// DeleteCredential removes a disabled credential and drops its cached
// balance.
func (s *Service) DeleteCredential(id uint64) error {
	if err := s.pool.DeleteCredential(id); err != nil {
		return Classify(err)
	}
	s.cache.invalidate(id)
	return nil
}

// SetDisabled flips a credential's admin disable flag.
func (s *Service) SetDisabled(id uint64, disabled bool) error {
	if err := s.pool.SetDisabled(id, disabled); err != nil {
		return Classify(err)
	}
	return nil
}

// SetPriority changes a credential's priority.
func (s *Service) SetPriority(id uint64, priority uint32) error {
	if err := s.pool.SetPriority(id, priority); err != nil {
		return Classify(err)
	}
	return nil
}

// ResetAndEnable clears failure state and re-enables a credential.
func (s *Service) ResetAndEnable(id uint64) error {
	if err := s.pool.ResetAndEnable(id); err != nil {
		return Classify(err)
	}
	return nil
}

// Mode returns the load balancing mode.
func (s *Service) Mode() string {
	return s.pool.Mode()
}

// SetMode switches the load balancing mode and persists it.
func (s *Service) SetMode(mode string) error {
	if err := s.pool.SetMode(mode); err != nil {
		return Classify(err)
	}
	return nil
}
