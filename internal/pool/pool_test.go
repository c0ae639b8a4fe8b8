package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// fakeRefresher hands out fresh tokens, or fails for ids listed in
// failIDs. A non-zero delay simulates the network round-trip.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	failIDs map[uint64]error
	delay   time.Duration
}

func (f *fakeRefresher) Refresh(_ context.Context, creds kiro.Credentials) (kiro.Credentials, error) {
	f.mu.Lock()
	f.calls++
	err := f.failIDs[creds.ID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return kiro.Credentials{}, err
	}

	out := creds.Clone()
	out.AccessToken = fmt.Sprintf("token-%d", creds.ID)
	out.ExpiresAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	return out, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUsage struct {
	usage *kiro.UsageLimitsResponse
	err   error
}

func (f *fakeUsage) GetUsageLimits(context.Context, kiro.Credentials, string) (*kiro.UsageLimitsResponse, error) {
	return f.usage, f.err
}

func freshCred(id uint64, priority uint32) kiro.Credentials {
	return kiro.Credentials{
		ID:           id,
		Priority:     priority,
		RefreshToken: strings.Repeat("r", 120) + fmt.Sprint(id),
		AccessToken:  fmt.Sprintf("token-%d", id),
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
}

func expiredCred(id uint64, priority uint32) kiro.Credentials {
	c := freshCred(id, priority)
	c.ExpiresAt = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	return c
}

func newTestPool(t *testing.T, creds []kiro.Credentials, opts Options) (*Pool, *fakeRefresher) {
	t.Helper()
	refresher := &fakeRefresher{failIDs: map[uint64]error{}}
	opts.Credentials = creds
	if opts.Refresher == nil {
		opts.Refresher = refresher
	}
	if opts.Usage == nil {
		opts.Usage = &fakeUsage{usage: &kiro.UsageLimitsResponse{}}
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, refresher
}

func entryByID(t *testing.T, p *Pool, id uint64) EntrySnapshot {
	t.Helper()
	for _, e := range p.Snapshot().Entries {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entry %d not found", id)
	return EntrySnapshot{}
}

func TestNewBackfillsIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	a := freshCred(0, 1)
	b := freshCred(5, 2)
	c := freshCred(0, 3)
	a.MachineID = ""
	c.MachineID = ""

	p, _ := newTestPool(t, []kiro.Credentials{a, b, c}, Options{
		CredentialsPath:  path,
		IsMultipleFormat: true,
		KiroVersion:      "0.2.13",
	})

	snap := p.Snapshot()
	ids := map[uint64]bool{}
	for _, e := range snap.Entries {
		ids[e.ID] = true
	}
	// Backfilled ids start above the largest explicit id.
	assert.Equal(t, map[uint64]bool{5: true, 6: true, 7: true}, ids)

	// The backfill was written to disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted []kiro.Credentials
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 3)
	for _, pc := range persisted {
		assert.NotZero(t, pc.ID)
		assert.NotEmpty(t, pc.MachineID)
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New(Options{
		Credentials: []kiro.Credentials{freshCred(1, 1), freshCred(1, 2)},
		Refresher:   &fakeRefresher{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "重复的凭据 ID")
}

func TestInitialSelectionIsLowestPriority(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 3),
		freshCred(2, 1),
		freshCred(3, 1),
	}, Options{})

	// Ties break in ingest order.
	assert.Equal(t, uint64(2), p.CurrentID())
}

func TestAcquireContextFreshToken(t *testing.T) {
	p, refresher := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cctx.ID)
	assert.Equal(t, "token-1", cctx.Token)
	assert.Zero(t, refresher.callCount(), "no refresh for a fresh token")
}

func TestAcquireContextRefreshesExpiredToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	p, refresher := newTestPool(t, []kiro.Credentials{expiredCred(1, 1)}, Options{
		CredentialsPath:  path,
		IsMultipleFormat: true,
	})

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", cctx.Token)
	assert.Equal(t, 1, refresher.callCount())

	// The refreshed expiry landed on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted []kiro.Credentials
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.False(t, kiro.IsTokenExpired(persisted[0]))

	// A second acquire reuses the refreshed token.
	_, err = p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.callCount())
}

func TestConcurrentAcquireCoalescesRefresh(t *testing.T) {
	refresher := &fakeRefresher{
		failIDs: map[uint64]error{},
		delay:   50 * time.Millisecond,
	}
	p, _ := newTestPool(t, []kiro.Credentials{expiredCred(1, 1)}, Options{
		Refresher: refresher,
	})

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, err := p.AcquireContext(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = cctx.Token
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}

	// The barrier's double-checked re-read means the waiters find the
	// refreshed record and never hit the upstream themselves.
	assert.Equal(t, 1, refresher.callCount())
}

func TestAcquireRotatesOnRefreshFailure(t *testing.T) {
	refresher := &fakeRefresher{failIDs: map[uint64]error{
		1: fmt.Errorf("Token 刷新失败: 400 bad"),
	}}

	p, _ := newTestPool(t, []kiro.Credentials{
		expiredCred(1, 1),
		freshCred(2, 2),
	}, Options{Refresher: refresher})

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cctx.ID)

	// Refresh failures never feed the failure accounting.
	assert.Zero(t, entryByID(t, p, 1).FailureCount)
	assert.False(t, entryByID(t, p, 1).Disabled)
	assert.Equal(t, uint64(2), p.CurrentID())
}

func TestAcquireFailsWhenEveryCredentialFails(t *testing.T) {
	refresher := &fakeRefresher{failIDs: map[uint64]error{
		1: fmt.Errorf("boom"),
		2: fmt.Errorf("boom"),
	}}

	p, _ := newTestPool(t, []kiro.Credentials{
		expiredCred(1, 1),
		expiredCred(2, 2),
	}, Options{Refresher: refresher})

	_, err := p.AcquireContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "所有凭据均无法获取有效 Token")
}

func TestStickySelectionInPriorityMode(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{})

	for i := 0; i < 5; i++ {
		cctx, err := p.AcquireContext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), cctx.ID)
	}
}

func TestBalancedModeSelectsLeastUsed(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{Mode: config.ModeBalanced})

	for i := 0; i < 3; i++ {
		p.ReportSuccess(1)
	}

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cctx.ID, "least-used credential wins in balanced mode")

	p.ReportSuccess(2)
	p.ReportSuccess(2)
	p.ReportSuccess(2)
	p.ReportSuccess(2)

	cctx, err = p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cctx.ID)
}

func TestReportFailureAutoDisables(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{})

	assert.True(t, p.ReportFailure(1))
	assert.True(t, p.ReportFailure(1))
	assert.Equal(t, uint32(2), entryByID(t, p, 1).FailureCount)
	assert.False(t, entryByID(t, p, 1).Disabled)

	assert.True(t, p.ReportFailure(1), "credential 2 is still available")
	e := entryByID(t, p, 1)
	assert.True(t, e.Disabled)
	assert.Equal(t, ReasonTooManyFailures, e.DisabledReason)
	assert.Equal(t, uint64(2), p.CurrentID(), "selection moved off the disabled credential")

	assert.True(t, p.ReportFailure(2))
	assert.True(t, p.ReportFailure(2))
	assert.False(t, p.ReportFailure(2), "no enabled credential remains")
}

func TestReportSuccessResetsFailureCount(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	p.ReportFailure(1)
	p.ReportFailure(1)
	assert.Equal(t, uint32(2), entryByID(t, p, 1).FailureCount)

	p.ReportSuccess(1)
	e := entryByID(t, p, 1)
	assert.Zero(t, e.FailureCount)
	assert.Equal(t, uint64(1), e.SuccessCount)
	assert.NotEmpty(t, e.LastUsedAt)
}

func TestSelfHealRestoresFailureDisabled(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	p.ReportFailure(1)
	p.ReportFailure(1)
	p.ReportFailure(1)
	assert.True(t, entryByID(t, p, 1).Disabled)

	// Acquire heals the TooManyFailures disable and serves the credential.
	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cctx.ID)

	e := entryByID(t, p, 1)
	assert.False(t, e.Disabled)
	assert.Zero(t, e.FailureCount)
}

func TestSelfHealRestoresWholePool(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 0),
		freshCred(2, 1),
	}, Options{})

	for _, id := range []uint64{1, 1, 1, 2, 2, 2} {
		p.ReportFailure(id)
	}
	assert.Zero(t, p.AvailableCount())

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []uint64{1, 2}, cctx.ID)

	assert.Equal(t, 2, p.AvailableCount())
	assert.Zero(t, entryByID(t, p, 1).FailureCount)
	assert.Zero(t, entryByID(t, p, 2).FailureCount)
}

func TestQuotaExhaustedIsNotSelfHealed(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	assert.False(t, p.ReportQuotaExhausted(1))

	e := entryByID(t, p, 1)
	assert.True(t, e.Disabled)
	assert.Equal(t, ReasonQuotaExceeded, e.DisabledReason)
	assert.Equal(t, uint32(MaxFailuresPerCredential), e.FailureCount)

	_, err := p.AcquireContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "所有凭据均已禁用")
}

func TestManualDisableIsNotSelfHealed(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	require.NoError(t, p.SetDisabled(1, true))

	_, err := p.AcquireContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "所有凭据均已禁用")

	// Re-enabling clears failure state.
	require.NoError(t, p.SetDisabled(1, false))
	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cctx.ID)
}

func TestPersistedDisableBootsAsManual(t *testing.T) {
	c := freshCred(1, 1)
	c.Disabled = true

	p, _ := newTestPool(t, []kiro.Credentials{c}, Options{})

	e := entryByID(t, p, 1)
	assert.True(t, e.Disabled)
	assert.Equal(t, ReasonManual, e.DisabledReason)

	_, err := p.AcquireContext(context.Background())
	require.Error(t, err, "a persisted disable is not self-healed")
}

func TestSetDisabledCurrentSwitches(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{})

	require.Equal(t, uint64(1), p.CurrentID())
	require.NoError(t, p.SetDisabled(1, true))
	assert.Equal(t, uint64(2), p.CurrentID())
}

func TestSetPriorityTakesEffectImmediately(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{})

	require.Equal(t, uint64(1), p.CurrentID())
	require.NoError(t, p.SetPriority(2, 0))
	assert.Equal(t, uint64(2), p.CurrentID())

	cctx, err := p.AcquireContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cctx.ID)
}

func TestSetPriorityUnknownID(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{})

	err := p.SetPriority(99, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不存在")
}

func TestAddCredential(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	p, refresher := newTestPool(t, []kiro.Credentials{freshCred(3, 1)}, Options{
		CredentialsPath:  path,
		IsMultipleFormat: true,
	})

	newCred := kiro.Credentials{
		RefreshToken: strings.Repeat("n", 150),
		Priority:     5,
		Email:        "new@example.com",
	}

	id, err := p.AddCredential(context.Background(), newCred)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id, "next id after the current max")
	assert.GreaterOrEqual(t, refresher.callCount(), 1, "viability is proven by a live refresh")

	e := entryByID(t, p, 4)
	assert.Equal(t, "new@example.com", e.Email)
	assert.False(t, e.Disabled)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted []kiro.Credentials
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 2)
}

func TestAddCredentialRejectsDuplicates(t *testing.T) {
	existing := freshCred(1, 1)
	p, _ := newTestPool(t, []kiro.Credentials{existing}, Options{})

	_, err := p.AddCredential(context.Background(), kiro.Credentials{
		RefreshToken: existing.RefreshToken,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "凭据已存在（refreshToken 重复）")
}

func TestAddCredentialRejectsInvalidToken(t *testing.T) {
	p, _ := newTestPool(t, nil, Options{})

	_, err := p.AddCredential(context.Background(), kiro.Credentials{RefreshToken: "short"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已被截断")
}

func TestAddCredentialRejectsUnrefreshable(t *testing.T) {
	refresher := &fakeRefresher{failIDs: map[uint64]error{
		0: fmt.Errorf("OAuth 凭证已过期或无效，需要重新认证: 401"),
	}}
	p, _ := newTestPool(t, nil, Options{Refresher: refresher})

	_, err := p.AddCredential(context.Background(), kiro.Credentials{
		RefreshToken: strings.Repeat("x", 150),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已过期或无效")
	assert.Zero(t, p.TotalCount())
}

func TestAddCredentialToEmptyPoolBecomesCurrent(t *testing.T) {
	p, _ := newTestPool(t, nil, Options{})

	id, err := p.AddCredential(context.Background(), kiro.Credentials{
		RefreshToken: strings.Repeat("x", 150),
	})
	require.NoError(t, err)
	assert.Equal(t, id, p.CurrentID())
}

func TestDeleteCredential(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{
		freshCred(1, 1),
		freshCred(2, 2),
	}, Options{})

	err := p.DeleteCredential(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "只能删除已禁用的凭据（请先禁用凭据 #1）")

	require.NoError(t, p.SetDisabled(1, true))
	require.NoError(t, p.DeleteCredential(1))
	assert.Equal(t, 1, p.TotalCount())
	assert.Equal(t, uint64(2), p.CurrentID())

	err = p.DeleteCredential(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不存在")

	require.NoError(t, p.SetDisabled(2, true))
	require.NoError(t, p.DeleteCredential(2))
	assert.Zero(t, p.TotalCount())
	assert.Zero(t, p.CurrentID())
}

func TestSetMode(t *testing.T) {
	var saved []string
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{
		SaveMode: func(mode string) error {
			saved = append(saved, mode)
			return nil
		},
	})

	err := p.SetMode("round-robin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "无效的负载均衡模式")

	require.NoError(t, p.SetMode(config.ModeBalanced))
	assert.Equal(t, config.ModeBalanced, p.Mode())
	assert.Equal(t, []string{config.ModeBalanced}, saved)

	// Setting the same mode again is a no-op.
	require.NoError(t, p.SetMode(config.ModeBalanced))
	assert.Len(t, saved, 1)
}

func TestSetModeRevertsOnPersistFailure(t *testing.T) {
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{
		SaveMode: func(string) error { return fmt.Errorf("disk full") },
	})

	err := p.SetMode(config.ModeBalanced)
	require.Error(t, err)
	assert.Equal(t, config.ModePriority, p.Mode(), "in-memory mode reverted")
}

func TestGetUsageLimitsFor(t *testing.T) {
	usage := &fakeUsage{usage: &kiro.UsageLimitsResponse{
		SubscriptionInfo: &kiro.SubscriptionInfo{SubscriptionTitle: "Pro"},
	}}
	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{Usage: usage})

	got, err := p.GetUsageLimitsFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.SubscriptionTitle())

	_, err = p.GetUsageLimitsFor(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不存在")
}

func TestStatsPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	creds := []kiro.Credentials{freshCred(1, 1)}
	p, _ := newTestPool(t, creds, Options{
		CredentialsPath:  path,
		IsMultipleFormat: true,
	})

	p.ReportSuccess(1)
	p.ReportSuccess(1)
	p.Close()

	statsFile := filepath.Join(dir, "kiro_stats.json")
	data, err := os.ReadFile(statsFile)
	require.NoError(t, err)

	var stats map[string]statsRecord
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Contains(t, stats, "1")
	assert.Equal(t, uint64(2), stats["1"].SuccessCount)
	require.NotNil(t, stats["1"].LastUsedAt)

	// A new pool picks the counters back up.
	p2, _ := newTestPool(t, creds, Options{
		CredentialsPath:  path,
		IsMultipleFormat: true,
	})
	assert.Equal(t, uint64(2), entryByID(t, p2, 1).SuccessCount)
}

func TestSingleObjectFormatIsNeverRewritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	original := []byte(`{"refreshToken": "single", "priority": 1}`)
	require.NoError(t, os.WriteFile(path, original, 0o600))

	p, _ := newTestPool(t, []kiro.Credentials{freshCred(1, 1)}, Options{
		CredentialsPath:  path,
		IsMultipleFormat: false,
	})

	require.NoError(t, p.SetPriority(1, 9))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data, "single-object files stay untouched")
}

func TestSnapshot(t *testing.T) {
	c := freshCred(1, 1)
	c.ProfileARN = "arn:aws:codewhisperer:us-east-1:123:profile/p"
	c.ProxyURL = "http://proxy.example:8080"

	p, _ := newTestPool(t, []kiro.Credentials{c, freshCred(2, 2)}, Options{})
	p.ReportFailure(2)

	snap := p.Snapshot()
	assert.Equal(t, uint64(1), snap.CurrentID)
	assert.Equal(t, config.ModePriority, snap.Mode)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 2, snap.Available)

	e1 := entryByID(t, p, 1)
	assert.True(t, e1.HasProfileARN)
	assert.True(t, e1.HasProxy)
	assert.Len(t, e1.RefreshTokenHash, 64)

	e2 := entryByID(t, p, 2)
	assert.Equal(t, uint32(1), e2.FailureCount)
	assert.False(t, e2.HasProxy)
}
