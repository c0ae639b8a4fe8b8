// Package pool implements the multi-credential pool engine: selection,
// token refresh coalescing, failure accounting with auto-disable and
// self-heal, and durable persistence of credentials and usage stats.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// MaxFailuresPerCredential is the consecutive-failure threshold after
// which a credential is auto-disabled.
const MaxFailuresPerCredential = 3

// statsSaveDebounce is the minimum interval between stats file flushes.
const statsSaveDebounce = 30 * time.Second

// DisabledReason distinguishes why a credential was disabled. Only
// TooManyFailures is ever undone by self-heal; Manual and QuotaExceeded
// stay disabled until an admin intervenes.
type DisabledReason string

const (
	ReasonManual          DisabledReason = "Manual"
	ReasonTooManyFailures DisabledReason = "TooManyFailures"
	ReasonQuotaExceeded   DisabledReason = "QuotaExceeded"
)

// ErrNoAccessToken is returned when a credential has no usable token.
var ErrNoAccessToken = errors.New("没有可用的 accessToken")

// CallContext binds a credential id, a snapshot of its record and the
// access token for one upstream call. The caller reports the outcome
// back by id; by then the pool's current selection may have moved on,
// but the outcome must land on the credential that served the call.
type CallContext struct {
	ID          uint64
	Credentials kiro.Credentials
	Token       string
}

// Refresher performs one OAuth token refresh. *kiro.Refresher satisfies
// it; tests inject fakes.
type Refresher interface {
	Refresh(ctx context.Context, creds kiro.Credentials) (kiro.Credentials, error)
}

// UsageFetcher queries upstream usage limits. *kiro.UsageClient
// satisfies it.
type UsageFetcher interface {
	GetUsageLimits(ctx context.Context, creds kiro.Credentials, token string) (*kiro.UsageLimitsResponse, error)
}

// entry is one credential plus its runtime state. Runtime fields live
// here, not on the record; only identity fields are written back to the
// credentials file.
type entry struct {
	id             uint64
	creds          kiro.Credentials
	failureCount   uint32
	disabled       bool
	disabledReason DisabledReason
	successCount   uint64
	lastUsedAt     string // RFC3339
}

// Options configures a Pool.
type Options struct {
	Credentials []kiro.Credentials
	// CredentialsPath is the file credentials are written back to.
	// Empty disables persistence.
	CredentialsPath string
	// IsMultipleFormat reports whether the source file used the array
	// form; only that form is ever rewritten.
	IsMultipleFormat bool
	Mode             string
	KiroVersion      string
	Refresher        Refresher
	Usage            UsageFetcher
	Logger           *slog.Logger
	// SaveMode persists a load-balancing-mode change; nil keeps mode
	// changes in-memory only.
	SaveMode func(mode string) error
}

// Pool holds all credentials and drives selection, refresh and failure
// accounting. All entry access happens under mu in short critical
// sections; no lock is ever held across a network call.
type Pool struct {
	logger      *slog.Logger
	kiroVersion string
	refresher   Refresher
	usage       UsageFetcher

	mu      sync.Mutex
	entries []*entry

	currentMu sync.Mutex
	currentID uint64

	modeMu   sync.Mutex
	mode     string
	saveMode func(mode string) error

	// refreshBarrier serializes token refreshes pool-wide: at most one
	// refresh request is in flight per process. Acquire is
	// context-aware, so a cancelled caller just drops its place in line.
	refreshBarrier *semaphore.Weighted

	credentialsPath  string
	isMultipleFormat bool

	statsMu         sync.Mutex
	lastStatsSaveAt time.Time
	statsDirty      atomic.Bool
}

// New ingests the credential list and boots the pool: auth methods are
// normalized, missing ids and machine ids are backfilled (and persisted
// when anything was backfilled), duplicate ids are fatal, and persisted
// stats are applied to matching entries.
func New(opts Options) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = config.ModePriority
	}

	var maxID uint64
	for _, c := range opts.Credentials {
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	nextID := maxID + 1
	backfilled := false
	entries := make([]*entry, 0, len(opts.Credentials))
	for _, c := range opts.Credentials {
		creds := c.Clone()
		creds.CanonicalizeAuthMethod()
		if creds.ID == 0 {
			creds.ID = nextID
			nextID++
			backfilled = true
		}
		if creds.MachineID == "" {
			if machineID, err := kiro.MachineID(creds, opts.KiroVersion); err == nil {
				creds.MachineID = machineID
				backfilled = true
			}
		}

		e := &entry{id: creds.ID, creds: creds}
		if creds.Disabled {
			// A persisted disable was admin-initiated; self-heal must
			// not undo it.
			e.disabled = true
			e.disabledReason = ReasonManual
		}
		entries = append(entries, e)
	}

	seen := make(map[uint64]bool, len(entries))
	var duplicates []uint64
	for _, e := range entries {
		if seen[e.id] {
			duplicates = append(duplicates, e.id)
		}
		seen[e.id] = true
	}
	if len(duplicates) > 0 {
		return nil, fmt.Errorf("检测到重复的凭据 ID: %v", duplicates)
	}

	// Initial selection: smallest priority, ingest order breaking ties.
	var initialID uint64
	var best *entry
	for _, e := range entries {
		if best == nil || e.creds.Priority < best.creds.Priority {
			best = e
		}
	}
	if best != nil {
		initialID = best.id
	}

	p := &Pool{
		logger:           logger,
		kiroVersion:      opts.KiroVersion,
		refresher:        opts.Refresher,
		usage:            opts.Usage,
		entries:          entries,
		currentID:        initialID,
		mode:             mode,
		saveMode:         opts.SaveMode,
		refreshBarrier:   semaphore.NewWeighted(1),
		credentialsPath:  opts.CredentialsPath,
		isMultipleFormat: opts.IsMultipleFormat,
	}

	if backfilled {
		if err := p.persistCredentials(); err != nil {
			p.logger.Warn("failed to persist backfilled credential ids", "error", err)
		} else {
			p.logger.Info("backfilled credential ids/machine ids written back")
		}
	}

	p.loadStats()

	return p, nil
}

// TotalCount returns the number of credentials in the pool.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AvailableCount returns the number of non-disabled credentials.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, e := range p.entries {
		if !e.disabled {
			n++
		}
	}
	return n
}

// CurrentID returns the sticky selection, 0 when the pool is empty.
func (p *Pool) CurrentID() uint64 {
	p.currentMu.Lock()
	defer p.currentMu.Unlock()
	return p.currentID
}

func (p *Pool) setCurrentID(id uint64) {
	p.currentMu.Lock()
	defer p.currentMu.Unlock()
	p.currentID = id
}

// Mode returns the load balancing mode.
func (p *Pool) Mode() string {
	p.modeMu.Lock()
	defer p.modeMu.Unlock()
	return p.mode
}

// CredentialsByID returns a clone of the credential record for id.
func (p *Pool) CredentialsByID(id uint64) (kiro.Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.id == id {
			return e.creds.Clone(), true
		}
	}
	return kiro.Credentials{}, false
}

func (p *Pool) findLocked(id uint64) *entry {
	for _, e := range p.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

// selectNext picks the next credential per the load balancing mode:
// balanced minimizes (successCount, priority); priority minimizes
// priority. Ingest order breaks remaining ties. Returns 0 when no
// credential is available.
func (p *Pool) selectNext() (uint64, kiro.Credentials, bool) {
	balanced := p.Mode() == config.ModeBalanced

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entry
	for _, e := range p.entries {
		if e.disabled {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		if balanced {
			if e.successCount < best.successCount ||
				(e.successCount == best.successCount && e.creds.Priority < best.creds.Priority) {
				best = e
			}
		} else if e.creds.Priority < best.creds.Priority {
			best = e
		}
	}

	if best == nil {
		return 0, kiro.Credentials{}, false
	}
	return best.id, best.creds.Clone(), true
}

// AcquireContext produces a CallContext bound to one credential,
// refreshing its token when needed. A refresh failure rotates to the
// next credential without touching failure counts; after every
// credential has been tried the call fails.
func (p *Pool) AcquireContext(ctx context.Context) (*CallContext, error) {
	total := p.TotalCount()
	tried := 0

	for {
		if tried >= total {
			return nil, fmt.Errorf("所有凭据均无法获取有效 Token（可用: %d/%d）", p.AvailableCount(), total)
		}

		id, creds, err := p.pickCredential()
		if err != nil {
			return nil, err
		}

		cctx, err := p.tryEnsureToken(ctx, id, creds)
		if err == nil {
			return cctx, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		p.logger.Warn("token refresh failed, trying next credential",
			"id", id,
			"error", err,
		)
		p.switchToNextByPriority()
		tried++
	}
}

// pickCredential resolves the credential for one acquire iteration. In
// priority mode the sticky current entry is reused while it stays
// enabled; balanced mode re-selects every call. When nothing is
// available and some entries were auto-disabled by failures, the pool
// self-heals them once (the in-process equivalent of a restart) before
// giving up.
func (p *Pool) pickCredential() (uint64, kiro.Credentials, error) {
	if p.Mode() != config.ModeBalanced {
		currentID := p.CurrentID()
		p.mu.Lock()
		if e := p.findLocked(currentID); e != nil && !e.disabled {
			creds := e.creds.Clone()
			p.mu.Unlock()
			return e.id, creds, nil
		}
		p.mu.Unlock()
	}

	id, creds, ok := p.selectNext()
	if !ok && p.selfHeal() {
		id, creds, ok = p.selectNext()
	}
	if !ok {
		p.mu.Lock()
		available := p.availableLocked()
		total := len(p.entries)
		p.mu.Unlock()
		return 0, kiro.Credentials{}, fmt.Errorf("所有凭据均已禁用（%d/%d）", available, total)
	}

	p.setCurrentID(id)
	return id, creds, nil
}

// selfHeal re-enables every credential that was auto-disabled for
// consecutive failures, resetting its failure count. Manual and
// QuotaExceeded disables are never restored. Reports whether anything
// was healed.
func (p *Pool) selfHeal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	healed := false
	for _, e := range p.entries {
		if e.disabled && e.disabledReason == ReasonTooManyFailures {
			e.disabled = false
			e.disabledReason = ""
			e.failureCount = 0
			e.creds.Disabled = false
			healed = true
		}
	}
	if healed {
		p.logger.Warn("all credentials were auto-disabled; self-healing by resetting failure counts")
	}
	return healed
}

// tryEnsureToken returns a CallContext for id, refreshing the token
// when it is expired or expiring soon. Double-checked around the
// refresh barrier: another caller may have refreshed while this one
// waited in line.
func (p *Pool) tryEnsureToken(ctx context.Context, id uint64, creds kiro.Credentials) (*CallContext, error) {
	if !kiro.NeedsRefresh(creds) {
		if creds.AccessToken == "" {
			return nil, ErrNoAccessToken
		}
		return &CallContext{ID: id, Credentials: creds, Token: creds.AccessToken}, nil
	}

	if err := p.refreshBarrier.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.refreshBarrier.Release(1)

	current, ok := p.CredentialsByID(id)
	if !ok {
		return nil, fmt.Errorf("凭据不存在: %d", id)
	}

	if kiro.NeedsRefresh(current) {
		refreshed, err := p.refresher.Refresh(ctx, current)
		if err != nil {
			return nil, err
		}
		if kiro.IsTokenExpired(refreshed) {
			return nil, fmt.Errorf("刷新后的 Token 仍然无效或已过期")
		}

		p.mu.Lock()
		if e := p.findLocked(id); e != nil {
			e.creds = refreshed.Clone()
		}
		p.mu.Unlock()

		if err := p.persistCredentials(); err != nil {
			p.logger.Warn("failed to persist credentials after refresh", "error", err)
		}
		current = refreshed
	} else {
		p.logger.Debug("token already refreshed by another caller", "id", id)
	}

	if current.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return &CallContext{ID: id, Credentials: current.Clone(), Token: current.AccessToken}, nil
}

// switchToNextByPriority moves the sticky selection to the
// highest-priority enabled credential other than the current one.
func (p *Pool) switchToNextByPriority() {
	currentID := p.CurrentID()

	p.mu.Lock()
	var next *entry
	for _, e := range p.entries {
		if e.disabled || e.id == currentID {
			continue
		}
		if next == nil || e.creds.Priority < next.creds.Priority {
			next = e
		}
	}
	p.mu.Unlock()

	if next != nil {
		p.setCurrentID(next.id)
		p.logger.Info("switched credential", "id", next.id, "priority", next.creds.Priority)
	}
}

// selectHighestPriority re-points the sticky selection at the
// highest-priority enabled credential, current one included. Used after
// priority changes so they take effect immediately.
func (p *Pool) selectHighestPriority() {
	p.mu.Lock()
	var best *entry
	for _, e := range p.entries {
		if e.disabled {
			continue
		}
		if best == nil || e.creds.Priority < best.creds.Priority {
			best = e
		}
	}
	p.mu.Unlock()

	if best != nil && best.id != p.CurrentID() {
		p.logger.Info("re-selected credential by priority", "id", best.id, "priority", best.creds.Priority)
		p.setCurrentID(best.id)
	}
}

// SwitchToNext rotates away from the current credential. Reports
// whether a usable credential remains selected.
func (p *Pool) SwitchToNext() bool {
	currentID := p.CurrentID()

	p.mu.Lock()
	defer p.mu.Unlock()

	var next *entry
	for _, e := range p.entries {
		if e.disabled || e.id == currentID {
			continue
		}
		if next == nil || e.creds.Priority < next.creds.Priority {
			next = e
		}
	}
	if next != nil {
		p.setCurrentID(next.id)
		p.logger.Info("switched credential", "id", next.id, "priority", next.creds.Priority)
		return true
	}

	e := p.findLocked(currentID)
	return e != nil && !e.disabled
}

// GetUsageLimits fetches usage limits through the normal acquire path.
func (p *Pool) GetUsageLimits(ctx context.Context) (*kiro.UsageLimitsResponse, error) {
	cctx, err := p.AcquireContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.usage.GetUsageLimits(ctx, cctx.Credentials, cctx.Token)
}

// GetUsageLimitsFor fetches usage limits for one specific credential,
// refreshing its token through the same barrier when needed. Used by
// the admin balance endpoint; failures here never feed the failure
// accounting.
func (p *Pool) GetUsageLimitsFor(ctx context.Context, id uint64) (*kiro.UsageLimitsResponse, error) {
	creds, ok := p.CredentialsByID(id)
	if !ok {
		return nil, fmt.Errorf("凭据不存在: %d", id)
	}

	var token string
	if kiro.NeedsRefresh(creds) {
		if err := p.refreshBarrier.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		current, ok := p.CredentialsByID(id)
		if !ok {
			p.refreshBarrier.Release(1)
			return nil, fmt.Errorf("凭据不存在: %d", id)
		}

		if kiro.NeedsRefresh(current) {
			refreshed, err := p.refresher.Refresh(ctx, current)
			if err != nil {
				p.refreshBarrier.Release(1)
				return nil, err
			}

			p.mu.Lock()
			if e := p.findLocked(id); e != nil {
				e.creds = refreshed.Clone()
			}
			p.mu.Unlock()

			if err := p.persistCredentials(); err != nil {
				p.logger.Warn("failed to persist credentials after refresh", "error", err)
			}
			current = refreshed
		}
		p.refreshBarrier.Release(1)

		if current.AccessToken == "" {
			return nil, ErrNoAccessToken
		}
		token = current.AccessToken
	} else {
		if creds.AccessToken == "" {
			return nil, ErrNoAccessToken
		}
		token = creds.AccessToken
	}

	current, ok := p.CredentialsByID(id)
	if !ok {
		return nil, fmt.Errorf("凭据不存在: %d", id)
	}
	return p.usage.GetUsageLimits(ctx, current, token)
}

// Close flushes dirty stats once. Called on shutdown.
func (p *Pool) Close() {
	if p.statsDirty.Load() {
		p.saveStats()
	}
}
