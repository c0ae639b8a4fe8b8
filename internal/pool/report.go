package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// ReportSuccess records a successful upstream call for id: the failure
// count resets and the success counter and last-used timestamp advance.
// Reports whether the pool still has a non-disabled credential.
func (p *Pool) ReportSuccess(id uint64) bool {
	p.mu.Lock()
	if e := p.findLocked(id); e != nil {
		e.failureCount = 0
		e.successCount++
		e.lastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}
	available := p.availableLocked() > 0
	p.mu.Unlock()

	p.saveStatsDebounced()
	return available
}

// ReportFailure records a failed upstream call for id. Hitting the
// consecutive-failure threshold disables the credential; the disable is
// runtime-only so a restart (or self-heal) gives it another chance.
// Reports whether the pool still has a non-disabled credential.
func (p *Pool) ReportFailure(id uint64) bool {
	disabledNow := false

	p.mu.Lock()
	if e := p.findLocked(id); e != nil && !e.disabled {
		e.failureCount++
		e.lastUsedAt = time.Now().UTC().Format(time.RFC3339)
		p.logger.Warn("credential failure recorded",
			"id", id,
			"failureCount", e.failureCount,
			"max", MaxFailuresPerCredential,
		)
		if e.failureCount >= MaxFailuresPerCredential {
			e.disabled = true
			e.disabledReason = ReasonTooManyFailures
			disabledNow = true
			p.logger.Warn("credential auto-disabled after consecutive failures", "id", id)
		}
	}
	available := p.availableLocked() > 0
	p.mu.Unlock()

	if disabledNow {
		p.selectHighestPriority()
	}
	p.saveStatsDebounced()
	return available
}

// ReportQuotaExhausted disables id immediately: quota errors do not
// count toward the failure threshold, they are terminal for the billing
// period and never self-healed. Reports whether the pool still has a
// non-disabled credential.
func (p *Pool) ReportQuotaExhausted(id uint64) bool {
	p.mu.Lock()
	if e := p.findLocked(id); e != nil && !e.disabled {
		e.failureCount = MaxFailuresPerCredential
		e.lastUsedAt = time.Now().UTC().Format(time.RFC3339)
		e.disabled = true
		e.disabledReason = ReasonQuotaExceeded
		p.logger.Warn("credential disabled: quota exhausted", "id", id)
	}
	available := p.availableLocked() > 0
	p.mu.Unlock()

	p.selectHighestPriority()
	p.saveStatsDebounced()
	return available
}

// SetDisabled flips the admin disable flag. Manual disables persist to
// the credentials file and survive restarts; enabling clears the
// failure count so the credential starts clean.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("凭据不存在: %d", id)
	}
	if disabled {
		e.disabled = true
		e.disabledReason = ReasonManual
		e.creds.Disabled = true
	} else {
		e.disabled = false
		e.disabledReason = ""
		e.failureCount = 0
		e.creds.Disabled = false
	}
	p.mu.Unlock()

	if disabled && id == p.CurrentID() {
		p.switchToNextByPriority()
	}

	p.logger.Info("credential disable flag changed", "id", id, "disabled", disabled)
	return p.persistCredentials()
}

// SetPriority changes a credential's priority and re-selects
// immediately, so a newly promoted credential takes over without
// waiting for the current one to fail.
func (p *Pool) SetPriority(id uint64, priority uint32) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("凭据不存在: %d", id)
	}
	e.creds.Priority = priority
	p.mu.Unlock()

	p.selectHighestPriority()

	p.logger.Info("credential priority changed", "id", id, "priority", priority)
	return p.persistCredentials()
}

// ResetAndEnable clears a credential's failure state and re-enables it
// regardless of why it was disabled.
func (p *Pool) ResetAndEnable(id uint64) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("凭据不存在: %d", id)
	}
	e.failureCount = 0
	e.disabled = false
	e.disabledReason = ""
	e.creds.Disabled = false
	p.mu.Unlock()

	p.logger.Info("credential reset and enabled", "id", id)
	return p.persistCredentials()
}

// AddCredential validates a new credential, proves it viable with a
// live token refresh, assigns it the next id and persists the pool.
// Returns the assigned id.
func (p *Pool) AddCredential(ctx context.Context, newCreds kiro.Credentials) (uint64, error) {
	if err := newCreds.ValidateRefreshToken(); err != nil {
		return 0, err
	}

	hash := newCreds.RefreshTokenHash()
	p.mu.Lock()
	for _, e := range p.entries {
		if e.creds.RefreshTokenHash() == hash {
			p.mu.Unlock()
			return 0, fmt.Errorf("凭据已存在（refreshToken 重复）")
		}
	}
	p.mu.Unlock()

	candidate := newCreds.Clone()
	candidate.CanonicalizeAuthMethod()

	// A credential that cannot refresh is useless; prove it now rather
	// than at first traffic.
	refreshed, err := p.refresher.Refresh(ctx, candidate)
	if err != nil {
		return 0, err
	}
	if kiro.IsTokenExpired(refreshed) {
		return 0, fmt.Errorf("刷新后的 Token 仍然无效或已过期")
	}

	if refreshed.MachineID == "" {
		if machineID, mErr := kiro.MachineID(refreshed, p.kiroVersion); mErr == nil {
			refreshed.MachineID = machineID
		}
	}
	refreshed.Disabled = false

	p.mu.Lock()
	var maxID uint64
	for _, e := range p.entries {
		if e.id > maxID {
			maxID = e.id
		}
	}
	newID := maxID + 1
	refreshed.ID = newID
	p.entries = append(p.entries, &entry{id: newID, creds: refreshed})
	poolSize := len(p.entries)
	p.mu.Unlock()

	if poolSize == 1 {
		p.setCurrentID(newID)
	}

	p.logger.Info("credential added", "id", newID, "authMethod", refreshed.EffectiveAuthMethod())

	if err := p.persistCredentials(); err != nil {
		return newID, err
	}
	return newID, nil
}

// DeleteCredential removes a credential. Only disabled credentials may
// be deleted; disabling first is the two-step confirmation.
func (p *Pool) DeleteCredential(id uint64) error {
	p.mu.Lock()
	idx := -1
	for i, e := range p.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return fmt.Errorf("凭据不存在: %d", id)
	}
	if !p.entries[idx].disabled {
		p.mu.Unlock()
		return fmt.Errorf("只能删除已禁用的凭据（请先禁用凭据 #%d）", id)
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	remaining := len(p.entries)
	p.mu.Unlock()

	wasCurrent := id == p.CurrentID()
	if remaining == 0 {
		p.setCurrentID(0)
	} else if wasCurrent {
		p.selectHighestPriority()
	}

	p.logger.Info("credential deleted", "id", id)
	return p.persistCredentials()
}

// SetMode switches the load balancing mode and persists it through the
// configured save callback. A persist failure reverts the in-memory
// mode so the runtime never diverges from the config file.
func (p *Pool) SetMode(mode string) error {
	if !config.ValidMode(mode) {
		return fmt.Errorf("无效的负载均衡模式: %s", mode)
	}

	p.modeMu.Lock()
	old := p.mode
	if old == mode {
		p.modeMu.Unlock()
		return nil
	}
	p.mode = mode
	p.modeMu.Unlock()

	if p.saveMode != nil {
		if err := p.saveMode(mode); err != nil {
			p.modeMu.Lock()
			p.mode = old
			p.modeMu.Unlock()
			return fmt.Errorf("failed to persist load balancing mode: %w", err)
		}
	}

	p.logger.Info("load balancing mode changed", "from", old, "to", mode)
	return nil
}

// ApplyMode applies a mode change observed from the config file watcher
// without writing it back.
func (p *Pool) ApplyMode(mode string) {
	if !config.ValidMode(mode) {
		return
	}
	p.modeMu.Lock()
	changed := p.mode != mode
	p.mode = mode
	p.modeMu.Unlock()
	if changed {
		p.logger.Info("load balancing mode reloaded from config", "mode", mode)
	}
}

// UpdateSubscriptionTitle caches the plan title learned from a usage
// query onto the credential record. Persist failures only warn; the
// title is cosmetic.
func (p *Pool) UpdateSubscriptionTitle(id uint64, title string) {
	if title == "" {
		return
	}

	p.mu.Lock()
	e := p.findLocked(id)
	changed := e != nil && e.creds.SubscriptionTitle != title
	if changed {
		e.creds.SubscriptionTitle = title
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if err := p.persistCredentials(); err != nil {
		p.logger.Warn("failed to persist subscription title", "id", id, "error", err)
	}
}

// EntrySnapshot is a point-in-time view of one credential's state.
type EntrySnapshot struct {
	ID                uint64
	Priority          uint32
	Disabled          bool
	DisabledReason    DisabledReason
	FailureCount      uint32
	SuccessCount      uint64
	LastUsedAt        string
	AuthMethod        string
	Email             string
	SubscriptionTitle string
	ExpiresAt         string
	RefreshTokenHash  string
	HasProfileARN     bool
	HasProxy          bool
	ProxyURL          string
}

// PoolSnapshot is a point-in-time view of the whole pool.
type PoolSnapshot struct {
	CurrentID uint64
	Mode      string
	Total     int
	Available int
	Entries   []EntrySnapshot
}

// Snapshot captures the pool state for the admin surface.
func (p *Pool) Snapshot() PoolSnapshot {
	currentID := p.CurrentID()
	mode := p.Mode()

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]EntrySnapshot, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, EntrySnapshot{
			ID:                e.id,
			Priority:          e.creds.Priority,
			Disabled:          e.disabled,
			DisabledReason:    e.disabledReason,
			FailureCount:      e.failureCount,
			SuccessCount:      e.successCount,
			LastUsedAt:        e.lastUsedAt,
			AuthMethod:        e.creds.EffectiveAuthMethod(),
			Email:             e.creds.Email,
			SubscriptionTitle: e.creds.SubscriptionTitle,
			ExpiresAt:         e.creds.ExpiresAt,
			RefreshTokenHash:  e.creds.RefreshTokenHash(),
			HasProfileARN:     e.creds.ProfileARN != "",
			HasProxy:          e.creds.ProxyURL != "" && e.creds.ProxyURL != kiro.ProxyDirect,
			ProxyURL:          e.creds.ProxyURL,
		})
	}

	return PoolSnapshot{
		CurrentID: currentID,
		Mode:      mode,
		Total:     len(p.entries),
		Available: p.availableLocked(),
		Entries:   entries,
	}
}
