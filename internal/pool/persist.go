package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xilu0/kiro-gateway/internal/kiro"
)

// statsFileName sits next to the credentials file and survives restarts
// independently of it; success counters never belong in the
// credentials file.
const statsFileName = "kiro_stats.json"

// statsRecord is one credential's persisted usage stats, keyed by the
// decimal credential id.
type statsRecord struct {
	SuccessCount uint64  `json:"successCount"`
	LastUsedAt   *string `json:"lastUsedAt"`
}

// persistCredentials writes the identity fields of every credential
// back to the credentials file. Single-object files are never
// rewritten: the pool would silently upgrade the user's file format.
func (p *Pool) persistCredentials() error {
	if p.credentialsPath == "" || !p.isMultipleFormat {
		return nil
	}

	p.mu.Lock()
	records := make([]kiro.Credentials, 0, len(p.entries))
	for _, e := range p.entries {
		records = append(records, e.creds.Clone())
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.credentialsPath, data, 0o600)
}

func (p *Pool) statsPath() string {
	if p.credentialsPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(p.credentialsPath), statsFileName)
}

// loadStats applies persisted success counters to matching entries.
// A missing or unreadable stats file is not an error; counters start
// from zero.
func (p *Pool) loadStats() {
	path := p.statsPath()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var stats map[string]statsRecord
	if err := json.Unmarshal(data, &stats); err != nil {
		p.logger.Warn("ignoring malformed stats file", "path", path, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if rec, ok := stats[strconv.FormatUint(e.id, 10)]; ok {
			e.successCount = rec.SuccessCount
			if rec.LastUsedAt != nil {
				e.lastUsedAt = *rec.LastUsedAt
			}
		}
	}
}

// saveStats flushes the success counters to disk.
func (p *Pool) saveStats() {
	path := p.statsPath()
	if path == "" {
		return
	}

	p.mu.Lock()
	stats := make(map[string]statsRecord, len(p.entries))
	for _, e := range p.entries {
		rec := statsRecord{SuccessCount: e.successCount}
		if e.lastUsedAt != "" {
			lastUsed := e.lastUsedAt
			rec.LastUsedAt = &lastUsed
		}
		stats[strconv.FormatUint(e.id, 10)] = rec
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		p.logger.Warn("failed to marshal stats", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		p.logger.Warn("failed to write stats file", "path", path, "error", err)
		return
	}
	p.statsDirty.Store(false)
}

// saveStatsDebounced marks the stats dirty and flushes at most once per
// debounce interval. Stats written between flushes are lost on crash;
// they are counters, not ledgers.
func (p *Pool) saveStatsDebounced() {
	p.statsDirty.Store(true)

	p.statsMu.Lock()
	due := p.lastStatsSaveAt.IsZero() || time.Since(p.lastStatsSaveAt) >= statsSaveDebounce
	if due {
		p.lastStatsSaveAt = time.Now()
	}
	p.statsMu.Unlock()

	if due {
		p.saveStats()
	}
}
