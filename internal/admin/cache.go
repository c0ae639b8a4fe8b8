package admin

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// balanceCacheFileName sits next to the credentials file so a restart
// does not re-query every credential's balance at once.
const balanceCacheFileName = "kiro_balance_cache.json"

// balanceCacheTTL bounds how stale a served balance may be.
const balanceCacheTTL = 300 * time.Second

// cachedBalance is one cache slot. cachedAt is Unix seconds with
// fractional precision, matching the on-disk format.
type cachedBalance struct {
	CachedAt float64         `json:"cachedAt"`
	Data     BalanceSnapshot `json:"data"`
}

func (c cachedBalance) fresh(now time.Time) bool {
	age := float64(now.UnixNano())/1e9 - c.CachedAt
	return age >= 0 && age < balanceCacheTTL.Seconds()
}

// balanceCache is the TTL cache for per-credential balances, persisted
// as a JSON object keyed by decimal credential id.
type balanceCache struct {
	logger *slog.Logger
	path   string // "" disables persistence

	mu      sync.Mutex
	entries map[uint64]cachedBalance
}

// newBalanceCache loads the persisted cache from the directory of
// credentialsPath, dropping entries that are already stale.
func newBalanceCache(credentialsPath string, logger *slog.Logger) *balanceCache {
	c := &balanceCache{
		logger:  logger,
		entries: make(map[uint64]cachedBalance),
	}
	if credentialsPath != "" {
		c.path = filepath.Join(filepath.Dir(credentialsPath), balanceCacheFileName)
	}
	c.load()
	return c
}

func (c *balanceCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var raw map[string]cachedBalance
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Warn("ignoring malformed balance cache", "path", c.path, "error", err)
		return
	}

	now := time.Now()
	loaded := 0
	c.mu.Lock()
	for key, entry := range raw {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil || !entry.fresh(now) {
			continue
		}
		c.entries[id] = entry
		loaded++
	}
	c.mu.Unlock()

	if loaded > 0 {
		c.logger.Info("loaded balance cache", "entries", loaded)
	}
}

// save writes the cache back; failures only warn, the cache is an
// optimization.
func (c *balanceCache) save() {
	if c.path == "" {
		return
	}

	c.mu.Lock()
	raw := make(map[string]cachedBalance, len(c.entries))
	for id, entry := range c.entries {
		raw[strconv.FormatUint(id, 10)] = entry
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		c.logger.Warn("failed to marshal balance cache", "error", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		c.logger.Warn("failed to write balance cache", "path", c.path, "error", err)
	}
}

// get returns the cached balance for id when still fresh.
func (c *balanceCache) get(id uint64) (*BalanceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok || !entry.fresh(time.Now()) {
		return nil, false
	}
	data := entry.Data
	return &data, true
}

// put stores a balance and persists the cache.
func (c *balanceCache) put(id uint64, balance BalanceSnapshot) {
	c.mu.Lock()
	c.entries[id] = cachedBalance{
		CachedAt: float64(time.Now().UnixNano()) / 1e9,
		Data:     balance,
	}
	c.mu.Unlock()
	c.save()
}

// invalidate drops the slot for id, e.g. after deletion.
func (c *balanceCache) invalidate(id uint64) {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if ok {
		c.save()
	}
}
