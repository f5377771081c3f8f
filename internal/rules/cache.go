// Package rules evaluates a parcel against the priority-ordered sorting rule
// set and caches the rule set between administrative edits.
package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

// CacheConfig holds rule cache expiration settings
type CacheConfig struct {
	// SlidingExpiration is refreshed on every access
	SlidingExpiration time.Duration
	// AbsoluteExpiration bounds staleness even under constant traffic
	AbsoluteExpiration time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SlidingExpiration:  5 * time.Minute,
		AbsoluteExpiration: 30 * time.Minute,
	}
}

type cacheEntry struct {
	rules    []domain.SortingRule
	loadedAt time.Time
}

// Cache serves the enabled rule set with sliding + absolute expiration and a
// single-flight reload. Warm reads never take the reload mutex. The rule set
// is stored exactly as the source returned it: sorted ascending by priority,
// a contract the cache trusts and does not re-validate.
type Cache struct {
	source  domain.RuleSource
	clock   domain.Clock
	config  CacheConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	entry        atomic.Pointer[cacheEntry]
	lastAccessed atomic.Int64 // unix nanos

	reloadMu sync.Mutex
}

// NewCache creates a rule cache over the given source
func NewCache(source domain.RuleSource, clock domain.Clock, config CacheConfig, logger *logging.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		source:  source,
		clock:   clock,
		config:  config,
		logger:  logger.WithComponent("rule-cache"),
		metrics: m,
	}
}

// GetRules returns the cached rule set, reloading it from the source when
// cold or expired. On a reload failure a stale cached value, if any, keeps
// serving; with no cached value the error propagates so the caller can fail
// closed rather than sort with zero rules.
func (c *Cache) GetRules(ctx context.Context) ([]domain.SortingRule, error) {
	now := c.clock.Now()

	if entry := c.entry.Load(); entry != nil && !c.expired(entry, now) {
		c.lastAccessed.Store(now.UnixNano())
		return entry.rules, nil
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	// Double-checked: another caller may have reloaded while we waited
	now = c.clock.Now()
	if entry := c.entry.Load(); entry != nil && !c.expired(entry, now) {
		c.lastAccessed.Store(now.UnixNano())
		return entry.rules, nil
	}

	rules, err := c.source.LoadEnabledRulesOrderedByPriority(ctx)
	if err != nil {
		c.metrics.RecordRuleCacheReload(false)
		if stale := c.entry.Load(); stale != nil {
			c.logger.WithError(err).Warn("Rule source unavailable, serving stale rule set",
				"staleAge", now.Sub(stale.loadedAt).String(),
				"ruleCount", len(stale.rules),
			)
			c.lastAccessed.Store(now.UnixNano())
			return stale.rules, nil
		}
		c.logger.WithError(err).Error("Rule source unavailable with no cached rule set")
		return nil, domain.ErrNoRulesLoaded
	}

	c.entry.Store(&cacheEntry{rules: rules, loadedAt: now})
	c.lastAccessed.Store(now.UnixNano())
	c.metrics.RecordRuleCacheReload(true)
	c.logger.Info("Rule set loaded", "ruleCount", len(rules))

	return rules, nil
}

// Invalidate drops the cached value so the next access reloads synchronously
func (c *Cache) Invalidate() {
	c.entry.Store(nil)
	c.logger.Info("Rule cache invalidated")
}

// Info describes the current cache contents for the admin surface
type Info struct {
	RuleCount int       `json:"ruleCount"`
	LoadedAt  time.Time `json:"loadedAt"`
	Warm      bool      `json:"warm"`
}

// Info returns the current cache state without triggering a reload
func (c *Cache) Info() Info {
	entry := c.entry.Load()
	if entry == nil {
		return Info{}
	}
	return Info{
		RuleCount: len(entry.rules),
		LoadedAt:  entry.loadedAt,
		Warm:      true,
	}
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	if now.Sub(entry.loadedAt) >= c.config.AbsoluteExpiration {
		return true
	}
	last := time.Unix(0, c.lastAccessed.Load())
	return now.Sub(last) >= c.config.SlidingExpiration
}
