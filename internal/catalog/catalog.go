// Package catalog resolves bracket identifiers to full market metadata
// against the Gamma API and caches the result.
//
// Metadata lives in a slice; slug->index and token->index live in hash
// maps, and pruning tombstones a slot rather than shifting the slice.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"bracketarb/pkg/types"
)

// Config tunes tradeable-window detection and refresh cadence.
type Config struct {
	GammaBaseURL        string
	TradeableMinMinutes float64
	TradeableMaxMinutes float64
	NoTradeTailSeconds  float64
	RefreshInterval     time.Duration
}

// DefaultConfig returns the documented tradeable-window and refresh defaults.
func DefaultConfig() Config {
	return Config{
		GammaBaseURL:        "https://gamma-api.polymarket.com",
		TradeableMinMinutes: 2,
		TradeableMaxMinutes: 14,
		NoTradeTailSeconds:  90,
		RefreshInterval:     30 * time.Second,
	}
}

const tombstoneIndex = -1

// Catalog caches MarketMetadata, indexed by slug and by token ID. A single
// RWMutex guards the arena; callers receive copies, never live pointers
// into internal state.
type Catalog struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger

	mu          sync.RWMutex
	metas       []types.MarketMetadata
	bySlug      map[string]int
	byToken     map[string]int
	lastRefresh time.Time
}

// New creates a Market Catalog backed by the Gamma-shaped events endpoint.
func New(cfg Config, logger *slog.Logger) *Catalog {
	return &Catalog{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.GammaBaseURL).
			SetTimeout(8 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond),
		logger:  logger.With("component", "catalog"),
		bySlug:  make(map[string]int),
		byToken: make(map[string]int),
	}
}

// NeedsRefresh reports whether the cache has not been refreshed within
// cfg.RefreshInterval.
func (c *Catalog) NeedsRefresh(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.lastRefresh) >= c.cfg.RefreshInterval
}

// gammaEvent is the subset of the events/markets endpoint response this
// catalog consumes.
type gammaEvent struct {
	Slug        string          `json:"slug"`
	ConditionID string          `json:"conditionId"`
	Question    string          `json:"question"`
	EndDate     string          `json:"endDate"`
	Outcomes    json.RawMessage `json:"outcomes"`
	ClobTokenID json.RawMessage `json:"clobTokenIds"`
	Volume      string          `json:"volume"`
	Markets     []gammaMarket   `json:"markets"`
}

// gammaMarket is an embedded market record, used as a fallback when the
// event itself carries no token IDs directly (grounded on
// btc15_cache.py's _fetch_market_details markets-endpoint fallback).
type gammaMarket struct {
	ConditionID string          `json:"conditionId"`
	Question    string          `json:"question"`
	ClobTokenID json.RawMessage `json:"clobTokenIds"`
	Outcomes    json.RawMessage `json:"outcomes"`
}

// Resolve queries the catalog's market-lookup endpoint for every unseen
// slug, caching the result; for seen slugs it touches last_seen and
// returns the cached metadata. Unknown or empty results are skipped, never
// cached as negatives.
func (c *Catalog) Resolve(ctx context.Context, slugs []string) ([]types.MarketMetadata, error) {
	now := time.Now().UTC()
	out := make([]types.MarketMetadata, 0, len(slugs))

	for _, s := range slugs {
		c.mu.Lock()
		if idx, ok := c.bySlug[s]; ok && idx != tombstoneIndex {
			c.metas[idx].LastSeen = now
			out = append(out, c.metas[idx])
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		meta, ok, err := c.fetchOne(ctx, s, now)
		if err != nil {
			c.logger.Warn("catalog resolve failed", "slug", s, "error", err)
			continue
		}
		if !ok {
			continue // unknown/empty result: not cached as a negative
		}

		c.mu.Lock()
		c.insertLocked(meta)
		c.mu.Unlock()
		out = append(out, meta)
	}

	c.mu.Lock()
	c.lastRefresh = now
	c.mu.Unlock()

	return out, nil
}

func (c *Catalog) insertLocked(meta types.MarketMetadata) {
	idx, exists := c.bySlug[meta.Slug]
	if exists && idx != tombstoneIndex {
		c.metas[idx] = meta
	} else {
		idx = len(c.metas)
		c.metas = append(c.metas, meta)
		c.bySlug[meta.Slug] = idx
	}
	c.byToken[meta.UpTokenID] = idx
	c.byToken[meta.DownTokenID] = idx
}

func (c *Catalog) fetchOne(ctx context.Context, s string, now time.Time) (types.MarketMetadata, bool, error) {
	var events []gammaEvent
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", s).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return types.MarketMetadata{}, false, fmt.Errorf("fetch event %s: %w", s, err)
	}
	if resp.StatusCode() != 200 || len(events) == 0 {
		return types.MarketMetadata{}, false, nil
	}

	ev := events[0]
	endTime, err := parseGammaTime(ev.EndDate)
	if err != nil {
		return types.MarketMetadata{}, false, fmt.Errorf("parse endDate %q: %w", ev.EndDate, err)
	}

	tokenIDs, err := NormalizeTokenIDs(ev.ClobTokenID)
	if err != nil || len(tokenIDs) < 2 {
		// Fall back to the first embedded market record, per the Python
		// original's markets-endpoint fallback.
		for _, m := range ev.Markets {
			ids, mErr := NormalizeTokenIDs(m.ClobTokenID)
			if mErr == nil && len(ids) >= 2 {
				tokenIDs = ids
				if ev.ConditionID == "" {
					ev.ConditionID = m.ConditionID
				}
				if ev.Question == "" {
					ev.Question = m.Question
				}
				break
			}
		}
	}
	if len(tokenIDs) < 2 {
		return types.MarketMetadata{}, false, nil // fewer than two usable token IDs: reject
	}

	outcomes, _ := NormalizeOutcomes(ev.Outcomes)

	return types.MarketMetadata{
		Slug:          s,
		ConditionID:   ev.ConditionID,
		Question:      ev.Question,
		EndTime:       endTime,
		Outcomes:      outcomes,
		UpTokenID:     tokenIDs[0],
		DownTokenID:   tokenIDs[1],
		InitialVolume: parseDecimalOrZero(ev.Volume),
		LastSeen:      now,
	}, true, nil
}

// Tradeable returns the subset of cached markets whose time-to-expiry lies
// in [TradeableMinMinutes, TradeableMaxMinutes] and exceeds NoTradeTailSeconds.
func (c *Catalog) Tradeable(now time.Time) map[string]types.MarketMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.MarketMetadata)
	minSec := c.cfg.TradeableMinMinutes * 60
	maxSec := c.cfg.TradeableMaxMinutes * 60

	for slug, idx := range c.bySlug {
		if idx == tombstoneIndex {
			continue
		}
		meta := c.metas[idx]
		secs := meta.SecondsToExpiry(now)
		if secs < minSec || secs > maxSec {
			continue
		}
		if secs <= c.cfg.NoTradeTailSeconds {
			continue
		}
		out[slug] = meta
	}
	return out
}

// Prune tombstones metadata whose EndTime has passed.
func (c *Catalog) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for slug, idx := range c.bySlug {
		if idx == tombstoneIndex {
			continue
		}
		if c.metas[idx].EndTime.Before(now) {
			delete(c.byToken, c.metas[idx].UpTokenID)
			delete(c.byToken, c.metas[idx].DownTokenID)
			c.bySlug[slug] = tombstoneIndex
		}
	}
}

// Lookup returns the cached metadata for a slug, if any.
func (c *Catalog) Lookup(slug string) (types.MarketMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.bySlug[slug]
	if !ok || idx == tombstoneIndex {
		return types.MarketMetadata{}, false
	}
	return c.metas[idx], true
}

func parseGammaTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty end date")
	}
	if !strings.HasSuffix(s, "Z") && !strings.Contains(s, "+") {
		s += "Z"
	}
	return time.Parse(time.RFC3339, s)
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
