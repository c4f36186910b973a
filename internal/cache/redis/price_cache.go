package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpdesk/perpdesk/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// latest quote is stored at "quote:{asset}" with fields "price", "source",
// and "ts" (Unix nanosecond timestamp), so the distribution hub can serve
// clients that connect between polling ticks.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Quotes
// expire after ttl (no expiry when ttl is zero).
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(asset string) string {
	return "quote:" + asset
}

// SetQuote stores the latest quote for an asset.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	key := quoteKey(q.Asset)
	fields := map[string]interface{}{
		"price":  strconv.FormatFloat(q.Price, 'f', -1, 64),
		"source": string(q.Source),
		"ts":     strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
	}
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Asset, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for an asset. It returns
// domain.ErrNotFound when no quote is cached.
func (pc *PriceCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(asset)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return parseQuote(asset, vals)
}

// GetQuotes retrieves quotes for multiple assets using a pipeline. Assets
// with no cached quote are silently omitted.
func (pc *PriceCache) GetQuotes(ctx context.Context, assets []string) ([]domain.PriceQuote, error) {
	if len(assets) == 0 {
		return nil, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, asset := range assets {
		cmds[asset] = pipe.HGetAll(ctx, quoteKey(asset))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	quotes := make([]domain.PriceQuote, 0, len(assets))
	for _, asset := range assets {
		vals, err := cmds[asset].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuote(asset, vals)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseQuote(asset string, vals map[string]string) (domain.PriceQuote, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse ts %s: %w", asset, err)
	}

	source := domain.PriceSource(vals["source"])
	if source == "" {
		source = domain.PriceSourceOracle
	}

	return domain.PriceQuote{
		Asset:      asset,
		Price:      price,
		Source:     source,
		ObservedAt: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
