package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const chartKey = "coa:snapshot"

// maxLocalTTL bounds how long one instance serves its in-process copy after
// another instance invalidates the shared Redis entry.
const maxLocalTTL = 30 * time.Second

// Chart serves the chart of accounts from an in-process cache backed by
// Redis, loading from the repository at most once per concurrent miss.
type Chart struct {
	repo     Repository
	client   *redis.Client
	local    *gocache.Cache
	localTTL time.Duration
	ttl      time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewChart builds the cache. A nil client disables the Redis tier.
func NewChart(repo Repository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Chart {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	localTTL := min(ttl, maxLocalTTL)
	return &Chart{
		repo:     repo,
		client:   client,
		local:    gocache.New(localTTL, 2*localTTL),
		localTTL: localTTL,
		ttl:      ttl,
		logger:   logger,
	}
}

// Snapshot returns the cached accounts and mappings.
func (c *Chart) Snapshot(ctx context.Context) (*Snapshot, error) {
	if v, ok := c.local.Get(chartKey); ok {
		return v.(*Snapshot), nil
	}
	if snap, ok := c.fromRedis(ctx); ok {
		c.local.SetDefault(chartKey, snap)
		return snap, nil
	}
	ch := c.group.DoChan(chartKey, func() (any, error) {
		return c.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Invalidate drops both cache tiers. Other instances keep their in-process
// copy for up to maxLocalTTL.
func (c *Chart) Invalidate(ctx context.Context) error {
	c.local.Flush()
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, chartKey).Err()
}

func (c *Chart) load(ctx context.Context) (*Snapshot, error) {
	accounts, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	mappings, err := c.repo.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Accounts: accounts, Mappings: mappings}
	c.local.SetDefault(chartKey, snap)
	if c.client != nil {
		raw, err := json.Marshal(snap)
		if err == nil {
			err = c.client.Set(ctx, chartKey, raw, c.ttl).Err()
		}
		if err != nil {
			c.logger.Warn("chart cache write failed", slog.Any("error", err))
		}
	}
	return snap, nil
}

func (c *Chart) fromRedis(ctx context.Context) (*Snapshot, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, chartKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("chart cache read failed", slog.Any("error", err))
		}
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("chart cache decode failed", slog.Any("error", err))
		return nil, false
	}
	return &snap, true
}
