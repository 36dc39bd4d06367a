package redis

import (
	"context"
	"time"

	"subscription-billing/internal/usecase"
)

var _ usecase.ReplayCache = (*ReplayCache)(nil)

// ReplayCache short-circuits duplicate webhook storms before they reach the
// database. Advisory only: a cache miss or Redis outage just means the
// ledger's unique index does the work.
type ReplayCache struct {
	cli RedisClient
	ttl time.Duration
}

func NewReplayCache(cli RedisClient, ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ReplayCache{cli: cli, ttl: ttl}
}

func key(intentID, providerTxnID string) string {
	return "reconcile:seen:" + intentID + ":" + providerTxnID
}

func (c *ReplayCache) Seen(ctx context.Context, intentID, providerTxnID string) bool {
	_, err := c.cli.Get(ctx, key(intentID, providerTxnID))
	return err == nil
}

func (c *ReplayCache) MarkSeen(ctx context.Context, intentID, providerTxnID string) {
	_, _ = c.cli.SetNX(ctx, key(intentID, providerTxnID), "1", c.ttl)
}
