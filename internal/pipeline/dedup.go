package pipeline

import (
	"context"
	"fmt"
	"time"

	"call-relay/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Deduper is the fast-path dedup set. Claim must be atomic: of two
// concurrent claims for the same call id exactly one returns true.
// Release undoes a claim so a later redelivery can be processed again.
//
// The deduper is an optimization layer only. The durable call log is the
// authority, so a deduper outage degrades throughput, not correctness.
type Deduper interface {
	Claim(ctx context.Context, callID int64) (bool, error)
	Release(ctx context.Context, callID int64) error
}

// dedupTTL bounds fast-path memory. Webhook redeliveries arrive within
// seconds to hours; a day is comfortably past that.
const dedupTTL = 24 * time.Hour

// RedisDeduper claims call ids in redis with a TTL.
type RedisDeduper struct {
	rdb *redis.Client
}

func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

func (d *RedisDeduper) Claim(ctx context.Context, callID int64) (bool, error) {
	return utils.ClaimOnce(ctx, d.rdb, dedupKey(callID), dedupTTL)
}

func (d *RedisDeduper) Release(ctx context.Context, callID int64) error {
	return utils.ReleaseClaim(ctx, d.rdb, dedupKey(callID))
}

func dedupKey(callID int64) string {
	return fmt.Sprintf("dedup:call:%d", callID)
}
