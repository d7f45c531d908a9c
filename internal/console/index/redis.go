// Package index is the transient shared index (spec.md §9, "Cyclic
// references"): instance_id -> comet_id routing, and the leader lease
// used to guarantee at most one Console evaluates a given timer
// (spec.md §5, "Ordering guarantees").
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const routeKeyPrefix = "jiascheduler:route:"

// Index wraps a go-redis client, mirroring the teacher's
// EtcdManager{client} shape (pkg/store/etcd.go) but over Redis, per
// SPEC_FULL.md §3's choice of Redis for transient state.
type Index struct {
	rdb *redis.Client
}

// New connects to a redis_url of the form redis://[:password@]host:port/db.
func New(redisURL string) (*Index, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: bad redis_url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("db_unavailable: %w", err)
	}
	return &Index{rdb: rdb}, nil
}

// Client exposes the underlying go-redis client for callers (e.g.
// redsync) that need it directly.
func (i *Index) Client() *redis.Client { return i.rdb }

func (i *Index) Close() error { return i.rdb.Close() }

// SetRoute records that instanceID is currently reachable via cometID,
// with a TTL so a crashed Comet's routes expire even without an
// explicit offline notification.
func (i *Index) SetRoute(ctx context.Context, instanceID, cometID string, ttl time.Duration) error {
	return i.rdb.Set(ctx, routeKeyPrefix+instanceID, cometID, ttl).Err()
}

// GetRoute resolves instanceID's current Comet, or "" if unknown/expired.
func (i *Index) GetRoute(ctx context.Context, instanceID string) (string, error) {
	cometID, err := i.rdb.Get(ctx, routeKeyPrefix+instanceID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return cometID, err
}

// DeleteRoute removes instanceID's route, e.g. on link close.
func (i *Index) DeleteRoute(ctx context.Context, instanceID string) error {
	return i.rdb.Del(ctx, routeKeyPrefix+instanceID).Err()
}
