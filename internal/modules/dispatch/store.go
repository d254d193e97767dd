// README: Dispatch store backed by Redis: pending escalations, notified drivers and idempotency keys.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"propmove/internal/types"
)

const (
	pendingKey        = "dispatch:pending"
	tripKeyPrefix     = "dispatch:trip:%s"
	notifiedKeyPrefix = "dispatch:trip:%s:notified"
	idemKeyPrefix     = "dispatch:idem:%s:%s"
	// Escalation keys outlive any request window.
	keyTTL = 24 * time.Hour

	idemPending = "pending"
)

type RedisStore struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

// Reserve claims an idempotency key for the requester. When the key already
// exists it returns the trip id stored under it; an empty id with reserved
// false means the first request is still in flight.
func (s *RedisStore) Reserve(ctx context.Context, requester types.ID, key string, ttl time.Duration) (types.ID, bool, error) {
	k := idemKey(requester, key)
	ok, err := s.redis.SetNX(ctx, k, idemPending, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	val, err := s.redis.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; treat as still in flight.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == idemPending {
		return "", false, nil
	}
	return types.ID(val), false, nil
}

func (s *RedisStore) Complete(ctx context.Context, requester types.ID, key string, tripID types.ID, ttl time.Duration) error {
	return s.redis.Set(ctx, idemKey(requester, key), string(tripID), ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, requester types.ID, key string) error {
	return s.redis.Del(ctx, idemKey(requester, key)).Err()
}

// Schedule records that band fires for tripID at the given time.
func (s *RedisStore) Schedule(ctx context.Context, tripID types.ID, band int, at time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, tripKey(tripID), "next_band", band)
	pipe.Expire(ctx, tripKey(tripID), keyTTL)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(at.UnixMilli()), Member: string(tripID)})
	_, err := pipe.Exec(ctx)
	return err
}

// Due lists trips whose next band is due at or before now.
func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	members, err := s.redis.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

// Claim removes tripID from the pending set. Only one instance gets true.
func (s *RedisStore) Claim(ctx context.Context, tripID types.ID) (bool, error) {
	n, err := s.redis.ZRem(ctx, pendingKey, string(tripID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) NextBand(ctx context.Context, tripID types.ID) (int, bool, error) {
	band, err := s.redis.HGet(ctx, tripKey(tripID), "next_band").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return band, true, nil
}

// MarkNotified adds driverIDs to the trip's notified set and returns the ones
// that were not in it yet.
func (s *RedisStore) MarkNotified(ctx context.Context, tripID types.ID, driverIDs []types.ID) ([]types.ID, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}
	key := notifiedKey(tripID)
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(driverIDs))
	for i, d := range driverIDs {
		cmds[i] = pipe.SAdd(ctx, key, string(d))
	}
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	var fresh []types.ID
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			fresh = append(fresh, driverIDs[i])
		}
	}
	return fresh, nil
}

// Forget drops all escalation state for tripID.
func (s *RedisStore) Forget(ctx context.Context, tripID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, pendingKey, string(tripID))
	pipe.Del(ctx, tripKey(tripID), notifiedKey(tripID))
	_, err := pipe.Exec(ctx)
	return err
}

func tripKey(tripID types.ID) string {
	return fmt.Sprintf(tripKeyPrefix, string(tripID))
}

func notifiedKey(tripID types.ID) string {
	return fmt.Sprintf(notifiedKeyPrefix, string(tripID))
}

func idemKey(requester types.ID, key string) string {
	return fmt.Sprintf(idemKeyPrefix, string(requester), key)
}
