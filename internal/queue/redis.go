package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keyspace, shared with every other consumer of the queue store.
const (
	keyPending   = "galion:queue:pending"
	keyActive    = "galion:queue:active"
	keyCompleted = "galion:queue:completed"
	keyFailed    = "galion:queue:failed"
	keyStats     = "galion:stats"
	jobKeyPrefix = "galion:jobs:"
	urlKeyPrefix = "galion:urls:"
)

// RedisStore is the production queue store.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// NewRedisStoreFromClient wraps an existing client. Used when the caller
// manages connection options itself.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) AddPending(ctx context.Context, id string, score float64) error {
	return s.rdb.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: id}).Err()
}

func (s *RedisStore) PopMinPending(ctx context.Context) (string, bool, error) {
	zs, err := s.rdb.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return "", false, err
	}
	if len(zs) == 0 {
		return "", false, nil
	}
	id, _ := zs[0].Member.(string)
	return id, id != "", nil
}

func (s *RedisStore) RemovePending(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyPending, id).Result()
	return n > 0, err
}

func (s *RedisStore) PendingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyPending).Result()
}

func (s *RedisStore) AddActive(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, keyActive, id).Err()
}

func (s *RedisStore) RemoveActive(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.SRem(ctx, keyActive, id).Result()
	return n > 0, err
}

func (s *RedisStore) ActiveMembers(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyActive).Result()
}

func (s *RedisStore) ActiveCount(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, keyActive).Result()
}

func (s *RedisStore) PushCompleted(ctx context.Context, id string, cap int) error {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, keyCompleted, id)
		p.LTrim(ctx, keyCompleted, 0, int64(cap)-1)
		return nil
	})
	return err
}

func (s *RedisStore) CompletedIDs(ctx context.Context, n int64) ([]string, error) {
	return s.rdb.LRange(ctx, keyCompleted, 0, n-1).Result()
}

func (s *RedisStore) CompletedCount(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, keyCompleted).Result()
}

func (s *RedisStore) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, keyCompleted).Result()
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Del(ctx, keyCompleted).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) PushFailed(ctx context.Context, id string) error {
	return s.rdb.LPush(ctx, keyFailed, id).Err()
}

func (s *RedisStore) FailedIDs(ctx context.Context, n int64) ([]string, error) {
	return s.rdb.LRange(ctx, keyFailed, 0, n-1).Result()
}

func (s *RedisStore) FailedCount(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, keyFailed).Result()
}

func (s *RedisStore) SaveJob(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = redis.KeepTTL
	}
	return s.rdb.Set(ctx, jobKeyPrefix+id, payload, ttl).Err()
}

func (s *RedisStore) LoadJob(ctx context.Context, id string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *RedisStore) ClaimFingerprint(ctx context.Context, fp, id string, ttl time.Duration) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, urlKeyPrefix+fp, id, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, true, nil
	}
	owner, err := s.rdb.Get(ctx, urlKeyPrefix+fp).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET: extremely narrow window, treat
		// as claimed by retrying once.
		ok, err = s.rdb.SetNX(ctx, urlKeyPrefix+fp, id, ttl).Result()
		if err != nil {
			return "", false, err
		}
		return id, ok, nil
	}
	return owner, false, err
}

func (s *RedisStore) StoreFingerprint(ctx context.Context, fp, id string, ttl time.Duration) error {
	return s.rdb.Set(ctx, urlKeyPrefix+fp, id, ttl).Err()
}

func (s *RedisStore) DeleteFingerprint(ctx context.Context, fp string) error {
	return s.rdb.Del(ctx, urlKeyPrefix+fp).Err()
}

func (s *RedisStore) IncrCounter(ctx context.Context, field string, delta int64) error {
	return s.rdb.HIncrBy(ctx, keyStats, field, delta).Err()
}

func (s *RedisStore) Counters(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stats field %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
