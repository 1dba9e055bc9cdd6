package kvstore

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"interview-analytics/internal/broker"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis mirrors state into the shared broker.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps a broker client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if broker.IsNil(err) {
			return "", false, nil
		}
		return "", false, broker.Classify(err)
	}
	return value, true, nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return broker.Classify(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, broker.Classify(err)
	}
	return ok, nil
}

func (s *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, broker.Classify(err)
	}
	return deleted > 0, nil
}

func (s *Redis) Incr(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, broker.Classify(err)
	}
	return value, nil
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return broker.Classify(s.client.Expire(ctx, key, ttl).Err())
}

func (s *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return broker.Classify(s.client.SAdd(ctx, key, args...).Err())
}

func (s *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return broker.Classify(s.client.SRem(ctx, key, args...).Err())
}

func (s *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, broker.Classify(err)
	}
	return members, nil
}
