package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given redis URL and verifies the connection with
// a ping.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("GET %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	if opts.NX {
		ok, err := r.client.SetNX(ctx, key, value, opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("SET NX %s: %w", key, err)
		}
		return ok, nil
	}
	if err := r.client.Set(ctx, key, value, opts.TTL).Err(); err != nil {
		return false, fmt.Errorf("SET %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("DEL: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("EXPIRE %s: %w", key, err)
	}
	return nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("HSET %s %s: %w", key, field, err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("HGET %s %s: %w", key, field, err)
	}
	return v, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("HDEL %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if err := r.client.LPush(ctx, key, toAny(values)...).Err(); err != nil {
		return fmt.Errorf("LPUSH %s: %w", key, err)
	}
	return nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	if err := r.client.RPush(ctx, key, toAny(values)...).Err(); err != nil {
		return fmt.Errorf("RPUSH %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("LPOP %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("LLEN %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("LRANGE %s: %w", key, err)
	}
	return vs, nil
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("LTRIM %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...Member) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Value}
	}
	if err := r.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("ZADD %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]string, error) {
	var cmd *redis.StringSliceCmd
	if rev {
		cmd = r.client.ZRevRange(ctx, key, start, stop)
	} else {
		cmd = r.client.ZRange(ctx, key, start, stop)
	}
	vs, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("ZRANGE %s: %w", key, err)
	}
	return vs, nil
}

func (r *Redis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := r.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("SCAN %s: %w", match, err)
	}
	return keys, next, nil
}

func (r *Redis) Pipeline(ctx context.Context, build func(p Pipeliner)) error {
	pipe := r.client.Pipeline()
	build(&redisPipeliner{pipe: pipe, ctx: ctx})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

type redisPipeliner struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipeliner) Set(key, value string, opts SetOptions) {
	if opts.NX {
		p.pipe.SetNX(p.ctx, key, value, opts.TTL)
		return
	}
	p.pipe.Set(p.ctx, key, value, opts.TTL)
}

func (p *redisPipeliner) Del(keys ...string) {
	p.pipe.Del(p.ctx, keys...)
}

func (p *redisPipeliner) LPush(key string, values ...string) {
	p.pipe.LPush(p.ctx, key, toAny(values)...)
}

func (p *redisPipeliner) RPush(key string, values ...string) {
	p.pipe.RPush(p.ctx, key, toAny(values)...)
}

func (p *redisPipeliner) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(p.ctx, key, start, stop)
}

func (p *redisPipeliner) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, key, ttl)
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
