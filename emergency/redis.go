package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisPrefix = "safehome:dispatch:"

// RedisStore shares dispatch requests between processes, so the dedupe
// guarantee survives restarts.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store keeping requests for ttl. Zero keeps them
// forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Claim(ctx context.Context, req Request) (Request, bool, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Request{}, false, fmt.Errorf("could not encode dispatch request: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisPrefix+req.Key, data, s.ttl).Result()
	if err != nil {
		return Request{}, false, fmt.Errorf("could not claim %s: %w", req.Key, err)
	}
	if ok {
		return req, true, nil
	}
	existing, found, err := s.Get(ctx, req.Key)
	if err != nil {
		return Request{}, false, err
	}
	if !found {
		return Request{}, false, fmt.Errorf("could not claim %s: key vanished", req.Key)
	}
	return existing, false, nil
}

func (s *RedisStore) Reclaim(ctx context.Context, key, operator string, at time.Time) (Request, error) {
	var result Request
	rkey := redisPrefix + key
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrUnknownRequest
		}
		if err != nil {
			return err
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("could not decode dispatch request: %w", err)
		}
		if req.Status == StatusPending {
			result = req
			return ErrInFlight
		}
		result = reclaimed(req, operator, at)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return result, fmt.Errorf("could not reclaim %s: too much contention", key)
}

func (s *RedisStore) Save(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not encode dispatch request: %w", err)
	}
	if err := s.client.Set(ctx, redisPrefix+req.Key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("could not save %s: %w", req.Key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Request, bool, error) {
	raw, err := s.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, fmt.Errorf("could not get %s: %w", key, err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, false, fmt.Errorf("could not decode dispatch request: %w", err)
	}
	return req, true, nil
}
