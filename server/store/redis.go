package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "jupiter:doc:"

type redisStore struct {
	rdb *redis.Client
}

// OpenRedis connects to the redis server at rawurl and pings it.
func OpenRedis(ctx context.Context, rawurl string) (Store, error) {
	opts, err := redis.ParseURL(rawurl)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Load(ctx context.Context, id string) (string, error) {
	text, err := s.rdb.Get(ctx, redisKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return "", fmt.Errorf("store: load %s: %w", id, err)
	}
	return text, nil
}

func (s *redisStore) Save(ctx context.Context, id, text string) error {
	if err := s.rdb.Set(ctx, redisKeyPrefix+id, text, 0).Err(); err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
