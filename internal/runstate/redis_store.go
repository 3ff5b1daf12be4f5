package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"drrcrawler/internal/config"
)

const defaultRedisKey = "drrcrawler:runs"

// RedisStore keeps snapshots in one Redis hash, one field per run and seed.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to the Redis server described by cfg.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, snap.Key(), data).Err()
}

func (s *RedisStore) Get(ctx context.Context, runID string) ([]Snapshot, bool, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, false, err
	}
	return filterRun(all, runID)
}

func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(values))
	for _, value := range values {
		var snap Snapshot
		if err := json.Unmarshal([]byte(value), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	sortSnapshots(snapshots)
	return snapshots, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Open returns a Redis store when cfg names an address and a memory store otherwise.
func Open(ctx context.Context, cfg config.RedisConfig) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return NewMemoryStore(), nil
	}
	return NewRedisStore(ctx, cfg)
}
