package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
)

// RedisStore keeps histories and the relay mailbox as Redis keys so the engine
// and the relay can run on different hosts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return NewRedisStore(client, cfg.KeyPrefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pricewatch"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(parts ...string) string {
	key := r.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Close implements Backend.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// LoadHistories implements history.Persister.
func (r *RedisStore) LoadHistories(ctx context.Context, namespace string) (map[string][]decimal.Decimal, error) {
	data, err := r.client.Get(ctx, r.key("histories", namespace)).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string][]decimal.Decimal{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}

	out := make(map[string][]decimal.Decimal)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s histories: %w", namespace, err)
	}
	return out, nil
}

// SaveHistories implements history.Persister.
func (r *RedisStore) SaveHistories(ctx context.Context, namespace string, snapshot map[string][]decimal.Decimal) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode %s histories: %w", namespace, err)
	}
	if err := r.client.Set(ctx, r.key("histories", namespace), data, 0).Err(); err != nil {
		return fmt.Errorf("save histories: %w", err)
	}
	return nil
}

// LoadRelayState implements RelayStore.
func (r *RedisStore) LoadRelayState(ctx context.Context) (RelayState, error) {
	data, err := r.client.Get(ctx, r.key("relay", "state")).Bytes()
	if errors.Is(err, redis.Nil) {
		return RelayState{}, ErrNotFound
	}
	if err != nil {
		return RelayState{}, fmt.Errorf("load relay state: %w", err)
	}

	var state RelayState
	if err := json.Unmarshal(data, &state); err != nil {
		return RelayState{}, fmt.Errorf("decode relay state: %w", err)
	}
	return state, nil
}

// SaveRelayState implements RelayStore.
func (r *RedisStore) SaveRelayState(ctx context.Context, state RelayState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode relay state: %w", err)
	}
	if err := r.client.Set(ctx, r.key("relay", "state"), data, 0).Err(); err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}

// LoadImage implements RelayStore.
func (r *RedisStore) LoadImage(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key("relay", "image")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return data, nil
}

// SaveImage implements RelayStore.
func (r *RedisStore) SaveImage(ctx context.Context, image []byte) error {
	if err := r.client.Set(ctx, r.key("relay", "image"), image, 0).Err(); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

var _ Backend = (*RedisStore)(nil)
