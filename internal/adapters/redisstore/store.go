// Package redisstore keeps bot state in Redis. Documents are plain string keys
// holding JSON and the trade log is a list.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reversalBot/internal/ports"

	"github.com/redis/go-redis/v9"
)

const tradeLogKey = "trade-log"

// Store implements ports.DocumentStore and ports.TradeLog on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger ports.Logger
}

// Config holds configuration for the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   ports.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis store")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "reversalbot"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w: %w", cfg.Addr, ports.ErrConnectionFailed, err)
	}

	cfg.Logger.Info(ctx, "Redis store connected", map[string]interface{}{"addr": cfg.Addr, "db": cfg.DB})
	return &Store{client: client, prefix: cfg.Prefix, logger: cfg.Logger}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(name string) string {
	return wrapKey(s.prefix, name)
}

func wrapKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

// ReadJSON decodes the document stored under key into dst.
func (s *Store) ReadJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w: %w", key, ports.ErrQueryFailed, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode document %s: %w: %w", key, ports.ErrQueryFailed, err)
	}
	return true, nil
}

// WriteJSON replaces the document stored under key. Documents never expire.
func (s *Store) WriteJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode document %s: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	return nil
}

// AppendLine pushes one line onto the trade log list.
func (s *Store) AppendLine(ctx context.Context, line string) error {
	if err := s.client.RPush(ctx, s.key(tradeLogKey), line).Err(); err != nil {
		return fmt.Errorf("redis rpush trade log: %w: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

// Lines returns the trade log in append order.
func (s *Store) Lines(ctx context.Context) ([]string, error) {
	lines, err := s.client.LRange(ctx, s.key(tradeLogKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange trade log: %w: %w", ports.ErrQueryFailed, err)
	}
	return lines, nil
}
