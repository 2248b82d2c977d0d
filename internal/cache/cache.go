/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultPublicRoomListTTL = 5 * time.Minute
	DefaultRoomTTL           = 1 * time.Hour
	DefaultRoomOutputsTTL    = 30 * time.Minute
	DefaultRoomSourcesTTL    = 30 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyPublicRoomList = "hermod:cache:public_rooms"
	KeyRoom           = "hermod:cache:room:"         // + room_id
	KeyRoomOutputs    = "hermod:cache:room_outputs:" // + room_id
	KeyRoomSources    = "hermod:cache:room_sources:" // + room_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	PublicRoomListTTL time.Duration
	RoomTTL           time.Duration
	RoomOutputsTTL    time.Duration
	RoomSourcesTTL    time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		PublicRoomListTTL: DefaultPublicRoomListTTL,
		RoomTTL:           DefaultRoomTTL,
		RoomOutputsTTL:    DefaultRoomOutputsTTL,
		RoomSourcesTTL:    DefaultRoomSourcesTTL,
		DisableOnError:    true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Room caching methods

// CachedRoom represents a cached room record. Only the fields needed on the
// join hot path are cached; the database stays authoritative.
type CachedRoom struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Visibility       string  `json:"visibility"`
	Type             string  `json:"type"`
	ParentID         *string `json:"parent_id,omitempty"`
	IsActive         bool    `json:"is_active"`
	MaxParticipants  int     `json:"max_participants"`
	WaitingRoom      bool    `json:"waiting_room"`
	RecordingEnabled bool    `json:"recording_enabled"`
	HasAccessCode    bool    `json:"has_access_code"`
}

// GetRoom retrieves a cached room by ID.
func (c *Cache) GetRoom(ctx context.Context, roomID string) (*CachedRoom, bool) {
	var room CachedRoom
	found, err := c.get(ctx, KeyRoom+roomID, &room)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("room_id", roomID).Msg("room cache hit")
	return &room, true
}

// SetRoom caches a room by ID.
func (c *Cache) SetRoom(ctx context.Context, room *CachedRoom) error {
	c.logger.Debug().Str("room_id", room.ID).Msg("caching room")
	return c.set(ctx, KeyRoom+room.ID, room, c.config.RoomTTL)
}

// InvalidateRoom removes a room from cache.
func (c *Cache) InvalidateRoom(ctx context.Context, roomID string) error {
	c.logger.Debug().Str("room_id", roomID).Msg("invalidating room cache")
	return c.delete(ctx, KeyRoom+roomID)
}

// Public room list caching methods

// GetPublicRoomList retrieves the cached list of public rooms.
func (c *Cache) GetPublicRoomList(ctx context.Context) ([]CachedRoom, bool) {
	var rooms []CachedRoom
	found, err := c.get(ctx, KeyPublicRoomList, &rooms)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Int("count", len(rooms)).Msg("public room list cache hit")
	return rooms, true
}

// SetPublicRoomList caches the list of public rooms.
func (c *Cache) SetPublicRoomList(ctx context.Context, rooms []CachedRoom) error {
	c.logger.Debug().Int("count", len(rooms)).Msg("caching public room list")
	return c.set(ctx, KeyPublicRoomList, rooms, c.config.PublicRoomListTTL)
}

// InvalidatePublicRoomList removes the public room list from cache.
func (c *Cache) InvalidatePublicRoomList(ctx context.Context) error {
	c.logger.Debug().Msg("invalidating public room list cache")
	return c.delete(ctx, KeyPublicRoomList)
}

// Output caching methods

// CachedOutput represents a cached audio output record.
type CachedOutput struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Codec     string `json:"codec"`
	Bitrate   int    `json:"bitrate"`
	IsEnabled bool   `json:"is_enabled"`
}

// GetRoomOutputs retrieves cached outputs for a room.
func (c *Cache) GetRoomOutputs(ctx context.Context, roomID string) ([]CachedOutput, bool) {
	var outputs []CachedOutput
	found, err := c.get(ctx, KeyRoomOutputs+roomID, &outputs)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("room_id", roomID).Int("count", len(outputs)).Msg("room outputs cache hit")
	return outputs, true
}

// SetRoomOutputs caches outputs for a room.
func (c *Cache) SetRoomOutputs(ctx context.Context, roomID string, outputs []CachedOutput) error {
	c.logger.Debug().Str("room_id", roomID).Int("count", len(outputs)).Msg("caching room outputs")
	return c.set(ctx, KeyRoomOutputs+roomID, outputs, c.config.RoomOutputsTTL)
}

// InvalidateRoomOutputs removes the output cache for a room.
func (c *Cache) InvalidateRoomOutputs(ctx context.Context, roomID string) error {
	c.logger.Debug().Str("room_id", roomID).Msg("invalidating room outputs cache")
	return c.delete(ctx, KeyRoomOutputs+roomID)
}

// Source caching methods

// CachedSource represents a cached audio source record.
type CachedSource struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Mode   string `json:"mode"`
}

// GetRoomSources retrieves cached sources for a room.
func (c *Cache) GetRoomSources(ctx context.Context, roomID string) ([]CachedSource, bool) {
	var sources []CachedSource
	found, err := c.get(ctx, KeyRoomSources+roomID, &sources)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("room_id", roomID).Int("count", len(sources)).Msg("room sources cache hit")
	return sources, true
}

// SetRoomSources caches sources for a room.
func (c *Cache) SetRoomSources(ctx context.Context, roomID string, sources []CachedSource) error {
	c.logger.Debug().Str("room_id", roomID).Int("count", len(sources)).Msg("caching room sources")
	return c.set(ctx, KeyRoomSources+roomID, sources, c.config.RoomSourcesTTL)
}

// InvalidateRoomSources removes the source cache for a room.
func (c *Cache) InvalidateRoomSources(ctx context.Context, roomID string) error {
	c.logger.Debug().Str("room_id", roomID).Msg("invalidating room sources cache")
	return c.delete(ctx, KeyRoomSources+roomID)
}

// Bulk invalidation methods

// InvalidateRoomAll removes all caches related to a room.
func (c *Cache) InvalidateRoomAll(ctx context.Context, roomID string) error {
	c.logger.Debug().Str("room_id", roomID).Msg("invalidating all room caches")

	if err := c.InvalidateRoom(ctx, roomID); err != nil {
		return err
	}
	if err := c.InvalidatePublicRoomList(ctx); err != nil {
		return err
	}
	if err := c.InvalidateRoomOutputs(ctx, roomID); err != nil {
		return err
	}
	if err := c.InvalidateRoomSources(ctx, roomID); err != nil {
		return err
	}

	return nil
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, "hermod:cache:*")
}
