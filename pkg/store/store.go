/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store is the controllers' durable state layer.  Each controller
// owns exactly one JSON record keyed by user, plus a single alarm deadline.
// Alarm deadlines live in one hash so boot can rescan and re-arm them all
// with a single read.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const (
	instanceKeyPrefix = "kiloclaw:instance:"
	appKeyPrefix      = "kiloclaw:app:"
	alarmHashKey      = "kiloclaw:alarms"
	cacheKeyPrefix    = "kiloclaw:cache:"
)

// Options configures the store connection.
type Options struct {
	// Address is the Redis address.
	Address string

	// DB is the Redis database index.
	DB int
}

// AddFlags registers store flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Address, "store-redis-address", "localhost:6379", "Redis address for controller state.")
	f.IntVar(&o.DB, "store-redis-db", 0, "Redis database index for controller state.")
}

// Store persists controller records.
type Store struct {
	client *redis.Client
}

// New connects a store.
func New(options *Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr: options.Address,
		DB:   options.DB,
	})

	return &Store{client: client}
}

// NewWithClient wraps an existing client, used by tests with miniredis.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping verifies the connection, used by boot-time readiness waits.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// InstanceKey returns the record key for a user's instance controller.
func InstanceKey(userID string) string {
	return instanceKeyPrefix + userID
}

// AppKey returns the record key for a user's app controller.
func AppKey(userID string) string {
	return appKeyPrefix + userID
}

// Get reads a JSON record into out.  The bool reports whether the record
// existed; a decode failure is surfaced raw so callers can apply their
// fail-safe (controllers treat a corrupt record as fresh after logging).
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}

		return false, err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}

	return true, nil
}

// Put writes a JSON record.  Writes are unconditional: the per-user actor
// lock serializes all writers for one key.
func (s *Store) Put(ctx context.Context, key string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, raw, 0).Err()
}

// Delete removes records.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// SetAlarm persists a slot's next reconcile deadline.  One deadline per
// slot: setting replaces any previous value.
func (s *Store) SetAlarm(ctx context.Context, key string, at time.Time) error {
	return s.client.HSet(ctx, alarmHashKey, key, strconv.FormatInt(at.UnixMilli(), 10)).Err()
}

// DeleteAlarm clears an alarm slot.
func (s *Store) DeleteAlarm(ctx context.Context, key string) error {
	return s.client.HDel(ctx, alarmHashKey, key).Err()
}

// Alarms returns every persisted alarm deadline, used at boot to re-arm
// timers lost with the previous process.
func (s *Store) Alarms(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, alarmHashKey).Result()
	if err != nil {
		return nil, err
	}

	alarms := make(map[string]time.Time, len(raw))

	for key, value := range raw {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			// Skip junk rather than wedging boot; the controller
			// re-arms on its next operation anyway.
			continue
		}

		alarms[key] = time.UnixMilli(ms)
	}

	return alarms, nil
}

// CacheSet writes a TTL-bounded cache entry (pairing listings).
func (s *Store) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err()
}

// CacheGet reads a cache entry; the bool reports presence.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}

		return nil, false, err
	}

	return raw, true, nil
}

// CacheDelete invalidates a cache entry.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, cacheKeyPrefix+key).Err()
}
