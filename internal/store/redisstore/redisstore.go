// Copyright 2020 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisstore implements internal/store.Store on top of Redis,
// for deployments sharing a decision cache across multiple bouncer
// instances.
package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hslatman/go-crowdsec-remediation/internal/store"
)

const backendName = "redis"

// Store wraps a *redis.Client. Tags are tracked in auxiliary Redis sets
// ("tag:<tag>" -> member keys) since Redis has no native tagged-TTL type.
type Store struct {
	client *redis.Client

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	key  string
	val  []byte
	ttl  time.Duration
	tags []string
}

// New wraps an already-configured Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get", Backend: backendName, Err: err}
	}
	return val, nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &store.StorageError{Op: "has", Backend: backendName, Err: err}
	}
	return n > 0, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingWrite{key: key, val: append([]byte(nil), value...), ttl: ttl, tags: tags})
	return nil
}

func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, w := range batch {
		if w.ttl > 0 {
			pipe.Set(ctx, w.key, w.val, w.ttl)
		} else {
			pipe.Set(ctx, w.key, w.val, 0)
		}
		for _, tag := range w.tags {
			pipe.SAdd(ctx, "tag:"+tag, w.key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &store.StorageError{Op: "commit", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &store.StorageError{Op: "delete", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) ClearByTag(ctx context.Context, tag string) error {
	tagKey := "tag:" + tag
	members, err := s.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return &store.StorageError{Op: "clear-by-tag", Backend: backendName, Err: err}
	}
	if len(members) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, members...)
	pipe.Del(ctx, tagKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return &store.StorageError{Op: "clear-by-tag", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return &store.StorageError{Op: "clear", Backend: backendName, Err: err}
	}
	return nil
}

// Prune is a no-op: Redis expires keys natively.
func (s *Store) Prune(_ context.Context) error {
	return nil
}

var _ store.Store = (*Store)(nil)
