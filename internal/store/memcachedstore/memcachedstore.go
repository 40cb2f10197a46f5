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

// Package memcachedstore implements internal/store.Store on top of
// Memcached. Memcached has no server-side set type, so tag membership is
// tracked in a small in-process index guarded by a mutex; this mirrors
// what a stateless cache-pool adapter would do when the backend itself
// offers no tagging primitive.
package memcachedstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/hslatman/go-crowdsec-remediation/internal/store"
)

const backendName = "memcached"

// Store wraps a *memcache.Client.
type Store struct {
	client *memcache.Client

	mu      sync.Mutex
	pending []pendingWrite
	tagIdx  map[string]map[string]struct{}
}

type pendingWrite struct {
	key  string
	val  []byte
	ttl  time.Duration
	tags []string
}

// New wraps an already-configured Memcached client.
func New(client *memcache.Client) *Store {
	return &Store{client: client, tagIdx: make(map[string]map[string]struct{})}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	item, err := s.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get", Backend: backendName, Err: err}
	}
	return item.Value, nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingWrite{key: key, val: append([]byte(nil), value...), ttl: ttl, tags: tags})
	return nil
}

func (s *Store) Commit(_ context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, w := range batch {
		item := &memcache.Item{
			Key:        w.key,
			Value:      w.val,
			Expiration: int32(w.ttl.Seconds()),
		}
		if err := s.client.Set(item); err != nil {
			return &store.StorageError{Op: "commit", Backend: backendName, Err: err}
		}
		if len(w.tags) == 0 {
			continue
		}
		s.mu.Lock()
		for _, tag := range w.tags {
			if s.tagIdx[tag] == nil {
				s.tagIdx[tag] = make(map[string]struct{})
			}
			s.tagIdx[tag][w.key] = struct{}{}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return &store.StorageError{Op: "delete", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) ClearByTag(ctx context.Context, tag string) error {
	s.mu.Lock()
	members := s.tagIdx[tag]
	delete(s.tagIdx, tag)
	s.mu.Unlock()

	for key := range members {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	if err := s.client.FlushAll(); err != nil {
		return &store.StorageError{Op: "clear", Backend: backendName, Err: err}
	}
	s.mu.Lock()
	s.tagIdx = make(map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}

// Prune is a no-op: Memcached expires entries natively.
func (s *Store) Prune(_ context.Context) error {
	return nil
}

var _ store.Store = (*Store)(nil)
