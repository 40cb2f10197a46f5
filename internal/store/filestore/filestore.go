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

// Package filestore implements internal/store.Store on top of a local
// Badger database, used when the bouncer is configured with a single
// on-disk cache rather than a shared Redis/Memcached deployment.
package filestore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/hslatman/go-crowdsec-remediation/internal/store"
)

const backendName = "file"

const tagKeyPrefix = "tag:"

// Store wraps a Badger database. Put stages writes in memory; Commit
// flushes them as a single Badger write batch plus per-tag index updates.
type Store struct {
	db *badger.DB

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	key  string
	val  []byte
	ttl  time.Duration
	tags []string
}

// Open opens (creating if necessary) a Badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &store.StorageError{Op: "open", Backend: backendName, Err: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get", Backend: backendName, Err: err}
	}
	return val, nil
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

	if len(batch) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, w := range batch {
		entry := badger.NewEntry([]byte(w.key), w.val)
		if w.ttl > 0 {
			entry = entry.WithTTL(w.ttl)
		}
		if err := wb.SetEntry(entry); err != nil {
			return &store.StorageError{Op: "commit", Backend: backendName, Err: err}
		}
		for _, tag := range w.tags {
			tagEntry := []byte(w.key)
			if err := wb.Set([]byte(tagKeyPrefix+tag+"\x00"+w.key), tagEntry); err != nil {
				return &store.StorageError{Op: "commit-tag", Backend: backendName, Err: err}
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return &store.StorageError{Op: "commit", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return &store.StorageError{Op: "delete", Backend: backendName, Err: err}
	}
	return nil
}

func (s *Store) ClearByTag(_ context.Context, tag string) error {
	prefix := []byte(tagKeyPrefix + tag + "\x00")
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			tagKey := item.KeyCopy(nil)
			member := bytes.TrimPrefix(tagKey, prefix)
			keys = append(keys, tagKey, member)
		}
		return nil
	})
	if err != nil {
		return &store.StorageError{Op: "clear-by-tag", Backend: backendName, Err: err}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Clear(_ context.Context) error {
	return s.db.DropAll()
}

// Prune runs Badger's value-log garbage collection, reclaiming space from
// keys that have expired or been deleted but whose value-log segments
// haven't been rewritten yet.
func (s *Store) Prune(_ context.Context) error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return &store.StorageError{Op: "prune", Backend: backendName, Err: err}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
