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

// Package decision maintains the Decision Index: an ordered multiset of
// (kind, expiry, decisionId) tuples per scoped cache key, one key per IP,
// CIDR range, or country code. It owns invariants I1-I5:
//
//	I1 at most one tuple per decision id within an entry
//	I2 a bypass tuple never coexists with a non-bypass tuple
//	I3 tuples are persisted sorted by remediation priority
//	I4 an entry's TTL equals its latest-expiring member's expiry
//	I5 an entry that would be empty is deleted, never stored empty
package decision

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hslatman/ipstore"

	"github.com/hslatman/go-crowdsec-remediation/internal/store"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

// Scope names a Decision Index key space.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeRange   Scope = "range"
	ScopeCountry Scope = "country"
)

// Decision is the package-local representation of an upstream remediation,
// already reduced to what the index needs: identity, scope, and a single
// validity window.
type Decision struct {
	ID     int64
	Scope  Scope
	Value  string // IP literal, CIDR literal, or ISO country code
	Kind   verdict.Kind
	Expiry int64 // absolute unix seconds
}

const recordVersion byte = 1

// Index is the Decision Index. It wraps a tagged cache store for ip/country
// scoped entries and an ipstore.Store for CIDR-range containment lookups.
type Index struct {
	backing store.Store
	indexTag string

	mu     sync.Mutex
	ranges *ipstore.Store // cache-key -> nothing; membership via CIDR containment
}

// New constructs a Decision Index over backing, tagging every entry it
// writes with indexTag so ClearByTag can flush the whole index at once.
// The "clear-cache" CLI operation does not use the tag: it calls Clear on
// the backing store, which removes every entry.
func New(backing store.Store, indexTag string) *Index {
	return &Index{backing: backing, indexTag: indexTag, ranges: ipstore.New()}
}

func keyFor(scope Scope, value string) string {
	return store.EncodeKey(string(scope), value)
}

// UpsertDecision adds or replaces d's tuple within its scoped entry,
// enforcing I1-I5, and stages the write (callers must still Commit).
func (idx *Index) UpsertDecision(ctx context.Context, d Decision) error {
	key := keyFor(d.Scope, d.Value)

	tuples, err := idx.readTuples(ctx, key)
	if err != nil {
		return err
	}

	tuples = upsertTuple(tuples, verdict.Tuple{Kind: d.Kind, Expiry: d.Expiry, Decision: d.ID})

	if err := idx.writeTuples(ctx, key, tuples, d.Scope, d.Value); err != nil {
		return err
	}

	if d.Scope == ScopeRange {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		_, net, err := net.ParseCIDR(d.Value)
		if err != nil {
			return &verdict.ParseError{Input: d.Value, Err: err}
		}
		_ = idx.ranges.AddCIDR(*net, key)
	}

	return nil
}

// RemoveDecision removes the tuple with matching id from d's scoped entry.
// If the entry becomes empty, the key itself is deleted (I5).
func (idx *Index) RemoveDecision(ctx context.Context, d Decision) error {
	key := keyFor(d.Scope, d.Value)

	tuples, err := idx.readTuples(ctx, key)
	if err != nil {
		return err
	}

	tuples = removeTuple(tuples, d.ID)

	if len(tuples) == 0 {
		if err := idx.backing.Delete(ctx, key); err != nil {
			return err
		}
		if d.Scope == ScopeRange {
			idx.mu.Lock()
			if _, net, perr := net.ParseCIDR(d.Value); perr == nil {
				_, _ = idx.ranges.RemoveCIDR(*net)
			}
			idx.mu.Unlock()
		}
		return nil
	}

	return idx.writeTuples(ctx, key, tuples, d.Scope, d.Value)
}

// BulkApply applies a batch of additions and removals as produced by a
// stream refresh, returning how many additions and removals it applied.
// A removal whose decision was not present still counts as removed.
func (idx *Index) BulkApply(ctx context.Context, adds, removes []Decision) (added, removed int, err error) {
	for _, d := range removes {
		if err = idx.RemoveDecision(ctx, d); err != nil {
			return
		}
		removed++
	}
	for _, d := range adds {
		if err = idx.UpsertDecision(ctx, d); err != nil {
			return
		}
		added++
	}
	if err = idx.backing.Commit(ctx); err != nil {
		return
	}
	return
}

// Get returns the priority-sorted tuple sequence for a scoped key. It
// returns an empty, nil-error slice if the key doesn't exist.
func (idx *Index) Get(ctx context.Context, scope Scope, value string) ([]verdict.Tuple, error) {
	return idx.readTuples(ctx, keyFor(scope, value))
}

// Commit flushes any staged writes to the backing store.
func (idx *Index) Commit(ctx context.Context) error {
	return idx.backing.Commit(ctx)
}

// GetByKey returns the tuple sequence stored under a raw cache key, as
// returned by RangesContaining. It lets a caller resolve range-scope hits
// without re-deriving the CIDR string from the containment index.
func (idx *Index) GetByKey(ctx context.Context, key string) ([]verdict.Tuple, error) {
	return idx.readTuples(ctx, key)
}

// RangesContaining returns the cache keys of every CIDR-range entry whose
// network contains ip.
func (idx *Index) RangesContaining(ip net.IP) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	raw, err := idx.ranges.Get(ip)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		k, ok := v.(string)
		if !ok {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (idx *Index) readTuples(ctx context.Context, key string) ([]verdict.Tuple, error) {
	raw, err := idx.backing.Get(ctx, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTuples(raw)
}

func (idx *Index) writeTuples(ctx context.Context, key string, tuples []verdict.Tuple, scope Scope, value string) error {
	tuples = verdict.SortByPriority(tuples)

	if len(tuples) == 0 {
		return idx.backing.Delete(ctx, key)
	}

	var maxExpiry int64
	for _, t := range tuples {
		if t.Expiry > maxExpiry {
			maxExpiry = t.Expiry
		}
	}
	ttl := time.Until(time.Unix(maxExpiry, 0))
	if ttl < 0 {
		ttl = 0
	}

	return idx.backing.Put(ctx, key, encodeTuples(tuples), ttl, idx.indexTag, string(scope))
}

// upsertTuple enforces I1 (unique id) and I2 (bypass never coexists with a
// non-bypass tuple) while inserting t.
func upsertTuple(tuples []verdict.Tuple, t verdict.Tuple) []verdict.Tuple {
	out := tuples[:0:0]
	for _, existing := range tuples {
		if existing.Decision == t.Decision {
			continue // I1: replaced below
		}
		out = append(out, existing)
	}
	out = append(out, t)

	if t.Kind != verdict.Bypass {
		// I2: a non-bypass tuple displaces any bypass sentinel.
		filtered := out[:0:0]
		for _, e := range out {
			if e.Kind == verdict.Bypass {
				continue
			}
			filtered = append(filtered, e)
		}
		out = filtered
	} else {
		hasNonBypass := false
		for _, e := range out {
			if e.Kind != verdict.Bypass && e.Decision != t.Decision {
				hasNonBypass = true
				break
			}
		}
		if hasNonBypass {
			// a bypass tuple may not join an entry that already carries a
			// non-bypass remediation.
			filtered := out[:0:0]
			for _, e := range out {
				if e.Kind != verdict.Bypass {
					filtered = append(filtered, e)
				}
			}
			out = filtered
		}
	}

	return out
}

func removeTuple(tuples []verdict.Tuple, id int64) []verdict.Tuple {
	out := tuples[:0:0]
	for _, t := range tuples {
		if t.Decision == id {
			continue
		}
		out = append(out, t)
	}
	return out
}

// encodeTuples serializes a tuple sequence as a version byte followed by
// fixed-width (kind uint8, expiry int64, id int64) records.
func encodeTuples(tuples []verdict.Tuple) []byte {
	buf := make([]byte, 1, 1+len(tuples)*17)
	buf[0] = recordVersion
	for _, t := range tuples {
		var rec [17]byte
		rec[0] = kindByte(t.Kind)
		binary.BigEndian.PutUint64(rec[1:9], uint64(t.Expiry))
		binary.BigEndian.PutUint64(rec[9:17], uint64(t.Decision))
		buf = append(buf, rec[:]...)
	}
	return buf
}

func decodeTuples(raw []byte) ([]verdict.Tuple, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] != recordVersion {
		return nil, &store.CacheVersionError{Got: raw[0], Want: recordVersion}
	}
	body := raw[1:]
	if len(body)%17 != 0 {
		return nil, fmt.Errorf("decision: malformed record, length %d not a multiple of 17", len(body))
	}
	n := len(body) / 17
	out := make([]verdict.Tuple, 0, n)
	for i := 0; i < n; i++ {
		rec := body[i*17 : i*17+17]
		out = append(out, verdict.Tuple{
			Kind:     kindFromByte(rec[0]),
			Expiry:   int64(binary.BigEndian.Uint64(rec[1:9])),
			Decision: int64(binary.BigEndian.Uint64(rec[9:17])),
		})
	}
	return out, nil
}

func kindByte(k verdict.Kind) byte {
	switch k {
	case verdict.Ban:
		return 2
	case verdict.Captcha:
		return 1
	default:
		return 0
	}
}

func kindFromByte(b byte) verdict.Kind {
	switch b {
	case 2:
		return verdict.Ban
	case 1:
		return verdict.Captcha
	default:
		return verdict.Bypass
	}
}
