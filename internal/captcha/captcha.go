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

// Package captcha implements the CAPTCHA challenge state machine: arming
// a phrase for a client, checking a submitted answer with a lenient
// comparison, and tracking resolution across requests.
package captcha

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hslatman/go-crowdsec-remediation/internal/store"
)

// State is a position in the per-client CAPTCHA lifecycle.
type State string

const (
	Unarmed  State = "unarmed"
	Armed    State = "armed"
	Failed   State = "failed"
	Resolved State = "resolved"
)

const captchaTag = "captcha"

// entry is the persisted per-client CAPTCHA record.
type entry struct {
	State             State  `json:"state"`
	Phrase            string `json:"phrase"`
	ResolutionRedirect string `json:"resolution_redirect,omitempty"`
}

// Machine manages CAPTCHA state for a population of clients keyed by IP.
type Machine struct {
	backing store.Store
	ttl     time.Duration
}

// New constructs a Machine. ttl bounds how long an armed-but-unanswered
// challenge stays valid before it's treated as if it never existed.
func New(backing store.Store, ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Machine{backing: backing, ttl: ttl}
}

func key(clientKey string) string {
	return store.EncodeKey("captcha", clientKey)
}

// Arm generates a new phrase for clientKey and moves it to Armed,
// remembering resolutionRedirect so a later Resolved check can tell the
// caller where to send the client next.
func (m *Machine) Arm(ctx context.Context, clientKey, resolutionRedirect string) (phrase string, err error) {
	phrase = GeneratePhrase()
	e := entry{State: Armed, Phrase: phrase, ResolutionRedirect: resolutionRedirect}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	if err := m.backing.Put(ctx, key(clientKey), raw, m.ttl, captchaTag); err != nil {
		return "", err
	}
	if err := m.backing.Commit(ctx); err != nil {
		return "", err
	}
	return phrase, nil
}

// Check evaluates a submitted answer against the client's armed phrase.
// A correct answer moves the client to Resolved; an incorrect one moves
// it to Failed. Checking a client with no armed entry returns Unarmed.
func (m *Machine) Check(ctx context.Context, clientKey, answer string) (State, string, error) {
	raw, err := m.backing.Get(ctx, key(clientKey))
	if err == store.ErrNotFound {
		return Unarmed, "", nil
	}
	if err != nil {
		return Unarmed, "", err
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Unarmed, "", err
	}

	if e.State == Resolved {
		return Resolved, e.ResolutionRedirect, nil
	}

	if LenientEqual(answer, e.Phrase) {
		e.State = Resolved
	} else {
		e.State = Failed
	}

	raw, err = json.Marshal(e)
	if err != nil {
		return Unarmed, "", err
	}
	if err := m.backing.Put(ctx, key(clientKey), raw, m.ttl, captchaTag); err != nil {
		return Unarmed, "", err
	}
	if err := m.backing.Commit(ctx); err != nil {
		return Unarmed, "", err
	}

	return e.State, e.ResolutionRedirect, nil
}

// CurrentState reports a client's CAPTCHA state without consuming an
// attempt.
func (m *Machine) CurrentState(ctx context.Context, clientKey string) (State, error) {
	state, _, err := m.Peek(ctx, clientKey)
	return state, err
}

// Peek reports a client's current state and, when Armed or Failed, the
// phrase still awaiting an answer, without mutating the entry. It backs
// the GET re-render of an in-progress challenge, where the phrase must
// stay the same until refreshed or answered.
func (m *Machine) Peek(ctx context.Context, clientKey string) (State, string, error) {
	raw, err := m.backing.Get(ctx, key(clientKey))
	if err == store.ErrNotFound {
		return Unarmed, "", nil
	}
	if err != nil {
		return Unarmed, "", err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Unarmed, "", err
	}
	return e.State, e.Phrase, nil
}

// Reset clears a client's CAPTCHA record, e.g. after a resolved challenge
// has been consumed by the pipeline.
func (m *Machine) Reset(ctx context.Context, clientKey string) error {
	return m.backing.Delete(ctx, key(clientKey))
}

// LenientEqual compares a submitted phrase to the expected one,
// case-insensitively and treating '0'<->'o' and '1'<->'l' as equivalent,
// since a distorted-text image reliably confuses humans on exactly those
// pairs.
func LenientEqual(got, want string) bool {
	return normalizePhrase(got) == normalizePhrase(want)
}

func normalizePhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '0':
			b.WriteRune('o')
		case '1':
			b.WriteRune('l')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
