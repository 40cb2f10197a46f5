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

// Package stream drives the periodic full/diff pull from the Local API
// into the Decision Index, and tracks the warm-up state (see
// Synchroniser.State). The resolver does not consult that state: it
// answers STREAM-mode cache misses whether or not warm-up has completed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"golang.org/x/sync/singleflight"

	"github.com/hslatman/go-crowdsec-remediation/internal/decision"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

// State is a point in the synchroniser's lifecycle.
type State int

const (
	Cold State = iota
	WarmingUp
	Warm
	Updating
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case WarmingUp:
		return "warming-up"
	case Warm:
		return "warm"
	case Updating:
		return "updating"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when Refresh is called while another Refresh is
// already in flight; the caller gets told to back off rather than
// silently receiving someone else's result. WarmUp never returns it.
var ErrBusy = errors.New("stream: refresh already in progress")

// WarmUpError wraps a failure during the initial full pull.
type WarmUpError struct {
	Err error
}

func (e *WarmUpError) Error() string { return fmt.Sprintf("stream: warm-up failed: %v", e.Err) }
func (e *WarmUpError) Unwrap() error { return e.Err }

// Synchroniser keeps the Decision Index in sync with the Local API's
// streaming decisions endpoint.
type Synchroniser struct {
	client *lapi.Client
	index  *decision.Index

	group singleflight.Group

	mu    sync.RWMutex
	state State
}

// New constructs a Synchroniser in the Cold state.
func New(client *lapi.Client, index *decision.Index) *Synchroniser {
	return &Synchroniser{client: client, index: index, state: Cold}
}

// State reports the current lifecycle state.
func (s *Synchroniser) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WarmUp performs the initial full decisions pull. A concurrent caller
// joins the same in-flight call rather than erroring, since warm-up only
// ever needs to happen once and there is no stale-result risk in sharing
// it.
func (s *Synchroniser) WarmUp(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Cold && s.state != WarmingUp {
		s.mu.Unlock()
		return nil
	}
	s.state = WarmingUp
	s.mu.Unlock()

	_, err, _ := s.group.Do("warmup", func() (interface{}, error) {
		return nil, s.pull(ctx, true)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Cold
		return &WarmUpError{Err: err}
	}
	s.state = Warm
	return nil
}

// Refresh pulls the latest diff and applies it to the Decision Index.
// Overlapping calls return ErrBusy instead of joining the in-flight
// group's result, since a caller that asked for a refresh needs to know
// whether its own call actually ran.
func (s *Synchroniser) Refresh(ctx context.Context) (deleted, added int, err error) {
	s.mu.Lock()
	if s.state == Updating {
		s.mu.Unlock()
		return 0, 0, ErrBusy
	}
	s.state = Updating
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = Warm
		s.mu.Unlock()
	}()

	type result struct{ deleted, added int }

	// The state check and update above happen under mu, so an overlapping
	// caller already gets ErrBusy there; the singleflight group keeps at
	// most one diff pull in flight per Synchroniser.
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		d, a, perr := s.pullDiff(ctx)
		return result{deleted: d, added: a}, perr
	})
	if err != nil {
		return 0, 0, err
	}
	r := v.(result)
	return r.deleted, r.added, nil
}

func (s *Synchroniser) pull(ctx context.Context, startup bool) error {
	_, _, err := s.pullWith(ctx, startup)
	return err
}

func (s *Synchroniser) pullDiff(ctx context.Context) (deleted, added int, err error) {
	return s.pullWith(ctx, false)
}

func (s *Synchroniser) pullWith(ctx context.Context, startup bool) (deleted, added int, err error) {
	resp, err := s.client.GetStreamedDecisions(ctx, startup)
	if err != nil {
		return 0, 0, err
	}

	adds := make([]decision.Decision, 0, len(resp.New))
	for _, d := range resp.New {
		entry, ok := toIndexDecision(d)
		if !ok {
			continue
		}
		adds = append(adds, entry)
	}

	removes := make([]decision.Decision, 0, len(resp.Deleted))
	for _, d := range resp.Deleted {
		entry, ok := toIndexDecision(d)
		if !ok {
			continue
		}
		removes = append(removes, entry)
	}

	added, deleted, err = s.index.BulkApply(ctx, adds, removes)
	return deleted, added, err
}

func toIndexDecision(d *models.Decision) (decision.Decision, bool) {
	if d == nil || d.Scope == nil || d.Value == nil {
		return decision.Decision{}, false
	}

	var scope decision.Scope
	switch *d.Scope {
	case "Ip":
		scope = decision.ScopeIP
	case "Range":
		scope = decision.ScopeRange
	case "Country":
		scope = decision.ScopeCountry
	default:
		return decision.Decision{}, false
	}

	kind := verdict.Bypass
	if d.Type != nil {
		switch *d.Type {
		case "ban":
			kind = verdict.Ban
		case "captcha":
			kind = verdict.Captcha
		}
	}

	duration := "1h"
	if d.Duration != nil {
		duration = *d.Duration
	}
	seconds, err := verdict.ParseDuration(duration)
	if err != nil {
		seconds = 3600
	}

	return decision.Decision{
		ID:     d.ID,
		Scope:  scope,
		Value:  *d.Value,
		Kind:   kind,
		Expiry: time.Now().Add(time.Duration(seconds) * time.Second).Unix(),
	}, true
}
