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

// Package resolver implements the scope-ordered (ip -> range -> country)
// remediation lookup: the single entry point the bouncer pipeline calls
// per request.
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/hslatman/go-crowdsec-remediation/internal/decision"
	"github.com/hslatman/go-crowdsec-remediation/internal/geo"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

// Mode selects how cache misses are handled.
type Mode int

const (
	// ModeLive queries the Local API directly on every cache miss.
	ModeLive Mode = iota
	// ModeStream treats a cache miss as bypass without any Local API call,
	// relying entirely on the periodically refreshed Decision Index.
	ModeStream
)

// Level caps which remediations the resolver is allowed to return,
// regardless of what the Decision Index or Local API say.
type Level int

const (
	LevelNormal Level = iota
	LevelFlex         // captcha is downgraded to bypass
	LevelDisabled     // every remediation is downgraded to bypass
)

// cleanIPTTL is the STREAM-mode TTL applied to a bypass sentinel cached
// for an IP the index has no decision for. A later stream add for the
// same IP displaces the sentinel (I2), and lookupCached still consults
// range and country entries past a bypass sentinel, so a long fixed TTL
// behaves like an "until next sync" deadline without needing to compute
// one.
const cleanIPTTL = 315360000 * time.Second

// Resolver resolves the remediation for a request's client IP.
type Resolver struct {
	index  *decision.Index
	client *lapi.Client
	geo    *geo.Collaborator // nil disables country-scope lookups
	mode   Mode
	level  Level
}

// New constructs a Resolver. geoCollaborator may be nil to disable the
// country fallback scope.
func New(index *decision.Index, client *lapi.Client, geoCollaborator *geo.Collaborator, mode Mode, level Level) *Resolver {
	return &Resolver{index: index, client: client, geo: geoCollaborator, mode: mode, level: level}
}

// GetRemediationForIP resolves the remediation for ipString, trying scopes
// in order: exact IP, containing CIDR ranges, then country. On a LIVE-mode
// miss it queries the Local API and caches the result (a bypass sentinel
// if the API returned nothing). On a STREAM-mode miss it treats the IP as
// bypass without calling the Local API, since the Decision Index is
// assumed to be the complete, authoritative picture in that mode.
func (r *Resolver) GetRemediationForIP(ctx context.Context, ipString string) (verdict.Kind, error) {
	ip := net.ParseIP(ipString)
	if ip == nil {
		return verdict.Bypass, &verdict.ParseError{Input: ipString, Err: errNotAnIP}
	}

	kind, found, err := r.lookupCached(ctx, ip)
	if err != nil {
		return verdict.Bypass, err
	}
	if found {
		return r.cap(kind), nil
	}

	if r.mode == ModeStream {
		if err := r.cacheBypass(ctx, decision.ScopeIP, ipString); err != nil {
			return verdict.Bypass, err
		}
		return verdict.Bypass, nil
	}

	return r.resolveLive(ctx, ipString)
}

func (r *Resolver) lookupCached(ctx context.Context, ip net.IP) (verdict.Kind, bool, error) {
	tuples, err := r.index.Get(ctx, decision.ScopeIP, ip.String())
	if err != nil {
		return "", false, err
	}
	// A cached bypass sentinel only answers when no range or country
	// entry covers the IP.
	ipBypass := false
	if len(tuples) > 0 {
		if head := pickHead(tuples); head != verdict.Bypass {
			return head, true, nil
		}
		ipBypass = true
	}

	rangeKeys, err := r.index.RangesContaining(ip)
	if err != nil {
		return "", false, err
	}
	var fromRanges []verdict.Tuple
	for _, key := range rangeKeys {
		t, err := r.index.GetByKey(ctx, key)
		if err != nil {
			return "", false, err
		}
		fromRanges = append(fromRanges, t...)
	}
	if len(fromRanges) > 0 {
		return pickHead(fromRanges), true, nil
	}

	if r.geo == nil {
		return verdict.Bypass, ipBypass, nil
	}
	country, ok := r.geo.Lookup(ip)
	if !ok {
		return verdict.Bypass, ipBypass, nil
	}
	tuples, err = r.index.Get(ctx, decision.ScopeCountry, country)
	if err != nil {
		return "", false, err
	}
	if len(tuples) > 0 {
		return pickHead(tuples), true, nil
	}

	return verdict.Bypass, ipBypass, nil
}

func (r *Resolver) resolveLive(ctx context.Context, ipString string) (verdict.Kind, error) {
	decisions, err := r.client.GetDecisionsByIP(ctx, ipString)
	if err != nil {
		return verdict.Bypass, err
	}

	if len(decisions) == 0 {
		if err := r.cacheBypass(ctx, decision.ScopeIP, ipString); err != nil {
			return verdict.Bypass, err
		}
		return verdict.Bypass, nil
	}

	var kind verdict.Kind
	for _, d := range decisions {
		k := kindFromType(d)
		exp, err := verdict.ParseDuration(safeDuration(d))
		if err != nil {
			return verdict.Bypass, err
		}
		entry := decision.Decision{
			ID:     safeID(d),
			Scope:  decision.ScopeIP,
			Value:  ipString,
			Kind:   k,
			Expiry: timeNow().Add(secondsToDuration(exp)).Unix(),
		}
		if err := r.index.UpsertDecision(ctx, entry); err != nil {
			return verdict.Bypass, err
		}
		if verdict.Priority(k) > verdict.Priority(kind) {
			kind = k
		}
	}
	if err := r.indexCommit(ctx); err != nil {
		return verdict.Bypass, err
	}

	return r.cap(kind), nil
}

func (r *Resolver) cacheBypass(ctx context.Context, scope decision.Scope, value string) error {
	entry := decision.Decision{
		ID:     bypassSentinelID(value),
		Scope:  scope,
		Value:  value,
		Kind:   verdict.Bypass,
		Expiry: timeNow().Add(bypassTTL(r.mode)).Unix(),
	}
	if err := r.index.UpsertDecision(ctx, entry); err != nil {
		return err
	}
	return r.indexCommit(ctx)
}

func bypassTTL(mode Mode) time.Duration {
	if mode == ModeStream {
		return cleanIPTTL
	}
	return time.Hour
}

// cap downgrades kind according to the resolver's configured bouncing
// level: disabled always bypasses, flex never returns captcha.
func (r *Resolver) cap(kind verdict.Kind) verdict.Kind {
	switch r.level {
	case LevelDisabled:
		return verdict.Bypass
	case LevelFlex:
		if kind == verdict.Captcha {
			return verdict.Bypass
		}
		return kind
	default:
		return kind
	}
}

// pickHead applies the tie-break rule (later expiry wins, then larger
// decision id) over an already priority-sorted tuple sequence's head
// group.
func pickHead(tuples []verdict.Tuple) verdict.Kind {
	sorted := verdict.SortByPriority(tuples)
	return sorted[0].Kind
}
