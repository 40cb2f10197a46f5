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

// Package forwarded resolves the effective client IP from a request's
// peer address and X-Forwarded-For header, honoring a configured set of
// trusted proxy ranges.
package forwarded

import (
	"net"
	"net/http"
	"strings"
)

// LogEvent names the structured log event emitted when a forwarded-for
// header is present but the peer isn't a trusted proxy.
const LogEvent = "NON_AUTHORIZED_X_FORWARDED_FOR_USAGE"

// Resolver resolves the effective client IP, trusting X-Forwarded-For
// only when the immediate peer falls within a configured trusted range.
type Resolver struct {
	trusted []*net.IPNet
	// forcedTestIP, when non-empty and not "disabled", short-circuits
	// resolution for integration tests that need a stable client IP
	// regardless of the actual peer.
	forcedTestIP string
}

// New constructs a Resolver trusting the given CIDR ranges as proxies.
func New(trustedCIDRs []string) (*Resolver, error) {
	r := &Resolver{}
	for _, cidr := range trustedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		r.trusted = append(r.trusted, n)
	}
	return r, nil
}

// WithForcedTestIP sets a fixed IP that EffectiveIP always returns,
// bypassing both the peer-trust check and the forwarded-for header. Pass
// "" or "disabled" to clear it.
func (r *Resolver) WithForcedTestIP(ip string) {
	if ip == "disabled" {
		ip = ""
	}
	r.forcedTestIP = ip
}

// EffectiveIP returns the IP this request should be evaluated against,
// and whether the header that produced it (if any) came from a trusted
// peer. The header is read right to left, skipping empty elements and
// hops that are themselves trusted proxies. When the peer is untrusted,
// the header is ignored and the peer's own address is returned with
// trusted=false; EffectiveIP does not log, the caller emits LogEvent.
func (r *Resolver) EffectiveIP(peerAddr string, header http.Header) (ip string, trusted bool) {
	if r.forcedTestIP != "" {
		return r.forcedTestIP, true
	}

	peerIP := peerAddr
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		peerIP = host
	}

	xff := header.Get("X-Forwarded-For")
	if xff == "" {
		return peerIP, true
	}

	if !r.isTrusted(peerIP) {
		return peerIP, false
	}

	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		if candidate == "" || r.isTrusted(candidate) {
			continue
		}
		return normalizeIP(candidate), true
	}

	return peerIP, true
}

func (r *Resolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range r.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// normalizeIP strips an IPv4-in-IPv6 mapping down to its dotted-quad form,
// so "::ffff:1.2.3.4" and "1.2.3.4" compare and cache identically.
func normalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}
