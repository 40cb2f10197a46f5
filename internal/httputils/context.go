// Copyright 2024 Herman Slatman
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

package httputils

import (
	"context"
	"net/netip"
)

type contextKey struct{}

// WithClientIP attaches the resolved client IP to ctx, so code that runs
// later with the same context can read it without re-deriving it from the
// request. The bouncer pipeline itself neither attaches nor reads it.
func WithClientIP(ctx context.Context, ip netip.Addr) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// ClientIPFromContext returns the IP attached by WithClientIP.
func ClientIPFromContext(ctx context.Context) (netip.Addr, bool) {
	v, ok := ctx.Value(contextKey{}).(netip.Addr)
	if !ok || !v.IsValid() {
		return netip.Addr{}, false
	}
	return v, true
}
