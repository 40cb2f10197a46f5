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

package resolver

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"

	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

var errNotAnIP = errors.New("not a valid IP address")

// timeNow is a seam for tests; production code always calls time.Now.
var timeNow = time.Now

func kindFromType(d *models.Decision) verdict.Kind {
	if d == nil || d.Type == nil {
		return verdict.Bypass
	}
	switch *d.Type {
	case "ban":
		return verdict.Ban
	case "captcha":
		return verdict.Captcha
	default:
		return verdict.Bypass
	}
}

func safeDuration(d *models.Decision) string {
	if d == nil || d.Duration == nil {
		return "1h"
	}
	return *d.Duration
}

func safeID(d *models.Decision) int64 {
	if d == nil {
		return 0
	}
	return d.ID
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// bypassSentinelID derives a stable synthetic decision id for a cached
// bypass entry, so re-caching the same clean IP replaces rather than
// duplicates the sentinel (I1).
func bypassSentinelID(value string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return int64(h.Sum64())
}

func (r *Resolver) indexCommit(ctx context.Context) error {
	return r.index.Commit(ctx)
}
