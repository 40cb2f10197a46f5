// Copyright 2021 Herman Slatman
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

// Package bouncer wires the decision index, LAPI client, stream
// synchroniser, forwarded-IP resolver and CAPTCHA machine into a single
// HTTP-facing pipeline, the way the upstream Caddy module wires its own
// collaborators together behind a *Bouncer value.
package bouncer

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hslatman/go-crowdsec-remediation/internal/captcha"
	"github.com/hslatman/go-crowdsec-remediation/internal/config"
	"github.com/hslatman/go-crowdsec-remediation/internal/decision"
	"github.com/hslatman/go-crowdsec-remediation/internal/forwarded"
	"github.com/hslatman/go-crowdsec-remediation/internal/geo"
	"github.com/hslatman/go-crowdsec-remediation/internal/httputils"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/logging"
	"github.com/hslatman/go-crowdsec-remediation/internal/metrics"
	"github.com/hslatman/go-crowdsec-remediation/internal/resolver"
	"github.com/hslatman/go-crowdsec-remediation/internal/store"
	"github.com/hslatman/go-crowdsec-remediation/internal/stream"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
	"github.com/hslatman/go-crowdsec-remediation/internal/version"
)

const userAgentName = "go-crowdsec-remediation"

// UnknownExceptionEvent names the log event emitted when Handle recovers
// from an error it cannot attribute to a more specific cause.
const UnknownExceptionEvent = "UNKNOWN_EXCEPTION_WHILE_BOUNCING"

// Bouncer is the complete remediation pipeline: it resolves a request's
// client IP, looks up its remediation, steps the CAPTCHA state machine
// when required, and writes the resulting HTTP response.
type Bouncer struct {
	cfg        config.Config
	index      *decision.Index
	client     *lapi.Client
	resolver   *resolver.Resolver
	syncer     *stream.Synchroniser
	forwarded  *forwarded.Resolver
	captcha    *captcha.Machine
	geo        *geo.Collaborator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	userAgent  string
	instanceID string

	excluded map[string]struct{}

	ctx       context.Context
	started   bool
	stopped   bool
	startedAt time.Time
	startMu   sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Bouncer from cfg. The decision store backend named by
// cfg.CacheBackend must already implement store.Store; callers obtain the
// concrete backend via the filestore/redisstore/memcachedstore package
// matching cfg.CacheBackend and pass it as backing. extraLAPIOpts is
// applied after the options derived from cfg, letting tests substitute a
// mocked Executor without this package needing to know about httpmock.
func New(cfg config.Config, backing store.Store, logger *zap.Logger, extraLAPIOpts ...lapi.Option) (*Bouncer, error) {
	instanceID, err := generateInstanceID()
	if err != nil {
		return nil, fmt.Errorf("bouncer: generating instance id: %w", err)
	}

	userAgent := userAgentName + "/" + version.Current()

	index := decision.New(backing, "decisions")

	var execOpts []lapi.Option
	execOpts = append(execOpts, lapi.WithTimeout(cfg.Timeout))
	if cfg.UseCurl {
		execOpts = append(execOpts, lapi.WithExecutor(lapi.NewAPIKeyExecutor(lapi.NewCurlExecutor(""), cfg.APIKey)))
	} else {
		execOpts = append(execOpts, lapi.WithExecutor(lapi.NewAPIKeyExecutor(lapi.NewHTTPExecutor(nil), cfg.APIKey)))
	}
	execOpts = append(execOpts, extraLAPIOpts...)
	client, err := lapi.New(cfg.APIUrl, execOpts...)
	if err != nil {
		return nil, fmt.Errorf("bouncer: constructing lapi client: %w", err)
	}

	var geoCollaborator *geo.Collaborator
	if cfg.GeoDatabasePath != "" {
		geoCollaborator, err = geo.Open(cfg.GeoDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("bouncer: opening geo database: %w", err)
		}
	}

	mode := resolver.ModeLive
	if cfg.IsStreamingEnabled() {
		mode = resolver.ModeStream
	}

	level := resolver.LevelNormal
	switch cfg.BouncingLevel {
	case "disabled":
		level = resolver.LevelDisabled
	case "flex":
		level = resolver.LevelFlex
	}

	res := resolver.New(index, client, geoCollaborator, mode, level)
	syncer := stream.New(client, index)

	fwd, err := forwarded.New(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("bouncer: building forwarded-IP resolver: %w", err)
	}
	if cfg.ForcedTestForwardedIP != "" {
		fwd.WithForcedTestIP(cfg.ForcedTestForwardedIP)
	}

	cm := captcha.New(backing, cfg.CaptchaTTL)

	excluded := make(map[string]struct{}, len(cfg.ExcludedURIs))
	for _, uri := range cfg.ExcludedURIs {
		excluded[uri] = struct{}{}
	}

	return &Bouncer{
		cfg:        cfg,
		index:      index,
		client:     client,
		resolver:   res,
		syncer:     syncer,
		forwarded:  fwd,
		captcha:    cm,
		geo:        geoCollaborator,
		logger:     logger,
		userAgent:  userAgent,
		instanceID: instanceID,
		excluded:   excluded,
	}, nil
}

// SetMetrics attaches m as the pipeline's metrics sink and overrides the
// standard logrus logger to forward into logger, tagged with this
// bouncer's instance ID and configured LAPI address.
func (b *Bouncer) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
	logging.OverrideLogrusLogger(b.logger, b.instanceID, b.cfg.APIUrl, b.cfg.ShouldFailHard())
}

// Run starts the background stream synchroniser, if STREAM mode is
// configured. It is a no-op in LIVE mode and a no-op if already started.
func (b *Bouncer) Run(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	b.startedAt = time.Now()

	if !b.cfg.IsStreamingEnabled() {
		b.logger.Info("running in live mode, no background sync started")
		return nil
	}

	if err := b.syncer.WarmUp(b.ctx); err != nil {
		return fmt.Errorf("bouncer: warming up stream: %w", err)
	}

	interval := b.cfg.TickerInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				deleted, added, err := b.syncer.Refresh(b.ctx)
				if err != nil {
					if b.metrics != nil {
						b.metrics.StreamErrors.Inc()
					}
					b.logger.Error("stream refresh failed", zap.Error(err))
					continue
				}
				if b.metrics != nil {
					b.metrics.StreamRefreshes.Inc()
				}
				b.logger.Debug("stream refresh complete", zap.Int("added", added), zap.Int("deleted", deleted))
			}
		}
	}()

	return nil
}

// Shutdown stops the background synchroniser and waits for it to exit.
func (b *Bouncer) Shutdown() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.started || b.stopped {
		return nil
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.stopped = true
	if b.geo != nil {
		_ = b.geo.Close()
	}
	_ = b.logger.Sync()

	return nil
}

// IsExcluded reports whether uri is on the excluded-paths list and
// should bypass remediation entirely.
func (b *Bouncer) IsExcluded(uri string) bool {
	uri = strings.TrimSuffix(uri, "/")
	_, ok := b.excluded[uri]
	return ok
}

// Handle resolves the remediation for r and writes the appropriate HTTP
// response to w. It returns the verdict applied and any error
// encountered. Any error below the resolver boundary is caught here,
// logged as UnknownExceptionEvent, and degrades to bypass (request
// allowed through) unless display_errors is set, in which case the
// error is returned to the caller instead of being suppressed; either
// way the request is allowed through, since a bouncer failure must
// never take the site down.
func (b *Bouncer) Handle(w http.ResponseWriter, r *http.Request) (kind verdict.Kind, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error(UnknownExceptionEvent, zap.Any("recovered", rec))
			kind = verdict.Bypass
			if b.cfg.DisplayErrors {
				err = fmt.Errorf("bouncer: recovered panic: %v", rec)
			}
		}
	}()

	if b.IsExcluded(r.URL.Path) {
		return verdict.Bypass, nil
	}

	clientIP, trusted := b.forwarded.EffectiveIP(r.RemoteAddr, r.Header)
	if !trusted {
		b.logger.Warn(forwarded.LogEvent, zap.String("remote_addr", r.RemoteAddr))
	}

	kind, err = b.resolveAndRespond(w, r, clientIP)
	if err != nil {
		b.logger.Error(UnknownExceptionEvent, zap.Error(err))
		b.recordOutcome("error")
		if !b.cfg.DisplayErrors {
			return verdict.Bypass, nil
		}
		return verdict.Bypass, err
	}

	b.recordOutcome(string(kind))

	return kind, nil
}

// resolveAndRespond resolves clientIP's remediation, steps the CAPTCHA
// machine if required, and writes the corresponding HTTP response. A
// bypass verdict writes nothing, leaving the request to continue to the
// next handler.
func (b *Bouncer) resolveAndRespond(w http.ResponseWriter, r *http.Request, clientIP string) (verdict.Kind, error) {
	kind, err := b.resolver.GetRemediationForIP(r.Context(), clientIP)
	if err != nil {
		return verdict.Bypass, err
	}

	if kind == verdict.Captcha {
		return b.stepCaptcha(w, r, clientIP)
	}

	if kind == verdict.Bypass {
		return kind, nil
	}

	if err := httputils.WriteVerdict(w, b.logger, kind, clientIP, nil); err != nil {
		return kind, err
	}

	return kind, nil
}

// stepCaptcha advances the per-client CAPTCHA state machine and writes the
// response the new state calls for: a freshly armed or re-rendered
// challenge (HTTP 401), a redirect once the phrase is resolved (HTTP
// 302), or nothing at all for an already-resolved client (the request is
// allowed through). The answer and the refresh=1 flag only ever arrive
// on a POST; a GET always just re-renders whatever challenge is current.
func (b *Bouncer) stepCaptcha(w http.ResponseWriter, r *http.Request, clientIP string) (verdict.Kind, error) {
	state, phrase, err := b.captcha.Peek(r.Context(), clientIP)
	if err != nil {
		return verdict.Bypass, err
	}

	switch state {
	case captcha.Resolved:
		return verdict.Bypass, nil

	case captcha.Unarmed:
		phrase, err = b.captcha.Arm(r.Context(), clientIP, b.cfg.CaptchaResolutionRedirect)
		if err != nil {
			return verdict.Bypass, err
		}
		return verdict.Captcha, b.renderChallenge(w, clientIP, phrase, false)

	case captcha.Armed, captcha.Failed:
		if r.Method == http.MethodPost {
			if r.PostFormValue("refresh") == "1" {
				phrase, err = b.captcha.Arm(r.Context(), clientIP, b.cfg.CaptchaResolutionRedirect)
				if err != nil {
					return verdict.Bypass, err
				}
				return verdict.Captcha, b.renderChallenge(w, clientIP, phrase, false)
			}

			if answer := r.PostFormValue("phrase"); answer != "" {
				newState, redirect, err := b.captcha.Check(r.Context(), clientIP, answer)
				if err != nil {
					return verdict.Bypass, err
				}
				if newState == captcha.Resolved {
					httputils.WriteCaptchaRedirect(w, r, b.logger, clientIP, redirect)
					return verdict.Bypass, nil
				}
				return verdict.Captcha, b.renderChallenge(w, clientIP, phrase, true)
			}
		}
		return verdict.Captcha, b.renderChallenge(w, clientIP, phrase, state == captcha.Failed)

	default:
		return verdict.Captcha, b.renderChallenge(w, clientIP, phrase, false)
	}
}

func (b *Bouncer) renderChallenge(w http.ResponseWriter, clientIP, phrase string, failed bool) error {
	page, err := renderChallengePage(phrase, failed)
	if err != nil {
		return fmt.Errorf("bouncer: rendering captcha challenge: %w", err)
	}
	return httputils.WriteVerdict(w, b.logger, verdict.Captcha, clientIP, page)
}

func (b *Bouncer) recordOutcome(outcome string) {
	if b.metrics != nil {
		b.metrics.RequestsProcessed.WithLabelValues(outcome).Inc()
	}
}

const challengePageTemplate = `<!DOCTYPE html>
<html>
<head><title>Attention Required</title></head>
<body>
<p>Please solve the challenge below to continue.</p>
%s
<img src="%s" alt="captcha challenge"/>
<form method="POST">
<input type="text" name="phrase" autocomplete="off" autofocus />
<button type="submit">Submit</button>
</form>
<form method="POST">
<input type="hidden" name="refresh" value="1" />
<button type="submit">Get a new challenge</button>
</form>
</body>
</html>
`

const challengeErrorNotice = `<p class="error">That phrase did not match. Please try again.</p>`

func renderChallengePage(phrase string, failed bool) ([]byte, error) {
	dataURL, err := captcha.RenderDataURL(phrase)
	if err != nil {
		return nil, fmt.Errorf("bouncer: rendering captcha image: %w", err)
	}
	notice := ""
	if failed {
		notice = challengeErrorNotice
	}
	return []byte(fmt.Sprintf(challengePageTemplate, notice, dataURL)), nil
}

func generateInstanceID() (string, error) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := [4]byte{}
	if _, err := r.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
