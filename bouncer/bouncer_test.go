package bouncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/hslatman/go-crowdsec-remediation/internal/captcha"
	"github.com/hslatman/go-crowdsec-remediation/internal/config"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/store/filestore"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

func registerCaptchaDecision(clientIP string) {
	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions",
		httpmock.NewStringResponder(200, `[{"id":1,"scope":"Ip","value":"`+clientIP+`","type":"captcha","duration":"1h0m0s"}]`))
}

func newTestBouncer(t *testing.T, cfg config.Config) *Bouncer {
	t.Helper()

	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	cfg.APIKey = "test-key"
	if cfg.APIUrl == "" {
		cfg.APIUrl = "http://lapi.example/"
	}

	b, err := New(cfg, s, zaptest.NewLogger(t), lapi.WithExecutor(lapi.NewAPIKeyExecutor(lapi.NewHTTPExecutor(httpClient), cfg.APIKey)))
	require.NoError(t, err)

	return b
}

func TestHandleExcludedURIBypasses(t *testing.T) {
	cfg := config.Defaults()
	cfg.ExcludedURIs = []string{"/healthz"}
	b := newTestBouncer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	kind, err := b.Handle(rec, req)
	require.NoError(t, err)
	require.Equal(t, verdict.Bypass, kind)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleBypassOnCleanIP(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)

	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions",
		httpmock.NewStringResponder(200, `null`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()

	kind, err := b.Handle(rec, req)
	require.NoError(t, err)
	require.Equal(t, verdict.Bypass, kind)
}

func TestHandleBanWritesForbidden(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)

	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions",
		httpmock.NewStringResponder(200, `[{"id":1,"scope":"Ip","value":"203.0.113.9","type":"ban","duration":"1h"}]`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()

	kind, err := b.Handle(rec, req)
	require.NoError(t, err)
	require.Equal(t, verdict.Ban, kind)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCaptchaArmsAndRendersChallenge(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)
	registerCaptchaDecision("203.0.113.9")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()

	kind, err := b.Handle(rec, req)
	require.NoError(t, err)
	require.Equal(t, verdict.Captcha, kind)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "captcha challenge")
}

func TestHandleCaptchaGetReRendersSamePhrase(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)
	registerCaptchaDecision("203.0.113.9")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"

	_, err := b.Handle(httptest.NewRecorder(), req)
	require.NoError(t, err)
	_, phraseAfterFirst, err := b.captcha.Peek(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	kind, err := b.Handle(rec, req2)
	require.NoError(t, err)
	require.Equal(t, verdict.Captcha, kind)

	_, phraseAfterSecond, err := b.captcha.Peek(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, phraseAfterFirst, phraseAfterSecond)
}

func TestHandleCaptchaWrongAnswerThenCorrectResolves(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	cfg.CaptchaResolutionRedirect = "/welcome"
	b := newTestBouncer(t, cfg)
	registerCaptchaDecision("203.0.113.9")

	armReq := httptest.NewRequest(http.MethodGet, "/", nil)
	armReq.RemoteAddr = "203.0.113.9:1234"
	_, err := b.Handle(httptest.NewRecorder(), armReq)
	require.NoError(t, err)

	_, phrase, err := b.captcha.Peek(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	wrongBody := strings.NewReader(url.Values{"phrase": {phrase + "-nope"}}.Encode())
	wrongReq := httptest.NewRequest(http.MethodPost, "/", wrongBody)
	wrongReq.RemoteAddr = "203.0.113.9:1234"
	wrongReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	wrongRec := httptest.NewRecorder()

	kind, err := b.Handle(wrongRec, wrongReq)
	require.NoError(t, err)
	require.Equal(t, verdict.Captcha, kind)
	require.Equal(t, http.StatusUnauthorized, wrongRec.Code)
	require.Contains(t, wrongRec.Body.String(), "did not match")

	state, err := b.captcha.CurrentState(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, captcha.Failed, state)

	correctBody := strings.NewReader(url.Values{"phrase": {phrase}}.Encode())
	correctReq := httptest.NewRequest(http.MethodPost, "/", correctBody)
	correctReq.RemoteAddr = "203.0.113.9:1234"
	correctReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	correctRec := httptest.NewRecorder()

	kind, err = b.Handle(correctRec, correctReq)
	require.NoError(t, err)
	require.Equal(t, verdict.Bypass, kind)
	require.Equal(t, http.StatusFound, correctRec.Code)
	require.Equal(t, "/welcome", correctRec.Header().Get("Location"))
}

func TestHandleCaptchaRefreshRegeneratesPhrase(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)
	registerCaptchaDecision("203.0.113.9")

	armReq := httptest.NewRequest(http.MethodGet, "/", nil)
	armReq.RemoteAddr = "203.0.113.9:1234"
	_, err := b.Handle(httptest.NewRecorder(), armReq)
	require.NoError(t, err)

	_, before, err := b.captcha.Peek(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	refreshBody := strings.NewReader(url.Values{"refresh": {"1"}}.Encode())
	refreshReq := httptest.NewRequest(http.MethodPost, "/", refreshBody)
	refreshReq.RemoteAddr = "203.0.113.9:1234"
	refreshReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	refreshRec := httptest.NewRecorder()

	kind, err := b.Handle(refreshRec, refreshReq)
	require.NoError(t, err)
	require.Equal(t, verdict.Captcha, kind)
	require.Equal(t, http.StatusUnauthorized, refreshRec.Code)

	_, after, err := b.captcha.Peek(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestHandleRecoversFromPanic(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)
	b.forwarded = nil // forces a nil-pointer panic inside Handle

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	var kind verdict.Kind
	require.NotPanics(t, func() {
		kind, _ = b.Handle(rec, req)
	})
	require.Equal(t, verdict.Bypass, kind)
}

func TestHandleSurfacesErrorWhenDisplayErrorsEnabled(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	cfg.DisplayErrors = true
	b := newTestBouncer(t, cfg)
	b.forwarded = nil

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	kind, err := b.Handle(rec, req)
	require.Error(t, err)
	require.Equal(t, verdict.Bypass, kind)
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := config.Defaults()
	disabled := false
	cfg.EnableStreaming = &disabled
	b := newTestBouncer(t, cfg)

	require.NoError(t, b.Run(context.Background()))
	require.NoError(t, b.Shutdown())
	require.NoError(t, b.Shutdown())
}

func TestStreamingRuntimeLeavesNoGoroutinesBehind(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := config.Defaults()
	cfg.TickerInterval = 10 * time.Millisecond
	b := newTestBouncer(t, cfg)

	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions/stream",
		httpmock.NewStringResponder(200, `{}`))

	require.NoError(t, b.Run(context.Background()))
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, b.Shutdown())
}
