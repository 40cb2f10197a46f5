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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

func TestWriteVerdictBan(t *testing.T) {
	logger := zaptest.NewLogger(t)
	w := httptest.NewRecorder()

	require.NoError(t, WriteVerdict(w, logger, verdict.Ban, "192.168.1.1", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestWriteVerdictCaptcha(t *testing.T) {
	logger := zaptest.NewLogger(t)
	w := httptest.NewRecorder()

	html := []byte("<html>challenge</html>")
	require.NoError(t, WriteVerdict(w, logger, verdict.Captcha, "192.168.1.1", html))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	require.Equal(t, html, w.Body.Bytes())
}

func TestWriteCaptchaRedirect(t *testing.T) {
	logger := zaptest.NewLogger(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	WriteCaptchaRedirect(w, r, logger, "192.168.1.1", "/welcome")
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/welcome", w.Header().Get("Location"))
}

func TestWriteCaptchaRedirectDefaultsToRoot(t *testing.T) {
	logger := zaptest.NewLogger(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	WriteCaptchaRedirect(w, r, logger, "192.168.1.1", "")
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/", w.Header().Get("Location"))
}

func TestWriteVerdictUnknownDefaultsToBan(t *testing.T) {
	logger := zaptest.NewLogger(t)
	w := httptest.NewRecorder()

	require.NoError(t, WriteVerdict(w, logger, verdict.Kind("weird"), "192.168.1.1", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}
