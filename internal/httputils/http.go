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

// Package httputils holds small response-writing and context-propagation
// helpers shared between the public bouncer package and its host
// integration, kept framework-agnostic so any net/http-based server can
// use them.
package httputils

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

var (
	ErrBanned  = errors.New("banned by remediation engine")
	ErrCaptcha = errors.New("challenge required by remediation engine")
)

// WriteVerdict writes the HTTP response corresponding to a resolved
// remediation. A bypass verdict is the caller's cue to continue to the
// next handler and never reaches here.
func WriteVerdict(w http.ResponseWriter, logger *zap.Logger, kind verdict.Kind, clientIP string, challengeHTML []byte) error {
	switch kind {
	case verdict.Ban:
		logger.Debug(fmt.Sprintf("serving ban response to %s", clientIP))
		return writeBanResponse(w)
	case verdict.Captcha:
		logger.Debug(fmt.Sprintf("serving captcha challenge to %s", clientIP))
		return writeCaptchaResponse(w, challengeHTML)
	default:
		logger.Warn(fmt.Sprintf("got unhandled remediation kind %q for %s, defaulting to ban", kind, clientIP))
		return writeBanResponse(w)
	}
}

func writeBanResponse(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, err := w.Write([]byte(ErrBanned.Error()))
	return err
}

func writeCaptchaResponse(w http.ResponseWriter, challengeHTML []byte) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, err := w.Write(challengeHTML)
	return err
}

// WriteCaptchaRedirect issues the HTTP 302 sent when a client resolves its
// CAPTCHA challenge, sending it on to resolutionRedirect.
func WriteCaptchaRedirect(w http.ResponseWriter, r *http.Request, logger *zap.Logger, clientIP, resolutionRedirect string) {
	logger.Debug(fmt.Sprintf("captcha resolved for %s, redirecting", clientIP))
	if resolutionRedirect == "" {
		resolutionRedirect = "/"
	}
	http.Redirect(w, r, resolutionRedirect, http.StatusFound)
}
