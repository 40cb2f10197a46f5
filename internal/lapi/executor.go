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

package lapi

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

// httpExecutor issues requests with a tuned net/http.Client, the same
// dialer/timeout shape used elsewhere in this codebase for outbound calls
// to CrowdSec components.
type httpExecutor struct {
	client *http.Client
}

// NewHTTPExecutor wraps an *http.Client, constructing a sensibly-tuned one
// if client is nil.
func NewHTTPExecutor(client *http.Client) Executor {
	if client != nil {
		return &httpExecutor{client: client}
	}
	return &httpExecutor{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       60 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (e *httpExecutor) Do(req *http.Request) (*http.Response, error) {
	return e.client.Do(req)
}

// NewMTLSHTTPExecutor builds an httpExecutor whose transport presents a
// client certificate, for Local API deployments that authenticate
// bouncers by mutual TLS instead of an API key.
func NewMTLSHTTPExecutor(cert tls.Certificate, rootCAs *x509.CertPool) Executor {
	return &httpExecutor{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      rootCAs,
				},
			},
		},
	}
}

// curlExecutor shells out to the system curl binary instead of using
// net/http, mirroring the two interchangeable request paths ("inline GET"
// and "CURL") that this client is required to support.
type curlExecutor struct {
	binary string
}

// NewCurlExecutor returns an Executor that performs requests via the
// system curl binary (or the binary named by path, if non-empty).
func NewCurlExecutor(path string) Executor {
	if path == "" {
		path = "curl"
	}
	return &curlExecutor{binary: path}
}

func (e *curlExecutor) Do(req *http.Request) (*http.Response, error) {
	args := []string{"-s", "-i", "-X", req.Method}
	for key, values := range req.Header {
		for _, v := range values {
			args = append(args, "-H", fmt.Sprintf("%s: %s", key, v))
		}
	}
	args = append(args, req.URL.String())

	cmd := exec.CommandContext(req.Context(), e.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("lapi: curl executor: %w", err)
	}

	return parseCurlOutput(out)
}

func parseCurlOutput(out []byte) (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(out)), nil)
	if err != nil {
		return nil, fmt.Errorf("lapi: parsing curl response: %w", err)
	}
	return resp, nil
}

// apiKeyExecutor decorates another Executor, adding the Local API key
// header to every outgoing request.
type apiKeyExecutor struct {
	inner Executor
	key   string
}

// NewAPIKeyExecutor decorates inner with X-Api-Key authentication.
func NewAPIKeyExecutor(inner Executor, apiKey string) Executor {
	return &apiKeyExecutor{inner: inner, key: apiKey}
}

func (e *apiKeyExecutor) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Api-Key", e.key)
	return e.inner.Do(req)
}
