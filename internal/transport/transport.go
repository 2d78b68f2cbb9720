// Copyright (c) 2026 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package transport sends HTTP requests to devices whose responses are not
// always accepted by net/http. Responses rejected by the strict parser are
// fetched again over a raw connection and parsed tolerantly.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 12 * time.Second
	// DefaultMaxBodySize bounds response bodies on both paths.
	DefaultMaxBodySize = 1 << 20
)

var errFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// Request is a single HTTP request. Header keys are sent exactly as stored.
type Request struct {
	URL    *url.URL
	Header http.Header
	Method string
	Body   []byte
}

// Response is a successful (status below 400) response.
type Response struct {
	Header     http.Header
	Body       []byte
	StatusCode int
	// Rejected is the strict parser error a Fallback response recovered from.
	Rejected error
	// Fallback is set when the response was read by the tolerant parser.
	Fallback bool
}

// Timeouts bound a single attempt. Connect also bounds idle reads on the
// raw path.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: DefaultConnectTimeout, Read: DefaultReadTimeout}
}

func (t Timeouts) total() time.Duration {
	return t.Connect + t.Read
}

type connectTimeoutKey struct{}

// Option configures a Transport.
type Option func(*Transport)

// WithTLSConfig sets the TLS configuration shared by both paths.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// WithMaxBodySize bounds the response body size.
func WithMaxBodySize(n int64) Option {
	return func(t *Transport) {
		t.maxBodySize = n
	}
}

// WithDialer replaces the function used to open TCP connections.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(t *Transport) {
		t.dial = dial
	}
}

// WithoutFallback disables the raw connection path.
func WithoutFallback() Option {
	return func(t *Transport) {
		t.fallback = false
	}
}

// Transport sends requests with net/http and falls back to a tolerant raw
// connection when the response headers are rejected.
type Transport struct {
	client      *http.Client
	tlsConfig   *tls.Config
	dial        func(ctx context.Context, network, addr string) (net.Conn, error)
	maxBodySize int64
	fallback    bool
}

// New returns a Transport. Without options it accepts self-signed
// certificates and limits bodies to DefaultMaxBodySize.
func New(options ...Option) *Transport {
	dialer := &net.Dialer{}

	t := &Transport{
		tlsConfig:   TLSConfig(),
		dial:        dialer.DialContext,
		maxBodySize: DefaultMaxBodySize,
		fallback:    true,
	}

	for _, opt := range options {
		opt(t)
	}

	t.client = &http.Client{
		Transport: &http.Transport{
			DialContext:         t.dialContext,
			TLSClientConfig:     t.tlsConfig,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
			// HTTP/2 is never negotiated with the device.
			TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return t
}

func (t *Transport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if timeout, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return t.dial(ctx, network, addr)
}

// Close releases idle connections of the strict path.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

// Send performs one attempt. Failures are always returned as *Error; a
// status of 400 or above is reported as an Error of KindHTTP.
func (t *Transport) Send(ctx context.Context, req *Request, timeouts Timeouts) (*Response, error) {
	resp, err := t.send(ctx, req, timeouts)
	if err == nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, httpError(resp)
		}

		return resp, nil
	}

	strictErr := newError(err)
	if strictErr.Kind != KindCompatibility || !t.fallback {
		return nil, strictErr
	}

	log.Debug().Err(err).Str("url", req.URL.String()).
		Msg("Strict parser rejected response, retrying with tolerant parser")

	rawCtx, cancel := context.WithTimeout(ctx, timeouts.total())
	defer cancel()

	resp, rawErr := t.rawRoundTrip(rawCtx, req, timeouts)
	if rawErr != nil {
		log.Debug().Err(rawErr).Msg("Tolerant parser failed")
		return nil, strictErr
	}

	log.Debug().Int("status", resp.StatusCode).
		Str("size", humanize.Bytes(uint64(len(resp.Body)))).
		Msg("Recovered response with tolerant parser")

	resp.Rejected = strictErr

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, httpError(resp)
	}

	return resp, nil
}

func (t *Transport) send(ctx context.Context, req *Request, timeouts Timeouts) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.total())
	defer cancel()

	ctx = context.WithValue(ctx, connectTimeoutKey{}, timeouts.Connect)

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}

	for k, v := range req.Header {
		httpReq.Header[k] = v
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	//nolint:errcheck // body is fully read below
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, t.maxBodySize+1))
	if err != nil {
		return nil, err
	}

	if int64(len(body)) > t.maxBodySize {
		return nil, fmt.Errorf("response exceeds %s", humanize.Bytes(uint64(t.maxBodySize)))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// TLSConfig returns the client TLS configuration for the device. The device
// presents a self-signed certificate, so chain and hostname verification are
// disabled. If fingerprints are given the leaf certificate must match one of
// them (SHA-256, hex, colons optional).
func TLSConfig(fingerprints ...string) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		//nolint:gosec // devices only have self-signed certificates
		InsecureSkipVerify: true,
	}

	if len(fingerprints) == 0 {
		return cfg
	}

	allowed := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		allowed[normalizeFingerprint(fp)] = struct{}{}
	}

	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errFingerprintMismatch
		}

		if _, ok := allowed[Fingerprint(rawCerts[0])]; !ok {
			return errFingerprintMismatch
		}

		return nil
	}

	return cfg
}

// Fingerprint returns the lower-case hex SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
