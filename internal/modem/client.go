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
// Package modem is the client for Arris cable modems speaking HNAP. It
// authenticates, fetches the status pages as a batch and parses them.
package modem

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"modemstatus.dev/hnap/internal/analysis"
	"modemstatus.dev/hnap/internal/dispatch"
	"modemstatus.dev/hnap/internal/hnap"
	"modemstatus.dev/hnap/internal/instrumentation"
	"modemstatus.dev/hnap/internal/status"
	"modemstatus.dev/hnap/internal/transport"
)

const (
	DefaultHost     = "192.168.100.1"
	DefaultPort     = 443
	DefaultUsername = "admin"

	// DefaultReachTimeout bounds the reachability check.
	DefaultReachTimeout = 2 * time.Second
)

// Option configures a Client.
type Option func(*Client)

func WithPort(port int) Option {
	return func(c *Client) {
		c.port = port
	}
}

func WithUsername(username string) Option {
	return func(c *Client) {
		c.username = username
	}
}

// WithMode selects concurrent or serial batches.
func WithMode(mode dispatch.Mode) Option {
	return func(c *Client) {
		c.mode = mode
	}
}

// WithFingerprint pins the device certificate to a SHA-256 fingerprint.
func WithFingerprint(fingerprint string) Option {
	return func(c *Client) {
		c.fingerprint = fingerprint
	}
}

// WithMaxResponseSize bounds response bodies.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		c.transportOptions = append(c.transportOptions, transport.WithMaxBodySize(n))
	}
}

// WithTransportOptions passes options to the underlying transport.
func WithTransportOptions(options ...transport.Option) Option {
	return func(c *Client) {
		c.transportOptions = append(c.transportOptions, options...)
	}
}

// WithDispatchOptions passes options to the request dispatcher.
func WithDispatchOptions(options ...dispatch.Option) Option {
	return func(c *Client) {
		c.dispatchOptions = append(c.dispatchOptions, options...)
	}
}

// WithCaptureErrors enables or disables keeping failure records.
func WithCaptureErrors(enabled bool) Option {
	return func(c *Client) {
		c.capture = enabled
	}
}

// WithRecorder reports every attempt and handshake step to r.
func WithRecorder(r instrumentation.Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithTracer records spans for requests and batches.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.dispatchOptions = append(c.dispatchOptions, dispatch.WithTracer(t))
	}
}

// WithMeter exposes failure counters through meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		c.meter = meter
	}
}

// Client talks to a single device. It is safe for concurrent use, although
// the device itself copes poorly with overlapping sessions.
type Client struct {
	recorder         instrumentation.Recorder
	meter            metric.Meter
	transport        *transport.Transport
	dispatcher       *dispatch.Dispatcher
	auth             *hnap.Authenticator
	collector        *analysis.Collector
	host             string
	username         string
	fingerprint      string
	mode             dispatch.Mode
	transportOptions []transport.Option
	dispatchOptions  []dispatch.Option
	port             int
	capture          bool
}

// New returns a client for the device at host.
func New(host, password string, options ...Option) *Client {
	c := &Client{
		host:     host,
		port:     DefaultPort,
		username: DefaultUsername,
		mode:     dispatch.ModeConcurrent,
		recorder: instrumentation.Noop{},
		capture:  true,
	}

	for _, opt := range options {
		opt(c)
	}

	collectorOptions := []analysis.CollectorOption{
		analysis.WithMode(string(c.mode)),
		analysis.WithCapture(c.capture),
	}

	if c.meter != nil {
		collectorOptions = append(collectorOptions, analysis.WithMetricMeter(c.meter))
	}

	c.collector = analysis.NewCollector(collectorOptions...)

	tlsConfig := transport.TLSConfig()
	if c.fingerprint != "" {
		tlsConfig = transport.TLSConfig(c.fingerprint)
	}

	c.transport = transport.New(append([]transport.Option{transport.WithTLSConfig(tlsConfig)},
		c.transportOptions...)...)

	c.auth = hnap.NewAuthenticator(c.username, password, hnap.WithAuthRecorder(c.recorder))

	base := &url.URL{Scheme: "https", Host: net.JoinHostPort(c.host, strconv.Itoa(c.port))}

	c.dispatcher = dispatch.NewDispatcher(base, c.transport, c.auth, append([]dispatch.Option{
		dispatch.WithCollector(c.collector),
		dispatch.WithRecorder(c.recorder),
	}, c.dispatchOptions...)...)

	return c
}

// Mode returns the batch mode in use.
func (c *Client) Mode() dispatch.Mode {
	return c.mode
}

// Authenticate performs the handshake unless a session already exists.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.auth.EnsureAuthenticated(ctx, c.dispatcher)
	return err
}

// Reset forgets the session. The next call logs in again.
func (c *Client) Reset() {
	c.auth.Reset()
}

// Performance describes one GetStatus call.
type Performance struct {
	Mode               dispatch.Mode `json:"mode"`
	TotalTime          time.Duration `json:"total_time"`
	RequestsSuccessful int           `json:"requests_successful"`
	RequestsTotal      int           `json:"requests_total"`
}

// ErrorSummary is the short form of the error analysis attached to a Status.
type ErrorSummary struct {
	CurrentMode         string  `json:"current_mode"`
	TotalErrors         int     `json:"total_errors"`
	CompatibilityIssues int     `json:"http_compatibility_issues"`
	OtherErrors         int     `json:"other_errors"`
	RecoveryRate        float64 `json:"recovery_rate"`
}

// Status is a snapshot together with how it was obtained.
type Status struct {
	status.Snapshot
	Performance Performance   `json:"_performance"`
	Errors      *ErrorSummary `json:"_error_analysis,omitempty"`
}

// GetStatus authenticates if needed, fetches the catalogue as one batch and
// parses whatever came back. Requests that fail only reduce the number of
// populated fields; only a failed handshake is returned as an error. A batch
// refused with 401 as a whole is retried once after a fresh handshake.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	start := time.Now()
	timer := c.recorder.StartTimer("get_status_complete")

	if err := c.Authenticate(ctx); err != nil {
		c.recorder.RecordTiming("get_status_complete", timer, instrumentation.Result{ErrorKind: "authentication"})
		return nil, err
	}

	log.Info().Str("mode", string(c.mode)).Msg("Retrieving modem status")

	requests := Catalogue()
	batchName := string(c.mode) + "_request_processing"

	batchTimer := c.recorder.StartTimer(batchName)

	result := c.dispatcher.Batch(ctx, requests, c.mode)
	if result.Unauthorized() {
		log.Warn().Msg("Device rejected the session, authenticating again")

		c.Reset()

		if err := c.Authenticate(ctx); err != nil {
			c.recorder.RecordTiming(batchName, batchTimer, instrumentation.Result{ErrorKind: "authentication"})
			c.recorder.RecordTiming("get_status_complete", timer, instrumentation.Result{ErrorKind: "authentication"})

			return nil, err
		}

		result = c.dispatcher.Batch(ctx, requests, c.mode)
	}

	responses := result.Responses
	c.recorder.RecordTiming(batchName, batchTimer, instrumentation.Result{Success: true})

	parseTimer := c.recorder.StartTimer("response_parsing")
	snapshot := status.ParseEnvelopes(responses)
	c.recorder.RecordTiming("response_parsing", parseTimer, instrumentation.Result{Success: true})

	s := &Status{
		Snapshot: snapshot,
		Performance: Performance{
			Mode:               c.mode,
			TotalTime:          time.Since(start),
			RequestsSuccessful: len(responses),
			RequestsTotal:      len(requests),
		},
		Errors: c.errorSummary(),
	}

	c.recorder.RecordTiming("get_status_complete", timer, instrumentation.Result{Success: true})

	log.Info().Int("channels", len(snapshot.Downstream)+len(snapshot.Upstream)).
		Int("successful", len(responses)).Int("total", len(requests)).
		Dur("elapsed", s.Performance.TotalTime).Msg("Status retrieved")

	return s, nil
}

func (c *Client) errorSummary() *ErrorSummary {
	a := c.collector.Analysis()
	if a.TotalErrors == 0 {
		return nil
	}

	return &ErrorSummary{
		CurrentMode:         a.CurrentMode,
		TotalErrors:         a.TotalErrors,
		CompatibilityIssues: a.CompatibilityIssues,
		OtherErrors:         a.TotalErrors - a.CompatibilityIssues,
		RecoveryRate:        a.Recovery.RecoveryRate,
	}
}

// GetErrorAnalysis aggregates every failure captured by this client.
func (c *Client) GetErrorAnalysis() analysis.Analysis {
	return c.collector.Analysis()
}

// Validate fetches a status and reports how completely it was parsed.
func (c *Client) Validate(ctx context.Context) (status.Validation, error) {
	s, err := c.GetStatus(ctx)
	if err != nil {
		return status.Validation{}, err
	}

	return status.Validate(s.Snapshot), nil
}

// CheckReachable checks that the device accepts TCP connections within timeout.
func (c *Client) CheckReachable(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReachTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		connErr := &hnap.ConnectionError{Host: c.host, Port: c.port, Err: err}

		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &hnap.TimeoutError{ConnectionError: connErr}
		}

		return connErr
	}

	//nolint:errcheck // reachability connection carries no data
	conn.Close()

	return nil
}

// Close releases idle connections and logs a summary of captured failures.
func (c *Client) Close() {
	if a := c.collector.Analysis(); a.TotalErrors > 0 {
		log.Info().Int("errors", a.TotalErrors).Int("compatibility", a.CompatibilityIssues).
			Str("mode", string(c.mode)).Msg("Session captured errors for analysis")
	}

	c.transport.Close()
}
