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

// Package dispatch sends HNAP requests with retries, either one at a time
// or as a batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"modemstatus.dev/hnap/internal/analysis"
	"modemstatus.dev/hnap/internal/hnap"
	"modemstatus.dev/hnap/internal/instrumentation"
	"modemstatus.dev/hnap/internal/transport"
)

const (
	DefaultMaxRetries   = 3
	DefaultBaseBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff   = 10 * time.Second
	DefaultWorkers      = 2
	DefaultBatchTimeout = 30 * time.Second
	DefaultSerialPause  = 100 * time.Millisecond
)

var errEmptyBody = errors.New("empty response body")

// DefaultPartialActions are actions whose 403, 404 and 500 responses mean
// "no data" rather than a failure.
func DefaultPartialActions() []string {
	return []string{hnap.ActionMultiple, "GetCustomerStatusSoftware"}
}

// Sender performs a single attempt.
type Sender interface {
	Send(ctx context.Context, req *transport.Request, timeouts transport.Timeouts) (*transport.Response, error)
}

// SessionSource provides the credentials attached to each attempt.
type SessionSource interface {
	Session() hnap.Session
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRetries sets how many times a failed attempt is retried.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		d.maxRetries = max(n, 0)
	}
}

// WithBackoff sets the initial wait between attempts and its upper bound.
func WithBackoff(base, maxWait time.Duration) Option {
	return func(d *Dispatcher) {
		d.baseBackoff = base
		d.maxBackoff = maxWait
	}
}

// WithTimeouts sets the per-attempt timeouts.
func WithTimeouts(t transport.Timeouts) Option {
	return func(d *Dispatcher) {
		d.timeouts = t
	}
}

// WithWorkers sets the size of the concurrent batch pool.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers = max(n, 1)
	}
}

// WithBatchTimeout bounds the duration of ExecuteBatch.
func WithBatchTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.batchTimeout = timeout
	}
}

// WithSerialPause sets the pause between requests in serial mode.
func WithSerialPause(pause time.Duration) Option {
	return func(d *Dispatcher) {
		d.serialPause = pause
	}
}

// WithCollector sets the collector failed attempts are recorded in.
func WithCollector(c *analysis.Collector) Option {
	return func(d *Dispatcher) {
		d.collector = c
	}
}

// WithRecorder sets the timing sink called around every attempt.
func WithRecorder(r instrumentation.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithPartialActions replaces the set of non-critical actions.
func WithPartialActions(actions ...string) Option {
	return func(d *Dispatcher) {
		d.partial = make(map[string]struct{}, len(actions))
		for _, a := range actions {
			d.partial[a] = struct{}{}
		}
	}
}

// Dispatcher signs, sends and retries HNAP requests.
type Dispatcher struct {
	sender       Sender
	sessions     SessionSource
	collector    *analysis.Collector
	recorder     instrumentation.Recorder
	tracer       trace.Tracer
	partial      map[string]struct{}
	endpoint     *url.URL
	now          func() time.Time
	jitter       func() float64
	origin       string
	host         string
	timeouts     transport.Timeouts
	port         int
	maxRetries   int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	workers      int
	batchTimeout time.Duration
	serialPause  time.Duration
}

// NewDispatcher returns a Dispatcher posting to the HNAP endpoint of the
// device at base (scheme and host).
func NewDispatcher(base *url.URL, sender Sender, sessions SessionSource, options ...Option) *Dispatcher {
	port, err := strconv.Atoi(base.Port())
	if err != nil {
		port = 443
		if base.Scheme == "http" {
			port = 80
		}
	}

	d := &Dispatcher{
		sender:       sender,
		sessions:     sessions,
		collector:    analysis.NewCollector(),
		recorder:     instrumentation.Noop{},
		tracer:       tracenoop.NewTracerProvider().Tracer("dispatch"),
		endpoint:     &url.URL{Scheme: base.Scheme, Host: base.Host, Path: hnap.Path},
		origin:       base.Scheme + "://" + base.Host,
		host:         base.Hostname(),
		port:         port,
		now:          time.Now,
		jitter:       rand.Float64,
		timeouts:     transport.DefaultTimeouts(),
		maxRetries:   DefaultMaxRetries,
		baseBackoff:  DefaultBaseBackoff,
		maxBackoff:   DefaultMaxBackoff,
		workers:      DefaultWorkers,
		batchTimeout: DefaultBatchTimeout,
		serialPause:  DefaultSerialPause,
	}

	WithPartialActions(DefaultPartialActions()...)(d)

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Collector returns the collector failed attempts are recorded in.
func (d *Dispatcher) Collector() *analysis.Collector {
	return d.collector
}

// Execute sends req, retrying retryable failures up to the configured
// number of times, and returns the response body.
func (d *Dispatcher) Execute(ctx context.Context, req hnap.Request) (string, error) {
	ctx, span := d.tracer.Start(ctx, "hnap.execute",
		trace.WithAttributes(attribute.String("hnap.action", req.Action)))
	defer span.End()

	body, err := req.Body()
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", req.Action, err)
	}

	var (
		result   string
		lastErr  error
		failures []string
		attempts int
	)

	operation := func() error {
		attempts++

		text, err := d.attempt(ctx, req, body)
		if err == nil {
			result = text
			return nil
		}

		lastErr = err

		if id := d.collector.Capture(req.Action, err); id != "" {
			failures = append(failures, id)
		}

		return d.decide(req.Action, err)
	}

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("action", req.Action).Int("attempt", attempts).
			Dur("wait", wait).Msg("Retrying request")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&cappedBackOff{
		base:   d.baseBackoff,
		max:    d.maxBackoff,
		jitter: d.jitter,
	}, uint64(d.maxRetries)), ctx)

	err = backoff.RetryNotify(operation, b, notify)

	span.SetAttributes(attribute.Int("hnap.attempts", attempts))

	if err == nil {
		if len(failures) > 0 {
			d.collector.MarkRecovered(failures...)
			log.Info().Str("action", req.Action).Int("attempts", attempts).
				Msg("Request recovered after retries")
		}

		return result, nil
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) && lastErr != nil {
		err = lastErr
	}

	err = d.exhausted(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return "", err
}

func (d *Dispatcher) attempt(ctx context.Context, req hnap.Request, body []byte) (string, error) {
	name := "hnap_request_" + req.Action
	timer := d.recorder.StartTimer(name)

	treq := &transport.Request{
		Method: http.MethodPost,
		URL:    d.endpoint,
		Header: hnap.BuildHeader(d.origin, req, d.sessions.Session(), hnap.Timestamp(d.now())),
		Body:   body,
	}

	resp, err := d.sender.Send(ctx, treq, d.timeouts)
	if err == nil && len(resp.Body) == 0 {
		err = &transport.Error{Kind: transport.KindProtocol, Message: errEmptyBody.Error(), Err: errEmptyBody}
	}

	if err != nil {
		kind, status, _ := analysis.Classify(err)
		d.recorder.RecordTiming(name, timer, instrumentation.Result{ErrorKind: kind, HTTPStatus: status})

		return "", err
	}

	if resp.Rejected != nil {
		// Handled by the tolerant parser, but still worth a record.
		if id := d.collector.Capture(req.Action, resp.Rejected); id != "" {
			d.collector.MarkRecovered(id)
		}
	}

	d.recorder.RecordTiming(name, timer, instrumentation.Result{
		Success:      true,
		HTTPStatus:   resp.StatusCode,
		ResponseSize: len(resp.Body),
	})

	log.Debug().Str("action", req.Action).Int("size", len(resp.Body)).
		Bool("fallback", resp.Fallback).Msg("Response received")

	return string(resp.Body), nil
}

// decide returns err unchanged if the attempt should be retried, otherwise
// a permanent error carrying the final result.
func (d *Dispatcher) decide(action string, err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		if transport.IsCompatibilityMessage(err.Error()) {
			return err
		}

		return backoff.Permanent(err)
	}

	switch terr.Kind {
	case transport.KindCompatibility, transport.KindConnection, transport.KindTimeout:
		return err
	case transport.KindHTTP:
		httpErr := &hnap.HTTPError{Action: action, StatusCode: terr.StatusCode, Body: terr.Body}

		if _, ok := d.partial[action]; ok && isPartialStatus(terr.StatusCode) {
			httpErr.Partial = true

			log.Warn().Str("action", action).Int("status", terr.StatusCode).
				Msg("Device refused non-critical request, continuing without its data")
		}

		return backoff.Permanent(httpErr)
	case transport.KindCanceled:
		return backoff.Permanent(err)
	default:
		if errors.Is(err, errEmptyBody) || transport.IsCompatibilityMessage(terr.Message) {
			return err
		}

		return backoff.Permanent(err)
	}
}

func isPartialStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// exhausted converts the last retryable failure into a typed error.
func (d *Dispatcher) exhausted(err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return err
	}

	conn := &hnap.ConnectionError{Host: d.host, Port: d.port, Err: err}

	switch terr.Kind {
	case transport.KindTimeout:
		return &hnap.TimeoutError{ConnectionError: conn}
	case transport.KindConnection:
		return conn
	case transport.KindCompatibility:
		return &hnap.ParsingError{Phase: "response", Detail: "headers rejected by both parsers", Err: err}
	case transport.KindProtocol:
		if errors.Is(err, errEmptyBody) {
			return &hnap.ParsingError{Phase: "response", Detail: "device returned no content", Err: err}
		}
	}

	return err
}
