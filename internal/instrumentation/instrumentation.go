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

// Package instrumentation defines the timing sink that the client reports
// every network attempt and handshake step to.
package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Token marks the start of a timed operation.
type Token struct {
	start time.Time
}

// Start returns the time the token was issued.
func (t Token) Start() time.Time {
	return t.start
}

// Result describes the outcome of a timed operation. Zero values of the
// optional fields mean "not known".
type Result struct {
	ErrorKind    string
	HTTPStatus   int
	ResponseSize int
	Success      bool
}

// Recorder is the timing sink. Implementations must be safe for concurrent use.
type Recorder interface {
	StartTimer(name string) Token
	RecordTiming(name string, token Token, result Result)
}

// Noop discards every timing.
type Noop struct{}

func (Noop) StartTimer(string) Token { return Token{start: time.Now()} }

func (Noop) RecordTiming(string, Token, Result) {}

// MeterRecorder records timings as OpenTelemetry instruments.
type MeterRecorder struct {
	duration  metric.Float64Histogram
	responses metric.Int64Histogram
	failures  metric.Int64Counter
	now       func() time.Time
}

// NewMeterRecorder returns a Recorder backed by meter.
func NewMeterRecorder(meter metric.Meter) (*MeterRecorder, error) {
	duration, err := meter.Float64Histogram("hnap.operation.duration",
		metric.WithDescription("Duration of HNAP operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	responses, err := meter.Int64Histogram("hnap.response.size",
		metric.WithDescription("Size of HNAP response bodies"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("hnap.operation.failures",
		metric.WithDescription("Number of failed HNAP operations"),
	)
	if err != nil {
		return nil, err
	}

	return &MeterRecorder{
		duration:  duration,
		responses: responses,
		failures:  failures,
		now:       time.Now,
	}, nil
}

func (r *MeterRecorder) StartTimer(string) Token {
	return Token{start: r.now()}
}

func (r *MeterRecorder) RecordTiming(name string, token Token, result Result) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("operation", name),
		attribute.Bool("success", result.Success),
	}

	if result.HTTPStatus != 0 {
		attrs = append(attrs, attribute.Int("http.status_code", result.HTTPStatus))
	}

	r.duration.Record(ctx, r.now().Sub(token.start).Seconds(), metric.WithAttributes(attrs...))

	if result.ResponseSize > 0 {
		r.responses.Record(ctx, int64(result.ResponseSize),
			metric.WithAttributes(attribute.String("operation", name)))
	}

	if !result.Success {
		r.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", name),
			attribute.String("error.kind", result.ErrorKind),
		))
	}
}
