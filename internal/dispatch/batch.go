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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"modemstatus.dev/hnap/internal/hnap"
)

// Mode selects how a batch is executed.
type Mode string

const (
	// ModeConcurrent runs requests on a bounded worker pool.
	ModeConcurrent Mode = "concurrent"
	// ModeSerial runs requests one after another with a short pause.
	ModeSerial Mode = "serial"
)

// ParseMode converts s into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeConcurrent, ModeSerial:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown request mode %q", s)
	}
}

// NamedRequest is a logical request within a batch.
type NamedRequest struct {
	Name    string
	Request hnap.Request
}

// BatchResult is the outcome of a batch. A request is in at most one of
// the maps; requests dropped by the batch timeout are in neither.
type BatchResult struct {
	Responses map[string]string
	Errors    map[string]error
}

// Unauthorized reports whether nothing succeeded and the device refused at
// least one request with 401, which means the session has expired.
func (r BatchResult) Unauthorized() bool {
	if len(r.Responses) > 0 {
		return false
	}

	for _, err := range r.Errors {
		var httpErr *hnap.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			return true
		}
	}

	return false
}

// ExecuteBatch runs every request and returns the bodies of the ones that
// succeeded, keyed by name. Failed requests, and requests still running
// when the batch timeout fires, are absent from the result.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, requests []NamedRequest, mode Mode) map[string]string {
	return d.Batch(ctx, requests, mode).Responses
}

// Batch is ExecuteBatch that also reports the error of every failed request.
func (d *Dispatcher) Batch(ctx context.Context, requests []NamedRequest, mode Mode) BatchResult {
	ctx, cancel := context.WithTimeout(ctx, d.batchTimeout)
	defer cancel()

	batchID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "hnap.batch", trace.WithAttributes(
		attribute.String("hnap.batch.mode", string(mode)),
		attribute.Int("hnap.batch.size", len(requests)),
	))
	defer span.End()

	logger := log.With().Str("batch", batchID).Str("mode", string(mode)).Logger()
	start := time.Now()

	b := &batch{
		results: make(map[string]string, len(requests)),
		errs:    make(map[string]error),
	}

	run := func(nr NamedRequest) {
		body, err := d.Execute(ctx, nr.Request)
		if err != nil {
			logger.Warn().Err(err).Str("request", nr.Name).Msg("Request returned no data")
			b.fail(nr.Name, err)

			return
		}

		b.set(nr.Name, body)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if mode == ModeSerial {
			d.serial(ctx, requests, run)
		} else {
			d.concurrent(ctx, requests, run)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Dur("timeout", d.batchTimeout).Msg("Batch timed out, outstanding requests are dropped")
	}

	results := b.snapshot()

	span.SetAttributes(attribute.Int("hnap.batch.completed", len(results.Responses)))
	logger.Debug().Int("completed", len(results.Responses)).Int("requested", len(requests)).
		Dur("elapsed", time.Since(start)).Msg("Batch finished")

	return results
}

func (d *Dispatcher) concurrent(ctx context.Context, requests []NamedRequest, run func(NamedRequest)) {
	// A plain group: one failed request must not cancel the others.
	var g errgroup.Group

	g.SetLimit(d.workers)

	for _, nr := range requests {
		g.Go(func() error {
			// Requests still queued when the batch times out are not sent.
			if ctx.Err() != nil {
				return nil
			}

			run(nr)

			return nil
		})
	}

	//nolint:errcheck // workers never return errors
	g.Wait()
}

func (d *Dispatcher) serial(ctx context.Context, requests []NamedRequest, run func(NamedRequest)) {
	for i, nr := range requests {
		if i > 0 && d.serialPause > 0 {
			t := time.NewTimer(d.serialPause)

			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if ctx.Err() != nil {
			return
		}

		run(nr)
	}
}

type batch struct {
	results map[string]string
	errs    map[string]error
	mu      sync.Mutex
}

func (b *batch) set(name, body string) {
	b.mu.Lock()
	b.results[name] = body
	b.mu.Unlock()
}

func (b *batch) fail(name string, err error) {
	b.mu.Lock()
	b.errs[name] = err
	b.mu.Unlock()
}

func (b *batch) snapshot() BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BatchResult{Responses: maps.Clone(b.results), Errors: maps.Clone(b.errs)}
}
