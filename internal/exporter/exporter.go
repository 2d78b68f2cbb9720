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
// Package exporter polls a modem on an interval and publishes the last
// snapshot as metrics.
package exporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"modemstatus.dev/hnap/internal/modem"
)

const DefaultInterval = time.Minute

var errNoResponses = errors.New("no request returned data")

// Source is anything that can produce a status.
type Source interface {
	GetStatus(ctx context.Context) (*modem.Status, error)
}

type stats struct {
	successes atomic.Int64
	failures  atomic.Int64
	up        atomic.Bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// Exporter keeps the most recent status of a modem.
type Exporter struct {
	source   Source
	last     *modem.Status
	now      func() time.Time
	stats    stats
	interval time.Duration
	elapsed  time.Duration
	mu       sync.RWMutex
}

// New returns an Exporter polling source every interval.
func New(source Source, interval time.Duration, options ...Option) *Exporter {
	if interval <= 0 {
		interval = DefaultInterval
	}

	e := &Exporter{
		source:   source,
		interval: interval,
		now:      time.Now,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Poll fetches one status. On failure, or when no request returned data,
// the previous status is kept but the exporter reports the device as down.
func (e *Exporter) Poll(ctx context.Context) error {
	start := e.now()

	s, err := e.source.GetStatus(ctx)
	if err == nil && s.Performance.RequestsSuccessful == 0 {
		err = errNoResponses
	}

	elapsed := e.now().Sub(start)

	e.mu.Lock()
	e.elapsed = elapsed

	if err == nil {
		e.last = s
	}
	e.mu.Unlock()

	if err != nil {
		e.stats.failures.Add(1)
		e.stats.up.Store(false)

		return err
	}

	e.stats.successes.Add(1)
	e.stats.up.Store(true)

	return nil
}

// Run polls immediately and then on every tick until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to poll modem status")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Last returns the most recent successful status, or nil.
func (e *Exporter) Last() *modem.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.last
}

func (e *Exporter) snapshot() (*modem.Status, time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.last, e.elapsed
}
