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

// Package analysis collects failed request attempts and summarises them.
package analysis

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"modemstatus.dev/hnap/internal/transport"
)

// Error kinds reported in records.
const (
	KindCompatibility  = "http_compatibility"
	KindTimeout        = "timeout"
	KindConnection     = "connection"
	KindUnknown        = "unknown"
	KindAnalysisFailed = "analysis_failed"
)

const partialContentSize = 500

// Record describes a single failed attempt. Records are never changed after
// capture apart from the Recovered flag.
type Record struct {
	Timestamp      time.Time   `json:"timestamp"`
	Header         http.Header `json:"response_headers,omitempty"`
	ID             string      `json:"id"`
	RequestKind    string      `json:"request_type"`
	Kind           string      `json:"error_type"`
	Message        string      `json:"raw_error"`
	PartialContent string      `json:"partial_content,omitempty"`
	HTTPStatus     int         `json:"http_status"`
	Recovered      bool        `json:"recovered"`
	Compatibility  bool        `json:"compatibility_issue"`
}

type stats struct {
	captured      atomic.Int64
	recovered     atomic.Int64
	compatibility atomic.Int64
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithMode sets the request mode reported by Analysis.
func WithMode(mode string) CollectorOption {
	return func(c *Collector) {
		c.mode = mode
	}
}

// WithCapture enables or disables keeping records. Failures are still
// classified and logged when disabled.
func WithCapture(enabled bool) CollectorOption {
	return func(c *Collector) {
		c.enabled = enabled
	}
}

// Collector is a concurrency-safe store of failure records owned by a
// single client.
type Collector struct {
	now     func() time.Time
	mode    string
	records []Record
	stats   stats
	mu      sync.Mutex
	enabled bool
}

// NewCollector returns an empty Collector with capture enabled.
func NewCollector(options ...CollectorOption) *Collector {
	c := &Collector{
		now:     time.Now,
		mode:    "concurrent",
		enabled: true,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Classify derives the error kind, HTTP status and compatibility flag of err.
func Classify(err error) (kind string, status int, compatibility bool) {
	var terr *transport.Error

	if err == nil {
		return KindAnalysisFailed, 0, false
	}

	if !errors.As(err, &terr) {
		if transport.IsCompatibilityMessage(err.Error()) {
			return KindCompatibility, 0, true
		}

		return KindUnknown, 0, false
	}

	switch terr.Kind {
	case transport.KindCompatibility:
		return KindCompatibility, 0, true
	case transport.KindHTTP:
		return fmt.Sprintf("http_%d", terr.StatusCode), terr.StatusCode, false
	case transport.KindTimeout:
		return KindTimeout, 0, false
	case transport.KindConnection:
		return KindConnection, 0, false
	default:
		if transport.IsCompatibilityMessage(terr.Message) {
			return KindCompatibility, 0, true
		}

		return KindUnknown, 0, false
	}
}

// Capture records a failed attempt of requestKind and returns the record
// ID, or an empty string if capture is disabled.
func (c *Collector) Capture(requestKind string, err error) string {
	kind, status, compatibility := Classify(err)

	message := KindAnalysisFailed
	if err != nil {
		message = err.Error()
	}

	log.Warn().Str("request", requestKind).Str("kind", kind).Int("status", status).
		Msg(transport.Truncate(message, 200))

	if !c.enabled {
		return ""
	}

	r := Record{
		ID:            uuid.NewString(),
		Timestamp:     c.now(),
		RequestKind:   requestKind,
		Kind:          kind,
		HTTPStatus:    status,
		Message:       message,
		Compatibility: compatibility,
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		r.Header = terr.Header
		r.PartialContent = transport.Truncate(terr.Body, partialContentSize)
	}

	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()

	c.stats.captured.Add(1)

	if compatibility {
		c.stats.compatibility.Add(1)
	}

	return r.ID
}

// MarkRecovered flags the records with the given IDs as recovered.
func (c *Collector) MarkRecovered(ids ...string) {
	if len(ids) == 0 {
		return
	}

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			pending[id] = struct{}{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.records {
		if _, ok := pending[c.records[i].ID]; ok && !c.records[i].Recovered {
			c.records[i].Recovered = true
			c.stats.recovered.Add(1)
		}
	}
}

// Records returns a copy of the captured records in capture order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	copy(out, c.records)

	return out
}

// Clear drops all captured records.
func (c *Collector) Clear() {
	c.mu.Lock()
	c.records = nil
	c.mu.Unlock()
}
