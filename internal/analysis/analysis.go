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

package analysis

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"modemstatus.dev/hnap/internal/transport"
)

const noErrorsMessage = "No errors captured yet"

// RecoveryStats summarises how many failures were followed by a successful
// retry of the same request.
type RecoveryStats struct {
	TotalRecoveries int     `json:"total_recoveries"`
	RecoveryRate    float64 `json:"recovery_rate"`
}

// TimelineEntry is a condensed Record.
type TimelineEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestKind   string    `json:"request_type"`
	Kind          string    `json:"error_type"`
	HTTPStatus    int       `json:"http_status"`
	Recovered     bool      `json:"recovered"`
	Compatibility bool      `json:"compatibility_issue"`
}

// Analysis is the aggregate view over all captured records.
type Analysis struct {
	ErrorTypes          map[string]int  `json:"error_types,omitempty"`
	Message             string          `json:"message,omitempty"`
	CurrentMode         string          `json:"current_mode,omitempty"`
	ParsingArtifacts    []string        `json:"parsing_artifacts,omitempty"`
	Timeline            []TimelineEntry `json:"timeline,omitempty"`
	Patterns            []string        `json:"patterns,omitempty"`
	Recovery            RecoveryStats   `json:"recovery_stats"`
	TotalErrors         int             `json:"total_errors"`
	CompatibilityIssues int             `json:"http_compatibility_issues"`
}

// Analysis aggregates the captured records.
func (c *Collector) Analysis() Analysis {
	records := c.Records()
	if len(records) == 0 {
		return Analysis{Message: noErrorsMessage}
	}

	a := Analysis{
		TotalErrors: len(records),
		ErrorTypes:  map[string]int{},
		CurrentMode: c.mode,
	}

	for _, r := range records {
		a.ErrorTypes[r.Kind]++

		if r.Recovered {
			a.Recovery.TotalRecoveries++
		}

		if r.Compatibility {
			a.CompatibilityIssues++
		}

		for _, artifact := range transport.Artifacts(r.Message) {
			if !slices.Contains(a.ParsingArtifacts, artifact) {
				a.ParsingArtifacts = append(a.ParsingArtifacts, artifact)
			}
		}

		a.Timeline = append(a.Timeline, TimelineEntry{
			Timestamp:     r.Timestamp,
			RequestKind:   r.RequestKind,
			Kind:          r.Kind,
			HTTPStatus:    r.HTTPStatus,
			Recovered:     r.Recovered,
			Compatibility: r.Compatibility,
		})
	}

	a.Recovery.RecoveryRate = float64(a.Recovery.TotalRecoveries) / float64(a.TotalErrors)
	a.Patterns = patterns(a)

	return a
}

func patterns(a Analysis) []string {
	var out []string

	if a.CompatibilityIssues > 0 {
		out = append(out, fmt.Sprintf(
			"HTTP compatibility issues: %d (handled by tolerant parsing)", a.CompatibilityIssues))
	}

	if other := a.TotalErrors - a.CompatibilityIssues; other > 0 {
		out = append(out, fmt.Sprintf("Other errors: %d (network/timeout issues)", other))
	}

	if n := a.ErrorTypes["http_403"]; n > 0 {
		out = append(out, fmt.Sprintf(
			"HTTP 403 errors: %d (modem rejecting concurrent requests - use serial mode)", n))
	}

	if len(a.ParsingArtifacts) > 0 {
		out = append(out, fmt.Sprintf(
			"Parsing artifacts detected: %s (parser strictness, not data corruption)",
			strings.Join(a.ParsingArtifacts, ", ")))
	}

	return out
}
