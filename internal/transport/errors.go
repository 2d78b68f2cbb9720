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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
)

// Kind classifies a failed attempt.
type Kind string

const (
	// KindCompatibility means a strict parser rejected a response that is
	// unusual but readable.
	KindCompatibility Kind = "compatibility"
	KindConnection    Kind = "connection"
	KindTimeout       Kind = "timeout"
	KindHTTP          Kind = "http"
	KindCanceled      Kind = "canceled"
	// KindProtocol covers everything else, such as oversized bodies.
	KindProtocol Kind = "protocol"
)

// snippetSize bounds the body excerpt carried by HTTP failures.
const snippetSize = 500

// Error is returned by Send for every failed attempt.
type Error struct {
	Err        error
	Header     http.Header
	Kind       Kind
	Message    string
	Body       string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// compatibilityMarkers are lower-cased fragments of parser errors produced
// when the device sends borderline headers.
var compatibilityMarkers = []string{
	"malformed mime header",
	"malformed http response",
	"malformed http status code",
	"headerparsingerror",
	"firstheaderlineiscontinuationdefect",
	"unparsed data:",
	"failed to parse headers",
}

// artifactPattern matches numeric fragments glued to header values with a
// pipe, e.g. "3.500000 |Content-type".
var artifactPattern = regexp.MustCompile(`(\d+\.?\d*)\s*\|`)

// IsCompatibilityMessage reports whether msg describes a strict parser
// rejection that the tolerant parser can recover from.
func IsCompatibilityMessage(msg string) bool {
	lower := strings.ToLower(msg)

	for _, marker := range compatibilityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return artifactPattern.MatchString(msg)
}

// Artifacts returns the numeric fragments found next to pipes in msg.
func Artifacts(msg string) []string {
	matches := artifactPattern.FindAllStringSubmatch(msg, -1)

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}

	return out
}

// classify maps an error returned by the network stack to a Kind.
func classify(err error) Kind {
	var (
		netErr net.Error
		opErr  *net.OpError
		dnsErr *net.DNSError
	)

	switch {
	case err == nil:
		return ""
	case IsCompatibilityMessage(err.Error()):
		return KindCompatibility
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnection
	default:
		return KindProtocol
	}
}

func newError(err error) *Error {
	return &Error{Kind: classify(err), Message: err.Error(), Err: err}
}

func httpError(resp *Response) *Error {
	return &Error{
		Kind:       KindHTTP,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       Truncate(string(resp.Body), snippetSize),
		Header:     resp.Header,
	}
}

// Truncate returns the first n characters of s. A cut never splits a
// multi-byte character.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}

	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}

		count++
	}

	return s
}
