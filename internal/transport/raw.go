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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const readChunkSize = 4096

var errNoResponse = errors.New("connection closed before a response was received")

// artifactPrefix matches numeric junk the device prepends to header names.
var artifactPrefix = regexp.MustCompile(`^\s*\d+\.?\d*\s*\|`)

// rawRoundTrip sends req over a dedicated connection and reads the response
// without the strictness of net/http. The connection is never reused.
func (t *Transport) rawRoundTrip(ctx context.Context, req *Request, timeouts Timeouts) (*Response, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()

	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Connect)
	defer cancel()

	conn, err := t.dial(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	//nolint:errcheck // nothing to do if close fails
	defer conn.Close()

	if req.URL.Scheme == "https" {
		cfg := t.tlsConfig.Clone()
		cfg.ServerName = host

		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}

		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
	}

	if _, err := conn.Write(serializeRequest(req)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	raw, err := t.readResponse(ctx, conn, timeouts.Connect)
	if err != nil {
		return nil, err
	}

	log.Debug().Int("bytes", len(raw)).Msg("Raw response received")

	return ParseResponse(raw), nil
}

// serializeRequest renders req as HTTP/1.1 with CRLF line endings. Header
// keys are written as given and in a stable order.
func serializeRequest(req *Request) []byte {
	var buf bytes.Buffer

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, req.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", req.URL.Hostname())

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Host") {
			continue
		}

		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		for _, v := range req.Header[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}

	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(req.Body))
	buf.Write(req.Body)

	return buf.Bytes()
}

// readResponse reads until the announced body is complete, the peer closes
// the connection, or no data arrives for idle. An idle timeout once the
// headers are complete ends the response.
func (t *Transport) readResponse(ctx context.Context, conn net.Conn, idle time.Duration) ([]byte, error) {
	var (
		data          []byte
		headerEnd     = -1
		contentLength = -1
	)

	chunk := make([]byte, readChunkSize)

	for {
		deadline := time.Now().Add(idle)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}

		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, err := conn.Read(chunk)
		data = append(data, chunk[:n]...)

		if headerEnd < 0 {
			if _, bodyStart := headerBoundary(data); bodyStart >= 0 {
				headerEnd = bodyStart
				contentLength = parseContentLength(data[:bodyStart])
			}
		}

		if headerEnd >= 0 && contentLength >= 0 && len(data)-headerEnd >= contentLength {
			return data, nil
		}

		if int64(len(data)) > t.maxBodySize+int64(max(headerEnd, 0)) {
			return nil, fmt.Errorf("response exceeds %d bytes", t.maxBodySize)
		}

		if err == nil {
			continue
		}

		var netErr net.Error

		switch {
		case headerEnd >= 0:
			// Headers are complete, whatever arrived is the body.
			return data, nil
		case errors.Is(err, io.EOF) && len(data) > 0:
			return data, nil
		case errors.Is(err, io.EOF):
			return nil, errNoResponse
		case errors.As(err, &netErr) && netErr.Timeout():
			return nil, fmt.Errorf("waiting for response headers: %w", err)
		default:
			return nil, err
		}
	}
}

// headerBoundary returns the offset at which the header block ends and the
// offset at which the body starts, tolerating bare LF line endings. Both are
// -1 if no boundary has been seen.
func headerBoundary(data []byte) (int, int) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, crlf + 4
	case lf >= 0:
		return lf, lf + 2
	default:
		return -1, -1
	}
}

// parseContentLength extracts the value of a content-length header from a
// header block. It accepts stray text before the header name. It returns -1
// if none is present or the value is not numeric.
func parseContentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\n") {
		lower := strings.ToLower(line)

		i := strings.Index(lower, "content-length")
		if i < 0 {
			continue
		}

		rest := strings.TrimSpace(line[i+len("content-length"):])

		value, ok := strings.CutPrefix(rest, ":")
		if !ok {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			continue
		}

		return n
	}

	return -1
}

// ParseResponse parses a raw HTTP/1.x response the way a browser would: an
// unreadable status code defaults to 200, header lines are split on the
// first colon and lines without one are skipped.
func ParseResponse(raw []byte) *Response {
	head, body := raw, []byte(nil)

	if end, start := headerBoundary(raw); end >= 0 {
		head, body = raw[:end], raw[start:]
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")

	resp := &Response{
		StatusCode: parseStatusLine(lines[0]),
		Header:     http.Header{},
		Fallback:   true,
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if strings.TrimSpace(line) != "" {
				log.Debug().Str("line", line).Msg("Skipping malformed header line")
			}

			continue
		}

		key = strings.TrimSpace(artifactPrefix.ReplaceAllString(key, ""))
		if key == "" {
			continue
		}

		// Duplicates keep the last value.
		resp.Header.Set(key, strings.TrimSpace(value))
	}

	if n := parseContentLength(head); n >= 0 && n < len(body) {
		body = body[:n]
	}

	resp.Body = body

	return resp
}

func parseStatusLine(line string) int {
	if !strings.HasPrefix(line, "HTTP/") {
		return http.StatusOK
	}

	parts := strings.Fields(line)
	if len(parts) < 2 {
		return http.StatusOK
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		log.Debug().Str("status_line", line).Msg("Unreadable status code, assuming 200")
		return http.StatusOK
	}

	return code
}
