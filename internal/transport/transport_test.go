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
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemstatus.dev/hnap/internal/testing/cert"
)

const body = `{"GetMultipleHNAPsResponse":{"GetMultipleHNAPsResult":"OK"}}`

// Captured responses that net/http refuses to parse.
var malformed = map[string]string{
	"first header line is a continuation": "HTTP/1.1 200 OK\r\n" +
		" Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)) + body,
	"numeric artifact without colon": "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"3.500000 |garbage\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)) + body,
	"status without code and bare LF": "HTTP/1.1 OK\n" +
		"Content-Type: application/json\n" +
		fmt.Sprintf("Content-Length: %d\n\n", len(body)) + body,
}

// rawServer replays canned responses, one per accepted connection. A nil
// response closes the connection without writing anything. The last
// response is reused for further connections.
type rawServer struct {
	ln        net.Listener
	done      chan struct{}
	responses [][]byte
	bodies    []string
	headers   []http.Header
	conns     int
	mu        sync.Mutex
}

func newRawServer(t *testing.T, tlsCert *tls.Certificate, responses ...[]byte) *rawServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if tlsCert != nil {
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{*tlsCert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s := &rawServer{ln: ln, done: make(chan struct{}), responses: responses}

	t.Cleanup(func() {
		close(s.done)
		//nolint:errcheck // test teardown
		ln.Close()
	})

	go s.serve()

	return s
}

func (s *rawServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		idx := s.conns
		s.conns++
		s.mu.Unlock()

		go s.handle(conn, idx)
	}
}

func (s *rawServer) handle(conn net.Conn, idx int) {
	//nolint:errcheck // test server
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.bodies = append(s.bodies, string(data))
	s.headers = append(s.headers, req.Header)
	s.mu.Unlock()

	resp := s.responses[min(idx, len(s.responses)-1)]
	if resp == nil {
		return
	}

	if len(resp) == 0 {
		// Hold the connection open without answering.
		<-s.done
		return
	}

	//nolint:errcheck // test server
	conn.Write(resp)
}

func (s *rawServer) url(scheme string) *url.URL {
	return &url.URL{Scheme: scheme, Host: s.ln.Addr().String(), Path: "/HNAP1/"}
}

func (s *rawServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conns
}

func newRequest(u *url.URL) *Request {
	return &Request{
		Method: http.MethodPost,
		URL:    u,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"SOAPACTION":   {`"http://purenetworks.com/HNAP1/GetMultipleHNAPs"`},
		},
		Body: []byte(`{"GetMultipleHNAPs":{}}`),
	}
}

func TestSendStrict(t *testing.T) {
	var got http.Header

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/HNAP1/")
	require.NoError(t, err)

	tr := New()
	defer tr.Close()

	resp, err := tr.Send(context.Background(), newRequest(u), DefaultTimeouts())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(resp.Body))
	assert.False(t, resp.Fallback)
	assert.NoError(t, resp.Rejected)
	assert.Equal(t, []string{`"http://purenetworks.com/HNAP1/GetMultipleHNAPs"`}, got.Values("Soapaction"))
}

func TestSendHTTPError(t *testing.T) {
	long := strings.Repeat("x", 1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, long)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/HNAP1/")
	require.NoError(t, err)

	_, err = New().Send(context.Background(), newRequest(u), DefaultTimeouts())

	var terr *Error

	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindHTTP, terr.Kind)
	assert.Equal(t, http.StatusForbidden, terr.StatusCode)
	assert.Equal(t, long[:500], terr.Body)
}

func TestSendFallback(t *testing.T) {
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := newRawServer(t, nil, []byte(raw))

			resp, err := New().Send(context.Background(), newRequest(srv.url("http")), DefaultTimeouts())
			require.NoError(t, err)

			assert.True(t, resp.Fallback)
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var rejected *Error
			require.ErrorAs(t, resp.Rejected, &rejected)
			assert.Equal(t, KindCompatibility, rejected.Kind)

			assert.Equal(t, body, string(resp.Body))
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, 2, srv.connections())
		})
	}
}

func TestSendFallbackTLS(t *testing.T) {
	serverCert := cert.GenerateSelfSigned(t, cert.WithIPAddresses(net.ParseIP("127.0.0.1")))
	srv := newRawServer(t, &serverCert, []byte(malformed["first header line is a continuation"]))

	// Pinned to the certificate served by the device.
	tr := New(WithTLSConfig(TLSConfig(Fingerprint(serverCert.Certificate[0]))))

	resp, err := tr.Send(context.Background(), newRequest(srv.url("https")), DefaultTimeouts())
	require.NoError(t, err)

	assert.True(t, resp.Fallback)
	assert.Equal(t, body, string(resp.Body))

	srv.mu.Lock()
	defer srv.mu.Unlock()

	require.Len(t, srv.bodies, 2)
	assert.Equal(t, srv.bodies[0], srv.bodies[1])
	assert.Equal(t, srv.headers[0].Get("Soapaction"), srv.headers[1].Get("Soapaction"))
}

func TestSendFallbackHTTPError(t *testing.T) {
	raw := "HTTP/1.1 500 Internal Server Error\r\n 3.5 |Content-Type: text/html\r\n\r\noops"
	srv := newRawServer(t, nil, []byte(raw))

	_, err := New().Send(context.Background(), newRequest(srv.url("http")), DefaultTimeouts())

	var terr *Error

	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindHTTP, terr.Kind)
	assert.Equal(t, http.StatusInternalServerError, terr.StatusCode)
	assert.Equal(t, "oops", terr.Body)
}

func TestSendFallbackFailureKeepsStrictError(t *testing.T) {
	srv := newRawServer(t, nil, []byte(malformed["first header line is a continuation"]), nil)

	_, err := New().Send(context.Background(), newRequest(srv.url("http")), DefaultTimeouts())

	var terr *Error

	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindCompatibility, terr.Kind)
	assert.Contains(t, terr.Message, "malformed MIME header")
}

func TestSendWithoutFallback(t *testing.T) {
	srv := newRawServer(t, nil, []byte(malformed["first header line is a continuation"]))

	_, err := New(WithoutFallback()).Send(context.Background(), newRequest(srv.url("http")), DefaultTimeouts())

	var terr *Error

	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindCompatibility, terr.Kind)
	assert.Equal(t, 1, srv.connections())
}

func TestSendFailureKinds(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		u := &url.URL{Scheme: "http", Host: addr, Path: "/HNAP1/"}

		_, err = New().Send(context.Background(), newRequest(u), DefaultTimeouts())

		var terr *Error

		require.ErrorAs(t, err, &terr)
		assert.Equal(t, KindConnection, terr.Kind)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := newRawServer(t, nil, []byte{})
		timeouts := Timeouts{Connect: 100 * time.Millisecond, Read: 100 * time.Millisecond}

		_, err := New().Send(context.Background(), newRequest(srv.url("http")), timeouts)

		var terr *Error

		require.ErrorAs(t, err, &terr)
		assert.Equal(t, KindTimeout, terr.Kind)
	})

	t.Run("canceled", func(t *testing.T) {
		srv := newRawServer(t, nil, []byte{})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := New().Send(ctx, newRequest(srv.url("http")), DefaultTimeouts())

		var terr *Error

		require.ErrorAs(t, err, &terr)
		assert.Equal(t, KindCanceled, terr.Kind)
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		u, err := url.Parse(srv.URL + "/HNAP1/")
		require.NoError(t, err)

		tr := New(WithTLSConfig(TLSConfig(strings.Repeat("ab", 32))))

		_, err = tr.Send(context.Background(), newRequest(u), DefaultTimeouts())
		require.ErrorIs(t, err, errFingerprintMismatch)
	})
}

func TestTLSConfigFingerprintFormat(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	fp := strings.ToUpper(Fingerprint(srv.Certificate().Raw))

	var colons []string
	for i := 0; i < len(fp); i += 2 {
		colons = append(colons, fp[i:i+2])
	}

	u, err := url.Parse(srv.URL + "/HNAP1/")
	require.NoError(t, err)

	tr := New(WithTLSConfig(TLSConfig(strings.Join(colons, ":"))))

	resp, err := tr.Send(context.Background(), newRequest(u), DefaultTimeouts())
	require.NoError(t, err)
	assert.Equal(t, body, string(resp.Body))
}

func TestIsCompatibilityMessage(t *testing.T) {
	testcases := map[string]struct {
		in  string
		out bool
	}{
		"go continuation":  {in: "malformed MIME header initial line:  Content-Type: x", out: true},
		"go bad line":      {in: "net/http: malformed MIME header line: foo", out: true},
		"go status":        {in: `malformed HTTP status code "OK"`, out: true},
		"urllib3 defect":   {in: "HeaderParsingError: FirstHeaderLineIsContinuationDefect", out: true},
		"unparsed data":    {in: "Unparsed data: '3.500000 |Content-type'", out: true},
		"numeric artifact": {in: "bad header 3.500000 | value", out: true},
		"refused":          {in: "dial tcp 192.168.100.1:443: connect: connection refused", out: false},
		"timeout":          {in: "context deadline exceeded", out: false},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.out, IsCompatibilityMessage(tc.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	testcases := map[string]struct {
		in  string
		n   int
		out string
	}{
		"shorter":      {in: "abc", n: 5, out: "abc"},
		"exact":        {in: "abc", n: 3, out: "abc"},
		"ascii":        {in: "abcdef", n: 3, out: "abc"},
		"multi-byte":   {in: "äöüß", n: 2, out: "äö"},
		"mixed":        {in: "a€b€c", n: 4, out: "a€b€"},
		"zero":         {in: "abc", n: 0, out: ""},
		"empty string": {in: "", n: 3, out: ""},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.out, Truncate(tc.in, tc.n))
		})
	}
}

func TestHTTPErrorBodyKeepsCharacters(t *testing.T) {
	// 499 ASCII bytes followed by two-byte characters, so a byte cut at 500
	// would split the first of them.
	raw := strings.Repeat("x", 499) + strings.Repeat("é", 10)

	err := httpError(&Response{StatusCode: http.StatusInternalServerError, Body: []byte(raw)})

	assert.True(t, utf8.ValidString(err.Body))
	assert.Equal(t, 500, utf8.RuneCountInString(err.Body))
	assert.Equal(t, strings.Repeat("x", 499)+"é", err.Body)
}

func TestArtifacts(t *testing.T) {
	assert.Equal(t, []string{"3.500000", "42"}, Artifacts("3.500000 |Content-type and 42| more"))
	assert.Empty(t, Artifacts("no artifacts here"))
}
