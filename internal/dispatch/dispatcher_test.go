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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemstatus.dev/hnap/internal/analysis"
	"modemstatus.dev/hnap/internal/hnap"
	"modemstatus.dev/hnap/internal/transport"
)

type senderFunc func(ctx context.Context, req *transport.Request) (*transport.Response, error)

func (f senderFunc) Send(ctx context.Context, req *transport.Request, _ transport.Timeouts) (*transport.Response, error) {
	return f(ctx, req)
}

type staticSession hnap.Session

func (s staticSession) Session() hnap.Session {
	return hnap.Session(s)
}

func ok(body string) (*transport.Response, error) {
	return &transport.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func newTestDispatcher(t *testing.T, sender Sender, options ...Option) *Dispatcher {
	t.Helper()

	base, err := url.Parse("https://192.168.100.1:443")
	require.NoError(t, err)

	options = append([]Option{
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithSerialPause(time.Millisecond),
		WithCollector(analysis.NewCollector()),
	}, options...)

	return NewDispatcher(base, sender, staticSession{}, options...)
}

func TestExecuteRetryBound(t *testing.T) {
	testcases := map[string]struct {
		err        *transport.Error
		maxRetries int
		attempts   int
		check      func(t *testing.T, err error)
	}{
		"connection": {
			err:        &transport.Error{Kind: transport.KindConnection, Message: "connection refused"},
			maxRetries: 3,
			attempts:   4,
			check: func(t *testing.T, err error) {
				var connErr *hnap.ConnectionError

				require.ErrorAs(t, err, &connErr)
				assert.Equal(t, "192.168.100.1", connErr.Host)
				assert.Equal(t, 443, connErr.Port)
			},
		},
		"timeout": {
			err:        &transport.Error{Kind: transport.KindTimeout, Message: "deadline"},
			maxRetries: 2,
			attempts:   3,
			check: func(t *testing.T, err error) {
				var (
					timeoutErr *hnap.TimeoutError
					connErr    *hnap.ConnectionError
				)

				require.ErrorAs(t, err, &timeoutErr)
				require.ErrorAs(t, err, &connErr)
			},
		},
		"compatibility": {
			err:        &transport.Error{Kind: transport.KindCompatibility, Message: "malformed MIME header line"},
			maxRetries: 3,
			attempts:   4,
			check: func(t *testing.T, err error) {
				var parseErr *hnap.ParsingError

				require.ErrorAs(t, err, &parseErr)
			},
		},
		"no retries": {
			err:        &transport.Error{Kind: transport.KindConnection},
			maxRetries: 0,
			attempts:   1,
			check: func(t *testing.T, err error) {
				var connErr *hnap.ConnectionError

				require.ErrorAs(t, err, &connErr)
			},
		},
		"unknown is terminal": {
			err:        &transport.Error{Kind: transport.KindProtocol, Message: "response exceeds 1 MB"},
			maxRetries: 3,
			attempts:   1,
			check: func(t *testing.T, err error) {
				var terr *transport.Error

				require.ErrorAs(t, err, &terr)
				assert.Equal(t, transport.KindProtocol, terr.Kind)
			},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32

			d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
				calls.Add(1)
				return nil, tc.err
			}), WithMaxRetries(tc.maxRetries))

			body, err := d.Execute(context.Background(), hnap.NewMultiRequest("GetArrisRegisterInfo"))

			assert.Empty(t, body)
			assert.Equal(t, int32(tc.attempts), calls.Load())
			assert.Len(t, d.Collector().Records(), tc.attempts)
			tc.check(t, err)
		})
	}
}

func TestExecuteRecovers(t *testing.T) {
	var calls atomic.Int32

	d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		if calls.Add(1) < 3 {
			return nil, &transport.Error{Kind: transport.KindCompatibility, Message: "3.500000 |Content-type"}
		}

		return ok(`{"GetMultipleHNAPsResponse":{}}`)
	}))

	body, err := d.Execute(context.Background(), hnap.NewMultiRequest("GetCustomerStatusSoftware"))
	require.NoError(t, err)

	assert.Equal(t, `{"GetMultipleHNAPsResponse":{}}`, body)
	assert.Equal(t, int32(3), calls.Load())

	records := d.Collector().Records()
	require.Len(t, records, 2)

	for _, r := range records {
		assert.True(t, r.Recovered)
		assert.True(t, r.Compatibility)
	}
}

// serveMalformed answers every connection with a response whose first
// header line is a continuation, which net/http refuses.
func serveMalformed(t *testing.T, body string) *url.URL {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	raw := "HTTP/1.1 200 OK\r\n" +
		" Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)) + body

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func() {
				//nolint:errcheck // test server
				defer conn.Close()

				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}

				//nolint:errcheck // test server
				io.Copy(io.Discard, req.Body)
				//nolint:errcheck // test server
				io.WriteString(conn, raw)
			}()
		}
	}()

	return &url.URL{Scheme: "http", Host: ln.Addr().String()}
}

func TestExecuteRecordsTolerantRecovery(t *testing.T) {
	testcases := map[string]struct {
		capture bool
		records int
	}{
		"capture enabled":  {capture: true, records: 1},
		"capture disabled": {capture: false, records: 0},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			const want = `{"GetMultipleHNAPsResponse":{}}`

			tr := transport.New()
			t.Cleanup(tr.Close)

			collector := analysis.NewCollector(analysis.WithCapture(tc.capture))
			d := NewDispatcher(serveMalformed(t, want), tr, staticSession{},
				WithCollector(collector), WithBackoff(time.Millisecond, 5*time.Millisecond))

			body, err := d.Execute(context.Background(), hnap.NewMultiRequest("GetCustomerStatusSoftware"))
			require.NoError(t, err)
			assert.Equal(t, want, body)

			records := collector.Records()
			require.Len(t, records, tc.records)

			if tc.records == 0 {
				return
			}

			assert.True(t, records[0].Compatibility)
			assert.True(t, records[0].Recovered)
			assert.Equal(t, analysis.KindCompatibility, records[0].Kind)

			a := collector.Analysis()
			assert.Equal(t, 1, a.CompatibilityIssues)
			assert.Equal(t, 1, a.Recovery.TotalRecoveries)
		})
	}
}

func TestExecuteHTTPErrors(t *testing.T) {
	testcases := map[string]struct {
		req     hnap.Request
		status  int
		partial bool
	}{
		"403 on multi call is no data": {
			req:     hnap.NewMultiRequest("GetCustomerStatusSoftware"),
			status:  403,
			partial: true,
		},
		"404 on software info is no data": {
			req:     hnap.NewRequest("GetCustomerStatusSoftware"),
			status:  404,
			partial: true,
		},
		"500 on multi call is no data": {
			req:     hnap.NewMultiRequest("GetArrisRegisterInfo"),
			status:  500,
			partial: true,
		},
		"401 on multi call is terminal": {
			req:    hnap.NewMultiRequest("GetArrisRegisterInfo"),
			status: 401,
		},
		"403 on login is terminal": {
			req:    hnap.NewRequest(hnap.ActionLogin),
			status: 403,
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32

			d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
				calls.Add(1)
				return nil, &transport.Error{Kind: transport.KindHTTP, StatusCode: tc.status, Body: "denied"}
			}))

			_, err := d.Execute(context.Background(), tc.req)

			var httpErr *hnap.HTTPError

			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.StatusCode)
			assert.Equal(t, "denied", httpErr.Body)
			assert.Equal(t, tc.partial, errors.Is(err, hnap.ErrNoData))
			assert.Equal(t, int32(1), calls.Load())
			assert.Len(t, d.Collector().Records(), 1)
		})
	}
}

func TestExecuteEmptyBodyIsRetried(t *testing.T) {
	var calls atomic.Int32

	d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return ok("")
	}), WithMaxRetries(1))

	_, err := d.Execute(context.Background(), hnap.NewMultiRequest("GetArrisRegisterInfo"))

	var parseErr *hnap.ParsingError

	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32

	d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		cancel()

		return nil, &transport.Error{Kind: transport.KindConnection}
	}), WithBackoff(time.Second, time.Second))

	_, err := d.Execute(ctx, hnap.NewMultiRequest("GetArrisRegisterInfo"))

	var connErr *hnap.ConnectionError

	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteSignsRequests(t *testing.T) {
	var got *transport.Request

	base, err := url.Parse("https://192.168.100.1:443")
	require.NoError(t, err)

	session := staticSession{PrivateKey: "KEY", Cookie: "uid123", Authenticated: true}

	d := NewDispatcher(base, senderFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		got = req
		return ok("{}")
	}), session)
	d.now = func() time.Time { return time.UnixMilli(2000000000042) }

	_, err = d.Execute(context.Background(), hnap.NewMultiRequest("GetArrisRegisterInfo"))
	require.NoError(t, err)

	assert.Equal(t, "https://192.168.100.1:443/HNAP1/", got.URL.String())
	assert.Equal(t, []string{hnap.Session(session).Token(hnap.ActionMultiple, 42)}, got.Header["HNAP_AUTH"])
	assert.Equal(t, []string{"uid=uid123; PrivateKey=KEY"}, got.Header["Cookie"])
	assert.Equal(t, []string{"https://192.168.100.1:443/Cmconnectionstatus.html"}, got.Header["Referer"])
	assert.JSONEq(t, `{"GetMultipleHNAPs":{"GetArrisRegisterInfo":""}}`, string(got.Body))
}

func batchRequests() []NamedRequest {
	return []NamedRequest{
		{Name: "software_info", Request: hnap.NewMultiRequest("GetCustomerStatusSoftware")},
		{Name: "internet_register", Request: hnap.NewMultiRequest("GetInternetConnectionStatus")},
		{Name: "channel_info", Request: hnap.NewMultiRequest("GetCustomerStatusDownstreamChannelInfo")},
	}
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	for _, mode := range []Mode{ModeConcurrent, ModeSerial} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			d := newTestDispatcher(t, senderFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
				if strings.Contains(string(req.Body), "GetInternetConnectionStatus") {
					return nil, &transport.Error{Kind: transport.KindHTTP, StatusCode: 403}
				}

				return ok(string(req.Body))
			}))

			results := d.ExecuteBatch(context.Background(), batchRequests(), mode)

			assert.Len(t, results, 2)
			assert.Contains(t, results["software_info"], "GetCustomerStatusSoftware")
			assert.Contains(t, results["channel_info"], "GetCustomerStatusDownstreamChannelInfo")
			assert.NotContains(t, results, "internet_register")
		})
	}
}

// inflight tracks the highest number of concurrent calls.
type inflight struct {
	current int
	peak    int
	mu      sync.Mutex
}

func (f *inflight) enter() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current++
	f.peak = max(f.peak, f.current)
}

func (f *inflight) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current--
}

func TestExecuteBatchConcurrencyLimit(t *testing.T) {
	testcases := map[string]struct {
		mode    Mode
		workers int
		peak    int
	}{
		"concurrent with two workers": {mode: ModeConcurrent, workers: 2, peak: 2},
		"concurrent with one worker":  {mode: ModeConcurrent, workers: 1, peak: 1},
		"serial ignores workers":      {mode: ModeSerial, workers: 4, peak: 1},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var f inflight

			d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
				f.enter()
				defer f.leave()

				time.Sleep(20 * time.Millisecond)

				return ok("{}")
			}), WithWorkers(tc.workers))

			requests := append(batchRequests(), batchRequests()...)
			for i := range requests {
				requests[i].Name += strings.Repeat("_", i)
			}

			results := d.ExecuteBatch(context.Background(), requests, tc.mode)

			assert.Len(t, results, len(requests))
			assert.Equal(t, tc.peak, f.peak)
		})
	}
}

func TestExecuteBatchSerialPause(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)

	d := newTestDispatcher(t, senderFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()

		return ok("{}")
	}), WithSerialPause(30*time.Millisecond))

	d.ExecuteBatch(context.Background(), batchRequests(), ModeSerial)

	require.Len(t, times, 3)

	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 30*time.Millisecond)
	}
}

func TestExecuteBatchTimeout(t *testing.T) {
	for _, mode := range []Mode{ModeConcurrent, ModeSerial} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			d := newTestDispatcher(t, senderFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
				if strings.Contains(string(req.Body), "GetInternetConnectionStatus") {
					<-ctx.Done()
					return nil, &transport.Error{Kind: transport.KindCanceled, Message: ctx.Err().Error()}
				}

				return ok("{}")
			}), WithBatchTimeout(100*time.Millisecond), WithWorkers(3))

			start := time.Now()
			results := d.ExecuteBatch(context.Background(), batchRequests(), mode)

			assert.Less(t, time.Since(start), 5*time.Second)
			assert.Contains(t, results, "software_info")
			assert.NotContains(t, results, "internet_register")

			if mode == ModeConcurrent {
				assert.Contains(t, results, "channel_info")
			}
		})
	}
}

func TestExecuteBatchTimeoutSkipsQueued(t *testing.T) {
	var calls atomic.Int32

	released := make(chan struct{})

	d := newTestDispatcher(t, senderFunc(func(ctx context.Context, _ *transport.Request) (*transport.Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			close(released)

			return nil, &transport.Error{Kind: transport.KindCanceled, Message: ctx.Err().Error()}
		}

		return ok("{}")
	}), WithBatchTimeout(50*time.Millisecond), WithWorkers(1))

	results := d.ExecuteBatch(context.Background(), batchRequests(), ModeConcurrent)
	assert.Empty(t, results)

	<-released
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, d.Collector().Records(), 1)
}

func TestBatchUnauthorized(t *testing.T) {
	unauthorized := &hnap.HTTPError{Action: hnap.ActionMultiple, StatusCode: http.StatusUnauthorized}

	testcases := map[string]struct {
		in  BatchResult
		out bool
	}{
		"all refused": {
			in:  BatchResult{Errors: map[string]error{"a": unauthorized, "b": unauthorized}},
			out: true,
		},
		"one refused among other failures": {
			in: BatchResult{Errors: map[string]error{
				"a": unauthorized,
				"b": &hnap.ConnectionError{Host: "192.168.100.1", Port: 443},
			}},
			out: true,
		},
		"some succeeded": {
			in: BatchResult{
				Responses: map[string]string{"a": "{}"},
				Errors:    map[string]error{"b": unauthorized},
			},
		},
		"forbidden": {
			in: BatchResult{Errors: map[string]error{
				"a": &hnap.HTTPError{Action: hnap.ActionMultiple, StatusCode: http.StatusForbidden, Partial: true},
			}},
		},
		"empty": {},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.out, tc.in.Unauthorized())
		})
	}
}

func TestBatchReportsErrors(t *testing.T) {
	d := newTestDispatcher(t, senderFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		if strings.Contains(string(req.Body), "GetInternetConnectionStatus") {
			return nil, &transport.Error{Kind: transport.KindHTTP, StatusCode: http.StatusUnauthorized}
		}

		return ok("{}")
	}))

	result := d.Batch(context.Background(), batchRequests(), ModeSerial)

	assert.Len(t, result.Responses, 2)
	require.Contains(t, result.Errors, "internet_register")

	var httpErr *hnap.HTTPError
	require.ErrorAs(t, result.Errors["internet_register"], &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.False(t, result.Unauthorized())
}

func TestCappedBackOff(t *testing.T) {
	testcases := map[string]struct {
		jitter float64
		out    []time.Duration
	}{
		"no jitter": {
			out: []time.Duration{
				500 * time.Millisecond,
				time.Second,
				2 * time.Second,
				4 * time.Second,
				8 * time.Second,
				10 * time.Second,
				10 * time.Second,
			},
		},
		"full jitter": {
			jitter: 1,
			out: []time.Duration{
				550 * time.Millisecond,
				1100 * time.Millisecond,
				2200 * time.Millisecond,
				4400 * time.Millisecond,
				8800 * time.Millisecond,
				11 * time.Second,
			},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := &cappedBackOff{
				base:   DefaultBaseBackoff,
				max:    DefaultMaxBackoff,
				jitter: func() float64 { return tc.jitter },
			}

			for _, expected := range tc.out {
				assert.Equal(t, expected, b.NextBackOff())
			}

			b.Reset()
			assert.Equal(t, tc.out[0], b.NextBackOff())
		})
	}
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("serial")
	require.NoError(t, err)
	assert.Equal(t, ModeSerial, mode)

	_, err = ParseMode("parallel")
	require.Error(t, err)
}
