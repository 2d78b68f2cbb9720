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
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemstatus.dev/hnap/internal/config"
	"modemstatus.dev/hnap/internal/hnap"
	"modemstatus.dev/hnap/internal/testing/device"
)

const testPassword = "password"

// These tests are not parallel: commands install the global logger.

func execute(t *testing.T, fs afero.Fs, stdin io.Reader, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv(config.EnvPath, "")

	var out, errOut bytes.Buffer

	cmd := rootCmd(context.Background(), fs, stdin)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	err = cmd.Execute()

	return out.String(), errOut.String(), err
}

func deviceArgs(host string, port int) []string {
	return []string{"--host", host, "--port", strconv.Itoa(port)}
}

func TestStatusCommand(t *testing.T) {
	d := device.New(testPassword)
	host, port := d.Start(t)

	args := append([]string{"status", "--password", testPassword, "--quick-check", "--validate"},
		deviceArgs(host, port)...)

	stdout, stderr, err := execute(t, afero.NewMemMapFs(), nil, args...)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	assert.Equal(t, "S34", out["model_name"])
	assert.Equal(t, host, out["query_host"])
	assert.Equal(t, "2025-07-30T23:31:23", out["current_system_time-ISO8601"])
	assert.InDelta(t, 656636, out["system_uptime-seconds"], 0)
	assert.Contains(t, out, "_validation")
	assert.Contains(t, out, "_performance")
	assert.NotContains(t, out, "_error_analysis")

	configuration, ok := out["configuration"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2, configuration["max_workers"], 0)
	assert.Equal(t, true, configuration["concurrent_mode"])
	assert.Equal(t, true, configuration["quick_check_performed"])

	assert.Contains(t, stderr, "ARRIS MODEM STATUS SUMMARY")
	assert.Contains(t, stderr, "Sample Channel: ID 1, 549000000 Hz, 0.6 dBmV, SNR 39.0 dB")
}

func TestStatusCommandOptions(t *testing.T) {
	testcases := map[string]struct {
		args  []string
		stdin io.Reader
		check func(t *testing.T, out map[string]any, stderr string)
	}{
		"serial and quiet": {
			args: []string{"--password", testPassword, "--serial", "--quiet"},
			check: func(t *testing.T, out map[string]any, stderr string) {
				configuration := out["configuration"].(map[string]any)
				assert.Equal(t, false, configuration["concurrent_mode"])
				assert.NotContains(t, stderr, "SUMMARY")
			},
		},
		"password from stdin": {
			args:  []string{"--password", "-", "--quiet"},
			stdin: strings.NewReader(testPassword + "\nignored\n"),
			check: func(t *testing.T, out map[string]any, _ string) {
				assert.Equal(t, "Connected", out["internet_status"])
			},
		},
		"full analysis": {
			args: []string{"--password", testPassword, "--analysis", "--workers", "1", "--retries", "0"},
			check: func(t *testing.T, out map[string]any, _ string) {
				a := out["_error_analysis_full"].(map[string]any)
				assert.Equal(t, "No errors captured yet", a["message"])

				configuration := out["configuration"].(map[string]any)
				assert.InDelta(t, 1, configuration["max_workers"], 0)
				assert.InDelta(t, 0, configuration["max_retries"], 0)
			},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			d := device.New(testPassword)
			host, port := d.Start(t)

			args := append(append([]string{"status"}, tc.args...), deviceArgs(host, port)...)

			stdout, stderr, err := execute(t, afero.NewMemMapFs(), tc.stdin, args...)
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(stdout), &out))

			tc.check(t, out, stderr)
		})
	}
}

func TestStatusCommandErrors(t *testing.T) {
	d := device.New(testPassword)
	host, port := d.Start(t)

	testcases := map[string]struct {
		args  []string
		check func(t *testing.T, err error)
	}{
		"missing password": {
			args: deviceArgs(host, port),
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "--password must be specified")
			},
		},
		"wrong password": {
			args: append([]string{"--password", "wrong"}, deviceArgs(host, port)...),
			check: func(t *testing.T, err error) {
				var authErr *hnap.AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, hnap.PhaseLogin, authErr.Phase)
			},
		},
		"missing config file": {
			args: []string{"--config", "/nonexistent.yaml", "--password", testPassword},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "reading config")
			},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			stdout, _, err := execute(t, afero.NewMemMapFs(), nil, append([]string{"status"}, tc.args...)...)
			require.Error(t, err)
			assert.Empty(t, stdout)

			tc.check(t, err)
		})
	}
}

func TestStatusCommandUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, _, err = execute(t, afero.NewMemMapFs(), nil,
		"status", "--password", testPassword, "--quick-check",
		"--host", "127.0.0.1", "--port", strconv.Itoa(addr.Port))

	var connErr *hnap.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, addr.Port, connErr.Port)
}

func TestInitCommand(t *testing.T) {
	d := device.New(testPassword)
	host, port := d.Start(t)

	fs := afero.NewMemMapFs()
	path := "/etc/modem-status/config.yaml"

	args := append([]string{"init", "--config", path, "--password", "-"}, deviceArgs(host, port)...)

	_, _, err := execute(t, fs, strings.NewReader(testPassword+"\n"), args...)
	require.NoError(t, err)

	cfg, err := config.Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, host, cfg.Modem.Host)
	assert.Equal(t, port, cfg.Modem.Port)
	assert.Equal(t, testPassword, cfg.Modem.Password)

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().String())

	_, _, err = execute(t, fs, strings.NewReader(testPassword), args...)
	assert.ErrorContains(t, err, "already exists")

	_, _, err = execute(t, fs, strings.NewReader("other"), append(args, "--force")...)
	require.NoError(t, err)

	cfg, err = config.Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Modem.Password)

	stdout, _, err := execute(t, fs, nil, "status", "--config", path, "--quiet")
	require.Error(t, err, "stored password no longer matches the device")
	assert.Empty(t, stdout)

	_, _, err = execute(t, fs, strings.NewReader(testPassword), append(args, "--force")...)
	require.NoError(t, err)

	stdout, _, err = execute(t, fs, nil, "status", "--config", path, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"model_name": "S34"`)
}

func TestInitCommandRequiresPassword(t *testing.T) {
	_, _, err := execute(t, afero.NewMemMapFs(), strings.NewReader("\n"),
		"init", "--config", "/config.yaml", "--password", "-")
	assert.EqualError(t, err, "--password (-p) must be specified")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(config.EnvPath, "")

	empty := ""
	env := &environment{fs: afero.NewMemMapFs(), configPath: &empty}

	cfg, err := env.load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	explicit := "/missing.yaml"
	env.configPath = &explicit

	_, err = env.load()
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	d := device.New(testPassword)
	host, port := d.Start(t)

	cfg := config.Default()
	cfg.Modem.Host = host
	cfg.Modem.Port = port
	cfg.Modem.Password = testPassword
	cfg.Exporter.Interval = 20 * time.Millisecond
	cfg.Observability.Profiling.Enabled = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- serve(ctx, cfg, ln)
	}()

	url := "http://" + ln.Addr().String()

	get := func(path string) (int, string) {
		resp, err := http.Get(url + path) //nolint:noctx // test helper
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)

		return resp.StatusCode, string(body)
	}

	require.Eventually(t, func() bool {
		_, body := get("/metrics")
		return strings.Contains(body, "modem_up") && strings.Contains(body, "modem_channel_power")
	}, 5*time.Second, 20*time.Millisecond)

	_, body := get("/metrics")
	assert.Contains(t, body, "hnap_operation_duration")
	assert.Contains(t, body, "go_goroutines")

	code, _ := get("/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	assert.GreaterOrEqual(t, d.Batches(), 4)
	assert.Equal(t, 1, d.Logins())
}
