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
// Package device emulates the HNAP endpoint of an Arris modem for tests.
package device

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"modemstatus.dev/hnap/internal/hnap"
)

const (
	Challenge = "CHALLENGE123"
	PublicKey = "PUBKEY456"
	Cookie    = "uid-1234"
)

var sections = map[string]string{
	"GetCustomerStatusSoftware": `{"StatusSoftwareModelName":"S34","StatusSoftwareSfVer":"AT01.01.010",
		"StatusSoftwareHdVer":"1.0","CustomerConnSystemUpTime":"7 days 14:23:56"}`,
	"GetCustomerStatusStartupSequence": `{"CustomerConnDSFreq":"549000000","CustomerConnBootStatus":"OK"}`,
	"GetCustomerStatusConnectionInfo": `{"CustomerCurSystemTime":"07/30/2025 23:31:23",
		"CustomerConnNetworkAccess":"Allowed","StatusSoftwareModelName":"S34-CONN"}`,
	"GetInternetConnectionStatus":            `{"InternetConnection":"Connected"}`,
	"GetArrisRegisterInfo":                   `{"MacAddress":"F8:2D:C0:12:34:56","SerialNumber":"4CD54D222102727"}`,
	"GetArrisRegisterStatus":                 `{"GetArrisRegisterResult":"OK"}`,
	"GetCustomerStatusDownstreamChannelInfo": `{"CustomerConnDownstreamChannel":"1^Locked^256QAM^^549000000^0.6^39.0^15^0"}`,
	"GetCustomerStatusUpstreamChannelInfo":   `{"CustomerConnUpstreamChannel":"1^Locked^SC-QAM^^^30600000^46.5"}`,
}

// Device answers the login handshake and GetMultipleHNAPs calls.
type Device struct {
	deny     map[string]int
	password string
	logins   int
	batches  int
	mu       sync.Mutex
	expired  bool
}

// New returns a device that accepts password.
func New(password string) *Device {
	return &Device{password: password, deny: map[string]int{}}
}

// Deny makes every batch containing action fail with status.
func (d *Device) Deny(action string, status int) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deny[action] = status

	return d
}

// Expire drops the current session. Batches answer 401 until the next
// successful login.
func (d *Device) Expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expired = true
}

// Logins returns the number of login attempts.
func (d *Device) Logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.logins
}

// Batches returns the number of authenticated multi-calls served.
func (d *Device) Batches() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.batches
}

// Start serves d over TLS until the test ends.
func (d *Device) Start(tb testing.TB) (host string, port int) {
	tb.Helper()

	srv := httptest.NewTLSServer(d)
	tb.Cleanup(srv.Close)

	addr, ok := srv.Listener.Addr().(*net.TCPAddr)
	if !ok {
		tb.Fatalf("unexpected listener address %v", srv.Listener.Addr())
	}

	return addr.IP.String(), addr.Port
}

func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != hnap.Path {
		http.NotFound(w, r)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body map[string]map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if login, ok := body[hnap.ActionLogin]; ok {
		d.serveLogin(w, r, login)
		return
	}

	actions, ok := body[hnap.ActionMultiple]
	if !ok {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	privateKey, _ := hnap.ComputeCredentials(Challenge, PublicKey, d.password)
	if d.expired || r.Header.Get("Cookie") != "uid="+Cookie+"; PrivateKey="+privateKey {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return
	}

	d.batches++

	parts := make([]string, 0, len(actions))

	for action := range actions {
		if code, ok := d.deny[action]; ok {
			w.WriteHeader(code)
			return
		}

		parts = append(parts, fmt.Sprintf("%q:%s", action+"Response", sections[action]))
	}

	fmt.Fprintf(w, `{"GetMultipleHNAPsResponse":{%s}}`, strings.Join(parts, ","))
}

func (d *Device) serveLogin(w http.ResponseWriter, r *http.Request, login map[string]any) {
	if login["Action"] == "request" {
		fmt.Fprintf(w, `{"LoginResponse":{"Challenge":%q,"PublicKey":%q,"Cookie":%q,"LoginResult":"OK"}}`,
			Challenge, PublicKey, Cookie)

		return
	}

	d.logins++

	_, loginPassword := hnap.ComputeCredentials(Challenge, PublicKey, d.password)
	if login["LoginPassword"] != loginPassword || r.Header.Get("Cookie") != "uid="+Cookie {
		fmt.Fprint(w, `{"LoginResponse":{"LoginResult":"FAILED"}}`)
		return
	}

	d.expired = false

	fmt.Fprint(w, `{"LoginResponse":{"LoginResult":"OK"}}`)
}
