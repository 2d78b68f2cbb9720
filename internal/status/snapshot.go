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
// Package status turns the JSON envelopes returned by the device into a
// Snapshot of its state and channel table.
package status

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is the parsed result of one polling cycle.
type Snapshot struct {
	ModelName               string    `json:"model_name"`
	FirmwareVersion         string    `json:"firmware_version"`
	HardwareVersion         string    `json:"hardware_version"`
	SystemUptime            string    `json:"system_uptime"`
	InternetStatus          string    `json:"internet_status"`
	ConnectionStatus        string    `json:"connection_status"`
	BootStatus              string    `json:"boot_status"`
	BootComment             string    `json:"boot_comment"`
	ConnectivityStatus      string    `json:"connectivity_status"`
	ConnectivityComment     string    `json:"connectivity_comment"`
	ConfigurationFileStatus string    `json:"configuration_file_status"`
	SecurityStatus          string    `json:"security_status"`
	SecurityComment         string    `json:"security_comment"`
	MACAddress              string    `json:"mac_address"`
	SerialNumber            string    `json:"serial_number"`
	CurrentSystemTime       string    `json:"current_system_time"`
	NetworkAccess           string    `json:"network_access"`
	DownstreamFrequency     string    `json:"downstream_frequency"`
	DownstreamComment       string    `json:"downstream_comment"`
	Downstream              []Channel `json:"downstream_channels"`
	Upstream                []Channel `json:"upstream_channels"`
	ChannelDataAvailable    bool      `json:"channel_data_available"`
}

// NewSnapshot returns a snapshot with every field Unknown and no channels.
func NewSnapshot() Snapshot {
	return Snapshot{
		ModelName:               Unknown,
		FirmwareVersion:         Unknown,
		HardwareVersion:         Unknown,
		SystemUptime:            Unknown,
		InternetStatus:          Unknown,
		ConnectionStatus:        Unknown,
		BootStatus:              Unknown,
		BootComment:             Unknown,
		ConnectivityStatus:      Unknown,
		ConnectivityComment:     Unknown,
		ConfigurationFileStatus: Unknown,
		SecurityStatus:          Unknown,
		SecurityComment:         Unknown,
		MACAddress:              Unknown,
		SerialNumber:            Unknown,
		CurrentSystemTime:       Unknown,
		NetworkAccess:           Unknown,
		DownstreamFrequency:     Unknown,
		DownstreamComment:       Unknown,
		Downstream:              []Channel{},
		Upstream:                []Channel{},
	}
}

// binding copies one section into the snapshot.
type binding struct {
	section string
	apply   func(s *Snapshot, f fields)
}

// bindings run in order, so the software model name takes precedence over
// the one reported with the connection info.
var bindings = []binding{
	{SectionSoftware, func(s *Snapshot, f fields) {
		s.ModelName = f.str("StatusSoftwareModelName")
		s.FirmwareVersion = f.str("StatusSoftwareSfVer")
		s.HardwareVersion = f.str("StatusSoftwareHdVer")
		s.SystemUptime = f.str("CustomerConnSystemUpTime")
	}},
	{SectionStartup, func(s *Snapshot, f fields) {
		s.DownstreamFrequency = f.str("CustomerConnDSFreq")
		s.DownstreamComment = f.str("CustomerConnDSComment")
		s.ConnectivityStatus = f.str("CustomerConnConnectivityStatus")
		s.ConnectivityComment = f.str("CustomerConnConnectivityComment")
		s.BootStatus = f.str("CustomerConnBootStatus")
		s.BootComment = f.str("CustomerConnBootComment")
		s.ConfigurationFileStatus = f.str("CustomerConnConfigurationFileStatus")
		s.SecurityStatus = f.str("CustomerConnSecurityStatus")
		s.SecurityComment = f.str("CustomerConnSecurityComment")
	}},
	{SectionConnection, func(s *Snapshot, f fields) {
		s.CurrentSystemTime = f.str("CustomerCurSystemTime")
		s.ConnectionStatus = f.str("CustomerConnNetworkAccess")
		s.NetworkAccess = f.str("CustomerConnNetworkAccess")

		if s.ModelName == Unknown {
			s.ModelName = f.str("StatusSoftwareModelName")
		}
	}},
	{SectionInternet, func(s *Snapshot, f fields) {
		s.InternetStatus = f.str("InternetConnection")
	}},
	{SectionRegisterInfo, func(s *Snapshot, f fields) {
		s.MACAddress = f.str("MacAddress")
		s.SerialNumber = f.str("SerialNumber")
	}},
	{SectionDownstream, func(s *Snapshot, f fields) {
		s.Downstream = ParseChannels(f.raw("CustomerConnDownstreamChannel"), Downstream)
	}},
	{SectionUpstream, func(s *Snapshot, f fields) {
		s.Upstream = ParseChannels(f.raw("CustomerConnUpstreamChannel"), Upstream)
	}},
}

// ParseEnvelopes builds a snapshot from raw response bodies keyed by
// request name. Bodies that are not JSON objects are skipped.
func ParseEnvelopes(responses map[string]string) Snapshot {
	s := NewSnapshot()
	sections := locate(responses)

	for _, b := range bindings {
		if f, ok := sections[b.section]; ok && len(f) > 0 {
			b.apply(&s, f)
		}
	}

	s.ChannelDataAvailable = len(s.Downstream) > 0 || len(s.Upstream) > 0

	log.Debug().Str("model", s.ModelName).Str("firmware", s.FirmwareVersion).
		Int("downstream", len(s.Downstream)).Int("upstream", len(s.Upstream)).
		Msg("Parsed status")

	return s
}

// SystemTime parses CurrentSystemTime.
func (s Snapshot) SystemTime() (time.Time, bool) {
	return ParseSystemTime(s.CurrentSystemTime)
}

// Uptime parses SystemUptime.
func (s Snapshot) Uptime() (time.Duration, bool) {
	return ParseUptime(s.SystemUptime)
}
