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
package status

import (
	"regexp"
	"slices"
	"strings"
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// ChannelQuality summarises the channels of one direction.
type ChannelQuality struct {
	ModulationTypes []string `json:"modulation_types"`
	TotalChannels   int      `json:"total_channels"`
	LockedChannels  int      `json:"locked_channels"`
	AllLocked       bool     `json:"all_locked"`
}

// Validation reports how much of a snapshot was populated.
type Validation struct {
	FormatChecks         map[string]bool `json:"frequency_formats"`
	Downstream           *ChannelQuality `json:"downstream_validation,omitempty"`
	Upstream             *ChannelQuality `json:"upstream_validation,omitempty"`
	DownstreamChannels   int             `json:"downstream_channels_found"`
	UpstreamChannels     int             `json:"upstream_channels_found"`
	TotalChannels        int             `json:"total_channels"`
	CompletenessScore    float64         `json:"data_completeness_score"`
	BasicInfoParsed      bool            `json:"basic_info_parsed"`
	InternetStatusParsed bool            `json:"internet_status_parsed"`
	MACAddressValid      bool            `json:"mac_address_format"`
}

// Validate scores s over model, internet status, MAC address and the
// presence of channels in each direction.
func Validate(s Snapshot) Validation {
	v := Validation{
		FormatChecks:         map[string]bool{},
		DownstreamChannels:   len(s.Downstream),
		UpstreamChannels:     len(s.Upstream),
		TotalChannels:        len(s.Downstream) + len(s.Upstream),
		BasicInfoParsed:      s.ModelName != Unknown,
		InternetStatusParsed: s.InternetStatus != Unknown,
		MACAddressValid:      macPattern.MatchString(s.MACAddress),
	}

	factors := []bool{
		v.BasicInfoParsed,
		v.InternetStatusParsed,
		s.MACAddress != Unknown,
		len(s.Downstream) > 0,
		len(s.Upstream) > 0,
	}

	var present int

	for _, ok := range factors {
		if ok {
			present++
		}
	}

	v.CompletenessScore = float64(present) / float64(len(factors)) * 100

	v.Downstream = quality(s.Downstream)
	v.Upstream = quality(s.Upstream)

	if len(s.Downstream) > 0 {
		sample := s.Downstream[0]
		v.FormatChecks["downstream_frequency"] = strings.Contains(sample.Frequency, "Hz")
		v.FormatChecks["downstream_power"] = strings.Contains(sample.Power, "dBmV")
		v.FormatChecks["downstream_snr"] = strings.Contains(sample.SNR, "dB")
	}

	return v
}

func quality(channels []Channel) *ChannelQuality {
	if len(channels) == 0 {
		return nil
	}

	q := &ChannelQuality{TotalChannels: len(channels), ModulationTypes: []string{}}

	for _, ch := range channels {
		if ch.Locked() {
			q.LockedChannels++
		}

		if ch.Modulation != Unknown && !slices.Contains(q.ModulationTypes, ch.Modulation) {
			q.ModulationTypes = append(q.ModulationTypes, ch.Modulation)
		}
	}

	slices.Sort(q.ModulationTypes)
	q.AllLocked = q.LockedChannels == q.TotalChannels

	return q
}
