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
	"strconv"
	"strings"
)

// Direction of a channel relative to the subscriber.
type Direction string

const (
	Downstream Direction = "downstream"
	Upstream   Direction = "upstream"
)

const (
	// Unknown is reported for any value the device did not return.
	Unknown = "Unknown"
	// NotAvailable is reported for upstream SNR, which the device never sends.
	NotAvailable = "N/A"

	entrySeparator = "|+|"
	fieldSeparator = "^"

	minDownstreamFields = 6
	minUpstreamFields   = 7
)

// Channel is one decoded downstream or upstream channel. Frequency, Power
// and SNR carry their units when the device sent bare numbers.
type Channel struct {
	ID                string    `json:"channel_id"`
	Frequency         string    `json:"frequency"`
	Power             string    `json:"power"`
	SNR               string    `json:"snr"`
	Modulation        string    `json:"modulation"`
	LockStatus        string    `json:"lock_status"`
	CorrectedErrors   string    `json:"corrected_errors,omitempty"`
	UncorrectedErrors string    `json:"uncorrected_errors,omitempty"`
	Direction         Direction `json:"channel_type"`
}

// ParseChannels decodes a "|+|" separated list of caret delimited entries.
// Entries with too few fields are dropped. The result is never nil.
func ParseChannels(raw string, dir Direction) []Channel {
	channels := []Channel{}

	for _, entry := range strings.Split(raw, entrySeparator) {
		if strings.TrimSpace(entry) == "" {
			continue
		}

		if ch, ok := decodeEntry(strings.Split(entry, fieldSeparator), dir); ok {
			channels = append(channels, ch)
		}
	}

	return channels
}

func decodeEntry(fields []string, dir Direction) (Channel, bool) {
	at := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}

		return Unknown
	}

	orUnknown := func(s string) string {
		if s == "" {
			return Unknown
		}

		return s
	}

	switch {
	case dir == Downstream && len(fields) >= minDownstreamFields:
		ch := Channel{
			ID:         orUnknown(fields[0]),
			LockStatus: orUnknown(fields[1]),
			Modulation: orUnknown(fields[2]),
			Frequency:  formatFrequency(fields[4]),
			Power:      formatPower(fields[5]),
			SNR:        formatSNR(at(6)),
			Direction:  dir,
		}

		if len(fields) > 7 {
			ch.CorrectedErrors = fields[7]
		}

		if len(fields) > 8 {
			ch.UncorrectedErrors = fields[8]
		}

		return ch, true
	case dir == Upstream && len(fields) >= minUpstreamFields:
		return Channel{
			ID:         orUnknown(fields[0]),
			LockStatus: orUnknown(fields[1]),
			Modulation: orUnknown(fields[2]),
			Frequency:  formatFrequency(fields[5]),
			Power:      formatPower(fields[6]),
			SNR:        NotAvailable,
			Direction:  dir,
		}, true
	default:
		return Channel{}, false
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

func formatFrequency(s string) string {
	if isDigits(s) {
		return s + " Hz"
	}

	return s
}

func formatPower(s string) string {
	if s != "" && !strings.HasSuffix(s, "dBmV") && isNumber(s) {
		return s + " dBmV"
	}

	return s
}

func formatSNR(s string) string {
	if s != "" && s != NotAvailable && !strings.HasSuffix(s, "dB") && isNumber(s) {
		return s + " dB"
	}

	return s
}

// value returns the leading number of a formatted field.
func value(s string) (float64, bool) {
	f, _, _ := strings.Cut(strings.TrimSpace(s), " ")

	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

// FrequencyHz returns the channel frequency in Hz.
func (c Channel) FrequencyHz() (float64, bool) {
	return value(c.Frequency)
}

// PowerDBmV returns the received or transmitted power level.
func (c Channel) PowerDBmV() (float64, bool) {
	return value(c.Power)
}

// SNRDB returns the signal to noise ratio. Upstream channels have none.
func (c Channel) SNRDB() (float64, bool) {
	return value(c.SNR)
}

func (c Channel) Corrected() (uint64, bool) {
	v, err := strconv.ParseUint(c.CorrectedErrors, 10, 64)
	return v, err == nil
}

func (c Channel) Uncorrected() (uint64, bool) {
	v, err := strconv.ParseUint(c.UncorrectedErrors, 10, 64)
	return v, err == nil
}

// Locked reports whether the device considers the channel locked.
func (c Channel) Locked() bool {
	return strings.Contains(c.LockStatus, "Locked")
}
