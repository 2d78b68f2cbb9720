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
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
)

// Sub-response names found inside the envelopes returned by the device.
const (
	SectionMultiple      = "GetMultipleHNAPsResponse"
	SectionSoftware      = "GetCustomerStatusSoftwareResponse"
	SectionStartup       = "GetCustomerStatusStartupSequenceResponse"
	SectionConnection    = "GetCustomerStatusConnectionInfoResponse"
	SectionInternet      = "GetInternetConnectionStatusResponse"
	SectionRegisterInfo  = "GetArrisRegisterInfoResponse"
	SectionDownstream    = "GetCustomerStatusDownstreamChannelInfoResponse"
	SectionUpstream      = "GetCustomerStatusUpstreamChannelInfoResponse"
	SectionRegisterState = "GetArrisRegisterStatusResponse"
)

type document map[string]json.RawMessage

// shape locates a named section inside a decoded envelope.
type shape struct {
	name    string
	resolve func(doc document, section string) (json.RawMessage, bool)
}

// shapes are tried in order. A section sent directly wins over the same
// section nested in the multi-call wrapper.
var shapes = []shape{
	{
		name: "direct",
		resolve: func(doc document, section string) (json.RawMessage, bool) {
			raw, ok := doc[section]
			return raw, ok
		},
	},
	{
		name: "multiple",
		resolve: func(doc document, section string) (json.RawMessage, bool) {
			wrapper, ok := doc[SectionMultiple]
			if !ok {
				return nil, false
			}

			var inner document
			if err := json.Unmarshal(wrapper, &inner); err != nil {
				return nil, false
			}

			raw, ok := inner[section]

			return raw, ok
		},
	},
}

var knownSections = []string{
	SectionSoftware,
	SectionStartup,
	SectionConnection,
	SectionInternet,
	SectionRegisterInfo,
	SectionDownstream,
	SectionUpstream,
}

// fields is a decoded section.
type fields map[string]json.RawMessage

// str returns the string form of key, or Unknown when it is absent or null.
func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Unknown
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(bytes.TrimSpace(raw))
}

func (f fields) raw(key string) string {
	if s := f.str(key); s != Unknown {
		return s
	}

	return ""
}

// locate decodes every known section of every response. When more than one
// response carries the same section, the first by request name is used.
func locate(responses map[string]string) map[string]fields {
	sections := map[string]fields{}

	for _, name := range slices.Sorted(maps.Keys(responses)) {
		var doc document
		if err := json.Unmarshal([]byte(responses[name]), &doc); err != nil {
			log.Warn().Err(err).Str("request", name).Msg("Skipping undecodable response")
			continue
		}

		for _, section := range knownSections {
			if _, seen := sections[section]; seen {
				continue
			}

			for _, s := range shapes {
				raw, ok := s.resolve(doc, section)
				if !ok {
					continue
				}

				var f fields
				if err := json.Unmarshal(raw, &f); err != nil {
					log.Debug().Err(err).Str("request", name).Str("section", section).
						Str("shape", s.name).Msg("Section is not an object")

					continue
				}

				sections[section] = f

				break
			}
		}
	}

	return sections
}
