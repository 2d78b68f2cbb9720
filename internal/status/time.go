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
	"strconv"
	"strings"
	"time"
)

// SystemTimeLayout is the layout of the device clock, e.g. "07/30/2025 23:31:23".
const SystemTimeLayout = "01/02/2006 15:04:05"

var uptimePatterns = []*regexp.Regexp{
	// 7 days 14:23:56
	regexp.MustCompile(`^(\d+)\s+days?\s+(\d+):(\d+):(\d+)`),
	// 27 day(s) 10h:12m:37s
	regexp.MustCompile(`^(\d+)\s+day\(s\)\s+(\d+)h:(\d+)m:(\d+)s`),
}

// ParseSystemTime parses the device clock. The device does not report a
// zone so the result is in UTC.
func ParseSystemTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == Unknown {
		return time.Time{}, false
	}

	t, err := time.Parse(SystemTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// ParseUptime parses the uptime formats used by different firmware versions.
func ParseUptime(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == Unknown {
		return 0, false
	}

	for _, re := range uptimePatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}

		var parts [4]int64

		for i := range parts {
			v, err := strconv.ParseInt(m[i+1], 10, 64)
			if err != nil {
				return 0, false
			}

			parts[i] = v
		}

		return time.Duration(parts[0])*24*time.Hour +
			time.Duration(parts[1])*time.Hour +
			time.Duration(parts[2])*time.Minute +
			time.Duration(parts[3])*time.Second, true
	}

	return 0, false
}
