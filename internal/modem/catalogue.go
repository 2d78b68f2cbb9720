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
package modem

import (
	"modemstatus.dev/hnap/internal/dispatch"
	"modemstatus.dev/hnap/internal/hnap"
)

// Request names used as keys of the batch results.
const (
	RequestSoftwareInfo      = "software_info"
	RequestStartupConnection = "startup_connection"
	RequestInternetRegister  = "internet_register"
	RequestChannelInfo       = "channel_info"
)

// Catalogue returns the multi-call requests issued by GetStatus.
func Catalogue() []dispatch.NamedRequest {
	return []dispatch.NamedRequest{
		{
			Name:    RequestSoftwareInfo,
			Request: hnap.NewMultiRequest("GetCustomerStatusSoftware"),
		},
		{
			Name: RequestStartupConnection,
			Request: hnap.NewMultiRequest(
				"GetCustomerStatusStartupSequence",
				"GetCustomerStatusConnectionInfo",
			),
		},
		{
			Name: RequestInternetRegister,
			Request: hnap.NewMultiRequest(
				"GetInternetConnectionStatus",
				"GetArrisRegisterInfo",
				"GetArrisRegisterStatus",
			),
		},
		{
			Name: RequestChannelInfo,
			Request: hnap.NewMultiRequest(
				"GetCustomerStatusDownstreamChannelInfo",
				"GetCustomerStatusUpstreamChannelInfo",
			),
		},
	}
}
