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

package hnap

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrNoData is matched by errors returned for non-critical requests that
	// the device refused. The rest of a batch is unaffected.
	ErrNoData = errors.New("no data")
	// ErrMissingField is wrapped by ParsingError when a required response
	// field is absent.
	ErrMissingField = errors.New("missing field")
)

// AuthPhase identifies the handshake step that failed.
type AuthPhase string

const (
	PhaseChallenge AuthPhase = "challenge"
	PhaseLogin     AuthPhase = "login"
)

// AuthError is returned when the challenge/response handshake fails.
type AuthError struct {
	Phase AuthPhase
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Phase, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned when the device could not be reached after all
// retries were exhausted.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError is a ConnectionError caused by the device not answering in
// time. errors.As(err, **ConnectionError) matches it as well.
type TimeoutError struct {
	*ConnectionError
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out talking to %s: %v",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.ConnectionError
}

// HTTPError is returned for responses with a status code of 400 or above.
type HTTPError struct {
	Action     string
	StatusCode int
	Body       string
	// Partial is set when the refused action is non-critical and the caller
	// should carry on without its data.
	Partial bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: unexpected HTTP status %d", e.Action, e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	return e.Partial && target == ErrNoData
}

// ParsingError is returned when a response cannot be decoded.
type ParsingError struct {
	Phase  string
	Detail string
	Err    error
}

func (e *ParsingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse %s: %s", e.Phase, e.Detail)
	}

	return fmt.Sprintf("parse %s: %s: %v", e.Phase, e.Detail, e.Err)
}

func (e *ParsingError) Unwrap() error {
	return e.Err
}
