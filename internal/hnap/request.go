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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	// Path is the endpoint every HNAP call is posted to.
	Path = "/HNAP1/"
	// NamespaceURI prefixes every action name in SOAPAction and auth headers.
	NamespaceURI = "http://purenetworks.com/HNAP1/"

	ActionLogin    = "Login"
	ActionMultiple = "GetMultipleHNAPs"

	loginReferer  = "/Login.html"
	statusReferer = "/Cmconnectionstatus.html"
)

// ActionURI returns the fully qualified URI of action.
func ActionURI(action string) string {
	return NamespaceURI + action
}

// Field is a single member of a JSON object whose member order is kept
// when encoded.
type Field struct {
	Name  string
	Value any
}

// Fields is an ordered JSON object.
type Fields []Field

// Get returns the value of the first field called name.
func (f Fields) Get(name string) (any, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}

	return nil, false
}

// MarshalJSON implements json.Marshaler, emitting members in slice order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Request is a single logical HNAP call. It is built once per operation and
// not modified afterwards.
type Request struct {
	Action string
	Fields Fields
	// Header holds extra headers that override the generated ones.
	Header map[string]string
}

// NewRequest returns a Request for action with the given body fields.
func NewRequest(action string, fields ...Field) Request {
	return Request{Action: action, Fields: fields}
}

// NewMultiRequest returns a GetMultipleHNAPs call bundling actions.
func NewMultiRequest(actions ...string) Request {
	fields := make(Fields, 0, len(actions))
	for _, action := range actions {
		fields = append(fields, Field{Name: action, Value: ""})
	}

	return Request{Action: ActionMultiple, Fields: fields}
}

// WithHeader returns a copy of r carrying an extra header.
func (r Request) WithHeader(key, value string) Request {
	header := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		header[k] = v
	}

	header[key] = value
	r.Header = header

	return r
}

// Body returns the JSON envelope: a single member named after the action.
func (r Request) Body() ([]byte, error) {
	fields := r.Fields
	if fields == nil {
		fields = Fields{}
	}

	return json.Marshal(Fields{{Name: r.Action, Value: fields}})
}

// IsChallenge reports whether r is the first step of the login handshake.
// The device rejects challenge requests that carry a HNAP_AUTH header.
func (r Request) IsChallenge() bool {
	if r.Action != ActionLogin {
		return false
	}

	action, _ := r.Fields.Get("Action")
	password, _ := r.Fields.Get("LoginPassword")

	return action == "request" && (password == nil || password == "")
}

// BuildHeader returns the headers sent with r. baseURL is the scheme and
// host of the device without a trailing slash. ts is the token timestamp.
func BuildHeader(baseURL string, r Request, s Session, ts int64) http.Header {
	h := http.Header{}
	// Keys are set directly so the device sees exact casing.
	h["Content-Type"] = []string{"application/json"}
	h["Accept"] = []string{"application/json"}

	if !r.IsChallenge() {
		h["HNAP_AUTH"] = []string{s.Token(r.Action, ts)}
	}

	soapAction := fmt.Sprintf("%q", ActionURI(r.Action))

	if r.Action == ActionLogin {
		h["SOAPAction"] = []string{soapAction}
		h["Referer"] = []string{baseURL + loginReferer}
	} else {
		h["SOAPACTION"] = []string{soapAction}
		h["Referer"] = []string{baseURL + statusReferer}
	}

	if s.Authenticated && s.Cookie != "" {
		cookies := []string{"uid=" + s.Cookie}
		if s.PrivateKey != "" {
			cookies = append(cookies, "PrivateKey="+s.PrivateKey)
		}

		h["Cookie"] = []string{strings.Join(cookies, "; ")}
	}

	for k, v := range r.Header {
		h[k] = []string{v}
	}

	return h
}
