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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"modemstatus.dev/hnap/internal/instrumentation"
)

const (
	// withoutLoginKey signs requests sent before a private key is known.
	withoutLoginKey = "withoutloginkey"
	// timestampModulus keeps the auth timestamp within the range the
	// device firmware accepts.
	timestampModulus = 2000000000000
)

var errLoginRejected = errors.New("device rejected credentials")

// Session holds credentials established by a successful handshake.
type Session struct {
	PrivateKey    string
	Cookie        string
	Authenticated bool
}

// Token returns the HNAP_AUTH header value for action signed at ts.
func (s Session) Token(action string, ts int64) string {
	key := s.PrivateKey
	if key == "" {
		key = withoutLoginKey
	}

	message := strconv.FormatInt(ts, 10) + `"` + ActionURI(action) + `"`

	return sign(key, message) + " " + strconv.FormatInt(ts, 10)
}

// Timestamp converts t into the millisecond timestamp used in auth tokens.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli() % timestampModulus
}

// Executor sends a single HNAP request and returns the response body.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// ComputeCredentials derives the session private key and the login password
// from the challenge handed out by the device.
func ComputeCredentials(challenge, publicKey, password string) (privateKey, loginPassword string) {
	privateKey = sign(publicKey+password, challenge)
	loginPassword = sign(privateKey, challenge)

	return privateKey, loginPassword
}

func sign(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))

	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// isLoginSuccessful decides whether the login response accepted the
// credentials. The device returns no structured result, so the body is
// matched loosely.
func isLoginSuccessful(body string) bool {
	body = strings.ToLower(body)

	for _, term := range []string{"success", "ok", "true"} {
		if strings.Contains(body, term) {
			return true
		}
	}

	return false
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthRecorder sets the timing sink used around handshake steps.
func WithAuthRecorder(r instrumentation.Recorder) AuthenticatorOption {
	return func(a *Authenticator) {
		a.recorder = r
	}
}

// Authenticator runs the challenge/response handshake and owns the Session.
type Authenticator struct {
	recorder instrumentation.Recorder
	username string
	password string
	session  Session
	// mu guards session, handshake serialises logins.
	mu        sync.RWMutex
	handshake sync.Mutex
}

// NewAuthenticator returns an Authenticator with an empty session.
func NewAuthenticator(username, password string, options ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		username: username,
		password: password,
		recorder: instrumentation.Noop{},
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Session returns a copy of the current session.
func (a *Authenticator) Session() Session {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.session
}

// Reset drops the session so that the next EnsureAuthenticated logs in again.
func (a *Authenticator) Reset() {
	a.setSession(Session{})
}

func (a *Authenticator) setSession(s Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

// EnsureAuthenticated returns the current session, performing the handshake
// through exec if no authenticated session exists.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context, exec Executor) (Session, error) {
	a.handshake.Lock()
	defer a.handshake.Unlock()

	if s := a.Session(); s.Authenticated {
		return s, nil
	}

	total := a.recorder.StartTimer("authentication_complete")

	s, phase, err := a.login(ctx, exec)
	if err != nil {
		a.Reset()
		a.recorder.RecordTiming("authentication_complete", total, instrumentation.Result{
			ErrorKind: string(phase) + "_failed",
		})

		return Session{}, &AuthError{Phase: phase, Err: err}
	}

	a.recorder.RecordTiming("authentication_complete", total, instrumentation.Result{Success: true})

	log.Info().Msg("Authenticated with the device")

	return s, nil
}

func (a *Authenticator) login(ctx context.Context, exec Executor) (Session, AuthPhase, error) {
	a.Reset()

	timer := a.recorder.StartTimer("authentication_challenge")

	body, err := exec.Execute(ctx, a.loginRequest("request", ""))
	if err != nil {
		a.recorder.RecordTiming("authentication_challenge", timer, instrumentation.Result{ErrorKind: "request"})
		return Session{}, PhaseChallenge, err
	}

	challenge, publicKey, cookie, err := parseChallenge(body)
	if err != nil {
		a.recorder.RecordTiming("authentication_challenge", timer, instrumentation.Result{ErrorKind: "parse"})
		return Session{}, PhaseChallenge, err
	}

	a.recorder.RecordTiming("authentication_challenge", timer, instrumentation.Result{
		Success:      true,
		ResponseSize: len(body),
	})

	log.Debug().Str("challenge", truncate(challenge, 8)).Msg("Received login challenge")

	privateKey, loginPassword := ComputeCredentials(challenge, publicKey, a.password)
	a.setSession(Session{PrivateKey: privateKey, Cookie: cookie})

	timer = a.recorder.StartTimer("authentication_login")

	req := a.loginRequest("login", loginPassword).WithHeader("Cookie", "uid="+cookie)

	body, err = exec.Execute(ctx, req)
	if err == nil && !isLoginSuccessful(body) {
		err = errLoginRejected
	}

	if err != nil {
		a.recorder.RecordTiming("authentication_login", timer, instrumentation.Result{ErrorKind: "login"})
		return Session{}, PhaseLogin, err
	}

	a.recorder.RecordTiming("authentication_login", timer, instrumentation.Result{
		Success:      true,
		ResponseSize: len(body),
	})

	s := Session{PrivateKey: privateKey, Cookie: cookie, Authenticated: true}
	a.setSession(s)

	return s, PhaseLogin, nil
}

func (a *Authenticator) loginRequest(action, loginPassword string) Request {
	return NewRequest(ActionLogin,
		Field{Name: "Action", Value: action},
		Field{Name: "Username", Value: a.username},
		Field{Name: "LoginPassword", Value: loginPassword},
		Field{Name: "Captcha", Value: ""},
		Field{Name: "PrivateLogin", Value: "LoginPassword"},
	)
}

type challengeResponse struct {
	LoginResponse *struct {
		Challenge string `json:"Challenge"`
		PublicKey string `json:"PublicKey"`
		Cookie    string `json:"Cookie"`
	} `json:"LoginResponse"`
}

func parseChallenge(body string) (challenge, publicKey, cookie string, err error) {
	var resp challengeResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", "", "", &ParsingError{Phase: "challenge", Detail: "invalid JSON", Err: err}
	}

	if resp.LoginResponse == nil {
		return "", "", "", missingField("LoginResponse")
	}

	lr := resp.LoginResponse

	switch {
	case lr.Challenge == "":
		return "", "", "", missingField("LoginResponse.Challenge")
	case lr.PublicKey == "":
		return "", "", "", missingField("LoginResponse.PublicKey")
	case lr.Cookie == "":
		return "", "", "", missingField("LoginResponse.Cookie")
	}

	return lr.Challenge, lr.PublicKey, lr.Cookie, nil
}

func missingField(name string) error {
	return &ParsingError{
		Phase:  "challenge",
		Detail: fmt.Sprintf("field %s", name),
		Err:    ErrMissingField,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
