// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import "errors"

// ErrorKind classifies authentication failures.
type ErrorKind string

const (
	KindMissing          ErrorKind = "missing_token"
	KindInvalidSignature ErrorKind = "invalid_signature"
	KindExpired          ErrorKind = "expired"
	KindMalformed        ErrorKind = "malformed"
)

// Error is returned by Validate and ExtractToken.
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "authentication failed: " + string(e.Kind)
	}
	return "authentication failed: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, auth.ErrExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingToken     = &Error{Kind: KindMissing}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrMalformed        = &Error{Kind: KindMalformed}
)

// ErrForbidden is returned by Authorize when no required role is held.
var ErrForbidden = errors.New("principal lacks a required role")

// KindOf reports the ErrorKind of err, or "" if err is not an auth error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
