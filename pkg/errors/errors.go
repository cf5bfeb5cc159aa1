// Copyright 2026 LiveKit, Inc.
//
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

package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNoConfig   = errors.New("missing config")
	ErrNoEndpoint = errors.New("missing WHEP endpoint")

	ErrConnection          = errors.New("media connection error")
	ErrICEGatheringTimeout = errors.New("ICE gathering timed out")
	ErrSignalingFatal      = errors.New("WHEP negotiation rejected")
	ErrSignalingTransient  = errors.New("WHEP negotiation failed, retrying")
	ErrUnexpected          = errors.New("unexpected negotiation failure")

	ErrSessionClosed    = errors.New("session closed")
	ErrEngineNotReady   = errors.New("media engine not initialized")
	ErrMalformedAnswer  = errors.New("malformed SDP answer")
	ErrRetriesExhausted = errors.New("WHEP negotiation retries exhausted")
	ErrQueueClosed      = errors.New("queue closed")

	ErrUnsupportedDecodeFormat = errors.New("unsupported decode format")

	ErrInvalidOffer     = errors.New("invalid SDP offer")
	ErrUnauthorized     = errors.New("invalid bearer token")
	ErrResourceNotFound = errors.New("WHEP resource not found")
)

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

func ErrUnsupportedCodec(mimeType string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDecodeFormat, mimeType)
}

// ConnectionError reports a failure of the local media engine, either because
// it is unavailable or because it was misused.
type ConnectionError struct {
	Op  string
	Err error
}

func NewConnectionError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Op: op, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// SignalingError is returned for a non 201 response of the WHEP endpoint.
type SignalingError struct {
	StatusCode int
	Body       string
	Fatal      bool
	Err        error
}

func NewSignalingError(statusCode int, body string, fatal bool) *SignalingError {
	return &SignalingError{
		StatusCode: statusCode,
		Body:       body,
		Fatal:      fatal,
	}
}

func (e *SignalingError) Error() string {
	reason := e.Body
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("WHEP request failed: %s", reason)
	}
	return fmt.Sprintf("WHEP request failed with status %d: %s", e.StatusCode, reason)
}

func (e *SignalingError) Unwrap() []error {
	kind := ErrSignalingTransient
	if e.Fatal {
		kind = ErrSignalingFatal
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

func ErrUnexpectedPanic(r any) error {
	return fmt.Errorf("%w: %v", ErrUnexpected, r)
}
