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

package whep

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/stats"
)

const (
	sdpContentType  = "application/sdp"
	maxResponseSize = 1 << 20
)

type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	Retry
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ExchangeOutcome is the result of posting an offer to the WHEP endpoint.
// AnswerSDP and ResourceLocation are only set for Accepted outcomes, Err only
// for Retry and Fatal ones.
type ExchangeOutcome struct {
	Kind             OutcomeKind
	AnswerSDP        string
	ResourceLocation string
	StatusCode       int
	Err              error
}

func (o ExchangeOutcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Signaler performs the WHEP offer/answer exchange over HTTP.
type Signaler struct {
	endpoint    *url.URL
	bearerToken string
	client      *http.Client
	retry       config.RetryConfig
	monitor     *stats.Monitor
	logger      logger.Logger
}

func NewSignaler(conf *config.Config, monitor *stats.Monitor, l logger.Logger) (*Signaler, error) {
	endpoint, err := url.Parse(conf.Endpoint)
	if err != nil {
		return nil, errors.ErrCouldNotParseConfig(err)
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Signaler{
		endpoint:    endpoint,
		bearerToken: conf.BearerToken,
		client: &http.Client{
			Timeout: conf.HTTPTimeout,
		},
		retry:   conf.Retry,
		monitor: monitor,
		logger:  l,
	}, nil
}

// Exchange posts the offer until the endpoint accepts or rejects it. Retry
// outcomes are never returned: they are retried with the configured backoff
// and turn into a Fatal outcome once the retries are exhausted.
// closed is checked before every attempt; if it reports true, Exchange gives
// up with errors.ErrSessionClosed. Cancelling ctx abandons any in-flight request or delay.
func (s *Signaler) Exchange(ctx context.Context, offerSDP string, closed func() bool) (ExchangeOutcome, error) {
	b := s.newBackOff()

	for attempt := 1; ; attempt++ {
		if closed != nil && closed() {
			return ExchangeOutcome{}, errors.ErrSessionClosed
		}

		outcome := s.post(ctx, offerSDP)
		switch outcome.Kind {
		case Accepted:
			s.logger.Infow("WHEP offer accepted", "attempt", attempt, "location", outcome.ResourceLocation)
			return outcome, nil
		case Fatal:
			s.logger.Warnw("WHEP offer rejected", outcome.Err, "attempt", attempt, "status", outcome.StatusCode)
			return outcome, nil
		}

		if err := ctx.Err(); err != nil {
			return ExchangeOutcome{}, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			serr := errors.NewSignalingError(outcome.StatusCode, outcome.Reason(), true)
			serr.Err = fmt.Errorf("%w after %d attempts: %v", errors.ErrRetriesExhausted, attempt, outcome.Err)
			return ExchangeOutcome{
				Kind:       Fatal,
				StatusCode: outcome.StatusCode,
				Err:        serr,
			}, nil
		}

		s.logger.Infow("retrying WHEP offer", "attempt", attempt, "delay", delay, "status", outcome.StatusCode, "reason", outcome.Reason())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ExchangeOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Signaler) post(ctx context.Context, offerSDP string) ExchangeOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint.String(), strings.NewReader(offerSDP))
	if err != nil {
		serr := errors.NewSignalingError(0, "", true)
		serr.Err = err
		return ExchangeOutcome{Kind: Fatal, Err: serr}
	}
	req.Header.Set("Content-Type", sdpContentType)
	req.Header.Set("Accept", sdpContentType)
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.monitor.SignalingRequest(0)
		serr := errors.NewSignalingError(0, "", false)
		serr.Err = err
		return ExchangeOutcome{Kind: Retry, Err: serr}
	}
	defer resp.Body.Close()
	s.monitor.SignalingRequest(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		serr := errors.NewSignalingError(resp.StatusCode, "", false)
		serr.Err = err
		return ExchangeOutcome{Kind: Retry, StatusCode: resp.StatusCode, Err: serr}
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		return s.accepted(resp, string(body))

	case http.StatusMethodNotAllowed:
		serr := errors.NewSignalingError(resp.StatusCode, string(body), true)
		serr.Err = errors.New("WHEP negotiation not yet supported by this server")
		return ExchangeOutcome{Kind: Fatal, StatusCode: resp.StatusCode, Err: serr}

	default:
		s.logger.Warnw("WHEP request failed", nil, "status", resp.StatusCode, "body", string(body))
		return ExchangeOutcome{
			Kind:       Retry,
			StatusCode: resp.StatusCode,
			Err:        errors.NewSignalingError(resp.StatusCode, string(body), false),
		}
	}
}

func (s *Signaler) accepted(resp *http.Response, answer string) ExchangeOutcome {
	fatal := func(reason string) ExchangeOutcome {
		serr := errors.NewSignalingError(resp.StatusCode, answer, true)
		serr.Err = fmt.Errorf("%w: %s", errors.ErrMalformedAnswer, reason)
		return ExchangeOutcome{Kind: Fatal, StatusCode: resp.StatusCode, Err: serr}
	}

	if strings.TrimSpace(answer) == "" {
		return fatal("empty body")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return fatal("missing Location header")
	}
	// Location may be relative to the endpoint
	resource, err := s.endpoint.Parse(location)
	if err != nil {
		return fatal(fmt.Sprintf("invalid Location header %q", location))
	}

	return ExchangeOutcome{
		Kind:             Accepted,
		AnswerSDP:        answer,
		ResourceLocation: resource.String(),
		StatusCode:       resp.StatusCode,
	}
}

func (s *Signaler) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	switch s.retry.Policy {
	case config.RetryPolicyExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.retry.Delay
		eb.MaxInterval = s.retry.MaxDelay
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	default:
		b = backoff.NewConstantBackOff(s.retry.Delay)
	}

	if s.retry.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(s.retry.MaxRetries))
	}
	return b
}
