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

package whepserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/whep/pkg/engine"
	"github.com/livekit/whep/pkg/errors"
)

const (
	sdpResponseTimeout = 5 * time.Second
	resourcePrefix     = "WR_"
)

type Config struct {
	Port                    int           `yaml:"port"`
	BearerToken             string        `yaml:"bearer_token"`
	ICEPortRange            []uint16      `yaml:"ice_port_range"`
	EnableLoopbackCandidate bool          `yaml:"enable_loopback_candidate"`
	Logging                 logger.Config `yaml:"logging"`

	// RejectStatus answers every offer with this status when set.
	RejectStatus int `yaml:"reject_status"`
	// FailFirst answers the first offers with 503.
	FailFirst int `yaml:"fail_first"`
}

// WHEPServer serves a generated VP8 and Opus stream to WHEP players.
type WHEPServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	conf     *Config
	api      *webrtc.API
	router   *mux.Router
	hs       *http.Server
	listener net.Listener

	offers   atomic.Int32
	lock     sync.Mutex
	handlers map[string]*whepHandler
}

func NewWHEPServer(conf *Config) (*WHEPServer, error) {
	api, err := engine.NewAPI(conf.ICEPortRange, conf.EnableLoopbackCandidate)
	if err != nil {
		return nil, err
	}

	s := &WHEPServer{
		conf:     conf,
		api:      api,
		handlers: make(map[string]*whepHandler),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	r := mux.NewRouter()

	r.HandleFunc("/{app}/{stream}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			s.handleError(err, w)
		}()

		err = s.handleNewWhepClient(w, r)
	}).Methods("POST")

	r.HandleFunc("/{app}/{stream}", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, r, false)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	// End
	r.HandleFunc("/{app}/{stream}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			s.handleError(err, w)
		}()

		resourceID := mux.Vars(r)["resource_id"]
		logger.Infow("handling WHEP delete request", "resourceID", resourceID)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err = s.closeResource(resourceID); err == nil {
			w.WriteHeader(http.StatusNoContent)
		}
	}).Methods("DELETE")

	// Trickle and ICE restart are not supported
	r.HandleFunc("/{app}/{stream}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}).Methods("PATCH")

	r.HandleFunc("/{app}/{stream}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, r, true)
	}).Methods("OPTIONS")

	s.router = r
	return s, nil
}

func (s *WHEPServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port, or on a random one when the port is 0.
func (s *WHEPServer) Start() error {
	logger.Infow("starting WHEP server", "port", s.conf.Port)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.conf.Port))
	if err != nil {
		return err
	}
	s.listener = listener

	s.hs = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		err := s.hs.Serve(listener)
		if err != http.ErrServerClosed {
			logger.Errorw("WHEP server failed", err)
		}
	}()

	return nil
}

func (s *WHEPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *WHEPServer) Stop() {
	s.cancel()
	if s.hs != nil {
		_ = s.hs.Close()
	}

	s.lock.Lock()
	handlers := s.handlers
	s.handlers = make(map[string]*whepHandler)
	s.lock.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

func (s *WHEPServer) SessionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.handlers)
}

// PLICount returns the number of keyframe requests received across sessions.
func (s *WHEPServer) PLICount() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0
	for _, h := range s.handlers {
		count += int(h.PLICount())
	}
	return count
}

func (s *WHEPServer) handleError(err error, w http.ResponseWriter) {
	switch {
	case err == nil:
		// Nothing, we already responded
	case errors.Is(err, errors.ErrInvalidOffer):
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
	case errors.Is(err, errors.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, errors.ErrResourceNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		logger.Debugw("whep request failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *WHEPServer) handleNewWhepClient(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	app, stream := vars["app"], vars["stream"]

	if s.conf.BearerToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.conf.BearerToken {
			return errors.ErrUnauthorized
		}
	}

	offerCount := int(s.offers.Inc())
	switch {
	case s.conf.RejectStatus != 0:
		w.WriteHeader(s.conf.RejectStatus)
		return nil
	case offerCount <= s.conf.FailFirst:
		logger.Infow("rejecting WHEP offer", "attempt", offerCount)
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil
	}

	sdpOffer := bytes.Buffer{}
	if _, err := io.Copy(&sdpOffer, r.Body); err != nil {
		return err
	}

	logger.Debugw("new whep request", "stream", stream, "sdpOffer", sdpOffer.String())

	resourceID, answer, err := s.createStream(stream, sdpOffer.String())
	if err != nil {
		return err
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", fmt.Sprintf("/%s/%s/%s", app, stream, resourceID))
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))

	return nil
}

func (s *WHEPServer) createStream(stream string, sdpOffer string) (string, string, error) {
	ctx, done := context.WithTimeout(s.ctx, sdpResponseTimeout)
	defer done()

	resourceID := utils.NewGuid(resourcePrefix)
	l := logger.GetLogger().WithValues("stream", stream, "resourceID", resourceID)

	h, answer, err := newWHEPHandler(ctx, s.api, l, stream, sdpOffer)
	if err != nil {
		return "", "", err
	}

	s.lock.Lock()
	s.handlers[resourceID] = h
	s.lock.Unlock()

	go func() {
		select {
		case <-h.Done():
		case <-s.ctx.Done():
		}

		s.lock.Lock()
		if s.handlers[resourceID] == h {
			delete(s.handlers, resourceID)
		}
		s.lock.Unlock()
		h.Close()
		l.Infow("WHEP session ended")
	}()

	return resourceID, answer, nil
}

func (s *WHEPServer) closeResource(resourceID string) error {
	s.lock.Lock()
	h, ok := s.handlers[resourceID]
	delete(s.handlers, resourceID)
	s.lock.Unlock()

	if !ok {
		return errors.ErrResourceNotFound
	}
	h.Close()
	return nil
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, resourceEndpoint bool) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	if resourceEndpoint {
		w.Header().Set("Access-Control-Allow-Methods", "PATCH, OPTIONS, DELETE")
	} else {
		w.Header().Set("Accept-Post", "application/sdp")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "Location")
	}
}
