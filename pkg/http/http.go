// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package http provides an HTTP server with a request multiplexer whose
// handlers can be unregistered, so that instrumentation can be
// reconfigured at runtime.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	logger "github.com/tfdavids-zz/pintos/pkg/log"
)

const (
	shutdownTimeout = 5 * time.Second
)

var log = logger.Get("http")

// ServeMux is an HTTP request multiplexer with unregistrable handlers.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
}

// NewServeMux creates a new request multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers the handler for the given path.
func (mux *ServeMux) Handle(path string, handler http.Handler) {
	mux.Lock()
	defer mux.Unlock()
	mux.handlers[path] = handler
	log.Debug("registered handler for %s", path)
}

// HandleFunc registers the handler function for the given path.
func (mux *ServeMux) HandleFunc(path string, fn func(http.ResponseWriter, *http.Request)) {
	mux.Handle(path, http.HandlerFunc(fn))
}

// Unregister removes the handler for the given path.
func (mux *ServeMux) Unregister(path string) {
	mux.Lock()
	defer mux.Unlock()
	delete(mux.handlers, path)
	log.Debug("unregistered handler for %s", path)
}

// ServeHTTP implements http.Handler.
func (mux *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	mux.RLock()
	handler, ok := mux.handlers[req.URL.Path]
	mux.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	handler.ServeHTTP(w, req)
}

// Server is an HTTP server serving a ServeMux.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new, stopped server.
func NewServer() *Server {
	return &Server{
		mux: NewServeMux(),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server is listening on.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start starts serving on the given address. An empty address leaves the
// server stopped.
func (s *Server) Start(address string) error {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		return fmt.Errorf("http: server already running on %s", s.listener.Addr())
	}
	if address == "" {
		log.Info("HTTP server disabled, no address set")
		return nil
	}

	lsn, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "http: failed to listen on %s", address)
	}

	s.listener = lsn
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, lsn net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(lsn); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, lsn, s.done)

	log.Info("HTTP server listening on %s", lsn.Addr())

	return nil
}

// Stop shuts the server down, waiting for active requests to finish.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown failed: %v", err)
	}
	<-s.done

	s.server = nil
	s.listener = nil
}
