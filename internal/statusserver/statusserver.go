// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package statusserver is a supplemental, read-only JSON status endpoint
// for an in-progress master run (SPEC_FULL.md's domain-stack expansion;
// not part of the original spec). It reports a snapshot of the
// orchestrator's own state and never accepts any mutating request.
package statusserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Snapshot is an immutable view of one instant of the orchestration loop,
// published by the orchestrator once per loop iteration.
type Snapshot struct {
	Elapsed       time.Duration `json:"elapsed_ns"`
	DriversAlive  int           `json:"drivers_alive"`
	DriversTotal  int           `json:"drivers_total"`
	Interesting   int           `json:"interesting_count"`
	WinningRecord int           `json:"winning_count"`
}

// Server serves GET /status from a single background HTTP listener. The
// orchestration loop publishes a new Snapshot each iteration via Publish;
// handleStatus reads the latest one through the same atomic.Value, so the
// loop goroutine and the HTTP server's goroutine never touch Orchestrator
// state directly or share a lock.
type Server struct {
	addr    string
	current atomic.Value // Snapshot

	srv *http.Server
	ln  net.Listener
}

// New constructs a Server bound to addr (e.g. "localhost:8090"). It does
// not start listening until Start is called.
func New(addr string) *Server {
	s := &Server{addr: addr}
	s.current.Store(Snapshot{})
	return s
}

// Publish makes snap the value the next GET /status request observes.
// Safe to call concurrently with requests being served.
func (s *Server) Publish(snap Snapshot) {
	s.current.Store(snap)
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	router := httprouter.New()
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{Handler: router}
	go s.srv.Serve(ln)
	return nil
}

// Addr returns the listener's actual address, useful when Server was
// constructed with an ephemeral port ("host:0").
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.current.Load().(Snapshot)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Close shuts the HTTP listener down without interrupting the
// orchestration loop it reports on.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
