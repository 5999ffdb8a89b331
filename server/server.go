/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package server implements the event loop and per-connection state
// machine from spec.md §4.5: a single OS thread submits accept/read/
// write operations against the submission ring, consumes completions,
// transitions connection state, and invokes user callbacks synchronously.
package server

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jacoblai/RingMaster/config"
	"github.com/jacoblai/RingMaster/connpool"
	"github.com/jacoblai/RingMaster/resource"
)

// Server drives one completion-based event loop over one submission
// ring. Per spec.md §5, every field below except shuttingDown and the
// metrics recorder is touched only by the loop thread.
type Server struct {
	res *resource.Manager
	cb  Callbacks
	log *logrus.Logger
	cfg *config.Config

	// connsByFd is the dense fd->connection mapping from spec.md §3.
	// Index fd is non-nil iff a connection with that fd is live; cleared
	// before close(fd) to prevent aliasing when fd is reused.
	connsByFd []*connpool.Connection

	// pendingResubmit holds slab indices of connections whose last
	// submission was dropped for ERR_URING_QUEUE_FULL (SPEC_FULL.md §9
	// resolution #2); walked at the start of every loop iteration.
	pendingResubmit []uint32

	shuttingDown int32 // atomic: set by RequestShutdown

	acceptOutstanding bool
}

// New constructs a Server bound to an already-bootstrapped resource
// Manager. Callbacks may be the zero value; unset callbacks are simply
// not invoked.
func New(res *resource.Manager, cb Callbacks) *Server {
	return &Server{
		res:       res,
		cb:        cb,
		log:       res.Log,
		cfg:       res.Config,
		connsByFd: make([]*connpool.Connection, res.MaxConnections),
	}
}

// RequestShutdown sets the cooperative shutdown flag (spec.md §5,
// §6 Signals): async-signal-safe callers set one flag only. The loop
// exits at its next wait boundary.
func (s *Server) RequestShutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
}

func (s *Server) isShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

func (s *Server) queueResubmit(slabIndex uint32) {
	s.pendingResubmit = append(s.pendingResubmit, slabIndex)
}
