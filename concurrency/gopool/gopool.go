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

// Package gopool launches named background goroutines with panic
// recovery and logging, in place of a bare `go func()`.
//
// The teacher's gopool is an elastic worker pool: a bounded number of
// reusable goroutines drain a task channel, idle workers age out on a
// ticker, and a burst of tasks beyond MaxIdleWorkers falls back to
// spawning directly. RingMaster only ever launches one long-lived
// goroutine per GoPool (resource.Manager's stats reporter, running for
// the lifetime of the process) — there is no burst of short tasks to
// queue, no idle worker to reap, and no worker age to track. What
// carries over is the part that use case still needs: a named pool that
// recovers and logs a panic instead of crashing the process, with a
// caller-settable handler.
package gopool

import (
	"context"
	"log"
	"runtime/debug"
)

// GoPool runs background goroutines under a shared name and panic
// handler.
type GoPool struct {
	name string

	panicHandler func(ctx context.Context, r interface{})
}

// NewGoPool creates a named GoPool. The Option parameter from the
// teacher's elastic pool (idle-worker count, worker age, task-channel
// buffer) has nothing left to size here, so it is not carried over.
func NewGoPool(name string) *GoPool {
	return &GoPool{name: name}
}

// Go runs f in a new goroutine.
func (p *GoPool) Go(f func()) {
	p.CtxGo(context.Background(), f)
}

// CtxGo runs f in a new goroutine, passing ctx to the panic handler if f
// panics.
func (p *GoPool) CtxGo(ctx context.Context, f func()) {
	go p.runTask(ctx, f)
}

// SetPanicHandler sets a func for handling panic cases.
//
// Panic handler takes two args, `ctx` and `r`.
// `ctx` is the one provided when calling CtxGo, and `r` is returned by recover()
//
// By default, GoPool will use log.Printf to record the err and stack.
func (p *GoPool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

func (p *GoPool) runTask(ctx context.Context, f func()) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("GOPOOL: panic in pool: %s: %v: %s", p.name, r, debug.Stack())
			}
		}
	}()
	f()
}
