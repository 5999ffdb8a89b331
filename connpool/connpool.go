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

// Package connpool is the thin façade over a fixed-size-object pool
// specialized for *Connection described in spec.md's component table.
//
// Unlike slab.Pool (a raw, alignment-generic byte arena with an intrusive
// pointer free list, used where the payload is pointer-free bytes),
// Connection embeds two *ringbuf.RingBuffer references that the garbage
// collector must keep alive. Storing those pointers inside a slab.Pool's
// arena would put them in memory the runtime treats as pointer-free
// ("noscan"), which is the one case the teacher's own unsafex/malloc
// arena style never attempts — its blocks only ever hold raw bytes.
// connpool instead keeps its free list natively in Go: a preallocated
// slice of *Connection with an intrusive integer link (next-free index,
// not a pointer), which is the direct, memory-safe analogue of the
// spec's singly-linked free list of block_size slots.
package connpool

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/jacoblai/RingMaster/ringbuf"
)

// State is a connection's position in the READING/WRITING state machine
// (spec.md §4.5).
type State uint8

const (
	// StateReading is the initial state on accept: an outstanding recv.
	StateReading State = iota
	// StateWriting: an outstanding send.
	StateWriting
)

func (s State) String() string {
	if s == StateWriting {
		return "WRITING"
	}
	return "READING"
}

// NoBuffer is the sentinel BufIndex value for "no fixed buffer assigned".
const NoBuffer = int32(-1)

// Connection is one accepted TCP client (spec.md §3).
type Connection struct {
	// SlabIndex is this connection's stable slot index in the pool,
	// used as io_uring user-data instead of a raw pointer (SPEC_FULL.md
	// §9 resolution #1) so a stale completion against a released slot is
	// detectable through Get's liveness flag. A slot that has already been
	// re-acquired by a new connection is live again and is not told apart.
	SlabIndex uint32

	Fd    int32 // -1 when vacant
	Peer  netip.AddrPort
	State State

	ReadBuf  *ringbuf.RingBuffer
	WriteBuf *ringbuf.RingBuffer

	BufIndex int32 // index into the fixed-buffer registry, or NoBuffer

	// NeedsResubmit is set when a submission for this connection was
	// dropped for ERR_URING_QUEUE_FULL (SPEC_FULL.md §9 resolution #2);
	// the loop retries it after the next completion is dispatched.
	NeedsResubmit bool

	CorrelationID uuid.UUID

	live     bool
	nextFree int32
}

// Pool hands out *Connection values from a preallocated, growable slice,
// recycling them via an intrusive free list of slot indices.
type Pool struct {
	slots []*Connection
	free  int32 // head of free list, -1 if empty
}

// New creates a pool with initialCapacity slots pre-allocated (and
// chained onto the free list), mirroring slab's create(initial_blocks).
func New(initialCapacity int) *Pool {
	p := &Pool{free: -1}
	if initialCapacity > 0 {
		p.grow(initialCapacity)
	}
	return p
}

func (p *Pool) grow(n int) {
	start := len(p.slots)
	for i := 0; i < n; i++ {
		idx := int32(start + i)
		c := &Connection{SlabIndex: uint32(idx), Fd: -1, BufIndex: NoBuffer}
		p.slots = append(p.slots, c)
		p.pushFree(idx)
	}
}

func (p *Pool) pushFree(idx int32) {
	p.slots[idx].nextFree = p.free
	p.free = idx
}

// Acquire pops a connection slot off the free list, allocating a fresh
// one if none is free, and returns it reset to its zeroed lifecycle
// state: fd=-1, buffer_id=-1, state=READING (spec.md §5), with a freshly
// generated CorrelationID.
func (p *Pool) Acquire() *Connection {
	if p.free == -1 {
		p.grow(1)
	}
	idx := p.free
	c := p.slots[idx]
	p.free = c.nextFree

	c.Fd = -1
	c.Peer = netip.AddrPort{}
	c.State = StateReading
	c.ReadBuf = nil
	c.WriteBuf = nil
	c.BufIndex = NoBuffer
	c.NeedsResubmit = false
	c.CorrelationID = uuid.New()
	c.live = true
	return c
}

// Release returns a connection to the free list. The caller must have
// already closed the fd, released any fixed-buffer index, and destroyed
// both ring buffers (spec.md §5) — Release does not do this itself, it
// only recycles the slot.
func (p *Pool) Release(c *Connection) {
	if !c.live {
		return
	}
	c.live = false
	c.Fd = -1
	p.pushFree(int32(c.SlabIndex))
}

// Get returns the connection at slabIndex and whether it is currently
// live, used by the event loop to validate a completion's user-data
// before dispatching (SPEC_FULL.md §9 resolution #1).
func (p *Pool) Get(slabIndex uint32) (*Connection, bool) {
	if int(slabIndex) >= len(p.slots) {
		return nil, false
	}
	c := p.slots[slabIndex]
	return c, c.live
}

// Cap returns the number of slots ever allocated (live + free).
func (p *Pool) Cap() int {
	return len(p.slots)
}
