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

// Package ringbuf implements the per-connection byte ring buffer described
// in spec.md §4.1: a power-agnostic queue backed by a contiguous capacity-C
// buffer and two monotonically increasing indices, growing by a factor of
// at least 1.5 and never shrinking.
//
// Concurrency: this implementation picks SPSC lock-free (§4.1 option (a)).
// One producer advances the write index (the read-completion handler
// filling received bytes, or a callback enqueueing response bytes); one
// consumer advances the read index (the write submitter draining bytes, or
// on_data consuming received bytes). In RingMaster both ends are driven
// from the single event-loop thread (spec.md §5), so the atomics below are
// a documentation device and a future-proofing seam, not a concurrency
// requirement of the current caller.
package ringbuf

import (
	"sync/atomic"

	"github.com/jacoblai/RingMaster/cache/mempool"
)

// MinSize is the smallest capacity a RingBuffer is ever allocated with,
// per spec.md §3 ("capacity is a power of at least MIN_BUFFER_SIZE (64)").
const MinSize = 64

// growthFactor is the minimum growth multiplier applied when free space is
// insufficient for a write (spec.md §4.1: "grown by ×1.5 until sufficient").
const growthFactor = 1.5

// maxCapacity caps growth at half the address space, per spec.md §4.1.
const maxCapacity = uint64(1) << 62

// RingBuffer is a single-producer/single-consumer byte queue.
type RingBuffer struct {
	buf   []byte
	cap   uint64
	rIdx  uint64 // atomic: consumer-owned
	wIdx  uint64 // atomic: producer-owned
	valid bool   // false if Init failed to allocate
}

// New allocates a RingBuffer with the given initial size, clamped up to
// MinSize. If allocation fails, the returned RingBuffer is left invalid:
// every subsequent operation becomes a no-op returning 0/error, per
// spec.md §4.1's `init` contract.
func New(initialSize int) *RingBuffer {
	rb := &RingBuffer{}
	rb.reset(initialSize)
	return rb
}

// reset (re)allocates the buffer to initialSize, used both by New and by
// Connection reuse when a slot comes back from the slab (spec.md §5: "a
// connection returned to the slab ... re-use yields a zeroed struct").
func (rb *RingBuffer) reset(initialSize int) {
	if rb.valid {
		mempool.Free(rb.buf)
	}
	size := initialSize
	if size < MinSize {
		size = MinSize
	}
	buf := allocate(size)
	if buf == nil {
		rb.buf, rb.cap, rb.valid = nil, 0, false
		atomic.StoreUint64(&rb.rIdx, 0)
		atomic.StoreUint64(&rb.wIdx, 0)
		return
	}
	rb.buf = buf
	rb.cap = uint64(len(buf))
	rb.valid = true
	atomic.StoreUint64(&rb.rIdx, 0)
	atomic.StoreUint64(&rb.wIdx, 0)
}

// Release returns the backing storage to the mempool and invalidates the
// buffer, called from Connection teardown (spec.md §4.5 Close-and-free:
// "destroy both ring buffers").
func (rb *RingBuffer) Release() {
	if rb.valid {
		mempool.Free(rb.buf)
	}
	rb.buf = nil
	rb.cap = 0
	rb.valid = false
	atomic.StoreUint64(&rb.rIdx, 0)
	atomic.StoreUint64(&rb.wIdx, 0)
}

// Reuse reinitializes an already-allocated RingBuffer for a freshly
// acquired connection slot, matching the slab's "zeroed struct" lifecycle
// without forcing a fresh syscall/alloc when the previous capacity already
// satisfies the MinSize floor.
func (rb *RingBuffer) Reuse() {
	if !rb.valid {
		rb.reset(MinSize)
		return
	}
	atomic.StoreUint64(&rb.rIdx, 0)
	atomic.StoreUint64(&rb.wIdx, 0)
}

func allocate(size int) []byte {
	raw := mempool.Malloc(size)
	if raw == nil {
		return nil
	}
	return raw[:mempool.Cap(raw)]
}

// Valid reports whether the buffer is usable (false only after a failed
// allocation in New/reset).
func (rb *RingBuffer) Valid() bool {
	return rb.valid
}

// Cap returns the current backing capacity C.
func (rb *RingBuffer) Cap() uint64 {
	return rb.cap
}

// UsedSpace returns write_index - read_index (spec.md §4.1).
func (rb *RingBuffer) UsedSpace() uint64 {
	w := atomic.LoadUint64(&rb.wIdx)
	r := atomic.LoadUint64(&rb.rIdx)
	return w - r // modular subtraction handles index-type wrap
}

// FreeSpace returns capacity - used_space.
func (rb *RingBuffer) FreeSpace() uint64 {
	if !rb.valid {
		return 0
	}
	return rb.cap - rb.UsedSpace()
}

// Write appends data to the queue, growing the buffer if necessary.
// Returns nil on success, an error if a required grow fails to allocate.
func (rb *RingBuffer) Write(data []byte) error {
	if !rb.valid {
		return errNotAllocated
	}
	n := uint64(len(data))
	if n == 0 {
		return nil
	}
	if rb.FreeSpace() < n {
		if err := rb.grow(rb.UsedSpace() + n); err != nil {
			return err
		}
	}
	w := atomic.LoadUint64(&rb.wIdx)
	rb.copyIn(w, data)
	atomic.AddUint64(&rb.wIdx, n)
	return nil
}

// grow reallocates the buffer to the smallest size >= need that satisfies
// the ×1.5 growth policy, de-wraps the logical queue into [0, used) of the
// new buffer, and frees the old one back to the mempool.
func (rb *RingBuffer) grow(need uint64) error {
	newCap := rb.cap
	if newCap == 0 {
		newCap = MinSize
	}
	for newCap < need {
		grown := uint64(float64(newCap) * growthFactor)
		if grown <= newCap {
			grown = newCap + 1
		}
		newCap = grown
	}
	if newCap > maxCapacity {
		newCap = maxCapacity
	}
	if newCap < need {
		return errGrowTooLarge
	}

	used := rb.UsedSpace()
	newBuf := allocate(int(newCap))
	if newBuf == nil {
		return errNotAllocated
	}
	if used > 0 {
		rb.copyOutInto(newBuf, used)
	}
	if rb.valid {
		mempool.Free(rb.buf)
	}
	rb.buf = newBuf
	rb.cap = uint64(len(newBuf))
	rb.valid = true
	atomic.StoreUint64(&rb.rIdx, 0)
	atomic.StoreUint64(&rb.wIdx, used)
	return nil
}

// copyIn writes data into rb.buf starting at logical position w mod cap,
// splitting into two segments if the destination range wraps.
func (rb *RingBuffer) copyIn(w uint64, data []byte) {
	c := rb.cap
	pos := w % c
	first := c - pos
	if uint64(len(data)) <= first {
		copy(rb.buf[pos:], data)
		return
	}
	copy(rb.buf[pos:], data[:first])
	copy(rb.buf[0:], data[first:])
}

// copyOutInto copies the logical [read_index, write_index) window into a
// fresh contiguous buffer, starting at offset 0 (used by grow to remove
// wraparound, per spec.md §4.1: "tail is memmoved so the logical queue is
// physically contiguous").
func (rb *RingBuffer) copyOutInto(dst []byte, used uint64) {
	c := rb.cap
	r := atomic.LoadUint64(&rb.rIdx) % c
	first := c - r
	if first >= used {
		copy(dst, rb.buf[r:r+used])
		return
	}
	copy(dst, rb.buf[r:])
	copy(dst[first:], rb.buf[:used-first])
}

// Read copies up to len(dst) bytes out of the queue, returning the number
// of bytes copied (min(len(dst), used_space)), and advances read_index. If
// used becomes 0, both indices are reset to 0 to prevent overflow.
func (rb *RingBuffer) Read(dst []byte) uint64 {
	n := rb.Peek(dst)
	if n == 0 {
		return 0
	}
	rb.Advance(n)
	return n
}

// Peek copies up to len(dst) bytes without advancing read_index.
func (rb *RingBuffer) Peek(dst []byte) uint64 {
	if !rb.valid {
		return 0
	}
	used := rb.UsedSpace()
	n := uint64(len(dst))
	if n > used {
		n = used
	}
	if n == 0 {
		return 0
	}
	c := rb.cap
	r := atomic.LoadUint64(&rb.rIdx) % c
	first := c - r
	if first >= n {
		copy(dst, rb.buf[r:r+n])
	} else {
		copy(dst, rb.buf[r:])
		copy(dst[first:], rb.buf[:n-first])
	}
	return n
}

// Advance consumes n bytes already inspected via Peek, advancing
// read_index by n and resetting both indices to 0 once used reaches 0.
func (rb *RingBuffer) Advance(n uint64) {
	atomic.AddUint64(&rb.rIdx, n)
	r := atomic.LoadUint64(&rb.rIdx)
	w := atomic.LoadUint64(&rb.wIdx)
	if r == w {
		atomic.StoreUint64(&rb.rIdx, 0)
		atomic.StoreUint64(&rb.wIdx, 0)
	}
}

// ContiguousWriteRegion returns the largest contiguous free slice starting
// at write_index mod capacity, for submitting a read directly into the
// ring buffer without an intermediate copy (spec.md §4.5 "Read
// submission"). If the buffer has no free space at all, the caller is
// expected to force a grow first (spec.md §4.5: "a zero-length write").
func (rb *RingBuffer) ContiguousWriteRegion() []byte {
	if !rb.valid {
		return nil
	}
	free := rb.FreeSpace()
	if free == 0 {
		return nil
	}
	c := rb.cap
	w := atomic.LoadUint64(&rb.wIdx) % c
	seg := c - w
	if seg > free {
		seg = free
	}
	return rb.buf[w : w+seg]
}

// CommitWrite advances write_index by n after the caller has deposited n
// bytes directly into the slice returned by ContiguousWriteRegion (used by
// the event loop after a completed read-into-ring-buffer).
func (rb *RingBuffer) CommitWrite(n uint64) {
	atomic.AddUint64(&rb.wIdx, n)
}

// ContiguousReadRegion returns the contiguous readable slice starting at
// read_index mod capacity, for submitting a write directly out of the ring
// buffer (spec.md §4.5 "Write submission").
func (rb *RingBuffer) ContiguousReadRegion() []byte {
	if !rb.valid {
		return nil
	}
	used := rb.UsedSpace()
	if used == 0 {
		return nil
	}
	c := rb.cap
	r := atomic.LoadUint64(&rb.rIdx) % c
	seg := c - r
	if seg > used {
		seg = used
	}
	return rb.buf[r : r+seg]
}

// ForceGrow grows the buffer even though free space may already be
// sufficient for the caller's immediate needs ("a zero-length write",
// spec.md §4.5 Read submission, when FreeSpace is exactly 0).
func (rb *RingBuffer) ForceGrow() error {
	return rb.grow(rb.cap + 1)
}
