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

// Package fixedbuf owns the registered-buffer arena described in
// spec.md §4.3: one contiguous allocation of BUFFER_COUNT slots of
// BUFFER_SIZE bytes, registered once with the submission ring, plus a
// bitmap tracking which indices are issued.
//
// The bitmap scan is adapted from the teacher's
// unsafex/malloc.BitmapAllocator.findFreeBit: word-at-a-time scanning
// via math/bits.TrailingZeros64, specialized here to one bit per fixed
// buffer index rather than one bit per arena block (the registry never
// splits or coalesces runs of blocks the way the bitmap allocator's
// multi-block Alloc does, since every fixed buffer is the same size).
package fixedbuf

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/jacoblai/RingMaster/internal/iouring"
	"github.com/jacoblai/RingMaster/ioerr"
	"github.com/jacoblai/RingMaster/slab"
)

// ptrToBytes views a slab-allocated block as a byte slice. Safe here
// because the arena holds only raw I/O bytes, never Go pointers, and the
// slab.Pool backing it (r.arenaBuf) is kept referenced for the registry's
// lifetime, keeping the underlying allocation alive.
func ptrToBytes(ptr unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

// Registry owns the arena and bitmap. Setup/Teardown are one-shot; all
// other operations are internally synchronized because acquire/release
// may be called for connections that arrive faster than one per
// event-loop iteration can drain (spec.md §4.3 acquire/release contract
// does not forbid concurrent callers, unlike the connections array).
type Registry struct {
	mu sync.Mutex

	bufSize  int
	count    int
	arena    []byte // backing storage, from a one-shot slab.Pool allocation
	arenaBuf *slab.Pool

	bitmap []uint64

	iovecs     []iouring.Iovec
	ring       *iouring.Ring
	registered bool
}

// New validates BUFFER_COUNT/BUFFER_SIZE and allocates the arena and
// bitmap, but does not yet register with the ring — call Setup for that
// (spec.md §4.3 setup(ring)).
func New(bufferCount, bufferSize int) (*Registry, error) {
	if bufferCount <= 0 || bufferSize <= 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "fixedbuf: bufferCount and bufferSize must be positive")
	}

	r := &Registry{
		bufSize: bufferSize,
		count:   bufferCount,
		bitmap:  make([]uint64, (bufferCount+63)/64),
	}

	// One backing allocation for the whole arena, obtained through the
	// slab allocator: a single block sized to the full arena. Unlike
	// connpool (which must keep live Go pointers inside its slots),
	// fixed buffers are pure bytes, so slab.Pool's raw arena style
	// applies without the GC-safety caveat documented in connpool.
	pool := slab.New(bufferCount*bufferSize, 1, 64)
	ptr := pool.Alloc()
	r.arenaBuf = pool
	r.arena = ptrToBytes(ptr, bufferCount*bufferSize)

	r.iovecs = make([]iouring.Iovec, bufferCount)
	for i := 0; i < bufferCount; i++ {
		r.iovecs[i].Set(r.arena[i*bufferSize : (i+1)*bufferSize])
	}
	return r, nil
}

// Setup registers the arena's iovec array with the submission ring
// (IORING_REGISTER_BUFFERS), a one-shot registration per spec.md §4.3.
// On failure all partial state (the arena) is freed.
func (r *Registry) Setup(ring *iouring.Ring) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ring.RegisterBuffers(r.iovecs); err != nil {
		r.arenaBuf.Destroy()
		return ioerr.Wrap(ioerr.ResourceInitFailed, "fixedbuf: register buffers failed", err)
	}
	r.ring = ring
	r.registered = true
	return nil
}

// Acquire returns the lowest clear bit in the bitmap and sets it, or -1
// if every index is issued (spec.md §4.3's acquire contract, taken
// literally: always the lowest clear bit, not a next-fit cursor — a
// released low index is reused on the very next Acquire rather than
// waiting for a scan to wrap back around to it).
func (r *Registry) Acquire() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findFreeBit(0)
	if idx == -1 {
		return -1
	}
	r.bitmap[idx/64] |= 1 << uint(idx%64)
	return int32(idx)
}

// Release clears the bit for index. Releasing an already-clear or
// out-of-range index is a no-op.
func (r *Registry) Release(index int32) {
	if index < 0 || int(index) >= r.count {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitmap[index/64] &^= 1 << uint(index%64)
}

// Buffer returns the byte slice backing a given registered index, for
// the caller to read/write directly (used with IOSQE read/write-fixed
// opcodes via BufIndex).
func (r *Registry) Buffer(index int32) []byte {
	return r.arena[int(index)*r.bufSize : (int(index)+1)*r.bufSize]
}

// Teardown frees the iovec array and backing storage (spec.md §4.3).
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.arenaBuf.Destroy()
	r.arena = nil
	r.iovecs = nil
	r.registered = false
}

// findFreeBit scans bitmap words from index 0 for the lowest clear bit,
// word-at-a-time via bits.TrailingZeros64, mirroring the teacher's
// BitmapAllocator.findFreeBit.
func (r *Registry) findFreeBit(startIdx int) int {
	for wordIdx := startIdx / 64; wordIdx < len(r.bitmap); wordIdx++ {
		word := r.bitmap[wordIdx]
		if word == ^uint64(0) {
			continue
		}
		idx := wordIdx*64 + bits.TrailingZeros64(^word)
		if idx < r.count {
			return idx
		}
		return -1
	}
	return -1
}
