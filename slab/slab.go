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

// Package slab implements the fixed-size-object pool described in
// spec.md §4.2: a singly-linked free list of block_size-aligned slots,
// plus the list of every backing allocation needed for teardown.
//
// Unlike the teacher's unsafex/malloc.BitmapAllocator (which tracks
// variable-size, buddy-split regions with a bitmap), this pool only ever
// hands out one fixed size, so the free list is carried intrusively: the
// first pointer-sized word of a free slot is the pointer to the next free
// slot, following the same arena/offset style the teacher uses for its
// bump allocators but without the bitmap bookkeeping a fixed-size pool
// does not need.
package slab

import (
	"sync"
	"unsafe"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// Pool is a fixed-block-size allocator, safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	blockSize int
	alignment int

	free unsafe.Pointer // head of the intrusive free list, nil if empty

	arenas [][]byte // every backing allocation, for destroy and for GC retention
}

// New creates a pool whose slots are at least blockSize bytes, aligned to
// alignment (which is rounded up to at least the pointer size and to the
// next power of two, per spec.md §4.2), and pre-allocates initialBlocks
// slots onto the free list.
func New(blockSize, initialBlocks, alignment int) *Pool {
	align := nextPowerOfTwo(maxInt(alignment, int(ptrSize)))
	size := alignUp(maxInt(blockSize, int(ptrSize)), align)

	p := &Pool{
		blockSize: size,
		alignment: align,
	}
	if initialBlocks > 0 {
		p.grow(initialBlocks)
	}
	return p
}

// BlockSize returns the rounded block size every slot is allocated at.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Alloc pops a slot from the free list, growing the pool by one backing
// allocation of fresh slots if the free list is empty.
func (p *Pool) Alloc() unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == nil {
		p.grow(1)
	}
	slot := p.free
	p.free = *(*unsafe.Pointer)(slot)
	// Clear the intrusive link word so the caller sees a zeroed slot,
	// matching spec.md §5's "re-use yields a zeroed struct" for the
	// first pointer-sized word; callers still zero the rest themselves.
	*(*unsafe.Pointer)(slot) = nil
	return slot
}

// Free pushes ptr back onto the free list. The caller must only pass
// pointers previously returned by Alloc on this pool; passing any other
// pointer corrupts the free list (spec.md §4.2: "no validation; caller
// must only return slots obtained from this pool").
func (p *Pool) Free(ptr unsafe.Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	*(*unsafe.Pointer)(ptr) = p.free
	p.free = ptr
}

// Destroy releases every backing allocation. After Destroy the pool must
// not be used again; any pointer issued before Destroy is no longer
// backed by retained memory once the garbage collector reclaims it.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.arenas = nil
	p.free = nil
}

// grow allocates one fresh backing arena holding n slots and threads them
// onto the free list. Must be called with p.mu held.
func (p *Pool) grow(n int) {
	arena := make([]byte, n*p.blockSize+p.alignment)
	p.arenas = append(p.arenas, arena)

	base := alignUp(int(uintptr(unsafe.Pointer(&arena[0]))), p.alignment)
	off := base - int(uintptr(unsafe.Pointer(&arena[0])))

	for i := 0; i < n; i++ {
		slot := unsafe.Pointer(&arena[off+i*p.blockSize])
		*(*unsafe.Pointer)(slot) = p.free
		p.free = slot
	}
}

func nextPowerOfTwo(v int) int {
	if v <= 1 {
		return 1
	}
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
