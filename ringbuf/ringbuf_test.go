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

package ringbuf

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllocatesAtLeastMinSize(t *testing.T) {
	rb := New(16)
	require.True(t, rb.Valid())
	assert.GreaterOrEqual(t, rb.Cap(), uint64(MinSize))
}

func TestWriteReadRoundTrip(t *testing.T) {
	rb := New(MinSize)
	data := []byte("hello world")

	require.NoError(t, rb.Write(data))
	assert.Equal(t, uint64(len(data)), rb.UsedSpace())

	out := make([]byte, len(data))
	n := rb.Read(out)
	assert.Equal(t, uint64(len(data)), n)
	assert.True(t, bytes.Equal(data, out))
	assert.Equal(t, uint64(0), rb.UsedSpace())
}

// TestUsedSpaceIncreasesByExactlyN covers the property that a successful
// Write of n bytes increases UsedSpace by exactly n, regardless of prior
// occupancy or wraparound.
func TestUsedSpaceIncreasesByExactlyN(t *testing.T) {
	rb := New(MinSize)
	before := rb.UsedSpace()
	require.NoError(t, rb.Write([]byte("abcde")))
	assert.Equal(t, before+5, rb.UsedSpace())

	before = rb.UsedSpace()
	require.NoError(t, rb.Write([]byte("fghij")))
	assert.Equal(t, before+5, rb.UsedSpace())
}

// TestPeekDoesNotAdvance ensures Peek leaves read_index untouched, so a
// caller can inspect before committing to consume.
func TestPeekDoesNotAdvance(t *testing.T) {
	rb := New(MinSize)
	require.NoError(t, rb.Write([]byte("abcdef")))

	buf1 := make([]byte, 3)
	n1 := rb.Peek(buf1)
	require.Equal(t, uint64(3), n1)

	buf2 := make([]byte, 3)
	n2 := rb.Peek(buf2)
	require.Equal(t, uint64(3), n2)

	assert.Equal(t, buf1, buf2)
	assert.Equal(t, uint64(6), rb.UsedSpace())
}

// TestWrapAroundPreservesPrefixEquality writes and partially reads in a
// loop so the write cursor wraps past the end of the backing buffer, and
// checks every byte read back matches what was written, in order.
func TestWrapAroundPreservesPrefixEquality(t *testing.T) {
	rb := New(MinSize)

	var written, read []byte
	chunk := []byte("0123456789")
	for i := 0; i < 20; i++ {
		require.NoError(t, rb.Write(chunk))
		written = append(written, chunk...)

		out := make([]byte, 4)
		n := rb.Read(out)
		read = append(read, out[:n]...)
	}
	// drain remainder
	for rb.UsedSpace() > 0 {
		out := make([]byte, 7)
		n := rb.Read(out)
		read = append(read, out[:n]...)
	}
	assert.Equal(t, written, read)
}

// TestRoundTripAfterDrainResetsIndices checks that once used_space reaches
// zero both indices reset to 0, so capacity does not silently shrink due
// to perpetually advancing indices.
func TestRoundTripAfterDrainResetsIndices(t *testing.T) {
	rb := New(MinSize)
	require.NoError(t, rb.Write([]byte("payload")))
	out := make([]byte, 7)
	rb.Read(out)

	assert.Equal(t, uint64(0), rb.UsedSpace())
	assert.Equal(t, uint64(0), atomic.LoadUint64(&rb.rIdx))
	assert.Equal(t, uint64(0), atomic.LoadUint64(&rb.wIdx))
}

// TestGrowthPreservesBytes forces growth past the initial capacity and
// verifies every previously written byte is still readable afterward, in
// order, with no corruption from the de-wrap copy.
func TestGrowthPreservesBytes(t *testing.T) {
	rb := New(MinSize)
	var all []byte
	chunk := bytes.Repeat([]byte{'x'}, 40)
	for i := 0; i < 10; i++ {
		chunk[0] = byte('a' + i)
		require.NoError(t, rb.Write(chunk))
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		all = append(all, cp...)
	}
	assert.GreaterOrEqual(t, rb.Cap(), uint64(len(all)))

	out := make([]byte, len(all))
	n := rb.Read(out)
	require.Equal(t, uint64(len(all)), n)
	assert.Equal(t, all, out)
}

func TestForceGrowIncreasesCapacity(t *testing.T) {
	rb := New(MinSize)
	before := rb.Cap()
	require.NoError(t, rb.ForceGrow())
	assert.Greater(t, rb.Cap(), before)
}

func TestContiguousRegionsRoundTrip(t *testing.T) {
	rb := New(MinSize)
	region := rb.ContiguousWriteRegion()
	require.NotEmpty(t, region)
	n := copy(region, []byte("zero-copy"))
	rb.CommitWrite(uint64(n))

	readRegion := rb.ContiguousReadRegion()
	require.Len(t, readRegion, n)
	assert.Equal(t, "zero-copy", string(readRegion))
}

func TestReleaseInvalidatesBuffer(t *testing.T) {
	rb := New(MinSize)
	rb.Release()
	assert.False(t, rb.Valid())
	assert.Equal(t, uint64(0), rb.FreeSpace())

	err := rb.Write([]byte("x"))
	assert.ErrorIs(t, err, errNotAllocated)
}

func TestReuseResetsWithoutReallocatingWhenValid(t *testing.T) {
	rb := New(MinSize)
	require.NoError(t, rb.Write([]byte("stale")))
	capBefore := rb.Cap()

	rb.Reuse()
	assert.True(t, rb.Valid())
	assert.Equal(t, capBefore, rb.Cap())
	assert.Equal(t, uint64(0), rb.UsedSpace())
}
