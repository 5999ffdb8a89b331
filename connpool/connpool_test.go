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

package connpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireResetsLifecycleFields(t *testing.T) {
	p := New(4)
	c := p.Acquire()
	assert.Equal(t, int32(-1), c.Fd)
	assert.Equal(t, NoBuffer, c.BufIndex)
	assert.Equal(t, StateReading, c.State)
	assert.False(t, c.NeedsResubmit)
}

func TestAcquireGrowsWhenExhausted(t *testing.T) {
	p := New(1)
	first := p.Acquire()
	second := p.Acquire() // pool had only 1 slot, must grow
	assert.NotEqual(t, first.SlabIndex, second.SlabIndex)
	assert.Equal(t, 2, p.Cap())
}

func TestReleaseThenAcquireReusesSlabIndex(t *testing.T) {
	p := New(2)
	c := p.Acquire()
	idx := c.SlabIndex
	p.Release(c)

	reacquired := p.Acquire()
	assert.Equal(t, idx, reacquired.SlabIndex)
}

func TestGetRejectsStaleOrOutOfRangeIndex(t *testing.T) {
	p := New(1)
	c := p.Acquire()
	idx := c.SlabIndex
	p.Release(c)

	_, live := p.Get(idx)
	assert.False(t, live, "a released slot must report not-live")

	_, ok := p.Get(idx + 1000)
	assert.False(t, ok, "an out-of-range index must be rejected, never panic")
}

func TestGetReturnsLiveConnection(t *testing.T) {
	p := New(1)
	c := p.Acquire()
	got, live := p.Get(c.SlabIndex)
	require.True(t, live)
	assert.Same(t, c, got)
}
