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

package server

import (
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacoblai/RingMaster/config"
	"github.com/jacoblai/RingMaster/connpool"
	"github.com/jacoblai/RingMaster/fixedbuf"
	"github.com/jacoblai/RingMaster/metrics"
	"github.com/jacoblai/RingMaster/resource"
	"github.com/jacoblai/RingMaster/ringbuf"
)

// newTestServer builds a Server with every resource.Manager field a test
// needs except the io_uring Ring itself (which requires a live kernel),
// so close-and-free and accept-validation logic can be exercised without
// a real ring.
func newTestServer(t *testing.T, maxConns int) (*Server, *resource.Manager) {
	t.Helper()
	cfg := config.Default(7001)
	log := logrus.New()
	log.SetOutput(nopWriter{})

	res := &resource.Manager{
		Config:         cfg,
		Log:            log,
		ListenFd:       -1,
		MaxConnections: maxConns,
		Conns:          connpool.New(4),
		Metrics:        metrics.New(),
	}
	fb, err := fixedbuf.New(4, 64)
	require.NoError(t, err)
	res.FixedBuf = fb

	var disconnected []netip.AddrPort
	s := New(res, Callbacks{
		OnDisconnect: func(p netip.AddrPort) { disconnected = append(disconnected, p) },
	})
	t.Cleanup(func() { _ = disconnected })
	return s, res
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCloseAndFreeClearsConnsByFdSlot(t *testing.T) {
	s, res := newTestServer(t, 8)

	conn := res.Conns.Acquire()
	conn.Fd = 5
	conn.ReadBuf = ringbuf.New(64)
	conn.WriteBuf = ringbuf.New(64)
	s.connsByFd[5] = conn

	// Real fd 5 isn't a socket here, so unix.Close may return an error;
	// closeAndFree must not propagate it or panic, matching spec.md's
	// "double-close is prevented by the array-slot check" contract.
	assert.NotPanics(t, func() { s.closeAndFree(conn) })
	assert.Nil(t, s.connsByFd[5])
}

func TestCloseAndFreeReleasesFixedBufferIndex(t *testing.T) {
	s, res := newTestServer(t, 8)

	conn := res.Conns.Acquire()
	conn.Fd = 6
	conn.ReadBuf = ringbuf.New(64)
	conn.WriteBuf = ringbuf.New(64)
	conn.BufIndex = res.FixedBuf.Acquire()
	require.NotEqual(t, connpool.NoBuffer, conn.BufIndex)
	released := conn.BufIndex
	s.connsByFd[6] = conn

	s.closeAndFree(conn)

	reacquired := res.FixedBuf.Acquire()
	assert.Equal(t, released, reacquired, "the released index must be reusable")
}

func TestShutdownSweepClosesEveryLiveConnection(t *testing.T) {
	s, res := newTestServer(t, 16)

	for _, fd := range []int32{10, 11, 12} {
		conn := res.Conns.Acquire()
		conn.Fd = fd
		conn.ReadBuf = ringbuf.New(64)
		conn.WriteBuf = ringbuf.New(64)
		s.connsByFd[fd] = conn
	}

	s.shutdownSweep()

	for _, fd := range []int32{10, 11, 12} {
		assert.Nil(t, s.connsByFd[fd])
	}
}

func TestRequestShutdownSetsFlag(t *testing.T) {
	s, _ := newTestServer(t, 8)
	assert.False(t, s.isShuttingDown())
	s.RequestShutdown()
	assert.True(t, s.isShuttingDown())
}
