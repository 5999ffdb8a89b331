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
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jacoblai/RingMaster/connpool"
	"github.com/jacoblai/RingMaster/ioerr"
	"github.com/jacoblai/RingMaster/ringbuf"
)

// pollInterval is how often the loop re-checks PeekCQE and the shutdown
// flag when the completion queue is momentarily empty. This approximates
// spec.md §4.5's "wait with a short timeout (e.g. 100ms) so shutdown is
// responsive" ordering (b), without requiring an IORING_OP_TIMEOUT
// companion SQE.
const pollInterval = 2 * time.Millisecond

// Run drives the event loop until RequestShutdown is called. It submits
// the standing accept, then repeatedly: walks the pending-resubmit list,
// submits queued entries, waits for (or polls for) one completion,
// dispatches it, and marks it seen.
//
// On return every connections-array entry is nil and the listener fd is
// closed (spec.md §8 property 10); Cleanup of the remaining resources
// (ring, fixed-buffer registry) is the caller's responsibility via
// resource.Manager.Cleanup.
func (s *Server) Run() error {
	if err := s.submitAccept(); err != nil {
		return err
	}

	for !s.isShuttingDown() {
		s.drainPendingResubmits()
		if !s.acceptOutstanding {
			_ = s.submitAccept()
		}

		if _, errno := s.res.Ring.Submit(); errno != 0 && errno != syscall.EINTR {
			s.log.WithField("errno", errno).Error("submit failed")
		}

		cqe := s.res.Ring.PeekCQE()
		if cqe == nil {
			time.Sleep(pollInterval)
			continue
		}
		userData, res := cqe.UserData, cqe.Res
		s.res.Ring.AdvanceCQ()
		s.dispatch(userData, res)
	}

	s.shutdownSweep()
	if s.res.ListenFd >= 0 {
		unix.Close(int(s.res.ListenFd))
		s.res.ListenFd = -1
	}
	return nil
}

func (s *Server) dispatch(userData uint64, res int32) {
	if isAcceptCompletion(userData) {
		s.handleAccept(res)
		return
	}
	conn, live := s.res.Conns.Get(slabIndexOf(userData))
	if !live {
		// Stale completion against an already-closed slot
		// (SPEC_FULL.md §9 resolution #1); safe to drop.
		return
	}
	s.handleConnectionCompletion(conn, res)
}

func (s *Server) drainPendingResubmits() {
	if len(s.pendingResubmit) == 0 {
		return
	}
	pending := s.pendingResubmit
	s.pendingResubmit = s.pendingResubmit[:0]
	for _, idx := range pending {
		conn, live := s.res.Conns.Get(idx)
		if !live {
			continue
		}
		conn.NeedsResubmit = false
		s.submitForState(conn)
	}
}

func (s *Server) submitForState(conn *connpool.Connection) {
	if conn.State == connpool.StateReading {
		s.submitRead(conn)
	} else {
		s.submitWrite(conn)
	}
}

// submitAccept keeps the listener armed; there is always exactly one
// accept outstanding (spec.md §4.5). An accept dropped for a full
// submission queue is retried by Run on its next iteration.
func (s *Server) submitAccept() error {
	if !s.res.Ring.SubmitAccept(s.res.ListenFd, acceptUserData()) {
		s.log.Error(ioerr.New(ioerr.URingQueueFull, "no SQE available for accept").Line())
		s.acceptOutstanding = false
		return nil
	}
	s.acceptOutstanding = true
	return nil
}

// handleAccept validates the returned fd, acquires a connection slot,
// registers it, fires on_connect, and arms both the new connection's
// first read and a fresh accept (spec.md §4.5 "Accept handling").
func (s *Server) handleAccept(res int32) {
	s.acceptOutstanding = false
	defer s.submitAccept()

	if res < 0 {
		s.log.WithField("errno", -res).Error(ioerr.New(ioerr.SocketCreateFailed, "accept failed").Line())
		return
	}
	fd := res
	if int(fd) >= len(s.connsByFd) {
		s.log.Error(ioerr.New(ioerr.ConnectionLimitReached, "accepted fd exceeds max_connections").Line())
		s.res.Metrics.Error(ioerr.ConnectionLimitReached)
		unix.Close(int(fd))
		return
	}

	conn := s.res.Conns.Acquire()
	conn.Fd = fd
	conn.Peer = peerAddrPort(fd)
	conn.ReadBuf = ringbuf.New(s.cfg.RingBufferInitial)
	conn.WriteBuf = ringbuf.New(s.cfg.RingBufferInitial)
	conn.State = connpool.StateReading

	s.connsByFd[fd] = conn
	s.res.Metrics.ConnectionAccepted()

	if s.cb.OnConnect != nil {
		s.cb.OnConnect(conn.Peer)
	}
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": conn.Peer, "conn": conn.CorrelationID}).Info("connection accepted")

	s.submitRead(conn)
}

func peerAddrPort(fd int32) netip.AddrPort {
	sa, err := unix.Getpeername(int(fd))
	if err != nil {
		return netip.AddrPort{}
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(netip.AddrFrom4(v4.Addr), uint16(v4.Port))
}

// submitRead arms a read-fixed against the connection's lazily-assigned
// registered buffer index (spec.md §4.5 "Read submission": "the
// connection's assigned buffer index is used (acquired lazily on first
// read)"). If the registry is exhausted, falls back to a plain recv
// directly into the ring buffer's contiguous free region.
func (s *Server) submitRead(conn *connpool.Connection) {
	conn.State = connpool.StateReading

	if conn.BufIndex == connpool.NoBuffer {
		conn.BufIndex = s.res.FixedBuf.Acquire()
	}

	var armed bool
	if conn.BufIndex != connpool.NoBuffer {
		buf := s.res.FixedBuf.Buffer(conn.BufIndex)
		armed = s.res.Ring.SubmitReadFixed(conn.Fd, buf, uint16(conn.BufIndex), ioUserData(conn.SlabIndex))
	} else {
		if conn.ReadBuf.FreeSpace() == 0 {
			_ = conn.ReadBuf.ForceGrow()
		}
		region := conn.ReadBuf.ContiguousWriteRegion()
		armed = s.res.Ring.SubmitRecv(conn.Fd, region, ioUserData(conn.SlabIndex))
	}
	if !armed {
		s.dropForQueueFull(conn)
	}
}

// submitWrite arms a send over the contiguous readable region of the
// write buffer (spec.md §4.5 "Write submission"). If the write buffer is
// empty, a read is submitted instead, keeping the machine valid.
func (s *Server) submitWrite(conn *connpool.Connection) {
	if conn.WriteBuf.UsedSpace() == 0 {
		s.submitRead(conn)
		return
	}
	conn.State = connpool.StateWriting

	region := conn.WriteBuf.ContiguousReadRegion()
	if !s.res.Ring.SubmitSend(conn.Fd, region, ioUserData(conn.SlabIndex)) {
		s.dropForQueueFull(conn)
	}
}

func (s *Server) dropForQueueFull(conn *connpool.Connection) {
	s.log.Error(ioerr.New(ioerr.URingQueueFull, "submission ring full, dropping op").Line())
	s.res.Metrics.Error(ioerr.URingQueueFull)
	conn.NeedsResubmit = true
	s.queueResubmit(conn.SlabIndex)
}

// handleConnectionCompletion implements spec.md §4.5's state table.
func (s *Server) handleConnectionCompletion(conn *connpool.Connection, res int32) {
	switch conn.State {
	case connpool.StateReading:
		s.handleReadCompletion(conn, res)
	case connpool.StateWriting:
		s.handleWriteCompletion(conn, res)
	}
}

func (s *Server) handleReadCompletion(conn *connpool.Connection, res int32) {
	if res < 0 {
		s.log.WithField("errno", -res).Error(ioerr.New(ioerr.InvalidArgument, "read completion error").Line())
		s.closeAndFree(conn)
		return
	}
	if res == 0 {
		s.closeAndFree(conn)
		return
	}

	n := uint64(res)
	if conn.BufIndex != connpool.NoBuffer {
		src := s.res.FixedBuf.Buffer(conn.BufIndex)[:n]
		_ = conn.ReadBuf.Write(src)
	} else {
		conn.ReadBuf.CommitWrite(n)
	}
	data := lastNBytes(conn.ReadBuf, n)

	if s.cb.OnData != nil {
		s.cb.OnData(conn.Peer, data)
	}

	// Unconditional echo per spec.md §4.5's read-completion row ("copy
	// bytes into write buffer"); on_data above is a pure observer.
	_ = conn.WriteBuf.Write(data)

	conn.ReadBuf.Advance(n)
	s.submitWrite(conn)
}

// lastNBytes returns the n most recently committed bytes of rb without
// disturbing read_index, used to hand on_data a contiguous view even
// when the just-written region wraps.
func lastNBytes(rb *ringbuf.RingBuffer, n uint64) []byte {
	buf := make([]byte, n)
	used := rb.UsedSpace()
	tmp := make([]byte, used)
	rb.Peek(tmp)
	return append(buf[:0], tmp[used-n:]...)
}

func (s *Server) handleWriteCompletion(conn *connpool.Connection, res int32) {
	if res <= 0 {
		s.log.WithField("errno", -res).Error(ioerr.New(ioerr.InvalidArgument, "write completion error").Line())
		s.closeAndFree(conn)
		return
	}

	conn.WriteBuf.Advance(uint64(res))

	// SPEC_FULL.md §9 resolution #3: after any partial write, resubmit a
	// send if the write buffer still has bytes, else submit a recv.
	if conn.WriteBuf.UsedSpace() > 0 {
		s.submitWrite(conn)
		return
	}
	s.submitRead(conn)
}

// closeAndFree implements spec.md §4.5 "Close-and-free".
func (s *Server) closeAndFree(conn *connpool.Connection) {
	fd := conn.Fd
	if fd >= 0 && int(fd) < len(s.connsByFd) {
		s.connsByFd[fd] = nil
	}
	if fd >= 0 {
		unix.Close(int(fd))
	}

	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(conn.Peer)
	}
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": conn.Peer, "conn": conn.CorrelationID}).Info("connection closed")

	if conn.ReadBuf != nil {
		conn.ReadBuf.Release()
	}
	if conn.WriteBuf != nil {
		conn.WriteBuf.Release()
	}
	if conn.BufIndex != connpool.NoBuffer {
		s.res.FixedBuf.Release(conn.BufIndex)
	}

	s.res.Metrics.ConnectionClosed()
	s.res.Conns.Release(conn)
}

// shutdownSweep closes every remaining live connection (spec.md §5:
// "every remaining connection entry in the connections array is
// closed-and-freed").
func (s *Server) shutdownSweep() {
	for _, conn := range s.connsByFd {
		if conn == nil {
			continue
		}
		s.closeAndFree(conn)
	}
}

// localAddrOf reads back the address a listening socket is bound to, for
// tests that bind an ephemeral port (config.Port == 0) and need the
// kernel-assigned port to dial back in.
func localAddrOf(fd int32) (string, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return "", err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", ioerr.New(ioerr.InvalidArgument, "listener socket is not AF_INET")
	}
	addr := netip.AddrPortFrom(netip.AddrFrom4(v4.Addr), uint16(v4.Port))
	return addr.String(), nil
}
