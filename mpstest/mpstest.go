// Package mpstest is shared test support for the mps package: a stream
// loopback, a loopback UDP socket pair with an optional deterministic drop
// model, and a deterministic timer that advances on command instead of
// wall-clock time.
package mpstest

import (
	"net"

	"golang.org/x/net/nettest"
)

// Loopback returns two connected net.Conn endpoints backed by
// nettest.Pipe, suitable for driving a stream-mode mps.Context end to end
// without a real socket.
func Loopback() (a, b net.Conn) {
	return nettest.Pipe()
}

// PacketLoopback returns two connected net.PacketConn endpoints for
// datagram-mode testing, via a pair of UDP sockets on loopback.
func PacketLoopback() (a, b net.PacketConn, err error) {
	pc1, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	pc2, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		pc1.Close()
		return nil, nil, err
	}
	return &connectedPacketConn{PacketConn: pc1, remote: pc2.LocalAddr()},
		&connectedPacketConn{PacketConn: pc2, remote: pc1.LocalAddr()}, nil
}

// connectedPacketConn pins WriteTo's destination so callers can drive it
// through the mps.Sender/Receiver function-adapter shape (plain
// Send([]byte) / Recv([]byte)) without tracking addresses themselves.
type connectedPacketConn struct {
	net.PacketConn
	remote net.Addr
}

func (c *connectedPacketConn) Send(b []byte) (int, error) {
	return c.WriteTo(b, c.remote)
}

func (c *connectedPacketConn) Recv(b []byte) (int, error) {
	n, _, err := c.ReadFrom(b)
	return n, err
}

// LossModel drops datagrams deterministically on the send side, for
// exercising the flight retransmission state machine's read-side
// transitions. It does not reorder datagrams.
type LossModel struct {
	// Drop(i) reports whether the i'th datagram sent through this model
	// should be discarded. i is 0-based and counts only datagrams that
	// reach Send, not retries.
	Drop func(i int) bool

	inner net.PacketConn
	peer  net.Addr
	sent  int
}

// NewLossyConn wraps a connected packet conn with a deterministic drop
// pattern on the send side.
func NewLossyConn(inner net.PacketConn, peer net.Addr, drop func(i int) bool) *LossModel {
	return &LossModel{Drop: drop, inner: inner, peer: peer}
}

func (l *LossModel) Send(b []byte) (int, error) {
	i := l.sent
	l.sent++
	if l.Drop != nil && l.Drop(i) {
		return len(b), nil // report success to the caller; the datagram never reaches the wire
	}
	return l.inner.WriteTo(b, l.peer)
}

func (l *LossModel) Recv(b []byte) (int, error) {
	n, _, err := l.inner.ReadFrom(b)
	return n, err
}
