// Package transport provides one concrete, non-blocking implementation of
// socket.Socket over net.UDPConn (SPEC_FULL.md §C "Reference UDP socket
// adapter"). It is supplemental: spec.md §1/§6 treats the datagram socket
// as entirely caller-supplied, and the core never imports this package.
// UDPSocket exists so integration tests (and any host that wants it) have
// a real, working Socket without writing their own.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/wallstop/fortress-rollback/socket"
)

// maxDatagramSize bounds a single ReceiveAll read. Fortress Rollback's Input
// messages are small (a handful of compressed bytes plus a fixed header);
// this comfortably exceeds any message the wire codec produces without
// fragmentation.
const maxDatagramSize = 4096

// UDPSocket implements socket.Socket[string] (string addresses, "host:port"
// form) over a single bound net.UDPConn. Send resolves addr per call so one
// UDPSocket can talk to any number of remotes from one local port, mirroring
// the one-socket-many-peers shape package session expects.
type UDPSocket struct {
	conn *net.UDPConn
	buf  []byte
}

// Listen binds a UDPSocket to localAddr ("host:port", or ":0" for an
// ephemeral port). ReceiveAll on the returned socket drains whatever is
// already queued in the kernel socket buffer and waits at most about one
// millisecond when nothing is queued.
func Listen(localAddr string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", localAddr, err)
	}
	return &UDPSocket{conn: conn, buf: make([]byte, maxDatagramSize)}, nil
}

// LocalAddr returns the address the socket is bound to.
func (s *UDPSocket) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

// Send transmits data to addr ("host:port"). A resolve or write failure is
// swallowed: spec.md §6 "Send transmits data to addr ... may drop it
// silently" — the peer protocol's retransmission window is what makes that
// safe, and a Socket implementation has no one useful to report a transient
// network error to anyway.
func (s *UDPSocket) Send(addr string, data []byte) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	_, _ = s.conn.WriteToUDP(data, udpAddr)
}

// ReceiveAll drains every datagram currently available. It sets a
// one-millisecond read deadline before each attempt (a deadline already in
// the past would fail the read before it looks at queued data); on a
// timeout (meaning "nothing queued right now") it stops and returns what it
// has collected so far, which may be empty.
func (s *UDPSocket) ReceiveAll() []socket.Packet[string] {
	var out []socket.Packet[string]
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return out
		}
		n, addr, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return out
			}
			return out
		}
		data := make([]byte, n)
		copy(data, s.buf[:n])
		out = append(out, socket.Packet[string]{Addr: addr.String(), Data: data})
	}
}

// Close releases the underlying UDP connection.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
