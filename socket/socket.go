// Package socket provides the UDP multicast capability that package
// source, receiver and discovery consume. It is deliberately small and
// swappable: production code uses Socket (a real multicast UDP
// endpoint with bind/join/leave/send/begin_receiving/close), tests use
// Fake (an in-memory switchboard that fans datagrams out to every
// socket that joined the same group), and a privileged alternative,
// PcapSocket, captures raw Ethernet frames off the wire instead of
// binding a UDP socket, for use when port 5568 is already bound by
// another process.
package socket

import (
	"net"

	"github.com/patchbay/sacn"
)

// Datagram is one received UDP payload, tagged with its source
// address and IP family.
type Datagram struct {
	Data     []byte
	SrcHost  net.IP
	SrcPort  int
	Family   sacn.IPFamily
}

// Handler receives datagrams and the closed notification from a Socket.
// Both callbacks run on the socket's own receive-loop goroutine; callers
// that mutate shared state must serialize internally (see package
// source/receiver's single-worker pattern).
type Handler interface {
	OnDatagram(Datagram)
	OnClosed(err error)
}

// Socket is the capability consumed by the protocol runtime: a bound UDP
// endpoint that can join/leave multicast groups on a named interface
// (or the wildcard interface), send datagrams, and deliver received
// ones to a Handler. All sACN traffic uses port sacn.Port (5568).
type Socket interface {
	// Join adds membership in the multicast group on the given
	// interface (empty ifaceName = wildcard / any-interface IPv4 only).
	Join(group net.IP, ifaceName string) error

	// Leave removes membership in the multicast group.
	Leave(group net.IP, ifaceName string) error

	// Send transmits data to host:port. For multicast sends, host is a
	// group address previously passed to Join.
	Send(data []byte, host net.IP, port int) error

	// BeginReceiving starts the receive loop, delivering every
	// subsequent datagram to h until Close is called.
	BeginReceiving(h Handler) error

	// Family reports which IP family this socket serves.
	Family() sacn.IPFamily

	// Interface reports the bound interface name, or "" for wildcard.
	Interface() string

	// Close stops receiving and releases the underlying fd. It is safe
	// to call more than once.
	Close() error
}
