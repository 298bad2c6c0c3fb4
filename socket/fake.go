package socket

import (
	"fmt"
	"net"
	"sync"

	"github.com/patchbay/sacn"
)

// Fabric is an in-memory multicast switchboard used by package-level
// tests in source, receiver, merged and discovery: every Fake socket
// created from the same Fabric delivers its Send calls to every other
// Fake socket on the Fabric that has Join-ed the destination group (or
// is listening on the exact unicast host:port), without touching a real
// network interface.
type Fabric struct {
	mu      sync.Mutex
	sockets map[*Fake]struct{}
	nextIP  int
}

// NewFabric returns an empty switchboard.
func NewFabric() *Fabric {
	return &Fabric{sockets: map[*Fake]struct{}{}}
}

// NewSocket creates a Fake bound to a synthetic unicast address on this
// fabric, for the given family and interface label.
func (f *Fabric) NewSocket(family sacn.IPFamily, ifaceName string) *Fake {
	f.mu.Lock()
	f.nextIP++
	ip := net.IPv4(10, 0, byte(f.nextIP>>8), byte(f.nextIP&0xff))
	if family == sacn.IPFamilyIPv6 {
		ip = net.ParseIP(fmt.Sprintf("fd00::%x", f.nextIP))
	}
	s := &Fake{
		fabric:  f,
		family:  family,
		iface:   ifaceName,
		localIP: ip,
		groups:  map[string]bool{},
		done:    make(chan struct{}),
	}
	f.sockets[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Fake is an in-memory Socket implementation.
type Fake struct {
	fabric  *Fabric
	family  sacn.IPFamily
	iface   string
	localIP net.IP

	mu     sync.Mutex
	groups map[string]bool
	closed bool
	h      Handler
	done   chan struct{}
}

func (s *Fake) Family() sacn.IPFamily { return s.family }
func (s *Fake) Interface() string     { return s.iface }
func (s *Fake) LocalAddr() net.IP     { return s.localIP }

func (s *Fake) Join(group net.IP, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.String()] = true
	return nil
}

func (s *Fake) Leave(group net.IP, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group.String())
	return nil
}

func (s *Fake) BeginReceiving(h Handler) error {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	return nil
}

// Send fans the datagram out synchronously to every other socket on the
// fabric that joined host (multicast) or whose local address is host
// (unicast), mirroring real UDP delivery closely enough for the state
// machines under test.
func (s *Fake) Send(data []byte, host net.IP, port int) error {
	s.fabric.mu.Lock()
	targets := make([]*Fake, 0, len(s.fabric.sockets))
	for other := range s.fabric.sockets {
		if other == s {
			continue
		}
		targets = append(targets, other)
	}
	s.fabric.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	for _, other := range targets {
		other.mu.Lock()
		deliver := other.groups[host.String()] || other.localIP.Equal(host)
		h := other.h
		closed := other.closed
		other.mu.Unlock()
		if !deliver || h == nil || closed {
			continue
		}
		h.OnDatagram(Datagram{Data: cp, SrcHost: s.localIP, SrcPort: port, Family: s.family})
	}
	return nil
}

func (s *Fake) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.fabric.mu.Lock()
	delete(s.fabric.sockets, s)
	s.fabric.mu.Unlock()
	close(s.done)
	return nil
}
