package socket

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/patchbay/sacn"
)

// udpSocket is the real Socket implementation: one UDP endpoint bound to
// sacn.Port on a single interface (or the wildcard interface), joined to
// zero or more multicast groups, with SO_REUSEPORT enabled so several
// receivers can share the port.
type udpSocket struct {
	family    sacn.IPFamily
	ifaceName string
	iface     *net.Interface

	conn   *net.UDPConn
	pconn4 *ipv4.PacketConn
	pconn6 *ipv6.PacketConn

	done chan struct{}
}

// Bind opens a UDP socket for the given family and interface (empty
// ifaceName binds the IPv4 wildcard address; IPv6 always requires a
// named interface, since interfaces must be non-empty whenever
// ip_mode involves IPv6).
func Bind(family sacn.IPFamily, ifaceName string) (Socket, error) {
	var iface *net.Interface
	if ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, sacn.WrapSocketErr(sacn.ErrCouldNotBind, fmt.Sprintf("interface %q: %v", ifaceName, err))
		}
	}

	network := "udp4"
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: sacn.Port}
	if family == sacn.IPFamilyIPv6 {
		network = "udp6"
		addr = &net.UDPAddr{IP: net.IPv6unspecified, Port: sacn.Port}
		if iface != nil {
			addr.Zone = iface.Name
		}
	}

	lc := net.ListenConfig{Control: setReusePort}
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, sacn.WrapSocketErr(sacn.ErrCouldNotBind, err.Error())
	}
	conn := pc.(*net.UDPConn)

	s := &udpSocket{
		family:    family,
		ifaceName: ifaceName,
		iface:     iface,
		conn:      conn,
		done:      make(chan struct{}),
	}

	if family == sacn.IPFamilyIPv6 {
		s.pconn6 = ipv6.NewPacketConn(conn)
	} else {
		s.pconn4 = ipv4.NewPacketConn(conn)
	}

	// A bound interface must steer outgoing multicast traffic too, not
	// just group membership: without this, every socket sends via the
	// OS's default route regardless of which interface it was bound to.
	if iface != nil {
		var err error
		if family == sacn.IPFamilyIPv6 {
			err = s.pconn6.SetMulticastInterface(iface)
		} else {
			err = s.pconn4.SetMulticastInterface(iface)
		}
		if err != nil {
			conn.Close()
			return nil, sacn.WrapSocketErr(sacn.ErrCouldNotAssignInterface, fmt.Sprintf("interface %q: %v", ifaceName, err))
		}
	}

	return s, nil
}

func (s *udpSocket) Family() sacn.IPFamily { return s.family }
func (s *udpSocket) Interface() string     { return s.ifaceName }

func (s *udpSocket) Join(group net.IP, ifaceName string) error {
	iface := s.iface
	if ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return sacn.WrapSocketErr(sacn.ErrCouldNotJoin, err.Error())
		}
	}

	var err error
	if s.family == sacn.IPFamilyIPv6 {
		err = s.pconn6.JoinGroup(iface, &net.UDPAddr{IP: group})
	} else {
		err = s.pconn4.JoinGroup(iface, &net.UDPAddr{IP: group})
	}
	if err != nil {
		return sacn.WrapSocketErr(sacn.ErrCouldNotJoin, group.String())
	}
	return nil
}

func (s *udpSocket) Leave(group net.IP, ifaceName string) error {
	iface := s.iface
	if ifaceName != "" {
		iface, _ = net.InterfaceByName(ifaceName)
	}

	var err error
	if s.family == sacn.IPFamilyIPv6 {
		err = s.pconn6.LeaveGroup(iface, &net.UDPAddr{IP: group})
	} else {
		err = s.pconn4.LeaveGroup(iface, &net.UDPAddr{IP: group})
	}
	if err != nil {
		return sacn.WrapSocketErr(sacn.ErrCouldNotLeave, group.String())
	}
	return nil
}

func (s *udpSocket) Send(data []byte, host net.IP, port int) error {
	_, err := s.conn.WriteToUDP(data, &net.UDPAddr{IP: host, Port: port})
	return err
}

func (s *udpSocket) BeginReceiving(h Handler) error {
	go s.receiveLoop(h)
	return nil
}

func (s *udpSocket) receiveLoop(h Handler) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				h.OnClosed(sacn.WrapSocketErr(sacn.ErrCouldNotReceive, err.Error()))
				return
			}
		}

		out := make([]byte, n)
		copy(out, buf[:n])
		h.OnDatagram(Datagram{
			Data:    out,
			SrcHost: src.IP,
			SrcPort: src.Port,
			Family:  s.family,
		})
	}
}

func (s *udpSocket) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}

// setReusePort enables SO_REUSEPORT on the raw fd before bind, so that
// multiple receivers can coexist on the same port.
func setReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return sacn.WrapSocketErr(sacn.ErrCouldNotEnablePortReuse, sockErr.Error())
	}
	return nil
}
