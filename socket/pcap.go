package socket

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/patchbay/sacn"
)

// PcapSocket is an alternate Socket implementation that captures raw
// frames with libpcap instead of binding port sacn.Port itself,
// filtering "udp port <n>" and handing the UDP payload to the same
// packet parser the plain socket uses. It is receive-only: Join/Leave
// are no-ops since libpcap sees every multicast group already, and
// nothing needs to join group membership at the kernel level to
// observe traffic promiscuously; Send returns an error.
type PcapSocket struct {
	handle *pcap.Handle
	family sacn.IPFamily
	iface  string
	done   chan struct{}
}

// OpenPcap opens ifaceName for live capture filtered to sACN's UDP port.
// This requires the capabilities libpcap itself requires (root, or
// CAP_NET_RAW) but coexists with another process already bound to
// sacn.Port, which plain Socket cannot do without SO_REUSEPORT support.
func OpenPcap(ifaceName string, family sacn.IPFamily) (*PcapSocket, error) {
	handle, err := pcap.OpenLive(ifaceName, 2048, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("sacn: pcap open %q: %w", ifaceName, err)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("udp port %d", sacn.Port)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("sacn: pcap filter: %w", err)
	}
	return &PcapSocket{handle: handle, family: family, iface: ifaceName, done: make(chan struct{})}, nil
}

func (p *PcapSocket) Family() sacn.IPFamily { return p.family }
func (p *PcapSocket) Interface() string     { return p.iface }

// Join is a no-op: libpcap captures traffic regardless of multicast
// group membership as long as the NIC is in promiscuous mode.
func (p *PcapSocket) Join(net.IP, string) error  { return nil }
func (p *PcapSocket) Leave(net.IP, string) error { return nil }

// Send is unsupported: PcapSocket is the receive-only alternative used
// when another process already owns the transmit-capable plain socket.
func (p *PcapSocket) Send([]byte, net.IP, int) error {
	return fmt.Errorf("sacn: PcapSocket is receive-only")
}

func (p *PcapSocket) BeginReceiving(h Handler) error {
	go p.receiveLoop(h)
	return nil
}

func (p *PcapSocket) receiveLoop(h Handler) {
	src := gopacket.NewPacketSource(p.handle, p.handle.LinkType())
	for {
		select {
		case <-p.done:
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			p.handlePacket(pkt, h)
		}
	}
}

func (p *PcapSocket) handlePacket(pkt gopacket.Packet, h Handler) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return
	}

	var srcIP net.IP
	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		srcIP = v4.(*layers.IPv4).SrcIP
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		srcIP = v6.(*layers.IPv6).SrcIP
	}

	data := make([]byte, len(udp.Payload))
	copy(data, udp.Payload)
	h.OnDatagram(Datagram{
		Data:    data,
		SrcHost: srcIP,
		SrcPort: int(udp.SrcPort),
		Family:  p.family,
	})
}

func (p *PcapSocket) Close() error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}
	p.handle.Close()
	return nil
}

// ListInterfaces returns capture-capable interface names.
func ListInterfaces() ([]string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}
