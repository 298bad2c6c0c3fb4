// Package discovery implements the universe-discovery receiver: it
// joins the well-known discovery multicast group, reassembles each
// source's paged universe list, and evicts sources that stop
// advertising.
package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/sacnio"
	"github.com/patchbay/sacn/socket"
)

const (
	heartbeatPeriod = 500 * time.Millisecond
	expiryTimeout   = 2 * 10 * time.Second
)

// SourceInfo is delivered once a source's paged universe list has been
// fully and consistently reassembled.
type SourceInfo struct {
	CID       sacn.CID
	Name      string
	Universes []uint16
}

// Delegate receives discovery notifications. Methods are called
// synchronously from the receiver's worker goroutine and must not
// block.
type Delegate interface {
	OnSourceInfo(info SourceInfo)
	OnLostSources(cids []sacn.CID)
	OnSocketClosed(iface string, err error)
}

// Config configures a Receiver. SocketFactory defaults to socket.Bind;
// Clock defaults to sacnio.SystemClock.
type Config struct {
	IPMode        sacn.IPMode
	Interfaces    []string
	Clock         sacnio.Clock
	SocketFactory func(family sacn.IPFamily, ifaceName string) (socket.Socket, error)
	Logger        zerolog.Logger
}

type discoverySource struct {
	cid  sacn.CID
	name string

	universes         []uint16
	universeCount     int
	nextPage          uint8
	nextUniverseIndex int
	dirty             bool

	lastPacketAt time.Time
}

// Receiver tracks every advertising source on the discovery multicast
// group. All mutable state is confined to a single worker goroutine.
type Receiver struct {
	cfg   Config
	clock sacnio.Clock
	log   zerolog.Logger

	actions chan func()
	done    chan struct{}
	wg      sync.WaitGroup

	delegate atomic.Pointer[Delegate]

	sockets   map[string]socket.Socket
	heartbeat sacnio.Ticker

	sources map[sacn.CID]*discoverySource

	started bool
}

// New validates cfg and returns a not-yet-started Receiver.
func New(cfg Config) (*Receiver, error) {
	if cfg.IPMode != sacn.IPv4Only && len(cfg.Interfaces) == 0 {
		return nil, sacn.ErrInterfacesRequired
	}
	if cfg.Clock == nil {
		cfg.Clock = sacnio.SystemClock{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return socket.Bind(family, ifaceName)
		}
	}
	return &Receiver{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		actions: make(chan func(), 16),
		done:    make(chan struct{}),
		sockets: map[string]socket.Socket{},
		sources: map[sacn.CID]*discoverySource{},
	}, nil
}

func (r *Receiver) SetDelegate(d Delegate) {
	if d == nil {
		r.delegate.Store(nil)
		return
	}
	r.delegate.Store(&d)
}

func (r *Receiver) notify(fn func(Delegate)) {
	p := r.delegate.Load()
	if p == nil {
		return
	}
	fn(*p)
}

// Start binds a socket per configured interface (or the IPv4
// wildcard), joins the discovery multicast group on each, and begins
// receiving.
func (r *Receiver) Start() error {
	if r.started {
		return sacn.ErrAlreadyStarted
	}
	families := familiesFor(r.cfg.IPMode)
	ifaces := r.cfg.Interfaces
	if len(ifaces) == 0 {
		ifaces = []string{""}
	}
	for _, family := range families {
		for _, ifaceName := range ifaces {
			sock, err := r.cfg.SocketFactory(family, ifaceName)
			if err != nil {
				r.closeAllSockets()
				return err
			}
			if err := sock.Join(socket.DiscoveryGroup(family), ifaceName); err != nil {
				sock.Close()
				r.closeAllSockets()
				return err
			}
			r.sockets[socketKey(family, ifaceName)] = sock
		}
	}

	r.heartbeat = r.clock.NewTicker(heartbeatPeriod)
	r.started = true
	r.wg.Add(1)
	go r.run()

	for key, sock := range r.sockets {
		if err := sock.BeginReceiving(&discoveryHandler{r: r, key: key}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) closeAllSockets() {
	for _, sock := range r.sockets {
		sock.Close()
	}
	r.sockets = map[string]socket.Socket{}
}

// Stop halts the heartbeat and closes every socket synchronously.
func (r *Receiver) Stop() error {
	if !r.started {
		return sacn.ErrNotStarted
	}
	close(r.done)
	r.wg.Wait()
	r.closeAllSockets()
	r.started = false
	return nil
}

func (r *Receiver) run() {
	defer r.wg.Done()
	heartbeatC := r.heartbeat.C()
	for {
		select {
		case <-r.done:
			r.heartbeat.Stop()
			return
		case fn := <-r.actions:
			fn()
		case <-heartbeatC:
			r.onHeartbeat()
		}
	}
}

func (r *Receiver) post(fn func()) {
	select {
	case r.actions <- fn:
	case <-r.done:
	}
}

// Sync blocks until every action queued before this call has run. Used
// by tests driving a FakeClock deterministically.
func (r *Receiver) Sync() {
	done := make(chan struct{})
	r.post(func() { close(done) })
	select {
	case <-done:
	case <-r.done:
	}
}

func (r *Receiver) onHeartbeat() {
	now := r.clock.Now()
	var lost []sacn.CID
	for cid, s := range r.sources {
		if now.Sub(s.lastPacketAt) >= expiryTimeout {
			lost = append(lost, cid)
			delete(r.sources, cid)
		}
	}
	if len(lost) > 0 {
		r.log.Info().Int("count", len(lost)).Msg("sacn: discovery sources lost to timeout")
		r.notify(func(d Delegate) { d.OnLostSources(lost) })
	}
}

type discoveryHandler struct {
	r   *Receiver
	key string
}

func (h *discoveryHandler) OnDatagram(dg socket.Datagram) {
	h.r.post(func() { h.r.handleDatagram(dg) })
}

func (h *discoveryHandler) OnClosed(err error) {
	h.r.post(func() {
		h.r.log.Warn().Err(err).Str("socket", h.key).Msg("sacn: discovery socket closed")
		h.r.notify(func(d Delegate) { d.OnSocketClosed(h.key, err) })
	})
}

func (r *Receiver) handleDatagram(dg socket.Datagram) {
	pkt, err := sacn.Decode(dg.Data)
	if err != nil {
		r.log.Debug().Err(err).Msg("sacn: dropped malformed discovery datagram")
		return
	}
	if pkt.Discovery == nil {
		return
	}
	d := pkt.Discovery

	s, ok := r.sources[d.CID]
	if !ok {
		s = &discoverySource{cid: d.CID}
		r.sources[d.CID] = s
	}
	s.name = d.SourceName
	s.lastPacketAt = r.clock.Now()

	info, drop := s.handlePage(d.Page, d.LastPage, d.Universes)
	if drop {
		return
	}
	if info != nil {
		r.notify(func(dl Delegate) { dl.OnSourceInfo(*info) })
	}
}

// handlePage applies the paged-reassembly rule for one incoming page
// and returns a SourceInfo to emit once the final page completes a
// changed, ascending list.
func (s *discoverySource) handlePage(page, lastPage uint8, incoming []uint16) (info *SourceInfo, drop bool) {
	if page > 0 && page != s.nextPage {
		s.nextPage = 0
		s.nextUniverseIndex = 0
		return nil, true
	}
	if page == 0 {
		s.nextPage = 0
		s.nextUniverseIndex = 0
	}

	n := len(incoming)
	remaining := s.universeCount - s.nextUniverseIndex
	var existingBlock []uint16
	if s.nextUniverseIndex+n <= len(s.universes) {
		existingBlock = s.universes[s.nextUniverseIndex : s.nextUniverseIndex+n]
	}
	changed := n > remaining || (page == lastPage && n < remaining) || !equalUint16(existingBlock, incoming)
	if changed {
		s.dirty = true
		s.universes = append(s.universes[:s.nextUniverseIndex], incoming...)
		s.universeCount = s.nextUniverseIndex + n
	}

	if page < lastPage {
		s.nextUniverseIndex += n
		s.nextPage++
		return nil, false
	}

	if s.dirty {
		if ascending(s.universes[:s.universeCount]) {
			out := make([]uint16, s.universeCount)
			copy(out, s.universes[:s.universeCount])
			info = &SourceInfo{CID: s.cid, Name: s.name, Universes: out}
		}
		s.dirty = false
	}
	s.nextPage = 0
	s.nextUniverseIndex = 0
	return info, false
}

func equalUint16(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ascending(vals []uint16) bool {
	for i := 1; i < len(vals); i++ {
		if vals[i-1] > vals[i] {
			return false
		}
	}
	return true
}

// UpdateInterfaces changes the interface set: added interfaces get
// fresh sockets joined to the discovery group, removed ones are
// closed.
func (r *Receiver) UpdateInterfaces(ifaces []string) error {
	if !r.started {
		return sacn.ErrNotStarted
	}
	done := make(chan error, 1)
	r.post(func() { done <- r.updateInterfacesLocked(ifaces) })
	return <-done
}

func (r *Receiver) updateInterfacesLocked(ifaces []string) error {
	want := map[string]bool{}
	if len(ifaces) == 0 {
		want[""] = true
	}
	for _, name := range ifaces {
		want[name] = true
	}

	families := familiesFor(r.cfg.IPMode)

	for key, sock := range r.sockets {
		_, ifaceName := splitSocketKey(key)
		if !want[ifaceName] {
			sock.Close()
			delete(r.sockets, key)
		}
	}

	for _, family := range families {
		for ifaceName := range want {
			key := socketKey(family, ifaceName)
			if _, ok := r.sockets[key]; ok {
				continue
			}
			sock, err := r.cfg.SocketFactory(family, ifaceName)
			if err != nil {
				return err
			}
			if err := sock.Join(socket.DiscoveryGroup(family), ifaceName); err != nil {
				sock.Close()
				return err
			}
			if err := sock.BeginReceiving(&discoveryHandler{r: r, key: key}); err != nil {
				sock.Close()
				return err
			}
			r.sockets[key] = sock
		}
	}
	return nil
}

func familiesFor(mode sacn.IPMode) []sacn.IPFamily {
	switch mode {
	case sacn.IPv4Only:
		return []sacn.IPFamily{sacn.IPFamilyIPv4}
	case sacn.IPv6Only:
		return []sacn.IPFamily{sacn.IPFamilyIPv6}
	default:
		return []sacn.IPFamily{sacn.IPFamilyIPv4, sacn.IPFamilyIPv6}
	}
}

func socketKey(family sacn.IPFamily, ifaceName string) string {
	return family.String() + "/" + ifaceName
}

func splitSocketKey(key string) (sacn.IPFamily, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			family := sacn.IPFamilyIPv4
			if key[:i] == sacn.IPFamilyIPv6.String() {
				family = sacn.IPFamilyIPv6
			}
			return family, key[i+1:]
		}
	}
	return sacn.IPFamilyIPv4, ""
}
