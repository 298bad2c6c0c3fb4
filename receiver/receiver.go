// Package receiver implements the per-universe raw receiver: it demuxes
// datagrams arriving on a universe's multicast group into per-source
// state machines, manages the post-start sampling window, detects
// sequence gaps and source/PAP loss, and applies the source limit and
// preview filter.
package receiver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/sacnio"
	"github.com/patchbay/sacn/socket"
)

const (
	samplingWindow    = 1500 * time.Millisecond
	sourceLossTimeout = 2500 * time.Millisecond
	heartbeatPeriod   = 500 * time.Millisecond
	defaultSourceLimit = 4

	// papDiscoveryWindow bounds how long a freshly-Levels-only source
	// waits for a first PAP datagram before it is treated as plain
	// universe-priority. The standard does not name this duration
	// explicitly; the sampling window is the only comparable "short
	// grace period" constant the standard defines, so it is reused
	// here (see the grounding notes for this package).
	papDiscoveryWindow = samplingWindow
)

type sourceState int

const (
	waitingLevels sourceState = iota
	waitingPAP
	hasLevels
	hasLevelsAndPAP
)

// SourceData is delivered to Delegate.OnUniverseData for every accepted
// datagram that the state machine decides to surface.
type SourceData struct {
	CID              sacn.CID
	Name             string
	Levels           *[sacn.NumSlots]byte
	Priorities       *[sacn.NumSlots]byte
	UniversePriority uint8
	Sampling         bool
}

// Delegate receives raw-receiver notifications. All methods are called
// synchronously from the receiver's worker goroutine; implementations
// must not block.
type Delegate interface {
	OnUniverseData(data SourceData)
	OnStartedSampling()
	OnEndedSampling()
	OnLostSources(cids []sacn.CID)
	OnLostPAP(cid sacn.CID)
	OnExceededSources()
	OnSocketClosed(iface string, err error)
}

// Config configures a RawReceiver. SocketFactory defaults to
// socket.Bind when nil; tests substitute a socket.Fabric-backed
// factory. Clock defaults to sacnio.SystemClock when nil.
type Config struct {
	IPMode        sacn.IPMode
	Interfaces    []string
	Universe      uint16
	SourceLimit   int
	FilterPreview bool
	Clock         sacnio.Clock
	SocketFactory func(family sacn.IPFamily, ifaceName string) (socket.Socket, error)

	// Logger receives debug/warn diagnostics (dropped datagrams, sequence
	// rejections, socket closures). The zero value is a working no-op
	// logger.
	Logger zerolog.Logger
}

type rawSource struct {
	cid      sacn.CID
	hostname string
	family   sacn.IPFamily
	name     string

	hasSeq     bool
	lastSeq    uint8
	terminated bool

	state        sourceState
	papDeadline  time.Time
	hasPAPDeadline bool
	lastPacketAt time.Time

	universePriority uint8
}

// RawReceiver tracks every live source on one universe and dispatches
// accepted data to a Delegate. All mutable state is confined to a
// single worker goroutine; public methods post closures onto the
// receiver's actions channel rather than touching state directly.
type RawReceiver struct {
	cfg   Config
	clock sacnio.Clock
	log   zerolog.Logger

	actions chan func()
	done    chan struct{}
	wg      sync.WaitGroup

	delegate atomic.Pointer[Delegate]

	sockets         map[string]socket.Socket
	samplingSockets map[string]bool
	samplingActive  bool

	heartbeat sacnio.Ticker

	sources map[sacn.CID]*rawSource

	started          bool
	exceededNotified bool
}

// New validates cfg and returns a not-yet-started RawReceiver.
func New(cfg Config) (*RawReceiver, error) {
	if cfg.IPMode != sacn.IPv4Only && len(cfg.Interfaces) == 0 {
		return nil, sacn.ErrInterfacesRequired
	}
	if !sacn.ValidUniverse(cfg.Universe) {
		return nil, sacn.ErrInvalidUniverseNumber
	}
	if cfg.SourceLimit == 0 {
		cfg.SourceLimit = defaultSourceLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = sacnio.SystemClock{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return socket.Bind(family, ifaceName)
		}
	}
	return &RawReceiver{
		cfg:             cfg,
		clock:           cfg.Clock,
		log:             cfg.Logger.With().Uint16("universe", cfg.Universe).Logger(),
		actions:         make(chan func(), 16),
		done:            make(chan struct{}),
		sockets:         map[string]socket.Socket{},
		samplingSockets: map[string]bool{},
		sources:         map[sacn.CID]*rawSource{},
	}, nil
}

// SetDelegate installs d as the receiver's delegate. A nil d disables
// notification delivery without affecting receiver state.
func (r *RawReceiver) SetDelegate(d Delegate) {
	if d == nil {
		r.delegate.Store(nil)
		return
	}
	r.delegate.Store(&d)
}

func (r *RawReceiver) notify(fn func(Delegate)) {
	p := r.delegate.Load()
	if p == nil {
		return
	}
	fn(*p)
}

// Start binds a socket per configured interface (or the IPv4 wildcard),
// joins the universe's multicast group on each, and begins receiving.
func (r *RawReceiver) Start() error {
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
			group := socket.MulticastGroup(r.cfg.Universe, family)
			if err := sock.Join(group, ifaceName); err != nil {
				sock.Close()
				r.closeAllSockets()
				return err
			}
			key := socketKey(family, ifaceName)
			r.sockets[key] = sock
			r.samplingSockets[key] = true
		}
	}

	r.heartbeat = r.clock.NewTicker(heartbeatPeriod)
	r.started = true
	r.wg.Add(1)
	go r.run()

	for key, sock := range r.sockets {
		handler := &receiverHandler{r: r, key: key}
		if err := sock.BeginReceiving(handler); err != nil {
			return err
		}
	}

	r.armSamplingTimer()
	return nil
}

func (r *RawReceiver) closeAllSockets() {
	for _, sock := range r.sockets {
		sock.Close()
	}
	r.sockets = map[string]socket.Socket{}
	r.samplingSockets = map[string]bool{}
}

// Stop halts the heartbeat and closes every socket synchronously.
func (r *RawReceiver) Stop() error {
	if !r.started {
		return sacn.ErrNotStarted
	}
	close(r.done)
	r.wg.Wait()
	r.closeAllSockets()
	r.started = false
	return nil
}

func (r *RawReceiver) run() {
	defer r.wg.Done()
	var heartbeatC <-chan time.Time
	if r.heartbeat != nil {
		heartbeatC = r.heartbeat.C()
	}
	for {
		select {
		case <-r.done:
			if r.heartbeat != nil {
				r.heartbeat.Stop()
			}
			return
		case fn := <-r.actions:
			fn()
		case <-heartbeatC:
			r.onHeartbeat()
		}
	}
}

func (r *RawReceiver) post(fn func()) {
	select {
	case r.actions <- fn:
	case <-r.done:
	}
}

// Sync blocks until every action queued before this call has been
// processed by the worker goroutine. It exists for deterministic
// tests driving a FakeClock, where a timer fire or injected datagram
// is only observable once the worker has caught up.
func (r *RawReceiver) Sync() {
	done := make(chan struct{})
	r.post(func() { close(done) })
	select {
	case <-done:
	case <-r.done:
	}
}

// armSamplingTimer starts the overall sampling state and gives every
// currently-sampling socket its own fresh samplingWindow deadline.
func (r *RawReceiver) armSamplingTimer() {
	r.samplingActive = true
	r.notify(func(d Delegate) { d.OnStartedSampling() })
	for key, sampling := range r.samplingSockets {
		if sampling {
			r.armSocketSamplingTimer(key)
		}
	}
}

// armSocketSamplingTimer schedules key's own sampling-window expiry,
// independent of any other socket's deadline. A socket added mid-window
// (via updateInterfacesLocked) must not inherit whatever time remains on
// an earlier-armed socket's timer.
func (r *RawReceiver) armSocketSamplingTimer(key string) {
	r.clock.AfterFunc(samplingWindow, func() {
		r.post(func() { r.onSocketSamplingFired(key) })
	})
}

func (r *RawReceiver) onSocketSamplingFired(key string) {
	if !r.samplingSockets[key] {
		return
	}
	r.samplingSockets[key] = false
	for _, sampling := range r.samplingSockets {
		if sampling {
			return
		}
	}
	r.samplingActive = false
	r.notify(func(d Delegate) { d.OnEndedSampling() })
}

func (r *RawReceiver) onHeartbeat() {
	now := r.clock.Now()
	var lost []sacn.CID
	for cid, s := range r.sources {
		if now.Sub(s.lastPacketAt) >= sourceLossTimeout {
			lost = append(lost, cid)
			delete(r.sources, cid)
		}
	}
	if len(lost) > 0 {
		r.log.Info().Int("count", len(lost)).Msg("sacn: sources lost to timeout")
		r.notify(func(d Delegate) { d.OnLostSources(lost) })
	}
}

type receiverHandler struct {
	r   *RawReceiver
	key string
}

func (h *receiverHandler) OnDatagram(dg socket.Datagram) {
	h.r.post(func() { h.r.handleDatagram(h.key, dg) })
}

func (h *receiverHandler) OnClosed(err error) {
	h.r.post(func() {
		h.r.log.Warn().Err(err).Str("socket", h.key).Msg("sacn: receive socket closed")
		h.r.notify(func(d Delegate) { d.OnSocketClosed(h.key, err) })
	})
}

func (r *RawReceiver) handleDatagram(socketKey string, dg socket.Datagram) {
	pkt, err := sacn.Decode(dg.Data)
	if err != nil {
		r.log.Debug().Err(err).Str("socket", socketKey).Msg("sacn: dropped malformed datagram")
		return
	}
	if pkt.Data == nil {
		return
	}
	d := pkt.Data
	if d.Universe != r.cfg.Universe {
		return
	}
	if d.Preview() && r.cfg.FilterPreview {
		return
	}

	src, isNew := r.lookupOrCreate(d.CID, dg.SrcHost.String(), dg.Family)
	if src == nil {
		if isNew {
			r.noteExceeded()
		}
		return
	}
	if src.hostname != dg.SrcHost.String() || src.family != dg.Family {
		return
	}
	if src.terminated {
		return
	}

	if d.Terminated() {
		src.terminated = true
		src.lastPacketAt = time.Time{}
		return
	}

	if !isNew {
		if src.hasSeq && !sacn.SequenceAccepted(src.lastSeq, d.Sequence) {
			r.log.Debug().Str("cid", src.cid.String()).Uint8("seq", d.Sequence).Uint8("last", src.lastSeq).
				Msg("sacn: sequence rejected")
			return
		}
	}
	src.hasSeq = true
	src.lastSeq = d.Sequence
	src.lastPacketAt = r.clock.Now()
	src.name = d.SourceName
	src.universePriority = d.Priority

	sampling := r.samplingSockets[socketKey]

	switch d.StartCode {
	case sacn.StartCodeLevels:
		notify := r.onLevelsEvent(src, sampling)
		if notify {
			var levels [sacn.NumSlots]byte
			copy(levels[:], d.Values)
			r.notify(func(dl Delegate) {
				dl.OnUniverseData(SourceData{
					CID:              src.cid,
					Name:             src.name,
					Levels:           &levels,
					UniversePriority: src.universePriority,
					Sampling:         sampling,
				})
			})
		}
	case sacn.StartCodePriority:
		r.onPAPEvent(src)
		var pap [sacn.NumSlots]byte
		copy(pap[:], d.Values)
		r.notify(func(dl Delegate) {
			dl.OnUniverseData(SourceData{
				CID:              src.cid,
				Name:             src.name,
				Priorities:       &pap,
				UniversePriority: src.universePriority,
				Sampling:         sampling,
			})
		})
	}
}

func (r *RawReceiver) lookupOrCreate(cid sacn.CID, hostname string, family sacn.IPFamily) (*rawSource, bool) {
	if s, ok := r.sources[cid]; ok {
		return s, false
	}
	if len(r.sources) >= r.cfg.SourceLimit {
		return nil, true
	}
	s := &rawSource{cid: cid, hostname: hostname, family: family, state: waitingLevels}
	r.sources[cid] = s
	return s, true
}

func (r *RawReceiver) noteExceeded() {
	if r.exceededNotified {
		return
	}
	r.exceededNotified = true
	r.log.Warn().Int("limit", r.cfg.SourceLimit).Msg("sacn: source limit exceeded")
	r.notify(func(d Delegate) { d.OnExceededSources() })
}

// onLevelsEvent applies the per-state Levels transition and reports
// whether this datagram should be surfaced to the delegate.
func (r *RawReceiver) onLevelsEvent(s *rawSource, sampling bool) bool {
	now := r.clock.Now()
	switch s.state {
	case waitingLevels:
		if sampling {
			s.state = hasLevelsAndPAP
			s.papDeadline = now.Add(sourceLossTimeout)
			s.hasPAPDeadline = true
			return true
		}
		s.state = waitingPAP
		s.papDeadline = now.Add(papDiscoveryWindow)
		s.hasPAPDeadline = true
		return false
	case waitingPAP:
		if s.hasPAPDeadline && now.After(s.papDeadline) {
			s.state = hasLevels
			s.papDeadline = now.Add(sourceLossTimeout)
			return true
		}
		return false
	case hasLevels:
		return true
	case hasLevelsAndPAP:
		if s.hasPAPDeadline && now.After(s.papDeadline) {
			s.state = hasLevels
			r.notify(func(d Delegate) { d.OnLostPAP(s.cid) })
		}
		return true
	}
	return false
}

func (r *RawReceiver) onPAPEvent(s *rawSource) {
	now := r.clock.Now()
	switch s.state {
	case waitingLevels:
		s.papDeadline = now.Add(papDiscoveryWindow)
		s.hasPAPDeadline = true
	case waitingPAP:
		s.state = hasLevelsAndPAP
		s.papDeadline = now.Add(sourceLossTimeout)
		s.hasPAPDeadline = true
	case hasLevels:
		s.state = hasLevelsAndPAP
		s.papDeadline = now.Add(sourceLossTimeout)
		s.hasPAPDeadline = true
	case hasLevelsAndPAP:
		s.papDeadline = now.Add(sourceLossTimeout)
	}
}

// UpdateInterfaces changes the interface set: added interfaces get
// fresh sockets (which re-enter the sampling window), removed ones are
// closed.
func (r *RawReceiver) UpdateInterfaces(ifaces []string) error {
	if !r.started {
		return sacn.ErrNotStarted
	}
	done := make(chan error, 1)
	r.post(func() { done <- r.updateInterfacesLocked(ifaces) })
	return <-done
}

func (r *RawReceiver) updateInterfacesLocked(ifaces []string) error {
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
			delete(r.samplingSockets, key)
		}
	}

	var newKeys []string
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
			group := socket.MulticastGroup(r.cfg.Universe, family)
			if err := sock.Join(group, ifaceName); err != nil {
				sock.Close()
				return err
			}
			if err := sock.BeginReceiving(&receiverHandler{r: r, key: key}); err != nil {
				sock.Close()
				return err
			}
			r.sockets[key] = sock
			r.samplingSockets[key] = true
			newKeys = append(newKeys, key)
		}
	}
	// Every newly-bound socket gets its own fresh sampling window,
	// regardless of whether sampling was already active for sockets
	// added earlier: their remaining time must not bleed onto this one.
	if len(newKeys) > 0 {
		if !r.samplingActive {
			r.samplingActive = true
			r.notify(func(d Delegate) { d.OnStartedSampling() })
		}
		for _, key := range newKeys {
			r.armSocketSamplingTimer(key)
		}
	}
	return nil
}

// SourceInfo returns the last known name and universe priority for cid.
// It returns ErrSourceNotFound if no source with that CID is currently
// tracked on this universe.
func (r *RawReceiver) SourceInfo(cid sacn.CID) (SourceData, error) {
	type result struct {
		data SourceData
		err  error
	}
	done := make(chan result, 1)
	r.post(func() {
		s, ok := r.sources[cid]
		if !ok {
			done <- result{err: sacn.ErrSourceNotFound}
			return
		}
		done <- result{data: SourceData{
			CID:              s.cid,
			Name:             s.name,
			UniversePriority: s.universePriority,
		}}
	})
	res := <-done
	return res.data, res.err
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
	return fmt.Sprintf("%s/%s", family, ifaceName)
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
