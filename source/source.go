// Package source implements the per-universe transmit engine: the 44 Hz
// data cadence, keep-alive compression, sequence numbering, universe
// priority and per-address-priority bursts, universe-discovery
// pagination, and graceful per-universe and whole-source termination.
package source

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/sacnio"
	"github.com/patchbay/sacn/socket"
)

const (
	transmitHz        = 44
	transmitPeriod    = time.Second / transmitHz
	keepAliveStride   = transmitHz / 4 // ticks 0, 11, 22, 33
	discoveryPeriod   = 10 * time.Second
	terminateBurstLen = 3
)

// Delegate receives source lifecycle notifications. Methods run
// synchronously on the source's worker goroutine and must not block.
type Delegate interface {
	OnTransmissionStarted()
	OnTransmissionEnded()
	OnSocketClosed(ifaceName string, err error)
}

// Config configures a Source. SocketFactory defaults to socket.Bind;
// Clock defaults to sacnio.SystemClock.
type Config struct {
	CID             sacn.CID
	Name            string
	IPMode          sacn.IPMode
	Interfaces      []string
	DefaultPriority uint8
	Clock           sacnio.Clock
	SocketFactory   func(family sacn.IPFamily, ifaceName string) (socket.Socket, error)

	// Logger receives warn diagnostics (socket closures during transmit).
	// The zero value is a working no-op logger.
	Logger zerolog.Logger
}

type universeState struct {
	number           uint16
	universePriority uint8
	levelsFrame      *sacn.DataFrame
	papFrame         *sacn.DataFrame
	hasPAP           bool

	transmitCounter int
	dirtyCounter    int
	dirtyPriority   bool

	shouldTerminate bool

	levelsSeq uint8
	papSeq    uint8

	// pendingResume holds a queued AddUniverse call made with resume=true
	// while this universe was terminating; it is applied once the
	// termination burst completes instead of the universe being dropped.
	pendingResume *sacn.SourceUniverse
}

// pendingStart holds a queued Start(resume=true) call made while the
// whole source was still terminating; it is applied once every
// universe's termination burst completes and the worker has exited.
type pendingStart struct {
	shouldOutput bool
}

// Source is a transmit engine for one CID across zero or more
// universes. All mutable state is confined to a single worker
// goroutine; public methods post closures onto the source's actions
// channel.
type Source struct {
	cfg   Config
	clock sacnio.Clock
	log   zerolog.Logger

	actions chan func()
	done    chan struct{}
	wg      sync.WaitGroup

	// terminated is closed by the worker once every universe has
	// finished terminating after Stop(); Stop() itself waits on it
	// before joining the worker goroutine, so that finishStop always
	// runs on the caller's goroutine rather than the worker's own.
	terminated    chan struct{}
	terminateOnce sync.Once

	delegate atomic.Pointer[Delegate]

	sockets map[string]socket.Socket

	name              string
	universes         map[uint16]*universeState
	started           bool
	terminatingSource bool
	shouldOutput      bool
	pendingStart      *pendingStart
}

// New validates cfg and returns a not-yet-started Source.
func New(cfg Config) (*Source, error) {
	if cfg.IPMode != sacn.IPv4Only && len(cfg.Interfaces) == 0 {
		return nil, sacn.ErrInterfacesRequired
	}
	if cfg.CID.IsZero() {
		return nil, sacn.ErrCIDRequired
	}
	cfg.DefaultPriority = sacn.ClampPriority(cfg.DefaultPriority)
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = sacn.DefaultPriority
	}
	if cfg.Clock == nil {
		cfg.Clock = sacnio.SystemClock{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return socket.Bind(family, ifaceName)
		}
	}
	return &Source{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger.With().Str("cid", cfg.CID.String()).Logger(),
		actions:   make(chan func(), 32),
		sockets:   map[string]socket.Socket{},
		name:      cfg.Name,
		universes: map[uint16]*universeState{},
	}, nil
}

func (s *Source) SetDelegate(d Delegate) {
	if d == nil {
		s.delegate.Store(nil)
		return
	}
	s.delegate.Store(&d)
}

func (s *Source) notify(fn func(Delegate)) {
	p := s.delegate.Load()
	if p == nil {
		return
	}
	fn(*p)
}

// Start binds one socket per configured interface (or the IPv4
// wildcard) and family, and begins the 44 Hz transmit loop. shouldOutput
// gates whether the discovery scheduler runs.
//
// A source that is still terminating from a prior Stop() rejects a
// plain Start with ErrAlreadyStarted. Passing resume=true instead
// queues the start: it is applied once every universe's termination
// burst completes and the prior worker goroutine has exited.
func (s *Source) Start(shouldOutput bool, resume bool) error {
	if !s.started {
		return s.startLocked(shouldOutput)
	}
	if !s.terminatingSource || !resume {
		return sacn.ErrAlreadyStarted
	}
	done := make(chan struct{})
	s.post(func() {
		s.pendingStart = &pendingStart{shouldOutput: shouldOutput}
		close(done)
	})
	<-done
	return nil
}

// startLocked performs the actual socket binding and worker launch. It
// is called both for a fresh Start and, from finishStop, to apply a
// queued resume.
func (s *Source) startLocked(shouldOutput bool) error {
	families := familiesFor(s.cfg.IPMode)
	ifaces := s.cfg.Interfaces
	if len(ifaces) == 0 {
		ifaces = []string{""}
	}
	for _, family := range families {
		for _, ifaceName := range ifaces {
			sock, err := s.cfg.SocketFactory(family, ifaceName)
			if err != nil {
				s.closeAllSockets()
				return err
			}
			s.sockets[socketKey(family, ifaceName)] = sock
		}
	}

	s.done = make(chan struct{})
	s.terminated = make(chan struct{})
	s.terminateOnce = sync.Once{}
	s.shouldOutput = shouldOutput
	s.started = true
	s.terminatingSource = false
	s.wg.Add(1)
	go s.run()
	s.notify(func(d Delegate) { d.OnTransmissionStarted() })
	return nil
}

func (s *Source) closeAllSockets() {
	for _, sock := range s.sockets {
		sock.Close()
	}
	s.sockets = map[string]socket.Socket{}
}

func (s *Source) run() {
	defer s.wg.Done()
	tick := s.clock.NewTicker(transmitPeriod)
	defer tick.Stop()
	var discover sacnio.Ticker
	var discoverC <-chan time.Time
	if s.shouldOutput {
		discover = s.clock.NewTicker(discoveryPeriod)
		discoverC = discover.C()
		s.sendDiscovery()
	}
	defer func() {
		if discover != nil {
			discover.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case fn := <-s.actions:
			fn()
		case <-tick.C():
			s.onTick()
		case <-discoverC:
			s.sendDiscovery()
		}
	}
}

func (s *Source) post(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.done:
	}
}

// Sync blocks until every action queued before this call has run. Used
// by tests driving a FakeClock deterministically.
func (s *Source) Sync() {
	done := make(chan struct{})
	s.post(func() { close(done) })
	select {
	case <-done:
	case <-s.done:
	}
}

// Stop marks every universe terminating and waits for every termination
// burst to complete before closing sockets and joining the worker.
func (s *Source) Stop() error {
	if !s.started {
		return sacn.ErrNotStarted
	}
	s.post(func() {
		s.terminatingSource = true
		for _, u := range s.universes {
			s.markTerminating(u)
		}
		if len(s.universes) == 0 {
			s.signalTerminated()
		}
	})
	<-s.terminated
	s.finishStop()
	return nil
}

// signalTerminated is called from the worker goroutine once every
// universe has finished its termination burst. Stop() waits on it so
// that finishStop — which joins the worker — always runs on the
// caller's goroutine instead of the worker's own.
func (s *Source) signalTerminated() {
	s.terminateOnce.Do(func() { close(s.terminated) })
}

func (s *Source) finishStop() {
	close(s.done)
	s.wg.Wait()
	s.closeAllSockets()
	s.started = false
	s.terminatingSource = false
	s.notify(func(d Delegate) { d.OnTransmissionEnded() })

	if s.pendingStart != nil {
		ps := s.pendingStart
		s.pendingStart = nil
		if err := s.startLocked(ps.shouldOutput); err != nil {
			s.log.Warn().Err(err).Msg("sacn: queued resume failed to restart")
		}
	}
}

func (s *Source) markTerminating(u *universeState) {
	u.shouldTerminate = true
	u.dirtyCounter = terminateBurstLen
}

// newUniverseState builds a fresh, non-terminating universeState from
// su, shared by AddUniverse and the queued-resume path in onTick.
func (s *Source) newUniverseState(su sacn.SourceUniverse) *universeState {
	priority := s.cfg.DefaultPriority
	if su.Priority != nil {
		priority = sacn.ClampPriority(*su.Priority)
	}
	levels := su.Levels
	levelsFrame := sacn.NewDataFrame(s.cfg.CID, s.name, su.Number, sacn.StartCodeLevels, levels[:])
	levelsFrame.SetPriority(priority)

	u := &universeState{
		number:           su.Number,
		universePriority: priority,
		levelsFrame:      levelsFrame,
		dirtyCounter:     terminateBurstLen,
	}
	if su.PerSlotPriority != nil {
		pap := *su.PerSlotPriority
		u.papFrame = sacn.NewDataFrame(s.cfg.CID, s.name, su.Number, sacn.StartCodePriority, pap[:])
		u.papFrame.SetPriority(priority)
		u.hasPAP = true
		u.dirtyPriority = true
	}
	return u
}

// AddUniverse registers a new universe for transmission. If number is
// already terminating from a prior RemoveUniverse, a plain call returns
// ErrUniverseTerminating; passing resume=true instead queues su to
// replace it once the termination burst completes.
func (s *Source) AddUniverse(su sacn.SourceUniverse, resume bool) error {
	if !sacn.ValidUniverse(su.Number) {
		return sacn.ErrInvalidUniverseNumber
	}
	done := make(chan error, 1)
	s.post(func() {
		if existing, ok := s.universes[su.Number]; ok {
			if !existing.shouldTerminate {
				done <- sacn.ErrUniverseExists
				return
			}
			if !resume {
				done <- sacn.ErrUniverseTerminating
				return
			}
			suCopy := su
			existing.pendingResume = &suCopy
			done <- nil
			return
		}
		u := s.newUniverseState(su)
		s.universes[su.Number] = u
		done <- nil
	})
	return <-done
}

// RemoveUniverse initiates the graceful termination burst for number.
// The universe is actually dropped from transmission once the burst
// completes.
func (s *Source) RemoveUniverse(number uint16) error {
	done := make(chan error, 1)
	s.post(func() {
		u, ok := s.universes[number]
		if !ok {
			done <- sacn.ErrUniverseNotFound
			return
		}
		if u.shouldTerminate {
			done <- sacn.ErrUniverseTerminating
			return
		}
		s.markTerminating(u)
		done <- nil
	})
	return <-done
}

// UpdateLevels rewrites a universe's DMX levels in place.
func (s *Source) UpdateLevels(number uint16, levels [sacn.NumSlots]byte) error {
	return s.mutateUniverse(number, func(u *universeState) {
		copy(u.levelsFrame.Values(), levels[:])
		u.dirtyCounter = terminateBurstLen
	})
}

// UpdatePriorities installs or replaces a universe's per-address
// priority stream. Passing nil disables PAP for that universe.
func (s *Source) UpdatePriorities(number uint16, pap *[sacn.NumSlots]byte) error {
	return s.mutateUniverse(number, func(u *universeState) {
		if pap == nil {
			u.hasPAP = false
			u.papFrame = nil
			return
		}
		if u.papFrame == nil {
			u.papFrame = sacn.NewDataFrame(s.cfg.CID, s.name, number, sacn.StartCodePriority, pap[:])
			u.papFrame.SetPriority(u.universePriority)
		} else {
			copy(u.papFrame.Values(), pap[:])
		}
		u.hasPAP = true
		u.dirtyCounter = terminateBurstLen
		u.dirtyPriority = true
	})
}

// UpdateLevelsSlice is UpdateLevels for a variable-length buffer, such as
// one read from a file whose size hasn't been pre-validated. It returns
// ErrInvalidLevelsCount unless len(levels) == sacn.NumSlots.
func (s *Source) UpdateLevelsSlice(number uint16, levels []byte) error {
	if len(levels) != sacn.NumSlots {
		return sacn.ErrInvalidLevelsCount
	}
	var arr [sacn.NumSlots]byte
	copy(arr[:], levels)
	return s.UpdateLevels(number, arr)
}

// UpdatePrioritiesSlice is UpdatePriorities for a variable-length PAP
// buffer. It returns ErrInvalidPrioritiesCount unless len(priorities) ==
// sacn.NumSlots, and ErrInvalidPriorities if any entry exceeds MaxPriority.
func (s *Source) UpdatePrioritiesSlice(number uint16, priorities []byte) error {
	if len(priorities) != sacn.NumSlots {
		return sacn.ErrInvalidPrioritiesCount
	}
	for _, p := range priorities {
		if !sacn.ValidPriority(p) {
			return sacn.ErrInvalidPriorities
		}
	}
	var arr [sacn.NumSlots]byte
	copy(arr[:], priorities)
	return s.UpdatePriorities(number, &arr)
}

// UpdateSlot edits one DMX slot's level and, if non-nil, its priority.
func (s *Source) UpdateSlot(number uint16, slot int, level byte, priority *byte) error {
	if slot < 0 || slot >= sacn.NumSlots {
		return sacn.ErrInvalidSlot
	}
	return s.mutateUniverse(number, func(u *universeState) {
		u.levelsFrame.Values()[slot] = level
		u.dirtyCounter = terminateBurstLen
		if priority != nil {
			if u.papFrame == nil {
				var pap [sacn.NumSlots]byte
				u.papFrame = sacn.NewDataFrame(s.cfg.CID, s.name, number, sacn.StartCodePriority, pap[:])
				u.papFrame.SetPriority(u.universePriority)
				u.hasPAP = true
			}
			u.papFrame.Values()[slot] = sacn.ClampPriority(*priority)
			u.dirtyPriority = true
		}
	})
}

// UpdatePriority sets a universe's framing-layer (universe) priority.
func (s *Source) UpdatePriority(number uint16, priority uint8) error {
	p := sacn.ClampPriority(priority)
	return s.mutateUniverse(number, func(u *universeState) {
		u.universePriority = p
		u.levelsFrame.SetPriority(p)
		if u.papFrame != nil {
			u.papFrame.SetPriority(p)
		}
		u.dirtyCounter = terminateBurstLen
	})
}

// UpdateName changes the source name embedded in every universe's
// frames.
func (s *Source) UpdateName(name string) error {
	done := make(chan error, 1)
	s.post(func() {
		s.name = name
		for _, u := range s.universes {
			u.levelsFrame.SetSourceName(name)
			if u.papFrame != nil {
				u.papFrame.SetSourceName(name)
			}
		}
		done <- nil
	})
	return <-done
}

func (s *Source) mutateUniverse(number uint16, fn func(*universeState)) error {
	done := make(chan error, 1)
	s.post(func() {
		u, ok := s.universes[number]
		if !ok {
			done <- sacn.ErrUniverseNotFound
			return
		}
		if u.shouldTerminate {
			done <- sacn.ErrUniverseTerminating
			return
		}
		fn(u)
		done <- nil
	})
	return <-done
}

func (s *Source) onTick() {
	for number, u := range s.universes {
		s.tickUniverse(u)
		if u.shouldTerminate && u.dirtyCounter == 0 {
			if u.pendingResume != nil {
				su := *u.pendingResume
				s.universes[number] = s.newUniverseState(su)
				continue
			}
			delete(s.universes, number)
		}
	}
	if s.terminatingSource && len(s.universes) == 0 {
		s.signalTerminated()
	}
}

func (s *Source) tickUniverse(u *universeState) {
	sendLevels := u.shouldTerminate || u.transmitCounter%keepAliveStride == 0 || u.dirtyCounter > 0
	sendPriority := u.hasPAP && !u.shouldTerminate && (u.dirtyPriority || u.transmitCounter == 0)

	if sendLevels {
		opts := uint8(0)
		if u.shouldTerminate {
			opts |= sacn.OptionTerminated
		}
		u.levelsFrame.SetOptions(opts)
		u.levelsFrame.SetSequence(u.levelsSeq)
		s.broadcast(u.levelsFrame.Bytes(), u.number)
		u.levelsSeq++
		if u.dirtyCounter > 0 {
			u.dirtyCounter--
		}
	}
	if sendPriority {
		u.papFrame.SetSequence(u.papSeq)
		s.broadcast(u.papFrame.Bytes(), u.number)
		u.papSeq++
		u.dirtyPriority = false
	}
	u.transmitCounter = (u.transmitCounter + 1) % transmitHz
}

func (s *Source) broadcast(data []byte, universe uint16) {
	for key, sock := range s.sockets {
		family, _ := splitSocketKey(key)
		group := socket.MulticastGroup(universe, family)
		if err := sock.Send(data, group, sacn.Port); err != nil {
			s.log.Warn().Err(err).Str("socket", key).Uint16("universe", universe).Msg("sacn: transmit socket closed")
			delete(s.sockets, key)
			s.notify(func(d Delegate) { d.OnSocketClosed(key, err) })
		}
	}
}

// sendTerminationBurst sends a Terminated-flagged levels frame for
// every universe, terminateBurstLen times, on sock only. It does not
// mark the universes themselves as terminating: a retired interface
// stops carrying them, but they keep transmitting normally on whatever
// sockets remain.
func (s *Source) sendTerminationBurst(sock socket.Socket, family sacn.IPFamily) {
	for i := 0; i < terminateBurstLen; i++ {
		for _, u := range s.universes {
			opts := u.levelsFrame.Options()
			u.levelsFrame.SetOptions(opts | sacn.OptionTerminated)
			u.levelsFrame.SetSequence(u.levelsSeq)
			group := socket.MulticastGroup(u.number, family)
			sock.Send(u.levelsFrame.Bytes(), group, sacn.Port)
			u.levelsSeq++
			u.levelsFrame.SetOptions(opts)
		}
	}
}

func (s *Source) sendDiscovery() {
	numbers := make([]uint16, 0, len(s.universes))
	for n := range s.universes {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	const maxPerPage = 512
	const maxPages = 256
	totalPages := (len(numbers) + maxPerPage - 1) / maxPerPage
	if totalPages == 0 {
		totalPages = 1
	}
	if totalPages > maxPages {
		totalPages = maxPages
		numbers = numbers[:maxPerPage*maxPages]
	}

	for page := 0; page < totalPages; page++ {
		start := page * maxPerPage
		end := start + maxPerPage
		if end > len(numbers) {
			end = len(numbers)
		}
		pkt := sacn.EncodeDiscoveryPacket(s.cfg.CID, s.name, uint8(page), uint8(totalPages-1), numbers[start:end])
		for key, sock := range s.sockets {
			family, _ := splitSocketKey(key)
			group := socket.DiscoveryGroup(family)
			if err := sock.Send(pkt, group, sacn.Port); err != nil {
				s.log.Warn().Err(err).Str("socket", key).Msg("sacn: discovery socket closed")
				delete(s.sockets, key)
				s.notify(func(d Delegate) { d.OnSocketClosed(key, err) })
			}
		}
	}
}

// UpdateInterfaces diffs the current interface set against ifaces:
// added interfaces get fresh sockets, removed ones receive a Terminated
// burst on every universe's levels stream and are then closed.
// Universes themselves keep running and continue their normal
// keep-alive cadence on whatever sockets remain.
func (s *Source) UpdateInterfaces(ifaces []string) error {
	done := make(chan error, 1)
	s.post(func() {
		want := map[string]bool{}
		if len(ifaces) == 0 {
			want[""] = true
		}
		for _, name := range ifaces {
			want[name] = true
		}
		for key, sock := range s.sockets {
			_, ifaceName := splitSocketKey(key)
			if !want[ifaceName] {
				family, _ := splitSocketKey(key)
				s.sendTerminationBurst(sock, family)
				sock.Close()
				delete(s.sockets, key)
			}
		}
		families := familiesFor(s.cfg.IPMode)
		for _, family := range families {
			for ifaceName := range want {
				key := socketKey(family, ifaceName)
				if _, ok := s.sockets[key]; ok {
					continue
				}
				sock, err := s.cfg.SocketFactory(family, ifaceName)
				if err != nil {
					done <- err
					return
				}
				s.sockets[key] = sock
			}
		}
		done <- nil
	})
	return <-done
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
