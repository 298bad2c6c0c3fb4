package source

import (
	"testing"
	"time"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/sacnio"
	"github.com/patchbay/sacn/socket"
)

func testCID(b byte) sacn.CID {
	var c sacn.CID
	c[0] = b
	return c
}

func newTestSource(t *testing.T, fab *socket.Fabric, clock *sacnio.FakeClock) *Source {
	t.Helper()
	cfg := Config{
		CID:    testCID(1),
		Name:   "test-source",
		IPMode: sacn.IPv4Only,
		Clock:  clock,
		SocketFactory: func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return fab.NewSocket(family, ifaceName), nil
		},
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(false, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

// listener is a socket.Handler that records every datagram delivered to
// it, used to observe what a Source actually transmits.
type listener struct {
	datagrams []socket.Datagram
}

func (l *listener) OnDatagram(d socket.Datagram) { l.datagrams = append(l.datagrams, d) }
func (l *listener) OnClosed(error)               {}

func (l *listener) levelsFrames() []*sacn.DataPacket {
	var out []*sacn.DataPacket
	for _, d := range l.datagrams {
		pkt, err := sacn.Decode(d.Data)
		if err != nil || pkt.Data == nil || pkt.Data.StartCode != sacn.StartCodeLevels {
			continue
		}
		out = append(out, pkt.Data)
	}
	return out
}

func (l *listener) papFrames() []*sacn.DataPacket {
	var out []*sacn.DataPacket
	for _, d := range l.datagrams {
		pkt, err := sacn.Decode(d.Data)
		if err != nil || pkt.Data == nil || pkt.Data.StartCode != sacn.StartCodePriority {
			continue
		}
		out = append(out, pkt.Data)
	}
	return out
}

func subscribe(t *testing.T, fab *socket.Fabric, universe uint16) *listener {
	t.Helper()
	sock := fab.NewSocket(sacn.IPFamilyIPv4, "")
	if err := sock.Join(socket.MulticastGroup(universe, sacn.IPFamilyIPv4), ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	l := &listener{}
	if err := sock.BeginReceiving(l); err != nil {
		t.Fatalf("BeginReceiving: %v", err)
	}
	return l
}

func TestKeepAliveCadence(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	l := subscribe(t, fab, 1)
	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	// Drain AddUniverse's initial dirty burst before measuring steady-state
	// cadence, syncing after every tick so the worker empties the ticker
	// channel before the next Advance call reuses its single-slot buffer.
	for i := 0; i < terminateBurstLen; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}
	l.datagrams = nil

	// keepAliveStride divides transmitHz evenly, so any 44 consecutive
	// ticks cross exactly 4 keep-alive boundaries regardless of where the
	// counter currently sits.
	for i := 0; i < transmitHz; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}

	frames := l.levelsFrames()
	if len(frames) != 4 {
		t.Fatalf("got %d levels frames in one full cycle, want 4 keep-alives", len(frames))
	}
}

func TestLevelChangeSendsWithinFourTicks(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	l := subscribe(t, fab, 1)

	// Drain the dirty burst from AddUniverse by advancing past it first.
	for i := 0; i < terminateBurstLen+1; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}
	l.datagrams = nil

	var levels [sacn.NumSlots]byte
	levels[0] = 42
	if err := s.UpdateLevels(1, levels); err != nil {
		t.Fatalf("UpdateLevels: %v", err)
	}
	s.Sync()

	clock.Advance(transmitPeriod)
	s.Sync()

	frames := l.levelsFrames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames on the tick after a level change, want 1", len(frames))
	}
	if frames[0].Values[0] != 42 {
		t.Fatalf("transmitted level = %d, want 42", frames[0].Values[0])
	}
}

func TestTerminationBurstThenSilence(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	l := subscribe(t, fab, 1)
	for i := 0; i < terminateBurstLen+1; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}
	l.datagrams = nil

	if err := s.RemoveUniverse(1); err != nil {
		t.Fatalf("RemoveUniverse: %v", err)
	}
	s.Sync()

	for i := 0; i < terminateBurstLen; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}

	frames := l.levelsFrames()
	if len(frames) != terminateBurstLen {
		t.Fatalf("got %d frames during termination burst, want %d", len(frames), terminateBurstLen)
	}
	for _, f := range frames {
		if !f.Terminated() {
			t.Fatalf("termination burst frame missing Terminated option")
		}
	}

	l.datagrams = nil
	clock.Advance(10 * transmitPeriod)
	s.Sync()
	if len(l.levelsFrames()) != 0 {
		t.Fatalf("universe kept transmitting after its termination burst completed")
	}
}

func TestPAPSentOncePerCycleUnlessDirty(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	var pap [sacn.NumSlots]byte
	pap[0] = 150
	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1, PerSlotPriority: &pap}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	l := subscribe(t, fab, 1)
	clock.Advance(transmitPeriod)
	s.Sync()

	if len(l.papFrames()) != 1 {
		t.Fatalf("got %d PAP frames on first tick, want 1", len(l.papFrames()))
	}

	// The remaining 43 ticks of the 44-tick cycle: PAP is next due on
	// transmit counter 0, so nothing is resent without a priority change.
	l.datagrams = nil
	for i := 0; i < 43; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}
	if len(l.papFrames()) != 0 {
		t.Fatalf("PAP retransmitted within the same cycle without a priority change")
	}
}

func TestUpdateLevelsSliceValidatesCount(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	if err := s.UpdateLevelsSlice(1, make([]byte, sacn.NumSlots-1)); err != sacn.ErrInvalidLevelsCount {
		t.Fatalf("UpdateLevelsSlice with short buffer = %v, want ErrInvalidLevelsCount", err)
	}

	levels := make([]byte, sacn.NumSlots)
	levels[0] = 9
	if err := s.UpdateLevelsSlice(1, levels); err != nil {
		t.Fatalf("UpdateLevelsSlice: %v", err)
	}
}

func TestUpdatePrioritiesSliceValidatesCountAndRange(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	if err := s.UpdatePrioritiesSlice(1, make([]byte, sacn.NumSlots-1)); err != sacn.ErrInvalidPrioritiesCount {
		t.Fatalf("UpdatePrioritiesSlice with short buffer = %v, want ErrInvalidPrioritiesCount", err)
	}

	outOfRange := make([]byte, sacn.NumSlots)
	outOfRange[0] = sacn.MaxPriority + 1
	if err := s.UpdatePrioritiesSlice(1, outOfRange); err != sacn.ErrInvalidPriorities {
		t.Fatalf("UpdatePrioritiesSlice with out-of-range entry = %v, want ErrInvalidPriorities", err)
	}

	valid := make([]byte, sacn.NumSlots)
	valid[0] = sacn.MaxPriority
	if err := s.UpdatePrioritiesSlice(1, valid); err != nil {
		t.Fatalf("UpdatePrioritiesSlice: %v", err)
	}
}

func TestAddUniverseResumeReplacesAfterTerminationBurst(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)
	defer s.Stop()

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	l := subscribe(t, fab, 1)
	for i := 0; i < terminateBurstLen+1; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}
	l.datagrams = nil

	if err := s.RemoveUniverse(1); err != nil {
		t.Fatalf("RemoveUniverse: %v", err)
	}
	s.Sync()

	// A plain re-add while the universe is still mid-burst is rejected
	// distinctly from "already exists".
	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != sacn.ErrUniverseTerminating {
		t.Fatalf("AddUniverse(resume=false) during termination = %v, want ErrUniverseTerminating", err)
	}

	var levels [sacn.NumSlots]byte
	levels[0] = 77
	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1, Levels: levels}, true); err != nil {
		t.Fatalf("AddUniverse(resume=true): %v", err)
	}
	s.Sync()

	// The queued universe replaces the terminated one at the end of the
	// burst's last tick and is first transmitted on the tick after it.
	for i := 0; i < terminateBurstLen+1; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}

	frames := l.levelsFrames()
	if len(frames) == 0 {
		t.Fatalf("resumed universe sent no frames")
	}
	last := frames[len(frames)-1]
	if last.Terminated() {
		t.Fatalf("resumed universe still flagged Terminated")
	}
	if last.Values[0] != 77 {
		t.Fatalf("resumed universe level = %d, want 77", last.Values[0])
	}
}

func TestStartResumeQueuesRestartDuringTermination(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	s := newTestSource(t, fab, clock)

	if err := s.AddUniverse(sacn.SourceUniverse{Number: 1}, false); err != nil {
		t.Fatalf("AddUniverse: %v", err)
	}
	s.Sync()

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop() }()

	// Wait for Stop's closure to mark the source terminating; the fake
	// clock isn't advancing yet so the worker can't finish on its own.
	deadline := time.Now().Add(time.Second)
	for {
		s.Sync()
		if s.terminatingSource {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("source never entered terminatingSource state")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Start(true, false); err != sacn.ErrAlreadyStarted {
		t.Fatalf("Start(resume=false) while terminating = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Start(true, true); err != nil {
		t.Fatalf("Start(resume=true) while terminating: %v", err)
	}

	// Sync after every tick so the worker drains the ticker's single-slot
	// channel before the next Advance; otherwise fires are coalesced.
	for i := 0; i < terminateBurstLen; i++ {
		clock.Advance(transmitPeriod)
		s.Sync()
	}

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Stop never returned after termination burst completed")
	}

	if !s.started {
		t.Fatalf("queued resume did not restart the source after Stop completed")
	}
	s.Stop()
}

func TestDiscoverySentOnStart(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()

	sock := fab.NewSocket(sacn.IPFamilyIPv4, "")
	if err := sock.Join(socket.DiscoveryGroup(sacn.IPFamilyIPv4), ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	l := &listener{}
	if err := sock.BeginReceiving(l); err != nil {
		t.Fatalf("BeginReceiving: %v", err)
	}

	cfg := Config{
		CID:    testCID(2),
		Name:   "disco-source",
		IPMode: sacn.IPv4Only,
		Clock:  clock,
		SocketFactory: func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return fab.NewSocket(family, ifaceName), nil
		},
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(true, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	s.Sync()

	found := false
	for _, d := range l.datagrams {
		pkt, err := sacn.Decode(d.Data)
		if err == nil && pkt.Discovery != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("no discovery packet sent on start with shouldOutput=true")
	}
}
