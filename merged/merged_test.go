package merged

import (
	"testing"
	"time"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/receiver"
	"github.com/patchbay/sacn/sacnio"
	"github.com/patchbay/sacn/socket"
)

type recordingDelegate struct {
	frames       []Frame
	lost         [][]sacn.CID
	lostPAP      []sacn.CID
	exceeded     int
	socketClosed int
}

func (d *recordingDelegate) OnMergedFrame(f Frame)        { d.frames = append(d.frames, f) }
func (d *recordingDelegate) OnLostSources(cids []sacn.CID) { d.lost = append(d.lost, cids) }
func (d *recordingDelegate) OnLostPAP(cid sacn.CID)       { d.lostPAP = append(d.lostPAP, cid) }
func (d *recordingDelegate) OnExceededSources()           { d.exceeded++ }
func (d *recordingDelegate) OnSocketClosed(string, error) { d.socketClosed++ }

func testCID(b byte) sacn.CID {
	var c sacn.CID
	c[0] = b
	return c
}

func newTestReceiver(t *testing.T, fab *socket.Fabric, clock *sacnio.FakeClock) (*Receiver, *recordingDelegate) {
	t.Helper()
	cfg := Config{receiver.Config{
		IPMode:   sacn.IPv4Only,
		Universe: 1,
		Clock:    clock,
		SocketFactory: func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
			return fab.NewSocket(family, ifaceName), nil
		},
	}}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	del := &recordingDelegate{}
	m.SetDelegate(del)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m, del
}

func sendLevels(fab *socket.Fabric, universe uint16, cid sacn.CID, seq uint8, priority uint8, levels []byte) {
	s := fab.NewSocket(sacn.IPFamilyIPv4, "")
	pkt := sacn.EncodeDataPacket(cid, "test-source", priority, seq, 0, universe, sacn.StartCodeLevels, levels)
	s.Send(pkt, socket.MulticastGroup(universe, sacn.IPFamilyIPv4), sacn.Port)
	s.Close()
}

func sendPAP(fab *socket.Fabric, universe uint16, cid sacn.CID, seq uint8, priority uint8, pap []byte) {
	s := fab.NewSocket(sacn.IPFamilyIPv4, "")
	pkt := sacn.EncodeDataPacket(cid, "test-source", priority, seq, 0, universe, sacn.StartCodePriority, pap)
	s.Send(pkt, socket.MulticastGroup(universe, sacn.IPFamilyIPv4), sacn.Port)
	s.Close()
}

func endSampling(clock *sacnio.FakeClock, m *Receiver) {
	clock.Advance(1500 * time.Millisecond)
	m.Sync()
}

func TestMergedFrameAfterSamplingEnds(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	m, del := newTestReceiver(t, fab, clock)

	levels := make([]byte, 512)
	levels[0] = 77
	sendLevels(fab, 1, testCID(1), 0, sacn.DefaultPriority, levels)
	m.Sync()

	if len(del.frames) != 0 {
		t.Fatalf("got a merged frame before sampling ended")
	}

	endSampling(clock, m)

	if len(del.frames) != 1 {
		t.Fatalf("got %d merged frames after sampling ended, want 1", len(del.frames))
	}
	if del.frames[0].Levels[0] != 77 {
		t.Fatalf("merged level = %d, want 77", del.frames[0].Levels[0])
	}
}

func TestHTPAcrossTwoSources(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	m, del := newTestReceiver(t, fab, clock)

	levelsA := make([]byte, 512)
	levelsA[0] = 50
	levelsB := make([]byte, 512)
	levelsB[0] = 200
	sendLevels(fab, 1, testCID(1), 0, sacn.DefaultPriority, levelsA)
	sendLevels(fab, 1, testCID(2), 0, sacn.DefaultPriority, levelsB)
	m.Sync()
	endSampling(clock, m)

	last := del.frames[len(del.frames)-1]
	if last.Levels[0] != 200 {
		t.Fatalf("merged level = %d, want 200 (HTP at equal priority)", last.Levels[0])
	}
}

func TestPendingSourceWithholdsFrame(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	m, del := newTestReceiver(t, fab, clock)

	levels := make([]byte, 512)
	sendLevels(fab, 1, testCID(1), 0, sacn.DefaultPriority, levels)
	m.Sync()
	endSampling(clock, m)
	if len(del.frames) != 1 {
		t.Fatalf("setup: want one frame from source 1 before introducing a pending source")
	}

	pap := make([]byte, 512)
	pap[0] = 150
	sendPAP(fab, 1, testCID(2), 0, sacn.DefaultPriority, pap)
	m.Sync()

	before := len(del.frames)
	levels2 := make([]byte, 512)
	levels2[0] = 9
	sendLevels(fab, 1, testCID(1), 1, sacn.DefaultPriority, levels2)
	m.Sync()
	if len(del.frames) != before {
		t.Fatalf("frame delivered while source 2 is still pending its first Levels datagram")
	}

	// Outside sampling, source 2's first Levels datagram only moves it to
	// waiting-for-PAP without being surfaced; the following PAP and Levels
	// datagrams complete the handshake and deliver its Levels.
	sendLevels(fab, 1, testCID(2), 1, sacn.DefaultPriority, levels)
	m.Sync()
	sendPAP(fab, 1, testCID(2), 2, sacn.DefaultPriority, pap)
	m.Sync()
	sendLevels(fab, 1, testCID(2), 3, sacn.DefaultPriority, levels)
	m.Sync()
	if len(del.frames) != before+1 {
		t.Fatalf("no frame delivered once the pending source resolved")
	}
}

func TestLostSourceRecomputesMerge(t *testing.T) {
	fab := socket.NewFabric()
	clock := sacnio.NewFakeClock()
	m, del := newTestReceiver(t, fab, clock)

	levelsA := make([]byte, 512)
	levelsA[0] = 100
	levelsB := make([]byte, 512)
	levelsB[0] = 30
	sendLevels(fab, 1, testCID(1), 0, sacn.DefaultPriority, levelsA)
	sendLevels(fab, 1, testCID(2), 0, sacn.DefaultPriority, levelsB)
	m.Sync()
	endSampling(clock, m)

	// Keep source 2 alive while source 1 times out (2500ms), so the live
	// merger never drops to zero sources and keeps producing frames.
	for i := 0; i < 5; i++ {
		clock.Advance(600 * time.Millisecond)
		sendLevels(fab, 1, testCID(2), uint8(i+1), sacn.DefaultPriority, levelsB)
		m.Sync()
	}

	last := del.frames[len(del.frames)-1]
	if last.Levels[0] != 30 {
		t.Fatalf("merged level after source 1 timed out = %d, want 30 (only source 2 left)", last.Levels[0])
	}
	if last.Winners[0] == nil || *last.Winners[0] != testCID(2).String() {
		t.Fatalf("winner after source 1 timed out should be source 2, got %v", last.Winners[0])
	}
}
