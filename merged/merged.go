// Package merged layers HTP-within-priority merging on top of the raw
// per-universe receiver: it keeps a sampling-window merger and a
// steady-state merger, migrates sources between them when the sampling
// window closes, and gates merged-frame delivery on every source's
// identity having resolved (no source still waiting on its first
// Levels datagram).
package merged

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/merge"
	"github.com/patchbay/sacn/receiver"
)

// Frame is one fully-merged snapshot of a universe.
type Frame struct {
	Levels      [sacn.NumSlots]byte
	Priorities  [sacn.NumSlots]uint8
	Winners     [sacn.NumSlots]*string
	ActiveIDs   []string // every non-sampling source currently contributing
}

// Delegate receives merged-universe notifications. Methods are called
// synchronously from the underlying raw receiver's worker goroutine and
// must not block.
type Delegate interface {
	OnMergedFrame(f Frame)
	OnLostSources(cids []sacn.CID)
	OnLostPAP(cid sacn.CID)
	OnExceededSources()
	OnSocketClosed(iface string, err error)
}

// Config wraps receiver.Config; every field applies unchanged to the
// underlying raw receiver.
type Config struct {
	receiver.Config
}

// Receiver merges every source on one universe into a single HTP
// result, re-deriving it on every accepted datagram.
type Receiver struct {
	raw *receiver.RawReceiver

	sampling *merge.Merger
	live     *merge.Merger

	samplingActive bool
	seenLevels     map[string]bool
	pending        map[string]bool

	delegate atomic.Pointer[Delegate]
	log      zerolog.Logger
}

// New builds a Receiver on top of a new raw receiver built from cfg.
func New(cfg Config) (*Receiver, error) {
	raw, err := receiver.New(cfg.Config)
	if err != nil {
		return nil, err
	}
	m := &Receiver{
		raw:        raw,
		sampling:   merge.New(),
		live:       merge.New(),
		seenLevels: map[string]bool{},
		pending:    map[string]bool{},
		log:        cfg.Config.Logger.With().Uint16("universe", cfg.Config.Universe).Logger(),
	}
	raw.SetDelegate(m)
	return m, nil
}

func (m *Receiver) SetDelegate(d Delegate) {
	if d == nil {
		m.delegate.Store(nil)
		return
	}
	m.delegate.Store(&d)
}

func (m *Receiver) notify(fn func(Delegate)) {
	p := m.delegate.Load()
	if p == nil {
		return
	}
	fn(*p)
}

func (m *Receiver) Start() error                          { return m.raw.Start() }
func (m *Receiver) Stop() error                           { return m.raw.Stop() }
func (m *Receiver) UpdateInterfaces(ifaces []string) error { return m.raw.UpdateInterfaces(ifaces) }

// SourceInfo returns the last known name and universe priority for cid,
// or ErrSourceNotFound if it isn't currently tracked.
func (m *Receiver) SourceInfo(cid sacn.CID) (receiver.SourceData, error) { return m.raw.SourceInfo(cid) }

// Sync blocks until every datagram and timer callback queued before
// this call has been fully processed, including the merge it produced.
// Exists for deterministic tests driving a FakeClock.
func (m *Receiver) Sync() { m.raw.Sync() }

// Current returns the most recently computed merged frame.
func (m *Receiver) Current() Frame {
	return Frame{
		Levels:     m.live.Levels,
		Priorities: m.live.WinningPriorities,
		Winners:    m.live.WinnerIDs,
		ActiveIDs:  m.live.Sources(),
	}
}

// OnUniverseData implements receiver.Delegate.
func (m *Receiver) OnUniverseData(data receiver.SourceData) {
	id := data.CID.String()
	merger := m.live
	if data.Sampling {
		merger = m.sampling
	}
	merger.UpdateUniversePriority(id, data.UniversePriority)

	switch {
	case data.Levels != nil:
		merger.UpdateLevels(id, *data.Levels)
		m.seenLevels[id] = true
		delete(m.pending, id)
	case data.Priorities != nil:
		if !m.seenLevels[id] {
			m.pending[id] = true
		}
		merger.UpdatePAP(id, *data.Priorities)
	}
	m.maybeNotify()
}

// OnStartedSampling implements receiver.Delegate.
func (m *Receiver) OnStartedSampling() {
	m.samplingActive = true
}

// OnEndedSampling implements receiver.Delegate: every source the
// sampling merger was tracking is folded into the live merger with its
// last known state, then the sampling merger is reset for the next
// interface-triggered sampling window.
func (m *Receiver) OnEndedSampling() {
	for _, id := range m.sampling.Sources() {
		src := m.sampling.Source(id)
		m.live.UpdateLevels(id, src.Levels)
		if src.UsingUniversePriority {
			m.live.UpdateUniversePriority(id, src.UniversePriority)
		} else {
			m.live.UpdatePAP(id, src.AddressPriorities)
		}
	}
	m.sampling = merge.New()
	m.samplingActive = false
	m.maybeNotify()
}

// OnLostSources implements receiver.Delegate.
func (m *Receiver) OnLostSources(cids []sacn.CID) {
	for _, cid := range cids {
		id := cid.String()
		m.live.RemoveSource(id)
		m.sampling.RemoveSource(id)
		delete(m.seenLevels, id)
		delete(m.pending, id)
	}
	m.notify(func(d Delegate) { d.OnLostSources(cids) })
	m.maybeNotify()
}

// OnLostPAP implements receiver.Delegate.
func (m *Receiver) OnLostPAP(cid sacn.CID) {
	id := cid.String()
	m.live.RemovePAP(id)
	m.sampling.RemovePAP(id)
	m.notify(func(d Delegate) { d.OnLostPAP(cid) })
	m.maybeNotify()
}

// OnExceededSources implements receiver.Delegate.
func (m *Receiver) OnExceededSources() {
	m.notify(func(d Delegate) { d.OnExceededSources() })
}

// OnSocketClosed implements receiver.Delegate.
func (m *Receiver) OnSocketClosed(iface string, err error) {
	m.notify(func(d Delegate) { d.OnSocketClosed(iface, err) })
}

// maybeNotify fires OnMergedFrame only once every source has resolved:
// sampling must have ended, the live merger must hold at least one
// source, and no source may still be waiting on its first Levels
// datagram after arriving PAP-first.
func (m *Receiver) maybeNotify() {
	if m.samplingActive {
		return
	}
	if len(m.live.Sources()) == 0 {
		return
	}
	if len(m.pending) > 0 {
		m.log.Debug().Int("pending", len(m.pending)).Msg("sacn: merged frame withheld, sources still pending")
		return
	}
	f := m.Current()
	m.notify(func(d Delegate) { d.OnMergedFrame(f) })
}
