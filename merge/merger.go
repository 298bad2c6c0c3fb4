// Package merge implements the per-slot HTP-within-highest-priority
// merge engine: for one universe, it tracks every live source's 512
// levels and 512 per-address priorities and maintains three
// incrementally-updated 512-wide arrays: the merged levels, the
// winning priorities, and the winning source identities.
package merge

import (
	"github.com/patchbay/sacn"
)

// Source holds one contributor's per-slot state.
type Source struct {
	ID                    string
	Levels                [sacn.NumSlots]byte
	LevelCount            int // number of slots with an explicit level (informational)
	UniversePriority      uint8
	AddressPriorities     [sacn.NumSlots]uint8
	PAPCount              int
	UsingUniversePriority bool // true until real PAP data arrives
}

func newSource(id string) *Source {
	s := &Source{ID: id, UniversePriority: sacn.DefaultPriority, UsingUniversePriority: true}
	s.broadcastUniversePriority()
	return s
}

func (s *Source) broadcastUniversePriority() {
	p := sacn.EffectivePriority(s.UniversePriority)
	for i := range s.AddressPriorities {
		s.AddressPriorities[i] = p
	}
}

// Merger holds the merged state for one universe across all of its
// live sources.
type Merger struct {
	Levels            [sacn.NumSlots]byte
	WinningPriorities [sacn.NumSlots]uint8
	WinnerIDs         [sacn.NumSlots]*string

	sources map[string]*Source
}

// New returns an empty Merger: all levels, priorities and winners zeroed.
func New() *Merger {
	return &Merger{sources: map[string]*Source{}}
}

// Sources returns the ids of every source currently tracked, in no
// particular order.
func (m *Merger) Sources() []string {
	out := make([]string, 0, len(m.sources))
	for id := range m.sources {
		out = append(out, id)
	}
	return out
}

// Source returns the tracked per-source state for id, or nil.
func (m *Merger) Source(id string) *Source {
	return m.sources[id]
}

func (m *Merger) getOrCreate(id string) *Source {
	s, ok := m.sources[id]
	if !ok {
		s = newSource(id)
		m.sources[id] = s
	}
	return s
}

// UpdateLevels sets a source's 512 DMX levels and recomputes only the
// slots whose level actually changed.
func (m *Merger) UpdateLevels(id string, levels [sacn.NumSlots]byte) {
	s := m.getOrCreate(id)
	for i := 0; i < sacn.NumSlots; i++ {
		if s.Levels[i] == levels[i] {
			continue
		}
		s.Levels[i] = levels[i]
		m.recomputeSlot(i)
	}
}

// UpdatePAP installs a source's 512 per-address priorities, switching it
// off universe-priority broadcast.
func (m *Merger) UpdatePAP(id string, pap [sacn.NumSlots]byte) {
	s := m.getOrCreate(id)
	s.UsingUniversePriority = false
	s.PAPCount++
	for i := 0; i < sacn.NumSlots; i++ {
		p := sacn.ClampPriority(pap[i])
		if s.AddressPriorities[i] == p {
			continue
		}
		s.AddressPriorities[i] = p
		m.recomputeSlot(i)
	}
}

// RemovePAP reverts a source to broadcasting its universe priority as
// every slot's effective priority.
func (m *Merger) RemovePAP(id string) {
	s, ok := m.sources[id]
	if !ok {
		return
	}
	s.UsingUniversePriority = true
	p := sacn.EffectivePriority(s.UniversePriority)
	for i := 0; i < sacn.NumSlots; i++ {
		if s.AddressPriorities[i] == p {
			continue
		}
		s.AddressPriorities[i] = p
		m.recomputeSlot(i)
	}
}

// UpdateUniversePriority sets a source's universe (framing-layer)
// priority. If the source has no active PAP, every slot's effective
// priority is recomputed from the new value.
func (m *Merger) UpdateUniversePriority(id string, universePriority uint8) {
	s := m.getOrCreate(id)
	s.UniversePriority = universePriority
	if !s.UsingUniversePriority {
		return
	}
	p := sacn.EffectivePriority(universePriority)
	for i := 0; i < sacn.NumSlots; i++ {
		if s.AddressPriorities[i] == p {
			continue
		}
		s.AddressPriorities[i] = p
		m.recomputeSlot(i)
	}
}

// RemoveSource drops a source entirely and recomputes every slot it was
// contributing a nonzero priority to.
func (m *Merger) RemoveSource(id string) {
	s, ok := m.sources[id]
	if !ok {
		return
	}
	delete(m.sources, id)
	for i := 0; i < sacn.NumSlots; i++ {
		if s.AddressPriorities[i] > 0 {
			m.recomputeSlot(i)
		}
	}
}

// recomputeSlot applies the per-slot merge rule for slot i: highest
// priority wins, ties broken by highest level (HTP). It always
// recomputes from scratch for correctness rather than trying to patch
// around whichever source just changed.
func (m *Merger) recomputeSlot(i int) {
	if len(m.sources) == 0 {
		m.Levels[i] = 0
		m.WinningPriorities[i] = 0
		m.WinnerIDs[i] = nil
		return
	}

	// With exactly one tracked source there is nothing to arbitrate,
	// so skip the scan entirely.
	if len(m.sources) == 1 {
		for id, s := range m.sources {
			p := s.AddressPriorities[i]
			m.WinningPriorities[i] = p
			if p == 0 {
				m.Levels[i] = 0
				m.WinnerIDs[i] = nil
				return
			}
			m.Levels[i] = s.Levels[i]
			idCopy := id
			m.WinnerIDs[i] = &idCopy
		}
		return
	}

	bestPriority := uint8(0)
	bestLevel := byte(0)
	var bestID *string

	for id, s := range m.sources {
		p := s.AddressPriorities[i]
		if p == 0 {
			continue
		}
		l := s.Levels[i]
		switch {
		case p > bestPriority:
			bestPriority, bestLevel = p, l
			idCopy := id
			bestID = &idCopy
		case p == bestPriority && l > bestLevel:
			bestLevel = l
			idCopy := id
			bestID = &idCopy
		}
	}

	m.WinningPriorities[i] = bestPriority
	if bestPriority == 0 {
		m.Levels[i] = 0
		m.WinnerIDs[i] = nil
		return
	}
	m.Levels[i] = bestLevel
	m.WinnerIDs[i] = bestID
}
