package merge

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/patchbay/sacn"
)

func levels(vals ...byte) [sacn.NumSlots]byte {
	var out [sacn.NumSlots]byte
	copy(out[:], vals)
	return out
}

func TestSingleSourceWins(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("S1", 100)
	m.UpdateLevels("S1", levels(255))

	if m.Levels[0] != 255 {
		t.Fatalf("levels[0] = %d, want 255", m.Levels[0])
	}
	if m.WinningPriorities[0] != 100 {
		t.Fatalf("winning priority = %d, want 100", m.WinningPriorities[0])
	}
	if m.WinnerIDs[0] == nil || *m.WinnerIDs[0] != "S1" {
		t.Fatalf("winner = %v, want S1", m.WinnerIDs[0])
	}
	for i := 1; i < sacn.NumSlots; i++ {
		if m.Levels[i] != 0 || m.WinnerIDs[i] != nil {
			t.Fatalf("slot %d should be unsourced", i)
		}
	}
}

func TestHTPMerge(t *testing.T) {
	// A and B both universe priority 100 (no PAP): HTP breaks the tie.
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateUniversePriority("B", 100)
	m.UpdateLevels("A", levels(10, 200))
	m.UpdateLevels("B", levels(50, 100))

	if m.Levels[0] != 50 || m.WinnerIDs[0] == nil || *m.WinnerIDs[0] != "B" {
		t.Fatalf("slot0: got level=%d winner=%v, want 50/B", m.Levels[0], m.WinnerIDs[0])
	}
	if m.Levels[1] != 200 || m.WinnerIDs[1] == nil || *m.WinnerIDs[1] != "A" {
		t.Fatalf("slot1: got level=%d winner=%v, want 200/A", m.Levels[1], m.WinnerIDs[1])
	}
}

func TestPAPBeatsUniversePriority(t *testing.T) {
	// A per-address priority stream outranks the other source's universe priority.
	m := New()
	m.UpdateUniversePriority("A", 200)
	m.UpdateLevels("A", levels(100, 100))

	m.UpdateUniversePriority("B", 100)
	m.UpdateLevels("B", levels(50, 50))
	m.UpdatePAP("B", levels(255, 0))

	if m.WinnerIDs[0] == nil || *m.WinnerIDs[0] != "B" {
		t.Fatalf("slot0 winner = %v, want B (PAP 255 > 200)", m.WinnerIDs[0])
	}
	if m.Levels[0] != 50 {
		t.Fatalf("slot0 level = %d, want 50", m.Levels[0])
	}
	if m.WinnerIDs[1] == nil || *m.WinnerIDs[1] != "A" {
		t.Fatalf("slot1 winner = %v, want A (B's PAP=0 is unsourced)", m.WinnerIDs[1])
	}
	if m.Levels[1] != 100 {
		t.Fatalf("slot1 level = %d, want 100", m.Levels[1])
	}
}

func TestPriorityTranslationZeroBecomesOne(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 0)
	m.UpdateLevels("A", levels(42))

	if m.WinningPriorities[0] != 1 {
		t.Fatalf("winning priority = %d, want 1 (0 translates to 1, not unsourced)", m.WinningPriorities[0])
	}
	if m.WinnerIDs[0] == nil {
		t.Fatalf("slot should be sourced")
	}
}

func TestIdempotentUpdateProducesNoChange(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateLevels("A", levels(10, 20, 30))

	before := snapshot(m)
	m.UpdateLevels("A", levels(10, 20, 30))
	m.UpdateUniversePriority("A", 100)
	after := snapshot(m)

	if diff := deep.Equal(before, after); diff != nil {
		t.Fatalf("idempotent update changed merger state: %v", diff)
	}
}

func TestRemoveSourceRecomputesWinner(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateLevels("A", levels(10))
	m.UpdateUniversePriority("B", 100)
	m.UpdateLevels("B", levels(90))

	if m.Levels[0] != 90 {
		t.Fatalf("precondition: want B winning with 90, got %d", m.Levels[0])
	}

	m.RemoveSource("B")
	if m.Levels[0] != 10 || m.WinnerIDs[0] == nil || *m.WinnerIDs[0] != "A" {
		t.Fatalf("after removing B: got level=%d winner=%v, want 10/A", m.Levels[0], m.WinnerIDs[0])
	}
}

func TestRemoveLastSourceZeroesSlot(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateLevels("A", levels(10))
	m.RemoveSource("A")

	if m.Levels[0] != 0 || m.WinningPriorities[0] != 0 || m.WinnerIDs[0] != nil {
		t.Fatalf("expected fully unsourced slot, got level=%d prio=%d winner=%v",
			m.Levels[0], m.WinningPriorities[0], m.WinnerIDs[0])
	}
}

func TestPriorityDecreaseRescans(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 150)
	m.UpdateLevels("A", levels(200))
	m.UpdateUniversePriority("B", 100)
	m.UpdateLevels("B", levels(50))

	if *m.WinnerIDs[0] != "A" {
		t.Fatalf("precondition failed")
	}

	m.UpdateUniversePriority("A", 50) // now lower than B's 100
	if m.WinningPriorities[0] != 100 || *m.WinnerIDs[0] != "B" {
		t.Fatalf("after A's priority drop: got prio=%d winner=%v, want 100/B",
			m.WinningPriorities[0], m.WinnerIDs[0])
	}
	if m.Levels[0] != 50 {
		t.Fatalf("level should follow new winner B: got %d", m.Levels[0])
	}
}

func TestLevelDecreaseAtSamePriorityRescans(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateUniversePriority("B", 100)
	m.UpdateLevels("A", levels(200))
	m.UpdateLevels("B", levels(100))

	if *m.WinnerIDs[0] != "A" || m.Levels[0] != 200 {
		t.Fatalf("precondition failed: winner=%v level=%d", m.WinnerIDs[0], m.Levels[0])
	}

	m.UpdateLevels("A", levels(10)) // A drops below B at the same priority
	if *m.WinnerIDs[0] != "B" || m.Levels[0] != 100 {
		t.Fatalf("after A's level drop: winner=%v level=%d, want B/100", m.WinnerIDs[0], m.Levels[0])
	}
}

func TestRemovePAPRevertsToUniversePriority(t *testing.T) {
	m := New()
	m.UpdateUniversePriority("A", 100)
	m.UpdateLevels("A", levels(10))
	m.UpdatePAP("A", levels(5)) // PAP priority 5 at slot 0

	if m.WinningPriorities[0] != 5 {
		t.Fatalf("got %d, want 5 (PAP active)", m.WinningPriorities[0])
	}

	m.RemovePAP("A")
	if m.WinningPriorities[0] != 100 {
		t.Fatalf("got %d, want 100 (reverted to universe priority)", m.WinningPriorities[0])
	}
}

func TestUnsourcedSlotInvariant(t *testing.T) {
	m := New()
	for i := 0; i < sacn.NumSlots; i++ {
		if m.WinningPriorities[i] == 0 && (m.Levels[i] != 0 || m.WinnerIDs[i] != nil) {
			t.Fatalf("slot %d: priority 0 but level=%d winner=%v", i, m.Levels[i], m.WinnerIDs[i])
		}
	}
}

type snap struct {
	Levels     [sacn.NumSlots]byte
	Priorities [sacn.NumSlots]uint8
	Winners    [sacn.NumSlots]string
}

func snapshot(m *Merger) snap {
	var s snap
	s.Levels = m.Levels
	s.Priorities = m.WinningPriorities
	for i, w := range m.WinnerIDs {
		if w != nil {
			s.Winners[i] = *w
		}
	}
	return s
}
