package codec

// Slot indexes the key slot pair.
type Slot int

const (
	// SlotCurrent holds the key new database writes are encoded with.
	SlotCurrent Slot = 0
	// SlotPrevious holds the key the file on disk is encoded with.
	SlotPrevious Slot = 1
)

func (s Slot) String() string {
	if s == SlotPrevious {
		return "previous"
	}
	return "current"
}

// KeySlots is the current/previous key pair. Outside a re-key both slots
// refer to the same key.
//
// Loading and promoting never wipe the displaced key, since a Snapshot
// may still refer to it. Keys are wiped by Restore, Discard and Wipe.
type KeySlots struct {
	slots [2]*KeyMaterial
}

// Snapshot records both slots so a re-key can put them back.
type Snapshot struct {
	current, previous *KeyMaterial
}

// Reset installs km into both slots, wiping whatever they held.
func (s *KeySlots) Reset(km *KeyMaterial) {
	for _, old := range s.slots {
		if old != km {
			old.Wipe()
		}
	}
	s.slots = [2]*KeyMaterial{km, km}
}

// Load installs km as the current key. nil installs the null key.
func (s *KeySlots) Load(km *KeyMaterial) {
	s.slots[SlotCurrent] = km
}

// Promote makes the current key the previous key as well. Called once a
// re-key has committed.
func (s *KeySlots) Promote() {
	s.slots[SlotPrevious] = s.slots[SlotCurrent]
}

// Rollback puts the previous key back into the current slot, wiping the
// abandoned candidate.
func (s *KeySlots) Rollback() {
	cand := s.slots[SlotCurrent]
	s.slots[SlotCurrent] = s.slots[SlotPrevious]
	if cand != s.slots[SlotPrevious] {
		cand.Wipe()
	}
}

// Get returns the key in slot.
func (s *KeySlots) Get(slot Slot) *KeyMaterial {
	return s.slots[slot]
}

// Current returns the current key.
func (s *KeySlots) Current() *KeyMaterial { return s.slots[SlotCurrent] }

// Previous returns the previous key.
func (s *KeySlots) Previous() *KeyMaterial { return s.slots[SlotPrevious] }

// Snapshot captures both slots.
func (s *KeySlots) Snapshot() Snapshot {
	return Snapshot{current: s.slots[SlotCurrent], previous: s.slots[SlotPrevious]}
}

// Restore reinstates snap and wipes keys that are no longer referenced.
// It undoes a re-key whether or not Promote already ran.
func (s *KeySlots) Restore(snap Snapshot) {
	for _, km := range s.slots {
		if km != snap.current && km != snap.previous {
			km.Wipe()
		}
	}
	s.slots = [2]*KeyMaterial{snap.current, snap.previous}
}

// Discard releases snap after a committed re-key, wiping keys it held
// that are no longer in either slot.
func (s *KeySlots) Discard(snap Snapshot) {
	for _, km := range []*KeyMaterial{snap.current, snap.previous} {
		if km != s.slots[SlotCurrent] && km != s.slots[SlotPrevious] {
			km.Wipe()
		}
	}
}

// Wipe zeroes both slots.
func (s *KeySlots) Wipe() {
	s.slots[SlotCurrent].Wipe()
	s.slots[SlotPrevious].Wipe()
	s.slots = [2]*KeyMaterial{}
}
