package mem

import "github.com/simberon/beaglest/internal/oop"

// RememberedSet is an identity-hash open-addressed set of old-space
// objects known to reference at least one new-space object (spec.md
// §3 "Invariants", glossary "Remembered set"). It is backed directly
// by the RememberedSet memory space's flat oop array so that it is
// serialized by the image codec like any other space.

// slotFor returns the probe index for o in a table of the given
// length, linear-probing from the identity hash modulo the table
// size until an empty (nil) slot or a match is found.
func slotFor(table []oop.OOP, o oop.OOP, nilOOP oop.OOP, hdrOf func(oop.OOP) Header) int {
	n := len(table)
	if n == 0 {
		return -1
	}
	h := hdrOf(o)
	start := int(uint64(h.IdentityHash().SmallIntegerValue()) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if table[idx] == nilOOP || table[idx] == o {
			return idx
		}
	}
	return -1 // table full
}

// RememberedSetAdd registers o (an old-space object) in the
// remembered set if it is not already present.
func (h *Heap) RememberedSetAdd(o oop.OOP) {
	table := h.RememberedSet.PointerSlots()
	idx := slotFor(table, o, h.Nil(), HeaderForOOP)
	if idx < 0 {
		return // table full; a production VM would grow the space here
	}
	table[idx] = o
}

// RememberedSetContains reports whether o is currently registered.
func (h *Heap) RememberedSetContains(o oop.OOP) bool {
	table := h.RememberedSet.PointerSlots()
	idx := slotFor(table, o, h.Nil(), HeaderForOOP)
	return idx >= 0 && table[idx] == o
}

// RememberedSetRemove clears o's slot (set to nil), then closes the
// probe chain by re-inserting every subsequent entry in the same
// cluster, as linear-probed open addressing requires on delete.
func (h *Heap) RememberedSetRemove(o oop.OOP) {
	table := h.RememberedSet.PointerSlots()
	n := len(table)
	idx := slotFor(table, o, h.Nil(), HeaderForOOP)
	if idx < 0 || table[idx] != o {
		return
	}
	table[idx] = h.Nil()
	for i := (idx + 1) % n; table[i] != h.Nil(); i = (i + 1) % n {
		v := table[i]
		table[i] = h.Nil()
		h.RememberedSetAdd(v)
	}
}

// RememberedSetEach calls fn for every registered oop.
func (h *Heap) RememberedSetEach(fn func(oop.OOP)) {
	nilOOP := h.Nil()
	for _, v := range h.RememberedSet.PointerSlots() {
		if v != nilOOP && v != 0 {
			fn(v)
		}
	}
}

// HeaderForOOP resolves the header for a non-immediate oop, following
// the context-pointer tag if present.
func HeaderForOOP(o oop.OOP) Header {
	return HeaderAt(o.Address())
}

// RehashRememberedSet recomputes membership after a scavenge or GC
// has moved objects: any old-space object that no longer has a slot
// referencing a scavenged (new) space is dropped, per spec.md §4.2
// step 4. Positions are also recomputed since identity hash buckets
// never change but a bare rebuild after compaction is simplest and
// cheap (O(|remembered set|)).
func (h *Heap) RehashRememberedSet() {
	var keep []oop.OOP
	h.RememberedSetEach(func(o oop.OOP) {
		if h.objectReferencesNewSpace(HeaderForOOP(o)) {
			keep = append(keep, o)
		}
	})
	nilOOP := h.Nil()
	table := h.RememberedSet.PointerSlots()
	for i := range table {
		table[i] = nilOOP
	}
	for _, o := range keep {
		h.RememberedSetAdd(o)
	}
}

// objectReferencesNewSpace reports whether hdr (assumed to live in
// old space) has any slot pointing into a scavenged space.
func (h *Heap) objectReferencesNewSpace(hdr Header) bool {
	if hdr.IsBytes() {
		return false
	}
	for _, slot := range hdr.BodySlots() {
		if slot.IsImmediate() {
			continue
		}
		sp := h.SpaceContaining(slot.Address())
		if sp != nil && sp.Flags&SpaceIsScavenged == SpaceIsScavenged {
			return true
		}
	}
	return false
}
