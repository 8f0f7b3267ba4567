package mem

import "github.com/simberon/beaglest/internal/oop"

// scavengeQueue is the BFS work list used while tracing objects
// already (or newly) resident in the inactive survivor. It is a
// plain FIFO slice rather than the lock-free producer/consumer
// buffers the teacher runtime's gcWork type uses (mgcwork.go), since
// this interpreter has exactly one mutator and never needs to hand
// work between goroutines — the single-slice-with-a-head-index
// version of the same get/put idea.
type scavengeQueue struct {
	items []Header
	head  int
}

func (q *scavengeQueue) put(h Header) { q.items = append(q.items, h) }

func (q *scavengeQueue) get() (Header, bool) {
	if q.head >= len(q.items) {
		return 0, false
	}
	h := q.items[q.head]
	q.head++
	return h, true
}

// Scavenge runs one minor collection: every reachable object lying in
// Eden or the active survivor is copied to the inactive survivor (or
// promoted to old space past the tenure threshold), roots and
// already-resident inactive-survivor objects are traced, and finally
// the survivor roles swap and Eden is cleared (spec.md §4.2).
func (h *Heap) Scavenge() {
	if h.Log != nil {
		h.Log.Debugw("scavenge start", "eden_used", h.Eden.headerCursor+h.Eden.bodyCursor)
	}

	q := &scavengeQueue{}

	// Seed the queue with every object already in the inactive
	// survivor (spec.md §4.2 step 1's fourth root class) so that any
	// of their slots pointing back into Eden/active-survivor are
	// traced and relocated too.
	h.InactiveSurvivor().EnumerateObjects(func(hdr Header) bool {
		q.put(hdr)
		return true
	})

	// Every live context in the stack space is traced too: contexts are
	// never copied, but their slots can point into Eden or the active
	// survivor.
	h.Stack.EnumerateObjects(func(hdr Header) bool {
		if !hdr.IsFree() {
			q.put(hdr)
		}
		return true
	})

	// Root set: well-known objects, remembered set entries, and
	// whatever the interpreter reports (current context chain, VM
	// stack locals).
	h.visitRootSlots(func(slot *oop.OOP) {
		h.scavengeSlot(slot, q)
	})

	for {
		hdr, ok := q.get()
		if !ok {
			break
		}
		h.scavengeTraceObject(hdr, q)
	}

	h.RehashRememberedSet()

	oldActive := h.ActiveSurvivor()
	h.Eden.Reset()
	oldActive.Reset()
	h.SwapSurvivors()

	if h.Log != nil {
		h.Log.Debugw("scavenge done", "old_used", h.Old.headerCursor+h.Old.bodyCursor)
	}
}

// visitRootSlots calls fn once per root-holding oop slot: each
// well-known object slot, each remembered-set entry's slot array (the
// remembered-set oops themselves are old-space and stable, but their
// contents may point into new space), and every slot the installed
// RootProvider reports.
func (h *Heap) visitRootSlots(fn func(*oop.OOP)) {
	wk := h.WellKnown.PointerSlots()
	for i := range wk {
		fn(&wk[i])
	}
	h.RememberedSetEach(func(o oop.OOP) {
		hdr := HeaderForOOP(o)
		if hdr.IsBytes() {
			return
		}
		slots := hdr.BodySlots()
		for i := range slots {
			fn(&slots[i])
		}
	})
	if h.roots != nil {
		for _, r := range h.roots.GCRoots() {
			v := r
			fn(&v)
		}
	}
}

// scavengeSlot traces a single root slot: if it points into Eden or
// the active survivor and is not yet relocated, copy it; either way,
// rewrite the slot to point at the (possibly new) location.
func (h *Heap) scavengeSlot(slot *oop.OOP, q *scavengeQueue) {
	v := *slot
	if v.IsImmediate() || v == 0 {
		return
	}
	wasContext := v.IsContextPointer()
	hdr := HeaderAt(v.Address())

	if hdr.IsRelocated() {
		fwd := hdr.ForwardingAddress()
		*slot = retag(fwd.OOP(), wasContext)
		return
	}

	sp := h.SpaceContaining(v.Address())
	if sp == nil || sp.Flags&SpaceIsScavenged != SpaceIsScavenged {
		return // already stable (old space, stack, well-known, inactive survivor)
	}

	newHdr := h.copyToInactiveOrTenure(hdr, q)
	*slot = retag(newHdr.OOP(), wasContext)
}

func retag(v oop.OOP, wasContext bool) oop.OOP {
	if wasContext {
		return v.WithContextPointerTag()
	}
	return v
}

// copyToInactiveOrTenure copies hdr's header+body to the inactive
// survivor, or to old space (registering the result in the
// remembered set) if hdr's flip count has crossed TenureThreshold,
// and leaves a forwarding pointer behind. The copy is enqueued for
// later tracing of its own slots.
func (h *Heap) copyToInactiveOrTenure(hdr Header, q *scavengeQueue) Header {
	tenure := hdr.Flips() > TenureThreshold
	target := h.InactiveSurvivor()
	if tenure {
		target = h.Old
	}

	newHdr, err := h.allocate(target, hdr.Size())
	if err != nil {
		panic(err) // FATAL per spec.md §4.1; nothing recovers this panic
	}

	newHdr.SetClass(hdr.Class())
	newHdr.SetNamedInstVars(hdr.NamedInstVars())
	newHdr.SetIdentityHash(hdr.IdentityHash())
	flags := hdr.Flags() &^ (FlagRelocated | FlagQueuedForMark | FlagMark)
	newHdr.SetFlags(flags)
	if tenure {
		newHdr.SetFlips(0)
		newHdr.SetFlag(FlagSpaceObject)
	} else {
		newHdr.SetFlips(hdr.Flips() + 1)
	}
	copy(newHdr.Body(), hdr.Body())
	newHdr.RepairBackPointer()

	hdr.Forward(newHdr)

	if tenure {
		h.RememberedSetAdd(newHdr.OOP())
	}

	q.put(newHdr)
	return newHdr
}

// scavengeTraceObject traces hdr's class pointer and, for pointer
// objects, every instance-variable slot, per spec.md §4.2 step 3
// ("bytes objects trace only their class").
func (h *Heap) scavengeTraceObject(hdr Header, q *scavengeQueue) {
	class := hdr.Class()
	h.scavengeSlot(&class, q)
	hdr.SetClass(class)

	if hdr.IsBytes() {
		return
	}
	slots := hdr.BodySlots()
	for i := range slots {
		h.scavengeSlot(&slots[i], q)
	}
}
