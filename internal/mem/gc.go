package mem

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/oop"
)

// ErrMarkQueueExhausted is the FATAL condition spec.md §4.3 describes
// for exhausting Eden (repurposed as the mark queue) during the mark
// phase: "the image is too large for this Eden; the operator should
// resize Eden and retry."
var ErrMarkQueueExhausted = errors.New("FATAL: mark queue exhausted Eden; resize Eden and retry")

// GlobalGC runs the three-phase mark-sweep-compact collection of old
// space described in spec.md §4.3.
func (h *Heap) GlobalGC() error {
	if h.Log != nil {
		h.Log.Debugw("global gc start", "old_used", h.Old.headerCursor+h.Old.bodyCursor)
	}

	if err := h.gcMark(); err != nil {
		return err
	}

	h.gcSweep(h.Old)
	h.gcSweep(h.ActiveSurvivor())
	h.gcSweep(h.Stack)

	h.compactOldSpaceBodies()
	h.compactOldSpaceHeaders()
	h.fixupAllPointers()
	h.RehashRememberedSet()

	h.clearMarkFlags()
	h.Eden.Reset()

	if violations := h.Audit(); len(violations) > 0 {
		if h.ExitOnAuditFail {
			return errors.Errorf("FATAL: image audit failed after global GC: %v", violations[0])
		}
		if h.Log != nil {
			h.Log.Warnw("image audit found violations after global GC", "count", len(violations))
		}
	}

	if h.Log != nil {
		h.Log.Debugw("global gc done", "old_used", h.Old.headerCursor+h.Old.bodyCursor)
	}
	return nil
}

// gcMark repurposes Eden as a FIFO queue of pending oops (spec.md
// §4.3 "Eden is repurposed as a FIFO mark queue for this phase").
func (h *Heap) gcMark() error {
	slots := h.Eden.PointerSlots()
	var head, tail int

	push := func(o oop.OOP) error {
		if tail >= len(slots) {
			return ErrMarkQueueExhausted
		}
		slots[tail] = o
		tail++
		return nil
	}
	pop := func() (oop.OOP, bool) {
		if head >= tail {
			return 0, false
		}
		o := slots[head]
		head++
		return o, true
	}

	var enqueueErr error
	enqueue := func(o oop.OOP) {
		if enqueueErr != nil || o.IsImmediate() || o == 0 {
			return
		}
		hdr := HeaderForOOP(o)
		if hdr.HasFlag(FlagQueuedForMark) || hdr.HasFlag(FlagMark) {
			return
		}
		hdr.SetFlag(FlagQueuedForMark)
		if err := push(o); err != nil {
			enqueueErr = err
		}
	}

	wk := h.WellKnown.PointerSlots()
	for _, o := range wk {
		enqueue(o)
	}
	if h.roots != nil {
		for _, o := range h.roots.GCRoots() {
			enqueue(o)
		}
	}
	if enqueueErr != nil {
		return enqueueErr
	}

	for {
		o, ok := pop()
		if !ok {
			break
		}
		hdr := HeaderForOOP(o)
		if hdr.HasFlag(FlagMark) {
			continue
		}
		hdr.ClearFlag(FlagQueuedForMark)
		hdr.SetFlag(FlagMark)

		enqueue(hdr.Class())
		if enqueueErr != nil {
			return enqueueErr
		}
		if !hdr.IsBytes() {
			for _, slot := range hdr.BodySlots() {
				enqueue(slot)
				if enqueueErr != nil {
					return enqueueErr
				}
			}
		}
	}
	return nil
}

// gcSweep marks FREE every header in sp that is neither a
// space-object, already free, nor marked live, removing it from the
// remembered set (spec.md §4.3 "Sweep").
func (h *Heap) gcSweep(sp *Space) {
	sp.EnumerateObjects(func(hdr Header) bool {
		if !hdr.HasFlag(FlagSpaceObject) && !hdr.HasFlag(FlagFree) && !hdr.HasFlag(FlagMark) {
			hdr.SetFlag(FlagFree)
			h.RememberedSetRemove(hdr.OOP())
		}
		return true
	})
}

// compactOldSpaceBodies slides every non-free body in old space
// upward against the space's top boundary in original allocation
// order (oldest body, i.e. highest address, first), eliminating gaps
// left by freed bodies (spec.md §4.3 "compact bodies").
func (h *Heap) compactOldSpaceBodies() {
	sp := h.Old
	n := int(sp.headerCursor / HeaderSize)

	type liveBody struct {
		hdr     Header
		oldAddr uintptr
	}
	var live []liveBody
	for i := 0; i < n; i++ {
		hdr := HeaderAt(sp.Base() + uintptr(uint64(i)*HeaderSize))
		if hdr.HasFlag(FlagFree) {
			continue
		}
		live = append(live, liveBody{hdr: hdr, oldAddr: uintptr(hdr.BodyPointer())})
	}
	// Oldest-allocated body sits at the highest address (bodies grow
	// downward from the top); sort descending by address to visit
	// oldest first, as spec.md specifies.
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].oldAddr > live[j-1].oldAddr; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}

	newCursor := uint64(0)
	for _, lb := range live {
		sz := lb.hdr.BodyByteLen()
		newCursor += sz + 8
		newAddr := sp.Base() + uintptr(sp.SizeBytes()-newCursor)
		moveBody(lb.hdr, newAddr)
	}
	sp.bodyCursor = newCursor
}

func moveBody(hdr Header, newAddr uintptr) {
	sz := hdr.BodyByteLen()
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hdr.BodyPointer()))), sz)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), sz)
	copy(dst, src)
	hdr.SetBodyPointer(oop.PointerFromAddress(newAddr))
	hdr.RepairBackPointer()
}

// compactOldSpaceHeaders slides every live header down over the
// FREE slots that precede it, from both ends of the header array
// inward, leaving a forwarding pointer (RELOCATED|FREE, class = new
// address) behind at the vacated slot (spec.md §4.3 "compact
// headers").
func (h *Heap) compactOldSpaceHeaders() {
	sp := h.Old
	n := int(sp.headerCursor / HeaderSize)
	headerAt := func(i int) Header { return HeaderAt(sp.Base() + uintptr(uint64(i)*HeaderSize)) }

	lo, hi := 0, n-1
	for lo < hi {
		for lo < hi && !headerAt(lo).HasFlag(FlagFree) {
			lo++
		}
		if lo >= hi {
			break
		}
		for hi > lo && headerAt(hi).HasFlag(FlagFree) {
			hi--
		}
		if hi <= lo {
			break
		}

		src := headerAt(hi)
		dst := headerAt(lo)
		wasRemembered := h.RememberedSetContains(src.OOP())

		*dst.raw() = *src.raw()
		dst.ClearFlag(FlagFree)
		dst.RepairBackPointer()

		if wasRemembered {
			h.RememberedSetRemove(src.OOP())
			h.RememberedSetAdd(dst.OOP())
		}

		src.SetFlag(FlagFree)
		src.Forward(dst)

		lo++
		hi--
	}

	live := 0
	for i := 0; i < n; i++ {
		if !headerAt(i).HasFlag(FlagFree) {
			live++
		}
	}
	sp.headerCursor = uint64(live) * HeaderSize
}

// fixupAllPointers rewrites every pointer slot across every space
// (and the root provider's roots) whose target header has been
// RELOCATED by header compaction, to its forwarding address (spec.md
// §4.3 "fix up pointers").
func (h *Heap) fixupAllPointers() {
	fix := func(slot *oop.OOP) {
		v := *slot
		if v.IsImmediate() || v == 0 {
			return
		}
		hdr := HeaderForOOP(v)
		if hdr.HasFlag(FlagRelocated) {
			*slot = retag(hdr.ForwardingAddress().OOP(), v.IsContextPointer())
		}
	}

	for _, sp := range h.AllSpaces() {
		if sp.IsPointerSpace() {
			slots := sp.PointerSlots()
			for i := range slots {
				fix(&slots[i])
			}
			continue
		}
		sp.EnumerateObjects(func(hdr Header) bool {
			class := hdr.Class()
			fix(&class)
			hdr.SetClass(class)
			if !hdr.IsBytes() {
				slots := hdr.BodySlots()
				for i := range slots {
					fix(&slots[i])
				}
			}
			return true
		})
	}
}

// clearMarkFlags clears MARK and QUEUED_FOR_MARK from every header in
// every space, the final step of a global GC cycle.
func (h *Heap) clearMarkFlags() {
	for _, sp := range h.AllSpaces() {
		if sp.IsPointerSpace() {
			continue
		}
		sp.EnumerateObjects(func(hdr Header) bool {
			hdr.ClearFlag(FlagMark)
			hdr.ClearFlag(FlagQueuedForMark)
			return true
		})
	}
}
