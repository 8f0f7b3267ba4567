package mem

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/oop"
)

// Violation describes a single broken invariant found by Audit,
// matching one of spec.md §8's testable properties.
type Violation struct {
	Property string
	Detail   string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Property, v.Detail) }

// Audit walks every space and checks the pointer-validity and
// remembered-set-completeness invariants of spec.md §8 properties 1
// and 2. It is the implementation behind the primAuditImage
// primitive (SPEC_FULL.md §5.1) and is cheap enough (O(heap)) to run
// between sensitive operations such as space reallocation and
// Become.
func (h *Heap) Audit() []Violation {
	var violations []Violation

	checkSlot := func(context string, slot oop.OOP) {
		if slot.IsImmediate() || slot == 0 {
			return
		}
		sp := h.SpaceContaining(slot.Address())
		if sp == nil {
			violations = append(violations, Violation{"pointer-validity", context + ": target not in any active space"})
			return
		}
		hdr := HeaderForOOP(slot)
		if hdr.HasFlag(FlagFree) {
			violations = append(violations, Violation{"pointer-validity", context + ": target header is FREE"})
		}
	}

	for _, sp := range h.AllSpaces() {
		if sp.IsPointerSpace() {
			for i, s := range sp.PointerSlots() {
				checkSlot(fmt.Sprintf("%s[%d]", sp.Type, i), s)
			}
			continue
		}
		sp.EnumerateObjects(func(hdr Header) bool {
			if hdr.HasFlag(FlagFree) {
				return true
			}
			back := HeaderFromBody(uintptr(hdr.BodyPointer()), hdr.BodyByteLen())
			if back != hdr {
				violations = append(violations, Violation{"pointer-validity", fmt.Sprintf("%s header %x: body back-pointer mismatch", sp.Type, uintptr(hdr))})
			}
			checkSlot(fmt.Sprintf("%s header %x class", sp.Type, uintptr(hdr)), hdr.Class())
			if !hdr.IsBytes() {
				for i, s := range hdr.BodySlots() {
					checkSlot(fmt.Sprintf("%s header %x slot %d", sp.Type, uintptr(hdr), i), s)
				}
			}
			return true
		})
	}

	h.RememberedSetEach(func(o oop.OOP) {
		hdr := HeaderForOOP(o)
		if !h.objectReferencesNewSpace(hdr) {
			violations = append(violations, Violation{"remembered-set-completeness", fmt.Sprintf("remembered object %x has no new-space slot", uintptr(hdr))})
		}
	})

	h.Old.EnumerateObjects(func(hdr Header) bool {
		if hdr.HasFlag(FlagFree) {
			return true
		}
		if h.objectReferencesNewSpace(hdr) && !h.RememberedSetContains(hdr.OOP()) {
			violations = append(violations, Violation{"remembered-set-completeness", fmt.Sprintf("old-space object %x references new space but is not remembered", uintptr(hdr))})
		}
		return true
	})

	return violations
}

// ErrBecomeRequiresOldSpace is returned by Become when either operand
// is not a pointer object resident in old space (SPEC_FULL.md §5.2).
var ErrBecomeRequiresOldSpace = errors.New("become: requires both operands to be old-space pointer objects")

// Become swaps the header contents (and therefore the identity) of
// two old-space pointer objects in place: every existing pointer to a
// now behaves as a pointer to b and vice versa, since what moves is
// the header content at each fixed address, not the oops referring to
// them (SPEC_FULL.md §5.2, original_source/src/memory_primitives.c).
func (h *Heap) Become(a, b oop.OOP) error {
	if a.IsImmediate() || b.IsImmediate() {
		return ErrBecomeRequiresOldSpace
	}
	if !h.Old.Contains(a.Address()) || !h.Old.Contains(b.Address()) {
		return ErrBecomeRequiresOldSpace
	}
	ha, hb := HeaderForOOP(a), HeaderForOOP(b)
	if ha.IsBytes() != hb.IsBytes() {
		return ErrBecomeRequiresOldSpace
	}
	*ha.raw(), *hb.raw() = *hb.raw(), *ha.raw()
	ha.RepairBackPointer()
	hb.RepairBackPointer()
	return nil
}
