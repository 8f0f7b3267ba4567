package mem

import (
	"go.uber.org/zap"

	"github.com/pkg/errors"

	"github.com/simberon/beaglest/internal/oop"
)

// TenureThreshold is the flip count past which the scavenger promotes
// an object directly to old space instead of copying it to the
// inactive survivor (spec.md §3, §4.2).
const TenureThreshold = 300

// RootProvider lets the interpreter (internal/vm) expose the roots
// that only it knows about — the current context chain and anything
// it has pushed onto the evaluation stack as a scavenge-surviving
// local — without internal/mem importing internal/vm.
type RootProvider interface {
	// GCRoots returns every oop the scavenger/global GC must trace
	// beyond the well-known objects, remembered set, and (for a
	// scavenge) the inactive survivor's existing contents.
	GCRoots() []oop.OOP
}

// Heap bundles every memory space and the cross-space state the
// scavenger, global GC, and allocator share.
type Heap struct {
	Eden          *Space
	Survivor      [2]*Space // index 0 and 1; ActiveSurvivorIndex picks which is "current"
	Old           *Space
	Stack         *Space
	RememberedSet *Space
	WellKnown     *Space

	Extra []*Space // additional spaces an image may define (spec.md §4.8)

	ActiveSurvivorIndex int // 0 or 1

	ExitOnAuditFail bool

	Log *zap.SugaredLogger

	roots RootProvider
}

// WellKnownCount is the number of fixed well-known object slots
// (spec.md §6), indices 0..33.
const WellKnownCount = 34

// Well-known object slot indices, matching spec.md §6 exactly.
const (
	WKNil = iota
	WKTrue
	WKFalse
	WKSystemDictionary
	WKSymbolTable
	WKStartObject
	WKStartSelector
	WKStartContext
	WKSmallIntegerClass
	WKCharacterClass
	WKBlockClosureClass
	WKArrayClass
	WKFloatClass
	WKObsolete
	WKLargePositiveIntegerClass
	WKLargeNegativeIntegerClass
	WKOSHandleClass
	WKByteStringClass
	WKByteSymbolClass
	WKUninterpretedBytesClass
	WKSystemClass
	WKClassClass
	WKMetaclassClass
	WKCompiledBlockClass
	WKAssociationClass
	WKCodeContextClass
	WKByteArrayClass
	WKBytecodeTable
	WKSmalltalkParser
	WKExceptionHandlers
	WKMessageNotUnderstoodClass
	WKErrorClass
	WKJsonParserClass
	WKMemorySpaceClass
)

// HeapSizes gives the byte capacity of each fixed space, explicit so
// callers (image loader, tests) never rely on a hidden default.
type HeapSizes struct {
	Eden, Survivor, Old, Stack uint64
	RememberedSetSlots         uint64
}

// NewHeap allocates the fixed set of spaces with the given sizes and
// returns a Heap ready for image loading.
func NewHeap(sizes HeapSizes, log *zap.SugaredLogger) (*Heap, error) {
	h := &Heap{Log: log}
	var err error
	if h.Eden, err = NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, sizes.Eden); err != nil {
		return nil, err
	}
	if h.Survivor[0], err = NewSpace(SurvivorSpace1, 1, SpaceIsObjectSpace|SpaceIsScavenged|SpaceIsCurrentSpace, sizes.Survivor); err != nil {
		return nil, err
	}
	if h.Survivor[1], err = NewSpace(SurvivorSpace2, 2, SpaceIsObjectSpace|SpaceIsScavenged, sizes.Survivor); err != nil {
		return nil, err
	}
	if h.RememberedSet, err = NewSpace(RememberedSetSpace, 3, SpaceIsPointerSpace, sizes.RememberedSetSlots*8); err != nil {
		return nil, err
	}
	if h.WellKnown, err = NewSpace(WellKnownObjectsSpace, 4, SpaceIsPointerSpace|SpaceHasSpaceObject, WellKnownCount*8); err != nil {
		return nil, err
	}
	if h.Stack, err = NewSpace(StackSpace, 6, SpaceIsObjectSpace|SpaceIsStackManaged|SpaceHasTopHeaders, sizes.Stack); err != nil {
		return nil, err
	}
	if h.Old, err = NewSpace(OldSpace, 7, SpaceIsObjectSpace|SpaceIsMarkSweepManaged, sizes.Old); err != nil {
		return nil, err
	}
	h.ActiveSurvivorIndex = 0
	return h, nil
}

// SetRootProvider installs the interpreter's root-enumeration
// callback; called once during VM setup.
func (h *Heap) SetRootProvider(p RootProvider) { h.roots = p }

// ActiveSurvivor returns the survivor space currently holding the
// survivor generation. A scavenge copies objects OUT of Eden and this
// space INTO the inactive survivor (spec.md §4.2).
func (h *Heap) ActiveSurvivor() *Space { return h.Survivor[h.ActiveSurvivorIndex] }

// InactiveSurvivor is the copy destination for the next scavenge.
func (h *Heap) InactiveSurvivor() *Space { return h.Survivor[1-h.ActiveSurvivorIndex] }

// SwapSurvivors exchanges which survivor space is active, the final
// step of a scavenge (spec.md §4.2 step 5).
func (h *Heap) SwapSurvivors() {
	old := h.ActiveSurvivor()
	old.ClearFlagSpace(SpaceIsCurrentSpace)
	h.ActiveSurvivorIndex = 1 - h.ActiveSurvivorIndex
	h.ActiveSurvivor().SetFlagSpace(SpaceIsCurrentSpace)
}

// AllSpaces returns every fixed space plus any extras, in image order
// (spec.md §4.8: Eden, Survivor1, Survivor2, RememberedSet,
// WellKnownObjects, (reserved), StackSpace, OldSpace, extras...).
func (h *Heap) AllSpaces() []*Space {
	spaces := []*Space{h.Eden, h.Survivor[0], h.Survivor[1], h.RememberedSet, h.WellKnown, h.Stack, h.Old}
	return append(spaces, h.Extra...)
}

// SpaceByNumber finds a space by its serialized spaceNumber.
func (h *Heap) SpaceByNumber(n uint16) *Space {
	for _, s := range h.AllSpaces() {
		if s.Number == n {
			return s
		}
	}
	return nil
}

// SpaceContaining finds the space whose backing region contains addr.
func (h *Heap) SpaceContaining(addr uintptr) *Space {
	for _, s := range h.AllSpaces() {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// WellKnownSlot returns the well-known object at the given index.
func (h *Heap) WellKnownSlot(i int) oop.OOP { return h.WellKnown.PointerSlots()[i] }

// SetWellKnownSlot stores the well-known object at the given index.
func (h *Heap) SetWellKnownSlot(i int, v oop.OOP) { h.WellKnown.PointerSlots()[i] = v }

// Nil, True, False are convenience accessors for the three
// ever-present well-known immediates-as-objects.
func (h *Heap) Nil() oop.OOP   { return h.WellKnownSlot(WKNil) }
func (h *Heap) True() oop.OOP  { return h.WellKnownSlot(WKTrue) }
func (h *Heap) False() oop.OOP { return h.WellKnownSlot(WKFalse) }

// allocate carves bodySize bytes for a new object out of target,
// triggering one scavenge-and-retry if target is Eden and the first
// attempt fails, per spec.md §4.1: "If the target is Eden and
// allocation would collide, triggers a scavenge and retries once; if
// it would still fail, raises FATAL."
func (h *Heap) allocate(target *Space, bodySize uint64) (Header, error) {
	hdr, err := target.allocateObjectInSpace(bodySize)
	if err == nil {
		return hdr, nil
	}
	if target != h.Eden {
		return 0, errors.Wrapf(err, "allocate %d bytes in %s space", bodySize, target.Type)
	}
	h.Scavenge()
	hdr, err = target.allocateObjectInSpace(bodySize)
	if err != nil {
		return 0, errors.Wrapf(err, "FATAL: out of memory in Eden after scavenge (%d bytes requested)", bodySize)
	}
	return hdr, nil
}

// NewInstanceOfClass constructs a new object of the given class with
// indexedVars additional indexed slots, in the given target space.
// The behavior oop is rooted across the allocation (it may trigger a
// scavenge, which could otherwise relocate it) following the
// "DEFINE_LOCAL across allocation" discipline spec.md §4.1 mandates
// for every allocating operation.
func (h *Heap) NewInstanceOfClass(behavior oop.OOP, namedInstVars uint32, indexedVars uint64, isBytes bool, target *Space) (oop.OOP, error) {
	var bodyBytes uint64
	if isBytes {
		bodyBytes = indexedVars
	} else {
		bodyBytes = (uint64(namedInstVars) + indexedVars) * 8
	}

	hdr, err := h.allocate(target, bodyBytes)
	if err != nil {
		return 0, err
	}
	hdr.SetNamedInstVars(namedInstVars)
	hdr.SetClass(behavior)
	hdr.SetIdentityHash(oop.NewSmallInteger(randomIdentityHash()))
	if isBytes {
		hdr.SetFlag(FlagBytes)
		if indexedVars > 0 {
			hdr.SetFlag(FlagIndexed)
		}
		body := hdr.Body()
		for i := range body {
			body[i] = 0
		}
	} else {
		if indexedVars > 0 {
			hdr.SetFlag(FlagIndexed)
		}
		slots := hdr.BodySlots()
		nilOOP := h.Nil()
		for i := range slots {
			slots[i] = nilOOP
		}
	}
	if target == h.Old {
		hdr.SetFlag(FlagSpaceObject)
	}
	return hdr.OOP(), nil
}

// ClearFlagSpace / SetFlagSpace toggle bits in a Space's own flags
// word (distinct from object header flags).
func (s *Space) SetFlagSpace(f uint16)   { s.Flags |= f }
func (s *Space) ClearFlagSpace(f uint16) { s.Flags &^= f }
