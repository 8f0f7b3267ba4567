package mem

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/simberon/beaglest/internal/oop"
)

// SpaceType enumerates the kinds of memory space, matching
// object.h's EDEN_SPACE..STACK_SPACE numbering exactly (spec.md §3).
type SpaceType uint16

const (
	EdenSpace SpaceType = iota
	SurvivorSpace1
	SurvivorSpace2
	RememberedSetSpace
	WellKnownObjectsSpace
	OldSpace
	StackSpace
)

func (t SpaceType) String() string {
	switch t {
	case EdenSpace:
		return "Eden"
	case SurvivorSpace1:
		return "Survivor1"
	case SurvivorSpace2:
		return "Survivor2"
	case RememberedSetSpace:
		return "RememberedSet"
	case WellKnownObjectsSpace:
		return "WellKnownObjects"
	case OldSpace:
		return "Old"
	case StackSpace:
		return "Stack"
	default:
		return fmt.Sprintf("Space(%d)", int(t))
	}
}

// SpaceFlags, matching object.h's SPACE_* bit values exactly.
const (
	SpaceHasTopHeaders     uint16 = 1 << 0
	SpaceIsObjectSpace     uint16 = 1 << 1
	SpaceIsPointerSpace    uint16 = 1 << 2
	SpaceIsScavenged       uint16 = 1 << 3
	SpaceIsStackManaged    uint16 = 1 << 4
	SpaceIsMarkSweepManaged uint16 = 1 << 5
	SpaceHasSpaceObject    uint16 = 1 << 6
	SpaceIsCurrentSpace    uint16 = 1 << 7
)

// ErrOutOfMemory is returned (and wrapped with context) when a space
// cannot satisfy an allocation request, per spec.md §4.1.
var ErrOutOfMemory = errors.New("OUT_OF_MEMORY")

// Space is a single partition of the heap: a contiguous, page-backed
// byte region plus the bookkeeping needed to carve headers and bodies
// out of it. It is backed by an anonymous mmap rather than a Go slice
// so that the Go runtime's own garbage collector never scans (or
// moves) Smalltalk object pointers as if they were Go pointers —
// mirroring tinyrange-rtg's std/runtime.Alloc, which bump-allocates
// directly over an mmap'd region instead of the Go heap.
type Space struct {
	Type            SpaceType
	Number          uint16
	Flags           uint16
	RememberedSetNo uint16

	bytes []byte // mmap'd backing store, len == capacity

	// Object-space cursors (headers and bodies share one region but
	// grow from opposite ends; see allocateObjectInSpace).
	headerCursor uint64 // bytes consumed by headers so far, from the "header" end
	bodyCursor   uint64 // bytes consumed by bodies so far, from the "body" end
}

// NewSpace mmaps a fresh region of byteSize bytes and returns the
// Space wrapping it. byteSize is rounded up to the OS page size by
// mmap itself.
func NewSpace(t SpaceType, number uint16, flags uint16, byteSize uint64) (*Space, error) {
	buf, err := unix.Mmap(-1, 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "mmap %d bytes for %s space: %v", byteSize, t, err)
	}
	return &Space{Type: t, Number: number, Flags: flags, bytes: buf}, nil
}

// Close releases the space's backing memory.
func (s *Space) Close() error {
	if s.bytes == nil {
		return nil
	}
	err := unix.Munmap(s.bytes)
	s.bytes = nil
	return err
}

// SizeBytes returns the total capacity of the space.
func (s *Space) SizeBytes() uint64 { return uint64(len(s.bytes)) }

// Base returns the real address of the space's first byte, used to
// translate a byte offset (as used by the image codec's offset form)
// into a live pointer and back.
func (s *Space) Base() uintptr {
	if len(s.bytes) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.bytes[0]))
}

// OffsetOf returns addr's byte offset within this space, or false if
// addr does not lie within it.
func (s *Space) OffsetOf(addr uintptr) (uint64, bool) {
	base := s.Base()
	if addr < base || addr >= base+uintptr(len(s.bytes)) {
		return 0, false
	}
	return uint64(addr - base), true
}

// Contains reports whether addr lies within this space's backing
// region.
func (s *Space) Contains(addr uintptr) bool {
	_, ok := s.OffsetOf(addr)
	return ok
}

// HasTopHeaders reports whether headers in this space grow downward
// from the high end (the stack space) rather than upward from the low
// end (ordinary object spaces).
func (s *Space) HasTopHeaders() bool { return s.Flags&SpaceHasTopHeaders == SpaceHasTopHeaders }

// IsObjectSpace reports whether this space stores header+body
// objects (as opposed to a flat oop array, e.g. RememberedSet).
func (s *Space) IsObjectSpace() bool { return s.Flags&SpaceIsObjectSpace == SpaceIsObjectSpace }

// IsPointerSpace reports whether this space is a flat array of oop
// slots (RememberedSet, WellKnownObjects) rather than header+body
// objects.
func (s *Space) IsPointerSpace() bool { return s.Flags&SpaceIsPointerSpace == SpaceIsPointerSpace }

// FreeBytes reports how much room remains between the header and
// body cursors.
func (s *Space) FreeBytes() uint64 {
	used := s.headerCursor + s.bodyCursor
	if used >= s.SizeBytes() {
		return 0
	}
	return s.SizeBytes() - used
}

// Reset clears both cursors, logically emptying the space (used when
// Eden is cleared after a scavenge, and to repurpose Eden as the
// global GC's mark queue backing store).
func (s *Space) Reset() {
	s.headerCursor = 0
	s.bodyCursor = 0
}

// align8 rounds n up to the next multiple of 8, as spec.md §4.1
// requires of every allocation.
func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// allocateObjectInSpace carves a new header+body pair of bodySize
// body bytes (rounded up here to 8-byte alignment) out of s. Headers and bodies grow from opposite ends of the space; see
// the Space doc comment and spec.md §4.1's "top header space" note.
//
// It returns ErrOutOfMemory (undecorated; the caller, typically
// Heap.allocate, is responsible for triggering a scavenge/retry or
// escalating to FATAL per spec.md §4.1) when there is no room.
func (s *Space) allocateObjectInSpace(bodySize uint64) (Header, error) {
	bodySize = align8(bodySize)
	need := HeaderSize + bodySize + 8 // +8 for the body's trailing back-pointer word
	if s.FreeBytes() < need {
		return 0, ErrOutOfMemory
	}

	var headerAddr, bodyAddr uintptr
	if s.HasTopHeaders() {
		s.headerCursor += HeaderSize
		headerAddr = s.Base() + uintptr(s.SizeBytes()-s.headerCursor)
		bodyAddr = s.Base() + uintptr(s.bodyCursor)
		s.bodyCursor += bodySize + 8
	} else {
		headerAddr = s.Base() + uintptr(s.headerCursor)
		s.headerCursor += HeaderSize
		s.bodyCursor += bodySize + 8
		bodyAddr = s.Base() + uintptr(s.SizeBytes()-s.bodyCursor)
	}

	h := HeaderAt(headerAddr)
	h.SetSize(bodySize)
	h.SetFlags(0)
	h.SetFlips(0)
	h.SetNamedInstVars(0)
	h.SetClass(0)
	h.SetIdentityHash(0)
	h.SetBodyPointer(oop.PointerFromAddress(bodyAddr))
	h.RepairBackPointer()
	return h, nil
}

// EnumerateObjects calls fn for every header currently allocated in
// the space, FREE ones included (callers filter them), respecting the
// space's top-vs-bottom header growth convention.
func (s *Space) EnumerateObjects(fn func(Header) bool) {
	base := s.Base()
	if s.HasTopHeaders() {
		top := s.SizeBytes()
		for off := top - HeaderSize; s.headerCursor > 0 && off >= top-s.headerCursor; off -= HeaderSize {
			if !fn(HeaderAt(base + uintptr(off))) {
				return
			}
			if off < HeaderSize {
				break
			}
		}
		return
	}
	for off := uint64(0); off < s.headerCursor; off += HeaderSize {
		if !fn(HeaderAt(base + uintptr(off))) {
			return
		}
	}
}

// PointerSlots views a flat oop-array space (RememberedSet,
// WellKnownObjects) as a slice of oop slots.
func (s *Space) PointerSlots() []oop.OOP {
	return unsafe.Slice((*oop.OOP)(unsafe.Pointer(&s.bytes[0])), len(s.bytes)/8)
}

// RawBytes exposes the space's full mmap'd backing region, used by
// the image codec to read/write the raw wire form directly.
func (s *Space) RawBytes() []byte { return s.bytes }

// LiveHeaderBytes reports how many bytes of the header region are
// currently in use, so a serializer can bound its walk to live
// headers instead of the space's full (often much larger) capacity.
func (s *Space) LiveHeaderBytes() uint64 { return s.headerCursor }

// LiveBodyBytes reports how many bytes of the body region are
// currently in use.
func (s *Space) LiveBodyBytes() uint64 { return s.bodyCursor }

// SetCursors restores the header/body cursors, used when loading an
// image to reconstruct a space's allocation state from its saved
// header fields.
func (s *Space) SetCursors(headerBytes, bodyBytes uint64) {
	s.headerCursor = headerBytes
	s.bodyCursor = bodyBytes
}

// TruncateTo rolls the header/body cursors back to the state they were
// in immediately before hdr was allocated, reclaiming hdr itself and
// everything allocated after it. Used by a stack-managed space (spec.md
// §4.4 "truncate the stack space to just above the old frame") when a
// context returns: hdr is the returning context's own header, and the
// stack discipline of sends/returns guarantees nothing still live was
// allocated after it.
func (s *Space) TruncateTo(hdr Header) {
	headerAddr := uintptr(hdr)
	bodyAddr := hdr.BodyPointer().Address()
	bodySize := hdr.BodyByteLen()
	base := s.Base()
	if s.HasTopHeaders() {
		s.headerCursor = s.SizeBytes() - uint64(headerAddr-base) - HeaderSize
		s.bodyCursor = uint64(bodyAddr - base)
	} else {
		s.headerCursor = uint64(headerAddr - base)
		s.bodyCursor = s.SizeBytes() - uint64(bodyAddr-base) - (bodySize + 8)
	}
}
