package mem

import (
	"unsafe"

	"github.com/simberon/beaglest/internal/oop"
)

// Header flag bits, matching the original C object header exactly so
// an image produced by this codec stays bit-compatible with the
// source VM's layout (spec.md §3, original_source/src/object.h).
const (
	FlagBytes          uint16 = 1 << 0
	FlagIndexed        uint16 = 1 << 1
	FlagRelocated      uint16 = 1 << 2
	FlagFree           uint16 = 1 << 3
	FlagMark           uint16 = 1 << 4
	FlagQueuedForMark  uint16 = 1 << 5
	FlagSpaceObject    uint16 = 1 << 6
	FlagVMMigrationNew uint16 = 1 << 7
)

// rawHeader is the in-memory layout of an object header. Field order
// and width match object.h's objectHeaderStruct; Go's struct layout
// rules already pack it without padding since every field is already
// aligned to its own size and the struct ends on an 8-byte boundary.
type rawHeader struct {
	size          uint64
	flags         uint16
	flips         uint16
	namedInstVars uint32
	class         oop.OOP
	identityHash  oop.OOP
	bodyPointer   oop.OOP
}

// HeaderSize is the fixed byte size of every object header.
const HeaderSize = uint64(unsafe.Sizeof(rawHeader{}))

// Header is a handle to an object header: the header's own address,
// re-used as a value type so callers can pass it around like the oop
// it effectively is. Use Header(o.AsPointer()) to obtain one from an
// OOP known to be non-immediate.
type Header uintptr

// HeaderAt returns the Header handle for the header stored at addr.
func HeaderAt(addr uintptr) Header { return Header(addr) }

// OOP returns the plain-tagged pointer OOP referring to this header.
func (h Header) OOP() oop.OOP { return oop.PointerFromAddress(uintptr(h)) }

func (h Header) raw() *rawHeader { return (*rawHeader)(unsafe.Pointer(uintptr(h))) }

func (h Header) Size() uint64        { return h.raw().size }
func (h Header) SetSize(v uint64)    { h.raw().size = v }
func (h Header) Flags() uint16       { return h.raw().flags }
func (h Header) SetFlags(v uint16)   { h.raw().flags = v }
func (h Header) Flips() uint16       { return h.raw().flips }
func (h Header) SetFlips(v uint16)   { h.raw().flips = v }
func (h Header) NamedInstVars() uint32     { return h.raw().namedInstVars }
func (h Header) SetNamedInstVars(v uint32) { h.raw().namedInstVars = v }
func (h Header) Class() oop.OOP     { return h.raw().class }
func (h Header) SetClass(v oop.OOP) { h.raw().class = v }
func (h Header) IdentityHash() oop.OOP     { return h.raw().identityHash }
func (h Header) SetIdentityHash(v oop.OOP) { h.raw().identityHash = v }
func (h Header) BodyPointer() oop.OOP     { return h.raw().bodyPointer }
func (h Header) SetBodyPointer(v oop.OOP) { h.raw().bodyPointer = v }

func (h Header) HasFlag(f uint16) bool { return h.Flags()&f == f }
func (h Header) SetFlag(f uint16)      { h.raw().flags |= f }
func (h Header) ClearFlag(f uint16)    { h.raw().flags &^= f }

func (h Header) IsBytes() bool     { return h.HasFlag(FlagBytes) }
func (h Header) IsIndexed() bool   { return h.HasFlag(FlagIndexed) }
func (h Header) IsRelocated() bool { return h.HasFlag(FlagRelocated) }
func (h Header) IsFree() bool      { return h.HasFlag(FlagFree) }
func (h Header) IsMarked() bool    { return h.HasFlag(FlagMark) }

// Forward marks h as relocated to newHeader, storing the forwarding
// address in the class field exactly as spec.md §3 specifies ("A
// RELOCATED object's class field carries the forwarding pointer").
func (h Header) Forward(newHeader Header) {
	h.SetFlag(FlagRelocated)
	h.SetClass(newHeader.OOP())
}

// ForwardingAddress returns the header this (already RELOCATED) header
// was forwarded to.
func (h Header) ForwardingAddress() Header {
	return Header(h.Class().Address())
}

// Body returns a byte slice view over this header's body, sized to
// the header's body length (BodyByteLen, which in this codebase is
// Size() itself: Size() records the body bytes only, not header+body).
func (h Header) Body() []byte {
	n := h.BodyByteLen()
	ptr := unsafe.Pointer(uintptr(h.BodyPointer()))
	return unsafe.Slice((*byte)(ptr), n)
}

// BodyByteLen returns the number of body bytes, derived from Size()
// which this implementation defines as the body length in bytes
// (excluding the header and excluding the trailing back-pointer
// word); see Space.allocateObjectInSpace.
func (h Header) BodyByteLen() uint64 { return h.Size() }

// BodySlots views the body as an array of oop slots, valid only for
// pointer (non-bytes) objects.
func (h Header) BodySlots() []oop.OOP {
	n := h.BodyByteLen() / 8
	ptr := unsafe.Pointer(uintptr(h.BodyPointer()))
	return unsafe.Slice((*oop.OOP)(ptr), n)
}

// BackPointerAddr returns the address of the back-pointer word stored
// immediately after the body (invariant: body[totalSize] == headerAddr,
// spec.md §3).
func (h Header) BackPointerAddr() uintptr {
	return uintptr(h.BodyPointer()) + h.BodyByteLen()
}

func (h Header) backPointer() *oop.OOP {
	return (*oop.OOP)(unsafe.Pointer(h.BackPointerAddr()))
}

// RepairBackPointer writes this header's own address into its body's
// back-pointer slot; callers must call this any time a body is moved
// without moving its header (global GC body compaction) or any time a
// header is placed pointing at a pre-existing body.
func (h Header) RepairBackPointer() {
	*h.backPointer() = h.OOP()
}

// HeaderFromBody recovers the owning header from a body address and
// the body's length, via the back-pointer stored just past the body.
func HeaderFromBody(bodyAddr uintptr, bodyLen uint64) Header {
	back := (*oop.OOP)(unsafe.Pointer(bodyAddr + bodyLen))
	return Header((*back).Address())
}

// NamedSlot returns the i'th named instance variable slot.
func (h Header) NamedSlot(i uint32) oop.OOP {
	return h.BodySlots()[i]
}

// SetNamedSlot stores v into the i'th named instance variable slot.
func (h Header) SetNamedSlot(i uint32, v oop.OOP) {
	h.BodySlots()[i] = v
}

// IndexedSlot returns the i'th indexed slot (0-based, after the named
// instance variables).
func (h Header) IndexedSlot(i uint64) oop.OOP {
	return h.BodySlots()[uint64(h.NamedInstVars())+i]
}

// SetIndexedSlot stores v into the i'th indexed slot.
func (h Header) SetIndexedSlot(i uint64, v oop.OOP) {
	h.BodySlots()[uint64(h.NamedInstVars())+i] = v
}

// IndexedCount returns the number of indexed slots (for pointer
// objects: body slots beyond the named inst vars; for byte objects:
// body bytes beyond zero, since byte objects have no named vars).
func (h Header) IndexedCount() uint64 {
	if h.IsBytes() {
		return h.BodyByteLen()
	}
	return h.BodyByteLen()/8 - uint64(h.NamedInstVars())
}
