package mem

import (
	"testing"

	"github.com/simberon/beaglest/internal/oop"
)

func testHeap(t *testing.T) *Heap {
	t.Helper()
	sizes := HeapSizes{Eden: 64 * 1024, Survivor: 32 * 1024, Old: 64 * 1024, Stack: 64 * 1024, RememberedSetSlots: 256}
	h, err := NewHeap(sizes, nil)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	h.SetWellKnownSlot(WKNil, oop.PointerFromAddress(0x1000))
	return h
}

func TestNewHeapSpaceOrder(t *testing.T) {
	h := testHeap(t)
	spaces := h.AllSpaces()
	want := []SpaceType{EdenSpace, SurvivorSpace1, SurvivorSpace2, RememberedSetSpace, WellKnownObjectsSpace, StackSpace, OldSpace}
	if len(spaces) != len(want) {
		t.Fatalf("AllSpaces: got %d spaces, want %d", len(spaces), len(want))
	}
	for i, sp := range spaces {
		if sp.Type != want[i] {
			t.Fatalf("AllSpaces[%d]: got %s, want %s", i, sp.Type, want[i])
		}
	}
}

func TestWellKnownSlotRoundTrip(t *testing.T) {
	h := testHeap(t)
	v := oop.NewSmallInteger(42)
	h.SetWellKnownSlot(WKStartSelector, v)
	if got := h.WellKnownSlot(WKStartSelector); got != v {
		t.Fatalf("WellKnownSlot round trip: got %v, want %v", got, v)
	}
}

func TestSpaceOffsetOf(t *testing.T) {
	sp, err := NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, 4096)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	base := sp.Base()
	off, ok := sp.OffsetOf(base)
	if !ok || off != 0 {
		t.Fatalf("OffsetOf(base): got (%d,%v), want (0,true)", off, ok)
	}
	off, ok = sp.OffsetOf(base + 100)
	if !ok || off != 100 {
		t.Fatalf("OffsetOf(base+100): got (%d,%v), want (100,true)", off, ok)
	}
	_, ok = sp.OffsetOf(base - 1)
	if ok {
		t.Fatal("OffsetOf(base-1) should be out of range")
	}
	_, ok = sp.OffsetOf(base + uintptr(sp.SizeBytes()))
	if ok {
		t.Fatal("OffsetOf(base+size) should be out of range (one past the end)")
	}
}

func TestAllocateObjectInSpaceAndHeaderAccessors(t *testing.T) {
	sp, err := NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, 64*1024)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	hdr, err := sp.allocateObjectInSpace(24) // 3 pointer slots
	if err != nil {
		t.Fatalf("allocateObjectInSpace: %v", err)
	}
	if hdr.Size() != 24 {
		t.Fatalf("Size: got %d, want 24", hdr.Size())
	}
	if hdr.BodyByteLen() != 24 {
		t.Fatalf("BodyByteLen: got %d, want 24", hdr.BodyByteLen())
	}

	hdr.SetClass(oop.PointerFromAddress(0x2000))
	if hdr.Class().Address() != 0x2000 {
		t.Fatalf("Class round trip failed")
	}

	slots := hdr.BodySlots()
	if len(slots) != 3 {
		t.Fatalf("BodySlots len: got %d, want 3", len(slots))
	}
	v := oop.NewSmallInteger(7)
	hdr.SetNamedSlot(1, v)
	if got := hdr.NamedSlot(1); got != v {
		t.Fatalf("NamedSlot round trip: got %v, want %v", got, v)
	}

	// Back-pointer invariant: the body's trailing word must point back
	// to the header that owns it.
	recovered := HeaderFromBody(uintptr(hdr.BodyPointer()), hdr.BodyByteLen())
	if recovered != hdr {
		t.Fatalf("HeaderFromBody: got %x, want %x", uintptr(recovered), uintptr(hdr))
	}
}

func TestHeaderFlags(t *testing.T) {
	sp, err := NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, 4096)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	hdr, err := sp.allocateObjectInSpace(8)
	if err != nil {
		t.Fatalf("allocateObjectInSpace: %v", err)
	}
	if hdr.IsFree() || hdr.IsMarked() || hdr.IsBytes() {
		t.Fatal("freshly allocated header should carry no flags")
	}
	hdr.SetFlag(FlagFree)
	if !hdr.IsFree() {
		t.Fatal("SetFlag(FlagFree) should make IsFree true")
	}
	hdr.ClearFlag(FlagFree)
	if hdr.IsFree() {
		t.Fatal("ClearFlag(FlagFree) should make IsFree false")
	}
}

func TestAllocateObjectInSpaceOutOfMemory(t *testing.T) {
	sp, err := NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, 256)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	for i := 0; i < 100; i++ {
		if _, err := sp.allocateObjectInSpace(16); err != nil {
			if err != ErrOutOfMemory {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
	}
	t.Fatal("expected allocation to eventually fail with ErrOutOfMemory")
}

func TestSpaceTruncateToTopHeaders(t *testing.T) {
	sp, err := NewSpace(StackSpace, 6, SpaceIsObjectSpace|SpaceIsStackManaged|SpaceHasTopHeaders, 4096)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	first, err := sp.allocateObjectInSpace(16)
	if err != nil {
		t.Fatalf("allocateObjectInSpace(first): %v", err)
	}
	markHeader, markBody := sp.LiveHeaderBytes(), sp.LiveBodyBytes()

	second, err := sp.allocateObjectInSpace(24)
	if err != nil {
		t.Fatalf("allocateObjectInSpace(second): %v", err)
	}

	sp.TruncateTo(second)
	if got := sp.LiveHeaderBytes(); got != markHeader {
		t.Fatalf("TruncateTo: header cursor = %d, want %d", got, markHeader)
	}
	if got := sp.LiveBodyBytes(); got != markBody {
		t.Fatalf("TruncateTo: body cursor = %d, want %d", got, markBody)
	}
	if first.Size() != 16 {
		t.Fatalf("first.Size() changed after truncating second: got %d", first.Size())
	}

	// Allocating again after truncation must reuse exactly the space
	// second occupied, not grow past it.
	third, err := sp.allocateObjectInSpace(24)
	if err != nil {
		t.Fatalf("allocateObjectInSpace(third): %v", err)
	}
	if third != second {
		t.Fatalf("TruncateTo did not free second's slot: third=%x, second=%x", uintptr(third), uintptr(second))
	}
}

func TestSpaceTruncateToBottomHeaders(t *testing.T) {
	sp, err := NewSpace(EdenSpace, 0, SpaceIsObjectSpace|SpaceIsScavenged, 4096)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	defer sp.Close()

	first, err := sp.allocateObjectInSpace(16)
	if err != nil {
		t.Fatalf("allocateObjectInSpace(first): %v", err)
	}
	markHeader, markBody := sp.LiveHeaderBytes(), sp.LiveBodyBytes()

	second, err := sp.allocateObjectInSpace(24)
	if err != nil {
		t.Fatalf("allocateObjectInSpace(second): %v", err)
	}
	_ = first

	sp.TruncateTo(second)
	if got := sp.LiveHeaderBytes(); got != markHeader {
		t.Fatalf("TruncateTo: header cursor = %d, want %d", got, markHeader)
	}
	if got := sp.LiveBodyBytes(); got != markBody {
		t.Fatalf("TruncateTo: body cursor = %d, want %d", got, markBody)
	}
}

func TestNewInstanceOfClassNilsSlots(t *testing.T) {
	h := testHeap(t)
	h.SetWellKnownSlot(WKNil, oop.PointerFromAddress(0x9999))

	class := oop.PointerFromAddress(0x1234)
	o, err := h.NewInstanceOfClass(class, 2, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("NewInstanceOfClass: %v", err)
	}
	hdr := HeaderAt(o.Address())
	if hdr.NamedInstVars() != 2 {
		t.Fatalf("NamedInstVars: got %d, want 2", hdr.NamedInstVars())
	}
	if hdr.Class() != class {
		t.Fatalf("Class: got %v, want %v", hdr.Class(), class)
	}
	for i, s := range hdr.BodySlots() {
		if s != h.Nil() {
			t.Fatalf("slot %d not nil-initialized: %v", i, s)
		}
	}
}

func TestNewInstanceOfClassBytesZeroed(t *testing.T) {
	h := testHeap(t)
	class := oop.PointerFromAddress(0x1234)
	o, err := h.NewInstanceOfClass(class, 0, 8, true, h.Eden)
	if err != nil {
		t.Fatalf("NewInstanceOfClass: %v", err)
	}
	hdr := HeaderAt(o.Address())
	if !hdr.IsBytes() {
		t.Fatal("expected FlagBytes set")
	}
	for i, b := range hdr.Body() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}
