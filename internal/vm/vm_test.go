package vm

import (
	"testing"

	"github.com/simberon/beaglest/internal/bigint"
	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

func testVM(t *testing.T) *VM {
	t.Helper()
	sizes := mem.HeapSizes{Eden: 256 * 1024, Survivor: 128 * 1024, Old: 256 * 1024, Stack: 256 * 1024, RememberedSetSlots: 256}
	h, err := mem.NewHeap(sizes, nil)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	h.SetWellKnownSlot(mem.WKNil, oop.PointerFromAddress(0x1000))
	h.SetWellKnownSlot(mem.WKTrue, oop.PointerFromAddress(0x1008))
	h.SetWellKnownSlot(mem.WKFalse, oop.PointerFromAddress(0x1010))
	h.SetWellKnownSlot(mem.WKSmallIntegerClass, oop.PointerFromAddress(0x2000))
	h.SetWellKnownSlot(mem.WKCharacterClass, oop.PointerFromAddress(0x2008))
	h.SetWellKnownSlot(mem.WKFloatClass, oop.PointerFromAddress(0x2010))
	h.SetWellKnownSlot(mem.WKLargePositiveIntegerClass, oop.PointerFromAddress(0x2020))
	h.SetWellKnownSlot(mem.WKLargeNegativeIntegerClass, oop.PointerFromAddress(0x2028))
	h.SetWellKnownSlot(mem.WKCodeContextClass, oop.PointerFromAddress(0x2030))
	return New(h, nil)
}

func TestClassOfImmediates(t *testing.T) {
	v := testVM(t)
	if got := v.classOf(oop.NewSmallInteger(5)); got != v.wellKnown(mem.WKSmallIntegerClass) {
		t.Fatalf("classOf(SmallInteger): got %v", got)
	}
	if got := v.classOf(oop.NewCharacter('a')); got != v.wellKnown(mem.WKCharacterClass) {
		t.Fatalf("classOf(Character): got %v", got)
	}
	if got := v.classOf(oop.NewFloat(1.5)); got != v.wellKnown(mem.WKFloatClass) {
		t.Fatalf("classOf(Float): got %v", got)
	}
}

func TestReduceLargeIntRoundTrip(t *testing.T) {
	v := testVM(t)

	small := v.reduceLargeInt(bigint.FromInt64(42))
	if !small.IsSmallInteger() || small.SmallIntegerValue() != 42 {
		t.Fatalf("reduceLargeInt(42): got %v, want immediate 42", small)
	}

	big := bigint.Mul(bigint.FromInt64(1<<40), bigint.FromInt64(1<<40))
	o := v.reduceLargeInt(big)
	if o.IsImmediate() {
		t.Fatalf("reduceLargeInt: expected a boxed LargeInteger, got immediate %v", o)
	}
	hdr := mem.HeaderForOOP(o)
	if hdr.Class() != v.wellKnown(mem.WKLargePositiveIntegerClass) {
		t.Fatalf("reduceLargeInt: wrong class for positive overflow")
	}
	back := v.largeIntValue(o)
	if bigint.Cmp(back, big) != 0 {
		t.Fatalf("largeIntValue round trip: got %+v, want %+v", back, big)
	}

	negBig := bigint.Sub(bigint.FromInt64(0), big)
	negO := v.reduceLargeInt(negBig)
	negHdr := mem.HeaderForOOP(negO)
	if negHdr.Class() != v.wellKnown(mem.WKLargeNegativeIntegerClass) {
		t.Fatalf("reduceLargeInt: wrong class for negative overflow")
	}
	negBack := v.largeIntValue(negO)
	if bigint.Cmp(negBack, negBig) != 0 {
		t.Fatalf("largeIntValue round trip (negative): got %+v, want %+v", negBack, negBig)
	}
}

func TestSmallIntOverflowBoundaries(t *testing.T) {
	if smallIntOverflows(oop.SmallIntegerMax) {
		t.Fatal("SmallIntegerMax should not overflow")
	}
	if smallIntOverflows(oop.SmallIntegerMin) {
		t.Fatal("SmallIntegerMin should not overflow")
	}
	if !smallIntOverflows(oop.SmallIntegerMax + 1) {
		t.Fatal("SmallIntegerMax+1 should overflow")
	}
	if !smallIntOverflows(oop.SmallIntegerMin - 1) {
		t.Fatal("SmallIntegerMin-1 should overflow")
	}
}

func TestFitsThirtyBits(t *testing.T) {
	if !fitsThirtyBits((1 << 30) - 1) {
		t.Fatal("(1<<30)-1 should fit thirty bits")
	}
	if fitsThirtyBits(1 << 30) {
		t.Fatal("1<<30 should not fit thirty bits")
	}
	if !fitsThirtyBits(-(1 << 30) + 1) {
		t.Fatal("-(1<<30)+1 should fit thirty bits")
	}
	if fitsThirtyBits(-(1 << 30)) {
		t.Fatal("-(1<<30) should not fit thirty bits")
	}
}

// allocMethod builds a minimal CompiledMethod object with the given
// bytecodes and stack-needed count, enough for newContext to activate.
func allocMethod(t *testing.T, v *VM, bytecodes []byte, stackNeeded int64) oop.OOP {
	t.Helper()
	h := v.heap
	codeBytes, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x3000), 0, uint64(len(bytecodes)), true, h.Eden)
	if err != nil {
		t.Fatalf("alloc bytecodes: %v", err)
	}
	copy(mem.HeaderForOOP(codeBytes).Body(), bytecodes)

	method, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x3008), MethodFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc method: %v", err)
	}
	hdr := mem.HeaderForOOP(method)
	hdr.SetNamedSlot(MethodBytecodes, codeBytes)
	hdr.SetNamedSlot(MethodStackNeeded, oop.NewSmallInteger(stackNeeded))
	hdr.SetNamedSlot(MethodNumArgs, oop.NewSmallInteger(0))
	return method
}

func TestNewContextAndStackOps(t *testing.T) {
	v := testVM(t)
	method := allocMethod(t, v, []byte{0x90, 0x90}, 4)

	hdr, err := v.newContext(0, method, 0)
	if err != nil {
		t.Fatalf("newContext: %v", err)
	}
	if hdr.NamedSlot(CtxMethod) != method {
		t.Fatal("newContext: method slot not set")
	}
	if hdr.NamedSlot(CtxFrame) != 0 {
		t.Fatal("newContext: frame should be the zero sentinel passed in")
	}

	fc := &fastContext{}
	fc.activate(hdr, v.heap.Stack)
	if fc.pcOffset != 0 || fc.stackOffset != 0 {
		t.Fatalf("freshly activated context should start at pc=0, sp=0; got pc=%d sp=%d", fc.pcOffset, fc.stackOffset)
	}

	fc.push(oop.NewSmallInteger(10))
	fc.push(oop.NewSmallInteger(20))
	if got := fc.peek(0); got.SmallIntegerValue() != 20 {
		t.Fatalf("peek(0): got %v, want 20", got)
	}
	if got := fc.peek(1); got.SmallIntegerValue() != 10 {
		t.Fatalf("peek(1): got %v, want 10", got)
	}
	if got := fc.pop(); got.SmallIntegerValue() != 20 {
		t.Fatalf("pop: got %v, want 20", got)
	}
	if got := fc.pop(); got.SmallIntegerValue() != 10 {
		t.Fatalf("pop: got %v, want 10", got)
	}

	fc.syncToHeap()
	if hdr.NamedSlot(CtxStackOffset).SmallIntegerValue() != 0 {
		t.Fatal("syncToHeap did not persist stackOffset")
	}
}

// TestDoReturnReclaimsStackSpace is a regression test for a bug where
// returning from a context only updated logical stackOffset/pcOffset
// bookkeeping and never rolled back the Stack space's own allocation
// cursors, so Stack grew without bound across repeated sends/returns.
func TestDoReturnReclaimsStackSpace(t *testing.T) {
	v := testVM(t)
	method := allocMethod(t, v, []byte{0x90}, 1)

	baseHeader := v.heap.Stack.LiveHeaderBytes()
	baseBody := v.heap.Stack.LiveBodyBytes()

	for i := 0; i < 1000; i++ {
		hdr, err := v.newContext(0, method, 0)
		if err != nil {
			t.Fatalf("newContext iteration %d: %v", i, err)
		}
		v.fc.activate(hdr, v.heap.Stack)
		v.fc.push(oop.NewSmallInteger(0))
		v.doReturn()

		if got := v.heap.Stack.LiveHeaderBytes(); got != baseHeader {
			t.Fatalf("iteration %d: Stack header cursor leaked: got %d, want %d", i, got, baseHeader)
		}
		if got := v.heap.Stack.LiveBodyBytes(); got != baseBody {
			t.Fatalf("iteration %d: Stack body cursor leaked: got %d, want %d", i, got, baseBody)
		}
	}
}

// TestDoNonLocalReturnTruncatesToHome checks that a non-local return
// rolls the Stack space back to just above the home context's caller,
// discarding home itself and every frame allocated after it (not just
// the block activation that issued the return).
func TestDoNonLocalReturnTruncatesToHome(t *testing.T) {
	v := testVM(t)
	method := allocMethod(t, v, []byte{0x90}, 1)

	markHeader, markBody := v.heap.Stack.LiveHeaderBytes(), v.heap.Stack.LiveBodyBytes()
	homeHdr, err := v.newContext(0, method, 0)
	if err != nil {
		t.Fatalf("newContext(home): %v", err)
	}

	if _, err := v.newContext(homeHdr.OOP().WithContextPointerTag(), method, 0); err != nil {
		t.Fatalf("newContext(intervening): %v", err)
	}
	blockCtx, err := v.newContext(homeHdr.OOP().WithContextPointerTag(), method, homeHdr.OOP().WithContextPointerTag())
	if err != nil {
		t.Fatalf("newContext(block): %v", err)
	}

	v.fc.activate(blockCtx, v.heap.Stack)
	v.fc.push(oop.NewSmallInteger(0))
	if err := v.doNonLocalReturn(); err != nil {
		t.Fatalf("doNonLocalReturn: %v", err)
	}

	if got := v.heap.Stack.LiveHeaderBytes(); got != markHeader {
		t.Fatalf("doNonLocalReturn: header cursor = %d, want %d (home and intervening frame should be discarded)", got, markHeader)
	}
	if got := v.heap.Stack.LiveBodyBytes(); got != markBody {
		t.Fatalf("doNonLocalReturn: body cursor = %d, want %d", got, markBody)
	}
}

func TestBytecodeFetch(t *testing.T) {
	v := testVM(t)
	method := allocMethod(t, v, []byte{0x01, 0x02, 0x03, 0x04}, 0)
	hdr, err := v.newContext(0, method, 0)
	if err != nil {
		t.Fatalf("newContext: %v", err)
	}
	fc := &fastContext{}
	fc.activate(hdr, v.heap.Stack)

	if b := fc.fetchByte(); b != 0x01 {
		t.Fatalf("fetchByte: got %x, want 01", b)
	}
	if w := fc.fetch16(); w != 0x0302 {
		t.Fatalf("fetch16: got %x, want 0302", w)
	}
	if fc.pcOffset != 3 {
		t.Fatalf("pcOffset after fetches: got %d, want 3", fc.pcOffset)
	}
}

// buildDictionary constructs an IdentityDictionary-shaped object whose
// DictValues array holds a single Association mapping selector->method.
func buildDictionary(t *testing.T, v *VM, selector, method oop.OOP, slots int) oop.OOP {
	t.Helper()
	h := v.heap

	assoc, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4000), AssocFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc assoc: %v", err)
	}
	assocHdr := mem.HeaderForOOP(assoc)
	assocHdr.SetNamedSlot(AssocKey, selector)
	assocHdr.SetNamedSlot(AssocValue, method)

	values, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4008), 0, uint64(slots), false, h.Eden)
	if err != nil {
		t.Fatalf("alloc values array: %v", err)
	}
	idx := int(uint64(selectorHash(selector)) % uint64(slots))
	mem.HeaderForOOP(values).SetIndexedSlot(uint64(idx), assoc)

	dict, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4010), DictFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc dict: %v", err)
	}
	dictHdr := mem.HeaderForOOP(dict)
	dictHdr.SetNamedSlot(DictValues, values)
	dictHdr.SetNamedSlot(DictTally, oop.NewSmallInteger(1))
	return dict
}

// allocSymbol allocates a byte object standing in for a Symbol, with a
// deterministic identity hash so selectorHash is reproducible.
func allocSymbol(t *testing.T, v *VM, s string, hash int64) oop.OOP {
	t.Helper()
	o, err := v.heap.NewInstanceOfClass(oop.PointerFromAddress(0x5000), 0, uint64(len(s)), true, v.heap.Eden)
	if err != nil {
		t.Fatalf("alloc symbol: %v", err)
	}
	hdr := mem.HeaderForOOP(o)
	copy(hdr.Body(), s)
	hdr.SetIdentityHash(oop.NewSmallInteger(hash))
	return o
}

func TestDictLookupAndSuperclassChain(t *testing.T) {
	v := testVM(t)
	h := v.heap

	selector := allocSymbol(t, v, "foo", 7)
	method := allocMethod(t, v, []byte{0x90}, 0)
	dict := buildDictionary(t, v, selector, method, 8)

	if got, ok := v.dictLookup(dict, selector); !ok || got != method {
		t.Fatalf("dictLookup: got (%v,%v), want (%v,true)", got, ok, method)
	}

	missing := allocSymbol(t, v, "bar", 9)
	if _, ok := v.dictLookup(dict, missing); ok {
		t.Fatal("dictLookup found a selector that was never inserted")
	}

	// superclass chain: subclass has an empty dictionary and must walk
	// up to superclass to find the method.
	emptyValues, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4020), 0, 4, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc empty values: %v", err)
	}
	emptyDict, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4028), DictFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc empty dict: %v", err)
	}
	mem.HeaderForOOP(emptyDict).SetNamedSlot(DictValues, emptyValues)

	superclass, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4030), BehaviorCommonFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc superclass: %v", err)
	}
	superHdr := mem.HeaderForOOP(superclass)
	superHdr.SetNamedSlot(BehaviorMethodDictionary, dict)
	superHdr.SetNamedSlot(BehaviorSuperclass, h.Nil())

	subclass, err := h.NewInstanceOfClass(oop.PointerFromAddress(0x4038), BehaviorCommonFields, 0, false, h.Eden)
	if err != nil {
		t.Fatalf("alloc subclass: %v", err)
	}
	subHdr := mem.HeaderForOOP(subclass)
	subHdr.SetNamedSlot(BehaviorMethodDictionary, emptyDict)
	subHdr.SetNamedSlot(BehaviorSuperclass, superclass)

	got, definer, err := v.lookupFrom(subclass, selector)
	if err != nil {
		t.Fatalf("lookupFrom: unexpected error %v", err)
	}
	if got != method {
		t.Fatalf("lookupFrom: got method %v, want %v", got, method)
	}
	if definer != superclass {
		t.Fatalf("lookupFrom: defining class = %v, want superclass %v", definer, superclass)
	}

	if _, _, err := v.lookupFrom(subclass, missing); err != ErrMessageNotUnderstood {
		t.Fatalf("lookupFrom(missing): got err=%v, want ErrMessageNotUnderstood", err)
	}
}
